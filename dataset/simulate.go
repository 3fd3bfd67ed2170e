package dataset

import (
	"fmt"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/qforge-team/gst-engine/circuit"
	"github.com/qforge-team/gst-engine/model"
)

// Simulate draws synthetic counts from the model's outcome distributions:
// shots per circuit are sampled multinomially with a deterministic seed. The
// returned dataset is finalized.
func Simulate(m *model.Model, circuits []*circuit.Circuit, shots int64, seed int64) (*DataSet, error) {
	if shots <= 0 {
		return nil, fmt.Errorf("shots must be positive, got %d", shots)
	}
	rng := rand.New(rand.NewSource(seed))
	ds := New()
	for _, c := range circuits {
		probs, err := m.Probabilities(c)
		if err != nil {
			return nil, fmt.Errorf("failed to simulate circuit %s (%s)", c.String(), err)
		}
		row := sampleMultinomial(rng, probs, shots)
		if err := ds.AddRow(c, row); err != nil {
			return nil, err
		}
	}
	ds.Done()
	zap.L().Debug(fmt.Sprintf("simulated %d circuits at %d shots each (seed=%d)", len(circuits), shots, seed))
	return ds, nil
}

func sampleMultinomial(rng *rand.Rand, probs model.OutcomeMap, shots int64) Row {
	labels := make([]string, 0, len(probs))
	for l := range probs {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	cum := make([]float64, len(labels))
	total := 0.0
	for i, l := range labels {
		p := probs[l]
		if p < 0 {
			p = 0
		}
		total += p
		cum[i] = total
	}

	row := Row{}
	for s := int64(0); s < shots; s++ {
		u := rng.Float64() * total
		idx := sort.SearchFloat64s(cum, u)
		if idx >= len(labels) {
			idx = len(labels) - 1
		}
		row[labels[idx]]++
	}
	return row
}
