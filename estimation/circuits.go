package estimation

import (
	"fmt"

	"github.com/qforge-team/gst-engine/circuit"
	"github.com/qforge-team/gst-engine/model"
)

// Design fixes the experiment structure of a GST run: the informationally
// complete fiducial sets, the amplifying germs, and the increasing sequence
// of circuit-length budgets.
type Design struct {
	PrepFids []*circuit.Circuit
	MeasFids []*circuit.Circuit
	Germs    []*circuit.Circuit
	Lengths  []int
}

func (d Design) validate() error {
	if len(d.PrepFids) == 0 || len(d.MeasFids) == 0 {
		return fmt.Errorf("design needs preparation and measurement fiducials")
	}
	if len(d.Germs) == 0 {
		return fmt.Errorf("design needs at least one germ")
	}
	if len(d.Lengths) == 0 {
		return fmt.Errorf("design needs at least one length budget")
	}
	prev := 0
	for _, l := range d.Lengths {
		if l <= prev {
			return fmt.Errorf("length budgets must be strictly increasing, got %v", d.Lengths)
		}
		prev = l
	}
	for _, g := range d.Germs {
		if g.Depth() == 0 {
			return fmt.Errorf("germs must be non-empty circuits")
		}
	}
	return nil
}

// MakeLSGSTLists builds one circuit list per length budget. Each list holds
// fiducial pairs plus prepFid · germ^⌊L/|germ|⌋ · measFid sandwiches, and is
// the union of all shorter lists, so lists are nested and deterministically
// ordered.
func MakeLSGSTLists(d Design) ([][]*circuit.Circuit, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var cur []*circuit.Circuit
	add := func(c *circuit.Circuit) {
		if !seen[c.Key()] {
			seen[c.Key()] = true
			cur = append(cur, c)
		}
	}

	// Base experiments: bare fiducials and fiducial pairs.
	for _, f := range d.PrepFids {
		add(f)
	}
	for _, f := range d.MeasFids {
		add(f)
	}
	for _, fi := range d.PrepFids {
		for _, fj := range d.MeasFids {
			add(fi.Append(fj))
		}
	}

	out := make([][]*circuit.Circuit, 0, len(d.Lengths))
	for _, budget := range d.Lengths {
		for _, germ := range d.Germs {
			power := budget / germ.Depth()
			if power < 1 {
				continue
			}
			repeated := germ.Repeat(power)
			for _, fi := range d.PrepFids {
				for _, fj := range d.MeasFids {
					add(fi.Append(repeated).Append(fj))
				}
			}
		}
		out = append(out, append([]*circuit.Circuit(nil), cur...))
	}
	return out, nil
}

// ExperimentList is the full set of circuits a GST run reads: the LGST
// fiducial sandwiches around every operation label plus the final (largest)
// long-sequence list. Use it to drive data collection or simulation.
func ExperimentList(target *model.Model, d Design) ([]*circuit.Circuit, error) {
	lists, err := MakeLSGSTLists(d)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []*circuit.Circuit
	add := func(c *circuit.Circuit) {
		if !seen[c.Key()] {
			seen[c.Key()] = true
			out = append(out, c)
		}
	}
	for _, c := range lists[len(lists)-1] {
		add(c)
	}
	labels := append(target.OpLabels(), target.InstrumentLabels()...)
	for _, label := range labels {
		mid, err := circuit.Parse(label)
		if err != nil {
			return nil, fmt.Errorf("op label %s: %w", label, err)
		}
		for _, fi := range d.PrepFids {
			for _, fj := range d.MeasFids {
				add(fi.Append(mid).Append(fj))
			}
		}
	}
	for _, c := range out {
		if err := target.Validate(c); err != nil {
			return nil, fmt.Errorf("circuit %s: %w", c.String(), err)
		}
	}
	return out, nil
}
