package dataset

import (
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/pretty"
	"go.uber.org/zap"

	"github.com/qforge-team/gst-engine/circuit"
)

// Row holds the outcome counts observed for a single circuit. Outcomes that
// were never observed carry no entry.
type Row map[string]int64

func (r Row) Total() int64 {
	var n int64
	for _, c := range r {
		n += c
	}
	return n
}

// Labels returns the row's outcome labels in sorted order.
func (r Row) Labels() []string {
	labels := make([]string, 0, len(r))
	for l := range r {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

func (r Row) Copy() Row {
	cp := make(Row, len(r))
	for l, c := range r {
		cp[l] = c
	}
	return cp
}

// DataSet maps circuits to outcome-count rows, preserving the order in which
// circuits were first added. A DataSet starts open for accumulation and is
// sealed with Done(); mutating a finalized set is an error.
type DataSet struct {
	rows     map[string]Row
	circuits []*circuit.Circuit
	index    map[string]*circuit.Circuit
	done     bool
}

func New() *DataSet {
	return &DataSet{
		rows:  map[string]Row{},
		index: map[string]*circuit.Circuit{},
	}
}

// AddCount accumulates n observations of the given outcome for the circuit.
func (ds *DataSet) AddCount(c *circuit.Circuit, outcome string, n int64) error {
	if ds.done {
		return fmt.Errorf("dataset is finalized")
	}
	if n < 0 {
		return fmt.Errorf("negative count %d for outcome %s", n, outcome)
	}
	key := c.Key()
	row, ok := ds.rows[key]
	if !ok {
		row = Row{}
		ds.rows[key] = row
		ds.circuits = append(ds.circuits, c)
		ds.index[key] = c
	}
	row[outcome] += n
	return nil
}

// AddRow accumulates a whole outcome-count row for the circuit.
func (ds *DataSet) AddRow(c *circuit.Circuit, row Row) error {
	for outcome, n := range row {
		if err := ds.AddCount(c, outcome, n); err != nil {
			return err
		}
	}
	return nil
}

// Done seals the dataset. Further AddCount calls fail.
func (ds *DataSet) Done() {
	ds.done = true
	zap.L().Debug(fmt.Sprintf("finalized dataset with %d circuits", len(ds.circuits)))
}

func (ds *DataSet) IsDone() bool { return ds.done }

// Counts returns a copy of the row for the circuit, or an empty row when the
// circuit has no data.
func (ds *DataSet) Counts(c *circuit.Circuit) Row {
	row, ok := ds.rows[c.Key()]
	if !ok {
		return Row{}
	}
	return row.Copy()
}

func (ds *DataSet) Contains(c *circuit.Circuit) bool {
	_, ok := ds.rows[c.Key()]
	return ok
}

func (ds *DataSet) TotalCount(c *circuit.Circuit) int64 {
	return ds.rows[c.Key()].Total()
}

// Frequency returns the observed fraction for one outcome of a circuit.
// Circuits with no data report zero.
func (ds *DataSet) Frequency(c *circuit.Circuit, outcome string) float64 {
	row, ok := ds.rows[c.Key()]
	if !ok {
		return 0
	}
	total := row.Total()
	if total == 0 {
		return 0
	}
	return float64(row[outcome]) / float64(total)
}

// Circuits returns the stored circuits in first-insertion order.
func (ds *DataSet) Circuits() []*circuit.Circuit {
	return append([]*circuit.Circuit(nil), ds.circuits...)
}

func (ds *DataSet) Len() int { return len(ds.circuits) }

// OutcomeLabels returns the union of outcome labels across all rows, sorted.
func (ds *DataSet) OutcomeLabels() []string {
	seen := map[string]struct{}{}
	for _, row := range ds.rows {
		for l := range row {
			seen[l] = struct{}{}
		}
	}
	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

func (ds *DataSet) String() string {
	summary := struct {
		Circuits int      `json:"circuits"`
		Outcomes []string `json:"outcomes"`
		Done     bool     `json:"done"`
	}{ds.Len(), ds.OutcomeLabels(), ds.done}
	bytes, err := jsoniter.Marshal(summary)
	if err != nil {
		zap.L().Error(fmt.Sprintf("failed to marshal dataset summary (%s)", err))
		return ""
	}
	return string(pretty.Pretty(bytes))
}
