package dataset

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/qforge-team/gst-engine/circuit"
	"github.com/qforge-team/gst-engine/common"
)

const columnsPrefix = "## Columns ="

// notMeasured marks an outcome column with no data for a circuit.
const notMeasured = "--"

// ParseColumnsHeader extracts the outcome labels from a columns directive
// like "## Columns = 0 count, 1 count".
func ParseColumnsHeader(line string) ([]string, error) {
	body := strings.TrimSpace(strings.TrimPrefix(line, columnsPrefix))
	if body == "" {
		return nil, fmt.Errorf("empty columns directive")
	}
	var labels []string
	for _, col := range strings.Split(body, ",") {
		fields := strings.Fields(col)
		if len(fields) != 2 || fields[1] != "count" {
			return nil, fmt.Errorf("malformed column %q, want \"<outcome> count\"", strings.TrimSpace(col))
		}
		labels = append(labels, fields[0])
	}
	return labels, nil
}

// Read parses the dataset text format from a reader. The dataset is returned
// finalized.
func Read(r *bufio.Scanner) (*DataSet, error) {
	ds := New()
	var labels []string
	lineno := 0
	for r.Scan() {
		lineno++
		line := strings.TrimSpace(r.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, columnsPrefix) {
			parsed, err := ParseColumnsHeader(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno, err)
			}
			labels = parsed
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if labels == nil {
			return nil, fmt.Errorf("line %d: data row before columns directive", lineno)
		}
		fields := strings.Fields(line)
		if len(fields) < len(labels)+1 {
			return nil, fmt.Errorf("line %d: want circuit plus %d counts, got %d fields", lineno, len(labels), len(fields))
		}
		counts := fields[len(fields)-len(labels):]
		c, err := circuit.Parse(strings.Join(fields[:len(fields)-len(labels)], " "))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		for i, tok := range counts {
			if tok == notMeasured {
				continue
			}
			n, err := strconv.ParseInt(tok, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad count %q for outcome %s", lineno, tok, labels[i])
			}
			if err := ds.AddCount(c, labels[i], n); err != nil {
				return nil, err
			}
		}
		if !ds.Contains(c) {
			// Keep the circuit even when every column is unmeasured.
			if err := ds.AddCount(c, labels[0], 0); err != nil {
				return nil, err
			}
			delete(ds.rows[c.Key()], labels[0])
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset (%s)", err)
	}
	ds.Done()
	return ds, nil
}

// ReadFile loads a dataset from a text file.
func ReadFile(path string) (*DataSet, error) {
	text, err := common.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file %s (%s)", path, err)
	}
	ds, err := Read(bufio.NewScanner(strings.NewReader(text)))
	if err != nil {
		return nil, fmt.Errorf("dataset file %s: %w", path, err)
	}
	zap.L().Debug(fmt.Sprintf("loaded %d circuits from %s", ds.Len(), path))
	return ds, nil
}

// Write renders the dataset in the text format. Columns cover the union of
// all outcome labels; circuits missing an outcome entirely write "--".
func (ds *DataSet) Write(w *bufio.Writer) error {
	labels := ds.OutcomeLabels()
	cols := make([]string, len(labels))
	for i, l := range labels {
		cols[i] = l + " count"
	}
	if _, err := fmt.Fprintf(w, "%s %s\n", columnsPrefix, strings.Join(cols, ", ")); err != nil {
		return err
	}
	for _, c := range ds.circuits {
		row := ds.rows[c.Key()]
		fields := []string{c.String()}
		for _, l := range labels {
			if n, ok := row[l]; ok {
				fields = append(fields, strconv.FormatInt(n, 10))
			} else {
				fields = append(fields, notMeasured)
			}
		}
		if _, err := fmt.Fprintln(w, strings.Join(fields, " ")); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteFile saves the dataset to a text file.
func (ds *DataSet) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dataset file %s (%s)", path, err)
	}
	defer f.Close()
	if err := ds.Write(bufio.NewWriter(f)); err != nil {
		return fmt.Errorf("failed to write dataset file %s (%s)", path, err)
	}
	return nil
}
