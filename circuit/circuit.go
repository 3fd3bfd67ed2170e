package circuit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Label identifies one gate acting on a set of lines, e.g. Gx:0 or Gcnot:0:1.
// A label with no lines acts on every line of its circuit.
type Label struct {
	Name  string
	Lines []string
}

func NewLabel(name string, lines ...string) Label {
	cp := make([]string, len(lines))
	copy(cp, lines)
	return Label{Name: name, Lines: cp}
}

func (l Label) String() string {
	if len(l.Lines) == 0 {
		return l.Name
	}
	return l.Name + ":" + strings.Join(l.Lines, ":")
}

// Layer is the set of labels applied in parallel at one circuit depth.
type Layer []Label

// Validate checks that no two labels in the layer share a line.
func (ly Layer) Validate() error {
	seen := map[string]string{}
	for _, lb := range ly {
		if len(lb.Lines) == 0 && len(ly) > 1 {
			return fmt.Errorf("label %s acts on all lines and cannot share a layer", lb.Name)
		}
		for _, line := range lb.Lines {
			if prev, ok := seen[line]; ok {
				return fmt.Errorf("labels %s and %s share line %s", prev, lb.String(), line)
			}
			seen[line] = lb.String()
		}
	}
	return nil
}

func (ly Layer) String() string {
	if len(ly) == 0 {
		return "[]"
	}
	if len(ly) == 1 {
		return ly[0].String()
	}
	parts := make([]string, len(ly))
	for i, lb := range ly {
		parts[i] = lb.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Circuit is an immutable ordered sequence of layers over a fixed line set.
// Equality and map keys go through the canonical string form.
type Circuit struct {
	layers []Layer
	lines  []string
	prep   string
	povm   string
	str    string
}

// New builds a circuit over the given lines. Layers are validated and copied.
func New(lines []string, layers ...Layer) (*Circuit, error) {
	c := &Circuit{}
	c.lines = append(c.lines, lines...)
	for _, ly := range layers {
		if err := ly.Validate(); err != nil {
			return nil, err
		}
		cp := make(Layer, len(ly))
		copy(cp, ly)
		c.layers = append(c.layers, cp)
	}
	if len(c.lines) == 0 {
		c.lines = inferLines(c.layers)
	}
	c.str = render(c.layers)
	return c, nil
}

// FromLabels builds a circuit with one label per layer, inferring the lines.
func FromLabels(labels ...Label) *Circuit {
	layers := make([]Layer, len(labels))
	for i, lb := range labels {
		layers[i] = Layer{lb}
	}
	c, _ := New(nil, layers...)
	return c
}

// Empty returns the empty circuit over the given lines.
func Empty(lines ...string) *Circuit {
	c, _ := New(lines)
	return c
}

func inferLines(layers []Layer) []string {
	set := map[string]struct{}{}
	for _, ly := range layers {
		for _, lb := range ly {
			for _, line := range lb.Lines {
				set[line] = struct{}{}
			}
		}
	}
	lines := make([]string, 0, len(set))
	for line := range set {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lineLess(lines[i], lines[j]) })
	return lines
}

func lineLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

func (c *Circuit) Depth() int { return len(c.layers) }

func (c *Circuit) Layer(i int) Layer {
	cp := make(Layer, len(c.layers[i]))
	copy(cp, c.layers[i])
	return cp
}

func (c *Circuit) Layers() []Layer {
	out := make([]Layer, len(c.layers))
	for i := range c.layers {
		out[i] = c.Layer(i)
	}
	return out
}

func (c *Circuit) Lines() []string {
	cp := make([]string, len(c.lines))
	copy(cp, c.lines)
	return cp
}

// Prep is the explicit state-preparation label, empty for the model default.
func (c *Circuit) Prep() string { return c.prep }

// POVM is the explicit measurement label, empty for the model default.
func (c *Circuit) POVM() string { return c.povm }

func (c *Circuit) WithPrep(label string) *Circuit {
	cp := *c
	cp.prep = label
	return &cp
}

func (c *Circuit) WithPOVM(label string) *Circuit {
	cp := *c
	cp.povm = label
	return &cp
}

// Append concatenates two circuits over the union of their lines.
func (c *Circuit) Append(other *Circuit) *Circuit {
	layers := append(c.Layers(), other.Layers()...)
	lines := unionLines(c.lines, other.lines)
	out, _ := New(lines, layers...)
	out.prep = c.prep
	out.povm = other.povm
	return out
}

// Repeat returns the circuit raised to the k-th power. Repeat(0) is empty.
func (c *Circuit) Repeat(k int) *Circuit {
	var layers []Layer
	for i := 0; i < k; i++ {
		layers = append(layers, c.Layers()...)
	}
	out, _ := New(c.Lines(), layers...)
	return out
}

// Sandwich wraps the circuit between a preparation and a measurement fiducial.
func (c *Circuit) Sandwich(prepFid, measFid *Circuit) *Circuit {
	return prepFid.Append(c).Append(measFid)
}

func (c *Circuit) String() string { return c.str }

// Key is the canonical map key for the circuit.
func (c *Circuit) Key() string { return c.str }

func (c *Circuit) Equal(other *Circuit) bool {
	return other != nil && c.str == other.str
}

func unionLines(a, b []string) []string {
	set := map[string]struct{}{}
	for _, l := range a {
		set[l] = struct{}{}
	}
	for _, l := range b {
		set[l] = struct{}{}
	}
	lines := make([]string, 0, len(set))
	for l := range set {
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool { return lineLess(lines[i], lines[j]) })
	return lines
}

func render(layers []Layer) string {
	if len(layers) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(layers))
	i := 0
	for i < len(layers) {
		j := i + 1
		for j < len(layers) && layers[j].String() == layers[i].String() {
			j++
		}
		token := layers[i].String()
		if j-i > 1 {
			token = token + "^" + strconv.Itoa(j-i)
		}
		parts = append(parts, token)
		i = j
	}
	return strings.Join(parts, " ")
}
