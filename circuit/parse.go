package circuit

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse reads the circuit text syntax: whitespace-separated gate labels
// (Name or Name:line1:line2), an optional power suffix Name^k, bracketed
// parallel layers [A B], and {} for the empty circuit. Inside a sequence,
// {} denotes an idle (empty) layer; [] is the canonical rendering.
func Parse(s string) (*Circuit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty circuit string, use {} for the empty circuit")
	}
	if s == "{}" {
		return Empty(), nil
	}
	tokens, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	var layers []Layer
	for _, tok := range tokens {
		body, power, err := splitPower(tok)
		if err != nil {
			return nil, err
		}
		layer, err := parseLayer(body)
		if err != nil {
			return nil, err
		}
		for i := 0; i < power; i++ {
			layers = append(layers, layer)
		}
	}
	return New(nil, layers...)
}

// MustParse is Parse for fixtures that are known to be well formed.
func MustParse(s string) *Circuit {
	c, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("bad circuit %q: %s", s, err))
	}
	return c
}

func tokenize(s string) ([]string, error) {
	var tokens []string
	i := 0
	for i < len(s) {
		switch {
		case s[i] == ' ' || s[i] == '\t':
			i++
		case s[i] == '[':
			j := strings.IndexByte(s[i:], ']')
			if j < 0 {
				return nil, fmt.Errorf("unterminated [ in %q", s)
			}
			end := i + j + 1
			// carry a trailing ^k with the group
			for end < len(s) && s[end] != ' ' && s[end] != '\t' {
				end++
			}
			tokens = append(tokens, s[i:end])
			i = end
		default:
			end := i
			for end < len(s) && s[end] != ' ' && s[end] != '\t' {
				if s[end] == '[' || s[end] == ']' {
					return nil, fmt.Errorf("misplaced bracket in %q", s)
				}
				end++
			}
			tokens = append(tokens, s[i:end])
			i = end
		}
	}
	return tokens, nil
}

func splitPower(tok string) (string, int, error) {
	idx := strings.LastIndexByte(tok, '^')
	if idx < 0 {
		return tok, 1, nil
	}
	k, err := strconv.Atoi(tok[idx+1:])
	if err != nil || k < 0 {
		return "", 0, fmt.Errorf("bad power suffix in token %q", tok)
	}
	return tok[:idx], k, nil
}

func parseLayer(body string) (Layer, error) {
	if body == "{}" {
		return Layer{}, nil
	}
	if strings.HasPrefix(body, "[") {
		if !strings.HasSuffix(body, "]") {
			return nil, fmt.Errorf("malformed layer %q", body)
		}
		inner := strings.TrimSpace(body[1 : len(body)-1])
		if inner == "" {
			return Layer{}, nil
		}
		var layer Layer
		for _, f := range strings.Fields(inner) {
			lb, err := parseLabel(f)
			if err != nil {
				return nil, err
			}
			layer = append(layer, lb)
		}
		if err := layer.Validate(); err != nil {
			return nil, err
		}
		return layer, nil
	}
	lb, err := parseLabel(body)
	if err != nil {
		return nil, err
	}
	return Layer{lb}, nil
}

func parseLabel(tok string) (Label, error) {
	parts := strings.Split(tok, ":")
	if parts[0] == "" {
		return Label{}, fmt.Errorf("missing gate name in token %q", tok)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return Label{}, fmt.Errorf("empty line identifier in token %q", tok)
		}
	}
	return NewLabel(parts[0], parts[1:]...), nil
}
