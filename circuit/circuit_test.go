//go:build unit
// +build unit

package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantStr   string
		wantDepth int
		wantErr   bool
	}{
		{
			name:      "empty circuit",
			in:        "{}",
			wantStr:   "{}",
			wantDepth: 0,
		},
		{
			name:      "plain sequence",
			in:        "Gx Gy Gx",
			wantStr:   "Gx Gy Gx",
			wantDepth: 3,
		},
		{
			name:      "line identifiers",
			in:        "Gx:0 Gcnot:0:1",
			wantStr:   "Gx:0 Gcnot:0:1",
			wantDepth: 2,
		},
		{
			name:      "power suffix",
			in:        "Gx^3 Gy",
			wantStr:   "Gx^3 Gy",
			wantDepth: 4,
		},
		{
			name:      "parallel layer",
			in:        "[Gx:0 Gy:1] Gcnot:0:1",
			wantStr:   "[Gx:0 Gy:1] Gcnot:0:1",
			wantDepth: 2,
		},
		{
			name:      "parallel layer with power",
			in:        "[Gx:0 Gy:1]^2",
			wantStr:   "[Gx:0 Gy:1]^2",
			wantDepth: 2,
		},
		{
			name:      "idle layer in sequence",
			in:        "Gx {} Gy",
			wantStr:   "Gx [] Gy",
			wantDepth: 3,
		},
		{
			name:      "idle layer with power",
			in:        "Gx {}^2",
			wantStr:   "Gx []^2",
			wantDepth: 3,
		},
		{
			name:      "bracketed idle layer",
			in:        "Gx [] Gy",
			wantStr:   "Gx [] Gy",
			wantDepth: 3,
		},
		{
			name:    "shared line in layer",
			in:      "[Gx:0 Gy:0]",
			wantErr: true,
		},
		{
			name:    "unterminated bracket",
			in:      "[Gx:0 Gy:1",
			wantErr: true,
		},
		{
			name:    "bad power",
			in:      "Gx^x",
			wantErr: true,
		},
		{
			name:    "blank",
			in:      "   ",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStr, c.String())
			assert.Equal(t, tt.wantDepth, c.Depth())
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{
		"{}",
		"Gi",
		"Gx Gx Gy",
		"Gx:0 [Gx:0 Gy:1] Gcnot:0:1",
		"Gx^4",
		"Gx {} Gy",
	} {
		c, err := Parse(s)
		require.NoError(t, err)
		again, err := Parse(c.String())
		require.NoError(t, err)
		assert.True(t, c.Equal(again), "round trip of %q", s)
	}
}

func TestRepeatAndSandwich(t *testing.T) {
	germ := MustParse("Gx Gy")
	assert.Equal(t, 6, germ.Repeat(3).Depth())
	assert.Equal(t, "{}", germ.Repeat(0).String())

	prepFid := MustParse("Gx")
	measFid := MustParse("Gy Gy")
	s := germ.Repeat(2).Sandwich(prepFid, measFid)
	assert.Equal(t, "Gx^2 Gy Gx Gy^3", s.String())
	assert.Equal(t, 7, s.Depth())
}

func TestLinesInferredAndSorted(t *testing.T) {
	c := MustParse("Gx:2 Gy:0 Gcnot:0:10")
	assert.Equal(t, []string{"0", "2", "10"}, c.Lines())
}

func TestImmutability(t *testing.T) {
	c := MustParse("Gx:0 Gy:0")
	layers := c.Layers()
	layers[0][0].Name = "Gz"
	assert.Equal(t, "Gx:0 Gy:0", c.String())
	lines := c.Lines()
	lines[0] = "9"
	assert.Equal(t, []string{"0"}, c.Lines())
}

func TestWithPrepAndPOVM(t *testing.T) {
	c := MustParse("Gx")
	c2 := c.WithPrep("rhoA").WithPOVM("Malt")
	assert.Equal(t, "", c.Prep())
	assert.Equal(t, "rhoA", c2.Prep())
	assert.Equal(t, "Malt", c2.POVM())
	assert.True(t, c.Equal(c2)) // layer content is what identifies a circuit
}

func TestAppendKeepsEndpoints(t *testing.T) {
	a := MustParse("Gx").WithPrep("rho0")
	b := MustParse("Gy").WithPOVM("Mdefault")
	ab := a.Append(b)
	assert.Equal(t, "Gx Gy", ab.String())
	assert.Equal(t, "rho0", ab.Prep())
	assert.Equal(t, "Mdefault", ab.POVM())
}

func TestLayerValidate(t *testing.T) {
	ok := Layer{NewLabel("Gx", "0"), NewLabel("Gy", "1")}
	assert.NoError(t, ok.Validate())

	bad := Layer{NewLabel("Gx", "0", "1"), NewLabel("Gy", "1")}
	assert.Error(t, bad.Validate())

	global := Layer{NewLabel("Gglobal"), NewLabel("Gy", "1")}
	assert.Error(t, global.Validate())
}
