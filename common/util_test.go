//go:build unit
// +build unit

package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestIsDirWritable(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, IsDirWritable(dir))
	assert.Error(t, IsDirWritable(filepath.Join(dir, "does-not-exist")))
}

func TestReadSettingsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "setting.toml")
	assert.NoError(t, os.WriteFile(path, []byte("objective = \"chi2\"\n"), 0644))

	got, err := ReadSettingsFile(path)
	assert.NoError(t, err)
	assert.Contains(t, got, "chi2")

	_, err = ReadSettingsFile(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestPinv(t *testing.T) {
	a := mat.NewDense(3, 2, []float64{
		1, 0,
		0, 2,
		0, 0,
	})
	var p mat.Dense
	rank, err := Pinv(&p, a, 1e-12)
	assert.NoError(t, err)
	assert.Equal(t, 2, rank)

	var prod mat.Dense
	prod.Mul(&p, a)
	assert.InDelta(t, 1.0, prod.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0, prod.At(1, 1), 1e-12)
	assert.InDelta(t, 0.0, prod.At(0, 1), 1e-12)
}

func TestPinvRankDeficient(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{
		1, 1,
		1, 1,
	})
	var p mat.Dense
	rank, err := Pinv(&p, a, 1e-10)
	assert.NoError(t, err)
	assert.Equal(t, 1, rank)
}

func TestCondNumber(t *testing.T) {
	id := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	c, err := CondNumber(id)
	assert.NoError(t, err)
	assert.InDelta(t, 1.0, c, 1e-12)

	sing := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	c, err = CondNumber(sing)
	assert.NoError(t, err)
	assert.Greater(t, c, 1e12)
}

func TestSolveDamped(t *testing.T) {
	a := mat.NewSymDense(2, []float64{4, 0, 0, 9})
	b := mat.NewVecDense(2, []float64{4, 18})
	x := mat.NewVecDense(2, nil)
	assert.NoError(t, SolveDamped(x, a, 0, b))
	assert.InDelta(t, 1.0, x.AtVec(0), 1e-12)
	assert.InDelta(t, 2.0, x.AtVec(1), 1e-12)

	// Singular A must still produce a best-effort solution.
	sing := mat.NewSymDense(2, []float64{1, 1, 1, 1})
	assert.NoError(t, SolveDamped(x, sing, 0, mat.NewVecDense(2, []float64{2, 2})))
	assert.InDelta(t, x.AtVec(0), x.AtVec(1), 1e-9)
}
