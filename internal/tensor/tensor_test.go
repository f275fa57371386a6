package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestBroadcastShape(t *testing.T) {
	tests := []struct {
		a, b, want []int
	}{
		{[]int{}, []int{3, 2}, []int{3, 2}},
		{[]int{1, 2, 1}, []int{4, 2, 5}, []int{4, 2, 5}},
		{[]int{5}, []int{3, 1}, []int{3, 5}},
		{[]int{2, 1, 7}, []int{1, 3, 1}, []int{2, 3, 7}},
	}
	for _, tc := range tests {
		got, err := BroadcastShape(tc.a, tc.b)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := BroadcastShape([]int{2, 3}, []int{4, 3})
	require.ErrorIs(t, err, ErrShape)
}

func TestBroadcastToRepeatsStretchedAxes(t *testing.T) {
	h, err := FromSlice([]float64{1, 2}, 1, 2, 1)
	require.NoError(t, err)

	out, err := h.BroadcastTo(2, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1, 2, 2, 2, 1, 1, 1, 2, 2, 2}, out.Data)

	_, err = h.BroadcastTo(2, 3, 3)
	require.ErrorIs(t, err, ErrShape)

	// Broadcasting never shrinks.
	full := New(2, 2, 3)
	_, err = full.BroadcastTo(1, 2, 3)
	require.ErrorIs(t, err, ErrShape)
}

func TestProductBroadcastsOperands(t *testing.T) {
	h, err := FromSlice([]float64{0.5, 0.25}, 1, 2, 1)
	require.NoError(t, err)
	m, err := FromSlice([]float64{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2)
	require.NoError(t, err)

	out, err := Product(Scalar(2), h, m)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 2}, out.Shape)
	assert.Equal(t, []float64{1, 2, 1.5, 2, 5, 6, 3.5, 4}, out.Data)

	// Inputs are left untouched.
	assert.Equal(t, []float64{0.5, 0.25}, h.Data)
	assert.Equal(t, 1.0, m.At(0, 0, 0))
}

func TestAddSubComplementScale(t *testing.T) {
	a, err := FromSlice([]float64{1, 2, 3}, 3)
	require.NoError(t, err)

	sum, err := Add(a, Scalar(1))
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3, 4}, sum.Data)

	diff, err := Sub(a, a)
	require.NoError(t, err)
	assert.Equal(t, 0.0, diff.Sum())

	assert.Equal(t, []float64{0, -1, -2}, a.Complement().Data)
	assert.Equal(t, []float64{0.5, 1, 1.5}, a.Scale(0.5).Data)
	assert.Equal(t, 6.0, a.Sum())
}

func TestIndexingAndDenseBridge(t *testing.T) {
	d := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	x := FromDense(d, true)
	require.Equal(t, []int{2, 3, 1}, x.Shape)
	assert.Equal(t, 6.0, x.At(1, 2, 0))

	x.Set(9, 0, 1, 0)
	m, err := x.Matrix()
	require.NoError(t, err)
	assert.Equal(t, 9.0, m.At(0, 1))
	assert.Equal(t, 2.0, d.At(0, 1))

	assert.Panics(t, func() { x.At(2, 0, 0) })
	assert.Panics(t, func() { x.At(0, 0) })

	_, err = New(2, 2, 2).Matrix()
	require.ErrorIs(t, err, ErrShape)

	_, err = FromSlice([]float64{1, 2, 3}, 2, 2)
	require.ErrorIs(t, err, ErrShape)
}

func TestCheckFinite(t *testing.T) {
	x, err := Scalar(0.5).BroadcastTo(2, 2)
	require.NoError(t, err)
	require.NoError(t, x.CheckFinite())
	x.Set(math.Inf(-1), 1, 0)
	err = x.CheckFinite()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[1 0]")
}
