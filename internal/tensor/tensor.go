// Package tensor implements small dense row-major arrays with explicit
// numpy-style broadcasting. Shapes are compared right-aligned; a missing or
// size-1 axis stretches to match the other operand.
package tensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var ErrShape = errors.New("incompatible tensor shapes")

type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

func New(shape ...int) Tensor {
	return Tensor{Shape: append([]int{}, shape...), Data: make([]float64, size(shape))}
}

func Scalar(v float64) Tensor {
	return Tensor{Shape: []int{}, Data: []float64{v}}
}

// FromSlice wraps a copy of data in the given shape.
func FromSlice(data []float64, shape ...int) (Tensor, error) {
	if len(data) != size(shape) {
		return Tensor{}, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	return Tensor{Shape: append([]int{}, shape...), Data: append([]float64(nil), data...)}, nil
}

// FromDense copies a gonum matrix into an (r, c) tensor, or (r, c, 1) when
// trailing is set.
func FromDense(m mat.Matrix, trailing bool) Tensor {
	r, c := m.Dims()
	shape := []int{r, c}
	if trailing {
		shape = append(shape, 1)
	}
	t := New(shape...)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			t.Data[i*c+j] = m.At(i, j)
		}
	}
	return t
}

// Matrix views a rank-2 tensor (or rank-3 with trailing 1) as a gonum matrix
// sharing the backing data.
func (t Tensor) Matrix() (*mat.Dense, error) {
	switch {
	case len(t.Shape) == 2:
	case len(t.Shape) == 3 && t.Shape[2] == 1:
	default:
		return nil, fmt.Errorf("%w: shape %v is not a matrix", ErrShape, t.Shape)
	}
	if t.Shape[0] == 0 || t.Shape[1] == 0 {
		return nil, fmt.Errorf("%w: empty matrix %v", ErrShape, t.Shape)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], t.Data), nil
}

func (t Tensor) Rank() int { return len(t.Shape) }

func (t Tensor) Len() int { return len(t.Data) }

func (t Tensor) Clone() Tensor {
	return Tensor{Shape: append([]int{}, t.Shape...), Data: append([]float64(nil), t.Data...)}
}

func (t Tensor) offset(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: index rank %d for shape %v", len(idx), t.Shape))
	}
	off := 0
	for axis, i := range idx {
		if i < 0 || i >= t.Shape[axis] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.Shape))
		}
		off = off*t.Shape[axis] + i
	}
	return off
}

func (t Tensor) At(idx ...int) float64 { return t.Data[t.offset(idx)] }

func (t Tensor) Set(v float64, idx ...int) { t.Data[t.offset(idx)] = v }

// Sum returns the sum of all elements.
func (t Tensor) Sum() float64 { return floats.Sum(t.Data) }

// Scale returns t multiplied by c.
func (t Tensor) Scale(c float64) Tensor {
	out := t.Clone()
	floats.Scale(c, out.Data)
	return out
}

// Complement returns 1 - t.
func (t Tensor) Complement() Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		out.Data[i] = 1 - v
	}
	return out
}

// CheckFinite returns an error naming the first NaN or Inf element.
func (t Tensor) CheckFinite() error {
	for i, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite value %v at %v", v, unravel(i, t.Shape))
		}
	}
	return nil
}

// BroadcastShape returns the shape produced by broadcasting a against b.
func BroadcastShape(a, b []int) ([]int, error) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da := alignedDim(a, i, n)
		db := alignedDim(b, i, n)
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("%w: %v and %v", ErrShape, a, b)
		}
	}
	return out, nil
}

// BroadcastTo materializes t in the target shape.
func (t Tensor) BroadcastTo(shape ...int) (Tensor, error) {
	got, err := BroadcastShape(t.Shape, shape)
	if err != nil {
		return Tensor{}, err
	}
	if !sameShape(got, shape) {
		return Tensor{}, fmt.Errorf("%w: cannot broadcast %v to %v", ErrShape, t.Shape, shape)
	}
	out := New(shape...)
	strides := broadcastStrides(t.Shape, shape)
	idx := make([]int, len(shape))
	for i := range out.Data {
		src := 0
		for axis, v := range idx {
			src += v * strides[axis]
		}
		out.Data[i] = t.Data[src]
		increment(idx, shape)
	}
	return out, nil
}

func Mul(a, b Tensor) (Tensor, error) {
	return zip(a, b, func(x, y float64) float64 { return x * y })
}

func Add(a, b Tensor) (Tensor, error) {
	return zip(a, b, func(x, y float64) float64 { return x + y })
}

func Sub(a, b Tensor) (Tensor, error) {
	return zip(a, b, func(x, y float64) float64 { return x - y })
}

// Product multiplies all operands left to right with broadcasting.
func Product(ts ...Tensor) (Tensor, error) {
	if len(ts) == 0 {
		return Scalar(1), nil
	}
	out := ts[0].Clone()
	for _, t := range ts[1:] {
		var err error
		out, err = Mul(out, t)
		if err != nil {
			return Tensor{}, err
		}
	}
	return out, nil
}

func zip(a, b Tensor, fn func(x, y float64) float64) (Tensor, error) {
	shape, err := BroadcastShape(a.Shape, b.Shape)
	if err != nil {
		return Tensor{}, err
	}
	ab, err := a.BroadcastTo(shape...)
	if err != nil {
		return Tensor{}, err
	}
	bb, err := b.BroadcastTo(shape...)
	if err != nil {
		return Tensor{}, err
	}
	for i := range ab.Data {
		ab.Data[i] = fn(ab.Data[i], bb.Data[i])
	}
	return ab, nil
}

// broadcastStrides returns per-target-axis strides into a source of shape src;
// stretched axes get stride 0.
func broadcastStrides(src, target []int) []int {
	strides := make([]int, len(target))
	pad := len(target) - len(src)
	stride := 1
	for i := len(src) - 1; i >= 0; i-- {
		if src[i] != 1 {
			strides[i+pad] = stride
		}
		stride *= src[i]
	}
	return strides
}

func increment(idx, shape []int) {
	for axis := len(idx) - 1; axis >= 0; axis-- {
		idx[axis]++
		if idx[axis] < shape[axis] {
			return
		}
		idx[axis] = 0
	}
}

func unravel(i int, shape []int) []int {
	idx := make([]int, len(shape))
	for axis := len(shape) - 1; axis >= 0; axis-- {
		if shape[axis] == 0 {
			continue
		}
		idx[axis] = i % shape[axis]
		i /= shape[axis]
	}
	return idx
}

// alignedDim returns the size of the axis of shape aligned to output axis i
// when shapes are right-aligned to rank n.
func alignedDim(shape []int, i, n int) int {
	j := i - (n - len(shape))
	if j < 0 {
		return 1
	}
	return shape[j]
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
