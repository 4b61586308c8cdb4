// Package tensor provides float32 arrays whose backing buffers come from a
// size-bucketed pool and must be handed back with Release.
//
// Every tensor produced by New, FromSlice, Clone, Stack or Gather counts as
// live until Release is called. Live reports that count so servers and tests
// can check that request-scoped buffers do not accumulate.
package tensor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrReleased is returned when a released tensor is used as an operand.
var ErrReleased = errors.New("tensor: use after release")

var (
	live    atomic.Int64
	poolsMu sync.Mutex
	pools   = map[int]*sync.Pool{}
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	shape    []int
	data     []float32
	released atomic.Bool
}

// Live returns the number of tensors that have been allocated and not yet
// released.
func Live() int64 {
	return live.Load()
}

// Prod returns the product of the given dimensions.
func Prod(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func pool(n int) *sync.Pool {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	p, ok := pools[n]
	if !ok {
		p = &sync.Pool{New: func() any {
			buf := make([]float32, n)
			return &buf
		}}
		pools[n] = p
	}
	return p
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) *Tensor {
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: invalid shape %v", shape))
		}
	}
	n := Prod(shape)
	buf := *(pool(n).Get().(*[]float32))
	clear(buf)
	live.Add(1)
	return &Tensor{shape: append([]int(nil), shape...), data: buf}
}

// FromSlice copies data into a new tensor of the given shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if len(shape) == 0 || Prod(shape) != len(data) {
		return nil, fmt.Errorf("tensor: %d values do not fit shape %v", len(data), shape)
	}
	t := New(shape...)
	copy(t.data, data)
	return t, nil
}

// Release returns the backing buffer to the pool. It is safe to call more
// than once and on a nil tensor.
func (t *Tensor) Release() {
	if t == nil || t.released.Swap(true) {
		return
	}
	buf := t.data
	t.data = nil
	pool(len(buf)).Put(&buf)
	live.Add(-1)
}

// Released reports whether Release has been called.
func (t *Tensor) Released() bool {
	return t.released.Load()
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Data exposes the backing slice. It is nil after Release.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Reshape changes the tensor's dimensions in place. The element count must
// not change.
func (t *Tensor) Reshape(shape ...int) error {
	if Prod(shape) != len(t.data) {
		return fmt.Errorf("tensor: cannot reshape %v to %v", t.shape, shape)
	}
	t.shape = append(t.shape[:0], shape...)
	return nil
}

// Clone returns a copy backed by a new buffer.
func (t *Tensor) Clone() (*Tensor, error) {
	if t.Released() {
		return nil, ErrReleased
	}
	c := New(t.shape...)
	copy(c.data, t.data)
	return c, nil
}

// RowSize returns the number of elements in one entry along the first axis.
func (t *Tensor) RowSize() int {
	return Prod(t.shape[1:])
}

// Row returns the slice for entry i along the first axis. The slice aliases
// the tensor's buffer.
func (t *Tensor) Row(i int) []float32 {
	n := t.RowSize()
	return t.data[i*n : (i+1)*n]
}

// Gather copies the given rows along the first axis into a new tensor.
func (t *Tensor) Gather(rows []int) (*Tensor, error) {
	if t.Released() {
		return nil, ErrReleased
	}
	if len(rows) == 0 {
		return nil, errors.New("tensor: gather of zero rows")
	}
	shape := append([]int{len(rows)}, t.shape[1:]...)
	out := New(shape...)
	n := t.RowSize()
	for i, r := range rows {
		if r < 0 || r >= t.shape[0] {
			out.Release()
			return nil, fmt.Errorf("tensor: row %d out of range [0,%d)", r, t.shape[0])
		}
		copy(out.data[i*n:(i+1)*n], t.data[r*n:(r+1)*n])
	}
	return out, nil
}

// Stack joins tensors of identical shape along a new leading axis.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("tensor: stack of zero tensors")
	}
	inner := ts[0].shape
	for i, t := range ts {
		if t.Released() {
			return nil, fmt.Errorf("tensor: stack operand %d: %w", i, ErrReleased)
		}
		if !sameShape(t.shape, inner) {
			return nil, fmt.Errorf("tensor: stack operand %d has shape %v, want %v", i, t.shape, inner)
		}
	}
	out := New(append([]int{len(ts)}, inner...)...)
	n := Prod(inner)
	for i, t := range ts {
		copy(out.data[i*n:(i+1)*n], t.data)
	}
	return out, nil
}

// ReleaseAll releases every tensor in ts.
func ReleaseAll(ts ...*Tensor) {
	for _, t := range ts {
		t.Release()
	}
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

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	return sameShape(a, b)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%v", t.shape)
}
