package tensor

import (
	"errors"
	"testing"
)

func TestReleaseTracksLiveCount(t *testing.T) {
	base := Live()
	a := New(2, 3)
	b := New(4)
	if got := Live() - base; got != 2 {
		t.Fatalf("expected 2 live tensors, got %d", got)
	}
	a.Release()
	a.Release()
	b.Release()
	if got := Live() - base; got != 0 {
		t.Fatalf("expected live count back to baseline, got %d", got)
	}
	if a.Data() != nil {
		t.Fatal("expected released tensor to drop its buffer")
	}
}

func TestNewIsZeroedAfterReuse(t *testing.T) {
	a := New(8)
	for i := range a.Data() {
		a.Data()[i] = 7
	}
	a.Release()
	b := New(8)
	defer b.Release()
	for i, v := range b.Data() {
		if v != 0 {
			t.Fatalf("element %d not zeroed: %v", i, v)
		}
	}
}

func TestStackAndGather(t *testing.T) {
	x, _ := FromSlice([]float32{1, 2}, 2)
	y, _ := FromSlice([]float32{3, 4}, 2)
	z, _ := FromSlice([]float32{5, 6}, 2)
	defer ReleaseAll(x, y, z)

	s, err := Stack([]*Tensor{x, y, z})
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	defer s.Release()
	if !SameShape(s.Shape(), []int{3, 2}) {
		t.Fatalf("unexpected shape %v", s.Shape())
	}

	g, err := s.Gather([]int{2, 0})
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	defer g.Release()
	want := []float32{5, 6, 1, 2}
	for i, v := range want {
		if g.Data()[i] != v {
			t.Fatalf("gather[%d] = %v, want %v", i, g.Data()[i], v)
		}
	}
}

func TestStackRejectsMismatchedShapes(t *testing.T) {
	x := New(2)
	y := New(3)
	defer ReleaseAll(x, y)
	if _, err := Stack([]*Tensor{x, y}); err == nil {
		t.Fatal("expected shape mismatch error")
	}
	if _, err := Stack(nil); err == nil {
		t.Fatal("expected error for empty stack")
	}
}

func TestCloneReleased(t *testing.T) {
	x := New(1)
	x.Release()
	if _, err := x.Clone(); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
}

func TestMatMul(t *testing.T) {
	// a is 2x3, b is 3x2
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{7, 8, 9, 10, 11, 12}
	c := make([]float32, 4)
	MatMul(false, false, 2, 2, 3, a, b, 0, c)
	want := []float32{58, 64, 139, 154}
	for i := range want {
		if c[i] != want[i] {
			t.Fatalf("c[%d] = %v, want %v", i, c[i], want[i])
		}
	}

	// a^T stored as 3x2 gives the 2x3 product operand
	at := []float32{1, 4, 2, 5, 3, 6}
	c2 := make([]float32, 4)
	MatMul(true, false, 2, 2, 3, at, b, 0, c2)
	for i := range want {
		if c2[i] != want[i] {
			t.Fatalf("transposed c[%d] = %v, want %v", i, c2[i], want[i])
		}
	}

	// accumulate with beta = 1
	MatMul(false, false, 2, 2, 3, a, b, 1, c)
	for i := range want {
		if c[i] != 2*want[i] {
			t.Fatalf("accumulated c[%d] = %v, want %v", i, c[i], 2*want[i])
		}
	}
}
