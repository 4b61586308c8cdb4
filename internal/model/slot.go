package model

import (
	"errors"
	"sync/atomic"
)

// ErrModelUnavailable is returned while no model is ready to serve.
var ErrModelUnavailable = errors.New("model not available")

// State is the lifecycle of the served model.
type State int32

const (
	Uninitialized State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Loading:
		return "LOADING"
	case Ready:
		return "READY"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type snapshot struct {
	state     State
	predictor Predictor
	err       error
}

// Slot holds the process-wide model. It moves UNINITIALIZED -> LOADING ->
// READY or FAILED, each transition at most once, and is read without
// locking.
type Slot struct {
	cur      atomic.Pointer[snapshot]
	onChange func(State)
}

// NewSlot returns an UNINITIALIZED slot. onChange, if non-nil, is called
// after every transition.
func NewSlot(onChange func(State)) *Slot {
	s := &Slot{onChange: onChange}
	s.cur.Store(&snapshot{state: Uninitialized})
	return s
}

// State returns the current state.
func (s *Slot) State() State { return s.cur.Load().state }

// Err returns the load failure once FAILED.
func (s *Slot) Err() error { return s.cur.Load().err }

// Begin moves UNINITIALIZED to LOADING. It reports false if loading has
// already begun.
func (s *Slot) Begin() bool {
	return s.swap(Uninitialized, &snapshot{state: Loading})
}

// Ready publishes p and moves LOADING to READY.
func (s *Slot) Ready(p Predictor) bool {
	return s.swap(Loading, &snapshot{state: Ready, predictor: p})
}

// Fail moves LOADING to FAILED.
func (s *Slot) Fail(err error) bool {
	return s.swap(Loading, &snapshot{state: Failed, err: err})
}

func (s *Slot) swap(from State, next *snapshot) bool {
	old := s.cur.Load()
	if old.state != from || !s.cur.CompareAndSwap(old, next) {
		return false
	}
	if s.onChange != nil {
		s.onChange(next.state)
	}
	return true
}

// Acquire returns the predictor when READY and ErrModelUnavailable
// otherwise. It never blocks.
func (s *Slot) Acquire() (Predictor, error) {
	snap := s.cur.Load()
	if snap.state != Ready {
		return nil, ErrModelUnavailable
	}
	return snap.predictor, nil
}

// Close releases the predictor, if any.
func (s *Slot) Close() error {
	if snap := s.cur.Load(); snap.predictor != nil {
		return snap.predictor.Close()
	}
	return nil
}
