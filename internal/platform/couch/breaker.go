package couch

import (
	"sync/atomic"
	"time"
)

// Breaker states.
const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a circuit breaker guarding all database operations. It is shared
// process-wide through the Gateway; all state transitions are lock-free.
type Breaker struct {
	state       atomic.Int32
	lastFailure atomic.Int64 // unix nanos of the failure that opened the circuit
	resetAfter  time.Duration

	now func() time.Time // test seam
}

// NewBreaker creates a closed Breaker that stays open for resetAfter once a
// connectivity failure is observed.
func NewBreaker(resetAfter time.Duration) *Breaker {
	return &Breaker{
		resetAfter: resetAfter,
		now:        time.Now,
	}
}

// Allow reports whether an operation may proceed. While the circuit is open
// and the cool-down has not elapsed, it returns false. Once the cool-down
// elapses exactly one caller wins the transition to half-open and is let
// through as the probe; concurrent callers keep failing fast until the probe
// reports back.
func (b *Breaker) Allow() bool {
	switch b.state.Load() {
	case stateClosed:
		return true
	case stateHalfOpen:
		return false
	default: // open
		opened := time.Unix(0, b.lastFailure.Load())
		if b.now().Sub(opened) < b.resetAfter {
			return false
		}
		return b.state.CompareAndSwap(stateOpen, stateHalfOpen)
	}
}

// OnSuccess records a successful operation, closing the circuit.
func (b *Breaker) OnSuccess() {
	b.state.Store(stateClosed)
}

// OnFailure records a connectivity failure, opening the circuit with a fresh
// timestamp. Application-level errors must not be reported here.
func (b *Breaker) OnFailure() {
	b.lastFailure.Store(b.now().UnixNano())
	b.state.Store(stateOpen)
}

// Open reports whether the circuit is currently open or probing.
func (b *Breaker) Open() bool {
	return b.state.Load() != stateClosed
}
