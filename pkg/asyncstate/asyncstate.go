// Package asyncstate tracks the suspend/resume lifecycle of one request.
//
// A request that goes async releases its worker when the pipeline returns and
// is resumed later by an application event (dispatch, complete, error) or by
// the timeout sweeper. Those events can race each other and the worker that is
// still unwinding the pipeline. Every transition is therefore a single
// compare-and-swap on one state word, validated against a static table, so
// that exactly one racer wins and every loser gets an explicit no-op.
//
//	NOT_ASYNC ──StartAsync──> STARTING ──PostProcess──> STARTED
//	                              │                      │  ▲
//	                         Dispatch               Dispatch│PostProcess
//	                              ▼                      ▼  │
//	                        MUST_DISPATCH ─PostProcess─> RUNNING
//
//	STARTED/RUNNING ──Complete──> MUST_COMPLETE ──PostProcess──> COMPLETING
//	STARTED/RUNNING ──Error─────> MUST_ERROR ─────PostProcess──> COMPLETING
//	STARTED ──Timeout──> TIMING_OUT ──PostProcess──> COMPLETING
//	COMPLETING ──Finish──> COMPLETED ──Recycle──> NOT_ASYNC
package asyncstate

import (
	"fmt"
	"sync/atomic"
)

// State is an async lifecycle state.
type State int32

const (
	NotAsync State = iota
	Starting
	MustDispatch
	Started
	Running
	MustComplete
	MustError
	TimingOut
	Completing
	Completed
	numStates
)

var stateNames = [numStates]string{
	"NOT_ASYNC", "STARTING", "MUST_DISPATCH", "STARTED", "RUNNING",
	"MUST_COMPLETE", "MUST_ERROR", "TIMING_OUT", "COMPLETING", "COMPLETED",
}

func (s State) String() string {
	if s >= 0 && s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// IsAsync reports whether the request is somewhere between StartAsync and Recycle.
func (s State) IsAsync() bool { return s != NotAsync }

// Event drives a transition.
type Event int

const (
	// StartAsync: the application suspended the request.
	StartAsync Event = iota

	// PostProcess: a worker returned from the pipeline or a dispatched task.
	PostProcess

	// Dispatch: the application asked for fn to run on a worker.
	Dispatch

	// Complete: the application finished the response.
	Complete

	// Error: the application failed the request from another goroutine.
	Error

	// Timeout: the async deadline elapsed.
	Timeout

	// Finish: the processor finalized the response.
	Finish

	// Recycle: the request slot is reused for the next request.
	Recycle
	numEvents
)

var eventNames = [numEvents]string{
	"StartAsync", "PostProcess", "Dispatch", "Complete", "Error", "Timeout", "Finish", "Recycle",
}

func (e Event) String() string {
	if e >= 0 && e < numEvents {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// kind classifies a table entry. The zero value is illegal so that any pair
// left out of the table is rejected.
type kind uint8

const (
	illegal kind = iota
	move
	noop
)

type entry struct {
	kind     kind
	to       State
	dispatch bool
	retry    bool
}

func to(s State) entry         { return entry{kind: move, to: s} }
func toDispatch(s State) entry { return entry{kind: move, to: s, dispatch: true} }

var (
	ignore = entry{kind: noop}
	later  = entry{kind: noop, retry: true}
)

// table is the complete transition function.
var table = [numStates][numEvents]entry{
	NotAsync: {
		StartAsync:  to(Starting),
		PostProcess: ignore,
		Timeout:     ignore,
		Recycle:     ignore,
	},
	Starting: {
		PostProcess: to(Started),
		Dispatch:    to(MustDispatch),
		Complete:    to(MustComplete),
		Error:       to(MustError),
		Timeout:     later,
	},
	MustDispatch: {
		PostProcess: toDispatch(Running),
		Error:       to(MustError),
		Timeout:     later,
	},
	Started: {
		Dispatch: toDispatch(Running),
		Complete: toDispatch(MustComplete),
		Error:    toDispatch(MustError),
		Timeout:  toDispatch(TimingOut),
	},
	Running: {
		PostProcess: to(Started),
		Dispatch:    to(MustDispatch),
		Complete:    to(MustComplete),
		Error:       to(MustError),
		Timeout:     later,
	},
	MustComplete: {
		PostProcess: to(Completing),
		Timeout:     ignore,
		Error:       ignore,
	},
	MustError: {
		PostProcess: to(Completing),
		Complete:    ignore,
		Timeout:     ignore,
		Error:       ignore,
	},
	TimingOut: {
		PostProcess: to(Completing),
		Complete:    to(MustComplete),
		Error:       to(MustError),
		Timeout:     ignore,
	},
	Completing: {
		Finish:   to(Completed),
		Timeout:  ignore,
		Complete: ignore,
		Error:    ignore,
	},
	Completed: {
		Recycle: to(NotAsync),
		Timeout: ignore,
	},
}

// Result describes the outcome of Fire.
type Result struct {
	// From is the state the event was applied to.
	From State

	// To is the resulting state (equal to From for a no-op).
	To State

	// Noop is true when the event was absorbed: a race was lost or the event
	// does not apply any more.
	Noop bool

	// NeedsDispatch is true when the caller must schedule the socket on a
	// worker, because nobody else is going to.
	NeedsDispatch bool

	// Retry is true when the event arrived while a worker still owns the
	// request and should be re-fired later (timeouts only).
	Retry bool
}

// IllegalTransitionError is a contract violation by the caller, for example
// completing a request twice.
type IllegalTransitionError struct {
	State State
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal async transition: %s on %s", e.Event, e.State)
}

// Machine is the async state of one request.
//
// Thread safety:
// Fire is safe for concurrent use. The zero value is NotAsync.
type Machine struct {
	state atomic.Int32
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Fire applies ev.
//
// Returns:
//   - Result describing the transition (or no-op)
//   - *IllegalTransitionError when ev is not valid in the current state
func (m *Machine) Fire(ev Event) (Result, error) {
	if ev < 0 || ev >= numEvents {
		return Result{}, &IllegalTransitionError{State: m.State(), Event: ev}
	}
	for {
		cur := State(m.state.Load())
		e := table[cur][ev]

		switch e.kind {
		case noop:
			return Result{From: cur, To: cur, Noop: true, Retry: e.retry}, nil
		case move:
			if m.state.CompareAndSwap(int32(cur), int32(e.to)) {
				return Result{From: cur, To: e.to, NeedsDispatch: e.dispatch}, nil
			}
			// Lost the race, re-evaluate against the new state
		default:
			return Result{From: cur, To: cur}, &IllegalTransitionError{State: cur, Event: ev}
		}
	}
}

// Reset forces NotAsync. Used only when the connection is torn down and no
// further events can be delivered.
func (m *Machine) Reset() {
	m.state.Store(int32(NotAsync))
}
