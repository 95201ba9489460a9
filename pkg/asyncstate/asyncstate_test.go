package asyncstate

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fire(t *testing.T, m *Machine, ev Event) Result {
	t.Helper()
	res, err := m.Fire(ev)
	require.NoError(t, err, "%s from %s", ev, m.State())
	return res
}

// ============================================================================
// Happy paths
// ============================================================================

func TestSyncRequestIsNoop(t *testing.T) {
	var m Machine

	res := fire(t, &m, PostProcess)
	assert.True(t, res.Noop)
	assert.Equal(t, NotAsync, m.State())

	res = fire(t, &m, Recycle)
	assert.True(t, res.Noop)
}

func TestStartThenCompleteFromOtherGoroutine(t *testing.T) {
	var m Machine

	fire(t, &m, StartAsync)
	res := fire(t, &m, PostProcess)
	assert.Equal(t, Started, res.To)
	assert.False(t, res.NeedsDispatch)

	res = fire(t, &m, Complete)
	assert.Equal(t, MustComplete, res.To)
	assert.True(t, res.NeedsDispatch, "worker was released, completer must schedule")

	assert.Equal(t, Completing, fire(t, &m, PostProcess).To)
	assert.Equal(t, Completed, fire(t, &m, Finish).To)
	assert.Equal(t, NotAsync, fire(t, &m, Recycle).To)
}

func TestCompleteBeforeContainerReturns(t *testing.T) {
	var m Machine

	fire(t, &m, StartAsync)
	res := fire(t, &m, Complete)
	assert.Equal(t, MustComplete, res.To)
	assert.False(t, res.NeedsDispatch, "the unwinding worker picks it up")

	assert.Equal(t, Completing, fire(t, &m, PostProcess).To)
}

func TestDispatchBeforeContainerReturns(t *testing.T) {
	var m Machine

	fire(t, &m, StartAsync)
	assert.Equal(t, MustDispatch, fire(t, &m, Dispatch).To)

	res := fire(t, &m, PostProcess)
	assert.Equal(t, Running, res.To)
	assert.True(t, res.NeedsDispatch)

	// Dispatched task returns without completing
	assert.Equal(t, Started, fire(t, &m, PostProcess).To)
}

func TestDispatchedTaskCompletes(t *testing.T) {
	var m Machine

	fire(t, &m, StartAsync)
	fire(t, &m, PostProcess)

	res := fire(t, &m, Dispatch)
	assert.Equal(t, Running, res.To)
	assert.True(t, res.NeedsDispatch)

	res = fire(t, &m, Complete)
	assert.Equal(t, MustComplete, res.To)
	assert.False(t, res.NeedsDispatch, "task still running on a worker")

	assert.Equal(t, Completing, fire(t, &m, PostProcess).To)
}

func TestTimeoutWithoutListener(t *testing.T) {
	var m Machine

	fire(t, &m, StartAsync)
	fire(t, &m, PostProcess)

	res := fire(t, &m, Timeout)
	assert.Equal(t, TimingOut, res.To)
	assert.True(t, res.NeedsDispatch)

	res = fire(t, &m, PostProcess)
	assert.Equal(t, TimingOut, res.From, "processor uses From to report a timeout")
	assert.Equal(t, Completing, res.To)
}

func TestTimeoutListenerCompletes(t *testing.T) {
	var m Machine

	fire(t, &m, StartAsync)
	fire(t, &m, PostProcess)
	fire(t, &m, Timeout)

	res := fire(t, &m, Complete)
	assert.Equal(t, MustComplete, res.To)
	assert.False(t, res.NeedsDispatch)

	res = fire(t, &m, PostProcess)
	assert.Equal(t, MustComplete, res.From)
}

func TestTimeoutWhileWorkerOwnsRequestRetries(t *testing.T) {
	var m Machine
	fire(t, &m, StartAsync)

	res := fire(t, &m, Timeout)
	assert.True(t, res.Noop)
	assert.True(t, res.Retry)
	assert.Equal(t, Starting, m.State())
}

func TestErrorPath(t *testing.T) {
	var m Machine
	fire(t, &m, StartAsync)
	fire(t, &m, PostProcess)

	res := fire(t, &m, Error)
	assert.Equal(t, MustError, res.To)
	assert.True(t, res.NeedsDispatch)

	assert.True(t, fire(t, &m, Complete).Noop, "late complete after error is absorbed")
	assert.Equal(t, Completing, fire(t, &m, PostProcess).To)
}

// ============================================================================
// Illegal transitions
// ============================================================================

func TestIllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup []Event
		ev    Event
	}{
		{"complete when not async", nil, Complete},
		{"dispatch when not async", nil, Dispatch},
		{"double start", []Event{StartAsync}, StartAsync},
		{"double complete", []Event{StartAsync, PostProcess, Complete}, Complete},
		{"complete after dispatch pending", []Event{StartAsync, Dispatch}, Complete},
		{"finish before completing", []Event{StartAsync, PostProcess}, Finish},
		{"recycle mid-flight", []Event{StartAsync, PostProcess}, Recycle},
		{"unknown event", nil, Event(99)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Machine
			for _, ev := range tt.setup {
				fire(t, &m, ev)
			}
			before := m.State()

			_, err := m.Fire(tt.ev)
			var illegal *IllegalTransitionError
			require.ErrorAs(t, err, &illegal)
			assert.Equal(t, before, illegal.State)
			assert.Equal(t, before, m.State(), "illegal events never change state")
		})
	}
}

// TestTableHasNoSilentGaps checks that every pair is either a move, an
// explicit no-op or an error.
func TestTableHasNoSilentGaps(t *testing.T) {
	for s := State(0); s < numStates; s++ {
		for ev := Event(0); ev < numEvents; ev++ {
			var m Machine
			m.state.Store(int32(s))
			res, err := m.Fire(ev)
			if err != nil {
				continue
			}
			if res.Noop {
				assert.Equal(t, s, m.State())
			} else {
				assert.NotEqual(t, s, res.To, "%s on %s moves nowhere", ev, s)
			}
		}
	}
}

// ============================================================================
// Races
// ============================================================================

// TestCompleteTimeoutRace fires complete and timeout concurrently against a
// started request. Exactly one of them must be told to dispatch.
func TestCompleteTimeoutRace(t *testing.T) {
	for i := 0; i < 2000; i++ {
		var m Machine
		fire(t, &m, StartAsync)
		fire(t, &m, PostProcess)

		var dispatches atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for _, ev := range []Event{Complete, Timeout} {
			wg.Add(1)
			go func(ev Event) {
				defer wg.Done()
				<-start
				res, err := m.Fire(ev)
				if err == nil && res.NeedsDispatch {
					dispatches.Add(1)
				}
			}(ev)
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), dispatches.Load(), "iteration %d", i)

		res := fire(t, &m, PostProcess)
		require.Equal(t, Completing, res.To)
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "TIMING_OUT", TimingOut.String())
	assert.Equal(t, "Complete", Complete.String())
	assert.Contains(t, State(42).String(), "42")
}
