// Package loadinggate implements the per-connection LoadingGate: a
// two-signal rendezvous (screening result, runtime loading complete) with
// a deadline, resolved exactly once. Grounded on the teacher's
// time.AfterFunc deadline idiom (transport/hub.go's room cleanup grace),
// applied here to a two-signal join instead of a single timer.
package loadinggate

import (
	"sync"
	"time"

	"github.com/openlab-research/experiment-engine/internal/v1/metrics"
	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// Outcome is what check() ultimately resolves to.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeTimeout Outcome = "timeout"
)

// ResolvedHandler fires exactly once per gate, with the final outcome and,
// on failure, a human-readable reason.
type ResolvedHandler func(outcome Outcome, reason string)

const defaultTimeout = 60 * time.Second

type gateState struct {
	screeningComplete bool
	screeningPassed   bool
	runtimeComplete   bool
	runtimeOK         bool
	gateResolved      bool

	timer *time.Timer
}

// Gate tracks every connection's loading-gate state.
type Gate struct {
	timeout time.Duration

	mu    sync.Mutex
	gates map[types.ConnectionId]*gateState
}

// New constructs a Gate. timeoutMs <= 0 defaults to 60s (pyodide_load_timeout_s).
func New(timeoutMs int) *Gate {
	timeout := defaultTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return &Gate{
		timeout: timeout,
		gates:   make(map[types.ConnectionId]*gateState),
	}
}

// Start opens a gate for connID and starts its deadline. Re-entrant: if the
// gate already exists and is resolved, this is a no-op (spec.md §4.8 step
// 5 — a reconnect must not re-show the loading screen).
func (g *Gate) Start(connID types.ConnectionId, onResolved ResolvedHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.gates[connID]; ok {
		if existing.gateResolved {
			return
		}
	}

	st := &gateState{}
	g.gates[connID] = st
	st.timer = time.AfterFunc(g.timeout, func() {
		g.expireDeadline(connID, onResolved)
	})
}

// ScreeningResult records the screening_result signal.
func (g *Gate) ScreeningResult(connID types.ConnectionId, passed bool, onResolved ResolvedHandler) {
	g.mu.Lock()
	st, ok := g.gates[connID]
	if !ok || st.gateResolved {
		g.mu.Unlock()
		return
	}
	st.screeningComplete = true
	st.screeningPassed = passed
	g.mu.Unlock()

	g.check(connID, onResolved)
}

// RuntimeLoadingComplete records the runtime_loading_complete signal.
func (g *Gate) RuntimeLoadingComplete(connID types.ConnectionId, ok bool, onResolved ResolvedHandler) {
	g.mu.Lock()
	st, present := g.gates[connID]
	if !present || st.gateResolved {
		g.mu.Unlock()
		return
	}
	st.runtimeComplete = true
	st.runtimeOK = ok
	g.mu.Unlock()

	g.check(connID, onResolved)
}

// check implements spec.md §4.8 step 3: resolve once both signals are
// present (either failure is terminal; both success resolves the gate).
func (g *Gate) check(connID types.ConnectionId, onResolved ResolvedHandler) {
	g.mu.Lock()
	st, ok := g.gates[connID]
	if !ok || st.gateResolved {
		g.mu.Unlock()
		return
	}
	if !st.screeningComplete || !st.runtimeComplete {
		g.mu.Unlock()
		return
	}

	outcome := OutcomePass
	reason := ""
	if !st.screeningPassed {
		outcome, reason = OutcomeFail, "screening_failed"
	} else if !st.runtimeOK {
		outcome, reason = OutcomeFail, "runtime_error"
	}

	st.gateResolved = true
	if st.timer != nil {
		st.timer.Stop()
	}
	g.mu.Unlock()

	metrics.GateResolutions.WithLabelValues(string(outcome)).Inc()
	if onResolved != nil {
		onResolved(outcome, reason)
	}
}

func (g *Gate) expireDeadline(connID types.ConnectionId, onResolved ResolvedHandler) {
	g.mu.Lock()
	st, ok := g.gates[connID]
	if !ok || st.gateResolved {
		g.mu.Unlock()
		return
	}
	st.gateResolved = true
	g.mu.Unlock()

	metrics.GateResolutions.WithLabelValues(string(OutcomeTimeout)).Inc()
	if onResolved != nil {
		onResolved(OutcomeTimeout, "runtime_loading_timeout")
	}
}

// Remove discards a connection's gate state, used once the connection's
// session is fully torn down.
func (g *Gate) Remove(connID types.ConnectionId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.gates[connID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(g.gates, connID)
	}
}
