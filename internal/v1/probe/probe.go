// Package probe coordinates direct-channel RTT measurement between two
// candidates before a Game is created. The measurement mechanism itself is
// an opaque oracle supplied by the caller (spec.md §4.3 places its
// implementation out of scope); this package only owns handle bookkeeping,
// timeout, cancellation, and a circuit breaker around the dispatch call.
package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openlab-research/experiment-engine/internal/v1/metrics"
	"github.com/openlab-research/experiment-engine/internal/v1/types"
	"github.com/sony/gobreaker"
)

// Handle identifies one in-flight probe so late or duplicate results can be
// ignored once a result has already been delivered.
type Handle string

// ResultCallback receives the measured RTT, or nil on timeout/error.
type ResultCallback func(measuredRTTMs *int)

// Dispatcher instructs subjectA and subjectB to open a direct channel and
// measure RTT, delivering the result asynchronously via the callback the
// Coordinator wraps around it. It is the opaque oracle spec.md leaves
// unspecified.
type Dispatcher func(ctx context.Context, subjectA, subjectB types.SubjectId, deliver ResultCallback)

const defaultTimeout = 10 * time.Second

// Coordinator is the ProbeCoordinator component: create_probe/cancel with
// handle-keyed dedup and a circuit breaker around the dispatcher, grounded
// on the teacher's SFUClient RPC-wrapping pattern.
type Coordinator struct {
	dispatch Dispatcher
	timeout  time.Duration
	cb       *gobreaker.CircuitBreaker

	mu      sync.Mutex
	pending map[Handle]*inflightProbe
	seq     uint64
}

type inflightProbe struct {
	cancel   context.CancelFunc
	resolved bool
}

// New constructs a Coordinator. timeoutMs<=0 uses the spec.md default of
// 10 seconds.
func New(dispatch Dispatcher, timeoutMs int) *Coordinator {
	timeout := defaultTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	st := gobreaker.Settings{
		Name:        "probe",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("probe").Set(stateVal)
		},
	}

	return &Coordinator{
		dispatch: dispatch,
		timeout:  timeout,
		cb:       gobreaker.NewCircuitBreaker(st),
		pending:  make(map[Handle]*inflightProbe),
	}
}

// CreateProbe starts a probe between two candidates. on_result is called
// exactly once: with the measured RTT, with nil on timeout, or immediately
// with nil if the circuit breaker rejects the dispatch. The breaker sees
// only the synchronous dispatch call, which reports no error; probe
// timeouts and nil results are not counted as breaker failures.
func (c *Coordinator) CreateProbe(subjectA, subjectB types.SubjectId, onResult ResultCallback) Handle {
	c.mu.Lock()
	c.seq++
	handle := Handle(fmt.Sprintf("probe-%d-%s-%s", c.seq, subjectA, subjectB))
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	entry := &inflightProbe{cancel: cancel}
	c.pending[handle] = entry
	c.mu.Unlock()

	deliver := func(measuredRTTMs *int) {
		c.resolve(handle, measuredRTTMs, onResult)
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		c.dispatch(ctx, subjectA, subjectB, deliver)
		return nil, nil
	})
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues("probe").Inc()
		cancel()
		c.resolve(handle, nil, onResult)
		return handle
	}

	go func() {
		<-ctx.Done()
		c.resolve(handle, nil, onResult)
	}()

	return handle
}

// Cancel abandons a probe whose candidates have left, per spec.md §4.3. Any
// later result for this handle is ignored.
func (c *Coordinator) Cancel(handle Handle) {
	c.mu.Lock()
	entry, ok := c.pending[handle]
	if ok {
		delete(c.pending, handle)
	}
	c.mu.Unlock()

	if ok {
		entry.cancel()
	}
}

// resolve delivers a result exactly once for a handle; the second caller
// (timeout racing a real result, or a duplicate late result) is a no-op.
func (c *Coordinator) resolve(handle Handle, measuredRTTMs *int, onResult ResultCallback) {
	c.mu.Lock()
	entry, ok := c.pending[handle]
	if !ok || entry.resolved {
		c.mu.Unlock()
		return
	}
	entry.resolved = true
	delete(c.pending, handle)
	c.mu.Unlock()

	entry.cancel()

	outcome := "timeout"
	if measuredRTTMs != nil {
		outcome = "success"
	}
	metrics.ProbeOutcomes.WithLabelValues(outcome).Inc()

	onResult(measuredRTTMs)
}
