package detections

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/scanlab/scan-service/models"
)

// Runner is a native inference session. Run is never called concurrently.
type Runner interface {
	Run(*InputTensor) (*RawOutput, error)
	Destroy() error
}

// Guard gives one caller at a time access to a Runner. The runner lives in a
// single-slot channel; holding it is holding the session.
type Guard struct {
	slot    chan Runner
	closed  chan struct{}
	once    sync.Once
	metrics *Metrics
}

func NewGuard(runner Runner, metrics *Metrics) *Guard {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	g := &Guard{
		slot:    make(chan Runner, 1),
		closed:  make(chan struct{}),
		metrics: metrics,
	}
	g.slot <- runner
	return g
}

type runResult struct {
	out *RawOutput
	err error
}

// Run waits for the session and performs one inference. If ctx ends while
// waiting, the caller leaves without touching the session. If ctx ends while
// the native call runs, Run returns ctx.Err() at once; the call finishes in
// the background, its result is dropped and the session is then released.
func (g *Guard) Run(ctx context.Context, in *InputTensor, timings *models.ProcessingTimings) (*RawOutput, error) {
	runner, err := g.acquire(ctx, timings)
	if err != nil {
		return nil, err
	}

	done := make(chan runResult, 1)
	g.metrics.InFlight.Inc()
	start := time.Now()
	go func() {
		var res runResult
		defer func() {
			if r := recover(); r != nil {
				res = runResult{err: errors.Errorf("inference panicked: %v", r)}
			}
			g.metrics.RunSeconds.Observe(time.Since(start).Seconds())
			g.metrics.InFlight.Dec()
			g.slot <- runner
			done <- res
		}()
		res.out, res.err = runner.Run(in)
	}()

	select {
	case res := <-done:
		if timings != nil {
			timings.Inference = time.Since(start)
		}
		if res.err != nil {
			g.metrics.Inferences.WithLabelValues(OutcomeError).Inc()
			return nil, &ProcessingError{Stage: "inference", Cause: res.err}
		}
		g.metrics.Inferences.WithLabelValues(OutcomeOK).Inc()
		return res.out, nil
	case <-ctx.Done():
		g.metrics.Inferences.WithLabelValues(OutcomeAbandoned).Inc()
		return nil, ctx.Err()
	}
}

func (g *Guard) acquire(ctx context.Context, timings *models.ProcessingTimings) (Runner, error) {
	start := time.Now()
	g.metrics.Waiting.Inc()
	defer g.metrics.Waiting.Dec()

	var runner Runner
	select {
	case runner = <-g.slot:
	case <-ctx.Done():
		g.metrics.Inferences.WithLabelValues(OutcomeCanceled).Inc()
		return nil, ctx.Err()
	case <-g.closed:
		return nil, ErrClosed
	}

	wait := time.Since(start)
	g.metrics.WaitSeconds.Observe(wait.Seconds())
	if timings != nil {
		timings.Wait = wait
	}

	select {
	case <-g.closed:
		g.slot <- runner
		return nil, ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		g.slot <- runner
		g.metrics.Inferences.WithLabelValues(OutcomeCanceled).Inc()
		return nil, err
	}
	return runner, nil
}

// Close stops new work, waits for a running native call to finish and
// destroys the runner. Later calls return nil.
func (g *Guard) Close() error {
	var err error
	g.once.Do(func() {
		close(g.closed)
		runner := <-g.slot
		err = runner.Destroy()
	})
	return err
}
