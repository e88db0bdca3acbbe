package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgellow/salla-proxy/internal/log"
	"github.com/dgellow/salla-proxy/internal/metrics"
	"github.com/dgellow/salla-proxy/internal/servicecontext"
	"github.com/dgellow/salla-proxy/internal/upstream"
)

// Defaults for page fetches against the rate-limited upstream
const (
	DefaultMaxAttempts = 3
	DefaultStep        = 300 * time.Millisecond
)

// errRetryableStatus marks a response that should be attempted again
var errRetryableStatus = errors.New("retryable upstream status")

// Retryable reports whether status is worth another attempt: 429 and 5xx
func Retryable(status int) bool {
	return status == 429 || (status >= 500 && status <= 599)
}

// Policy retries a call that returned a retryable status. The delay before
// attempt n+1 is Step*n.
type Policy struct {
	MaxAttempts uint
	Step        time.Duration
	Metrics     *metrics.Metrics
}

// NewPolicy returns the default policy
func NewPolicy(m *metrics.Metrics) *Policy {
	return &Policy{
		MaxAttempts: DefaultMaxAttempts,
		Step:        DefaultStep,
		Metrics:     m,
	}
}

// Do runs call until it returns a non-retryable status or the attempts run
// out, and returns the last response seen. Transport errors are not
// retried. A cancelled context stops the wait and returns the last
// response.
func (p *Policy) Do(ctx context.Context, operation string, call func(ctx context.Context) (*upstream.Response, error)) (*upstream.Response, error) {
	attempt := 0
	var last *upstream.Response

	op := func() (*upstream.Response, error) {
		attempt++
		resp, err := call(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		last = resp

		log.LogDebugWithFields("retry", "Upstream attempt finished", map[string]any{
			"debug_id":  servicecontext.DebugID(ctx),
			"operation": operation,
			"attempt":   attempt,
			"status":    resp.Status,
		})

		if Retryable(resp.Status) {
			return resp, errRetryableStatus
		}
		return resp, nil
	}

	notify := func(_ error, wait time.Duration) {
		p.Metrics.Retry(operation)
		log.LogWarnWithFields("retry", "Retrying upstream call", map[string]any{
			"debug_id":  servicecontext.DebugID(ctx),
			"operation": operation,
			"attempt":   attempt,
			"status":    last.Status,
			"wait":      wait.String(),
		})
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&linear{step: p.Step}),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return resp, nil
	}
	if last != nil && (errors.Is(err, errRetryableStatus) || ctx.Err() != nil) {
		return last, nil
	}
	return nil, err
}

// linear grows the wait by step on every call
type linear struct {
	step time.Duration
	n    int
}

func (l *linear) NextBackOff() time.Duration {
	l.n++
	return l.step * time.Duration(l.n)
}

func (l *linear) Reset() {
	l.n = 0
}
