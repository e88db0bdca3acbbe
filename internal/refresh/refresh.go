package refresh

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dgellow/salla-proxy/internal/log"
	"github.com/dgellow/salla-proxy/internal/metrics"
	"github.com/dgellow/salla-proxy/internal/servicecontext"
	"github.com/dgellow/salla-proxy/internal/session"
	"github.com/dgellow/salla-proxy/internal/upstream"
	"golang.org/x/sync/singleflight"
)

// Attempt tells whether a call already ran with a refreshed token
type Attempt int

const (
	AttemptFirst Attempt = iota
	AttemptRetried
)

// Action is what the coordinator does after a call returns
type Action int

const (
	ActionReturn Action = iota
	ActionRefresh
)

func (a Action) String() string {
	switch a {
	case ActionRefresh:
		return "refresh"
	default:
		return "return"
	}
}

// Decide refreshes only after the first attempt failed with 401 or 403
// and a refresh token is available.
func Decide(attempt Attempt, status int, hasRefreshToken bool) Action {
	if attempt != AttemptFirst || !hasRefreshToken {
		return ActionReturn
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return ActionRefresh
	}
	return ActionReturn
}

// TokenRefresher runs the refresh token grant
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*upstream.Response, error)
}

// SessionWriter persists a rotated session on the response
type SessionWriter interface {
	WriteSession(w http.ResponseWriter, s session.Session) error
}

// Exec runs one upstream call with accessToken
type Exec func(ctx context.Context, accessToken string) (*upstream.Response, error)

// Coordinator retries a call once with a refreshed token when the upstream
// rejects the current one. Concurrent refreshes of the same refresh token
// share one grant.
type Coordinator struct {
	refresher TokenRefresher
	store     SessionWriter
	metrics   *metrics.Metrics
	group     singleflight.Group
	now       func() time.Time
}

// NewCoordinator creates a coordinator. m may be nil.
func NewCoordinator(refresher TokenRefresher, store SessionWriter, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		refresher: refresher,
		store:     store,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Do runs exec with the session's access token. On 401 or 403 it refreshes
// once, writes the rotated session to w and runs exec again.
//
// When the refresh fails the original response is returned. When the
// refresh succeeds the retried response is returned whatever its status.
func (c *Coordinator) Do(ctx context.Context, w http.ResponseWriter, sess session.Session, exec Exec) (*upstream.Response, error) {
	attempt := AttemptFirst
	for {
		resp, err := exec(ctx, sess.AccessToken)
		if err != nil {
			return nil, err
		}

		if Decide(attempt, resp.Status, sess.RefreshToken != "") == ActionReturn {
			return resp, nil
		}

		log.LogInfoWithFields("refresh", "Access token rejected, refreshing", map[string]any{
			"debug_id": servicecontext.DebugID(ctx),
			"status":   resp.Status,
		})

		next, ok := c.rotate(ctx, sess)
		if !ok {
			return resp, nil
		}
		if err := c.store.WriteSession(w, next); err != nil {
			return nil, fmt.Errorf("writing refreshed session: %w", err)
		}

		sess = next
		attempt = AttemptRetried
	}
}

// Refresh runs the refresh grant for refreshToken, sharing the call with
// concurrent requests holding the same token. The shared grant does not
// inherit the caller's cancellation; the upstream client timeout bounds it.
func (c *Coordinator) Refresh(ctx context.Context, refreshToken string) (*upstream.Response, error) {
	grantCtx := context.WithoutCancel(ctx)
	v, err, shared := c.group.Do(refreshToken, func() (any, error) {
		return c.refresher.RefreshToken(grantCtx, refreshToken)
	})
	if err != nil {
		c.metrics.Refresh(metrics.RefreshError)
		return nil, err
	}
	resp := v.(*upstream.Response)

	outcome := metrics.RefreshSucceeded
	if _, ok := upstream.ParseToken(resp); !ok {
		outcome = metrics.RefreshRejected
	}
	c.metrics.Refresh(outcome)

	log.LogDebugWithFields("refresh", "Refresh grant finished", map[string]any{
		"debug_id": servicecontext.DebugID(ctx),
		"status":   resp.Status,
		"outcome":  outcome,
		"shared":   shared,
	})
	return resp, nil
}

// Rotate applies a refresh response to sess. It reports false when the
// response carries no usable access token.
func (c *Coordinator) Rotate(sess session.Session, resp *upstream.Response) (session.Session, bool) {
	tok, ok := upstream.ParseToken(resp)
	if !ok {
		return session.Session{}, false
	}
	return sess.Rotate(tok.AccessToken, tok.RefreshToken, tok.TokenType, tok.ExpiresIn, c.now()), true
}

func (c *Coordinator) rotate(ctx context.Context, sess session.Session) (session.Session, bool) {
	resp, err := c.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		log.LogWarnWithFields("refresh", "Refresh grant failed", map[string]any{
			"debug_id": servicecontext.DebugID(ctx),
			"error":    err.Error(),
		})
		return session.Session{}, false
	}

	next, ok := c.Rotate(sess, resp)
	if !ok {
		log.LogWarnWithFields("refresh", "Refresh grant rejected", map[string]any{
			"debug_id": servicecontext.DebugID(ctx),
			"status":   resp.Status,
		})
	}
	return next, ok
}
