package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/salla-proxy/internal/config"
	"github.com/dgellow/salla-proxy/internal/crypto"
	"github.com/dgellow/salla-proxy/internal/ioutil"
	"github.com/dgellow/salla-proxy/internal/log"
	"github.com/dgellow/salla-proxy/internal/metrics"
	"github.com/dgellow/salla-proxy/internal/servicecontext"
	"github.com/dgellow/salla-proxy/internal/session"
	"github.com/dgellow/salla-proxy/internal/upstream"
	"golang.org/x/oauth2"
)

// Scope requested from the accounts server
const Scope = "offline_access"

// detailLimit bounds the upstream body echoed in a failed exchange redirect
const detailLimit = 120

// FlowState is the position of one browser in the authorization flow
type FlowState int

const (
	StateNotStarted FlowState = iota
	StateIssued
	StateCallbackReceived
	StateSessionEstablished
	StateFailed
)

func (s FlowState) String() string {
	switch s {
	case StateIssued:
		return "state_issued"
	case StateCallbackReceived:
		return "callback_received"
	case StateSessionEstablished:
		return "session_established"
	case StateFailed:
		return "failed"
	default:
		return "not_started"
	}
}

// Reason explains a failed callback in the redirect query
type Reason string

const (
	ReasonMissingEnv          Reason = "missing_env"
	ReasonMissingCode         Reason = "missing_code"
	ReasonInvalidState        Reason = "invalid_state"
	ReasonTokenExchangeFailed Reason = "token_exchange_failed"
	ReasonExchangeException   Reason = "exchange_exception"
)

// CodeExchanger runs the authorization code grant
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*upstream.Response, error)
}

// CookieStore holds the OAuth state and the resulting session
type CookieStore interface {
	ReadState(r *http.Request) (session.OAuthState, bool)
	WriteState(w http.ResponseWriter, nonce string) error
	ClearState(w http.ResponseWriter)
	WriteSession(w http.ResponseWriter, s session.Session) error
}

// Outcome is the result of a callback
type Outcome struct {
	State  FlowState
	Reason Reason
	Detail string
}

// Location is where the browser goes after the callback
func (o Outcome) Location() string {
	if o.State == StateSessionEstablished {
		return "/?oauth=success"
	}
	loc := "/?oauth=error&reason=" + url.QueryEscape(string(o.Reason))
	if o.Detail != "" {
		loc += "&detail=" + url.QueryEscape(o.Detail)
	}
	return loc
}

// Flow runs the authorization code flow against the Salla accounts server
type Flow struct {
	cfg       config.Config
	oauth2    oauth2.Config
	exchanger CodeExchanger
	store     CookieStore
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewFlow creates a flow. authURL is the accounts authorization endpoint.
func NewFlow(cfg config.Config, authURL string, exchanger CodeExchanger, store CookieStore, m *metrics.Metrics) *Flow {
	return &Flow{
		cfg: cfg,
		oauth2: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      []string{Scope},
			Endpoint:    oauth2.Endpoint{AuthURL: authURL},
		},
		exchanger: exchanger,
		store:     store,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start issues a fresh state nonce in the state cookie and returns the
// authorization URL carrying it.
func (f *Flow) Start(w http.ResponseWriter) (string, error) {
	nonce, err := crypto.NewNonce()
	if err != nil {
		return "", err
	}
	if err := f.store.WriteState(w, nonce); err != nil {
		return "", err
	}
	log.LogTraceWithFields("oauth", "Authorization state issued", map[string]any{
		"state": StateIssued.String(),
	})
	return f.oauth2.AuthCodeURL(nonce), nil
}

// Callback validates the returning browser and exchanges its code. The
// state cookie is cleared whatever the outcome.
func (f *Flow) Callback(ctx context.Context, w http.ResponseWriter, r *http.Request) Outcome {
	log.LogTraceWithFields("oauth", "Authorization callback received", map[string]any{
		"debug_id": servicecontext.DebugID(ctx),
		"state":    StateCallbackReceived.String(),
	})
	outcome := f.callback(ctx, r, w)
	f.store.ClearState(w)

	result := string(outcome.Reason)
	if outcome.State == StateSessionEstablished {
		result = "success"
	}
	f.metrics.OAuthCallback(result)

	log.LogInfoWithFields("oauth", "OAuth callback finished", map[string]any{
		"debug_id": servicecontext.DebugID(ctx),
		"state":    outcome.State.String(),
		"reason":   string(outcome.Reason),
	})
	return outcome
}

func (f *Flow) callback(ctx context.Context, r *http.Request, w http.ResponseWriter) Outcome {
	if missing := f.cfg.Missing(config.RequireOAuthCallback); len(missing) > 0 {
		log.LogErrorWithFields("oauth", "OAuth callback without required configuration", map[string]any{
			"debug_id": servicecontext.DebugID(ctx),
			"missing":  missing,
		})
		return failed(ReasonMissingEnv, "")
	}

	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		return failed(ReasonMissingCode, q.Get("error"))
	}

	stored, ok := f.store.ReadState(r)
	if !ok || stored.State == "" || stored.State != q.Get("state") {
		return failed(ReasonInvalidState, "")
	}

	resp, err := f.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		log.LogErrorWithFields("oauth", "Token exchange failed", map[string]any{
			"debug_id": servicecontext.DebugID(ctx),
			"error":    err.Error(),
		})
		return failed(ReasonExchangeException, "")
	}

	tok, ok := upstream.ParseToken(resp)
	if !ok {
		log.LogWarnWithFields("oauth", "Token exchange rejected", map[string]any{
			"debug_id": servicecontext.DebugID(ctx),
			"status":   resp.Status,
		})
		return failed(ReasonTokenExchangeFailed, exchangeDetail(resp.Body))
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	sess := session.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tokenType,
		ExpiresIn:    tok.ExpiresIn,
		UpdatedAt:    f.now(),
	}
	if err := f.store.WriteSession(w, sess); err != nil {
		log.LogErrorWithFields("oauth", "Failed to write session", map[string]any{
			"debug_id": servicecontext.DebugID(ctx),
			"error":    err.Error(),
		})
		return failed(ReasonExchangeException, "")
	}

	return Outcome{State: StateSessionEstablished}
}

func failed(reason Reason, detail string) Outcome {
	return Outcome{State: StateFailed, Reason: reason, Detail: detail}
}

// exchangeDetail is the compact JSON body cut to detailLimit bytes
func exchangeDetail(body json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return ioutil.Truncate(string(body), detailLimit)
	}
	return ioutil.Truncate(buf.String(), detailLimit)
}
