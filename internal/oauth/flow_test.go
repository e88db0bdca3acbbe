package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dgellow/salla-proxy/internal/config"
	"github.com/dgellow/salla-proxy/internal/cookie"
	"github.com/dgellow/salla-proxy/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchanger struct {
	code string
	resp *upstream.Response
	err  error
}

func (f *fakeExchanger) ExchangeCode(ctx context.Context, code string) (*upstream.Response, error) {
	f.code = code
	return f.resp, f.err
}

func testConfig() config.Config {
	return config.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.example.com/oauth/callback",
		AccountsBase: "https://accounts.salla.sa",
		APIBase:      "https://api.salla.dev",
		AppSecret:    "app-secret",
	}
}

func newFlow(cfg config.Config, ex *fakeExchanger) (*Flow, *cookie.Store) {
	store := cookie.NewStore([]byte(cfg.AppSecret), false)
	return NewFlow(cfg, "https://accounts.salla.sa/oauth2/auth", ex, store, nil), store
}

// callbackRequest builds a callback carrying the cookies set on start
func callbackRequest(start *httptest.ResponseRecorder, query string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/oauth/callback?"+query, nil)
	if start != nil {
		for _, c := range start.Result().Cookies() {
			r.AddCookie(c)
		}
	}
	return r
}

// cookieHeader returns the Set-Cookie value for name
func cookieHeader(w *httptest.ResponseRecorder, name string) string {
	for _, h := range w.Header().Values("Set-Cookie") {
		if strings.HasPrefix(h, name+"=") {
			return h
		}
	}
	return ""
}

func startFlow(t *testing.T, flow *Flow) (*httptest.ResponseRecorder, string) {
	t.Helper()
	w := httptest.NewRecorder()
	loc, err := flow.Start(w)
	require.NoError(t, err)

	u, err := url.Parse(loc)
	require.NoError(t, err)
	return w, u.Query().Get("state")
}

func TestFlow_Start(t *testing.T) {
	flow, store := newFlow(testConfig(), &fakeExchanger{})
	w := httptest.NewRecorder()

	loc, err := flow.Start(w)
	require.NoError(t, err)

	u, err := url.Parse(loc)
	require.NoError(t, err)
	assert.Equal(t, "accounts.salla.sa", u.Host)
	assert.Equal(t, "/oauth2/auth", u.Path)

	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "https://app.example.com/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "offline_access", q.Get("scope"))
	assert.Len(t, q.Get("state"), 32)

	st, ok := store.ReadState(callbackRequest(w, ""))
	require.True(t, ok)
	assert.Equal(t, q.Get("state"), st.State)

	_, again := startFlow(t, flow)
	assert.NotEqual(t, q.Get("state"), again, "every start issues a fresh nonce")
}

func TestFlow_CallbackSuccess(t *testing.T) {
	ex := &fakeExchanger{resp: &upstream.Response{
		Status: 200,
		Body:   json.RawMessage(`{"access_token":"at","refresh_token":"rt","expires_in":1209600}`),
	}}
	flow, store := newFlow(testConfig(), ex)
	startW, state := startFlow(t, flow)

	w := httptest.NewRecorder()
	outcome := flow.Callback(context.Background(), w, callbackRequest(startW, "code=the-code&state="+state))

	assert.Equal(t, StateSessionEstablished, outcome.State)
	assert.Equal(t, "/?oauth=success", outcome.Location())
	assert.Equal(t, "the-code", ex.code)

	assert.Contains(t, cookieHeader(w, cookie.StateCookie), "Max-Age=0")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range w.Result().Cookies() {
		if c.Name == cookie.SessionCookie {
			r.AddCookie(c)
		}
	}
	sess, ok := store.ReadSession(r)
	require.True(t, ok)
	assert.Equal(t, "at", sess.AccessToken)
	assert.Equal(t, "rt", sess.RefreshToken)
	assert.Equal(t, "Bearer", sess.TokenType)
	require.NotNil(t, sess.ExpiresIn)
	assert.Equal(t, int64(1209600), *sess.ExpiresIn)
}

func TestFlow_CallbackFailures(t *testing.T) {
	tests := []struct {
		name       string
		cfg        func(*config.Config)
		exchanger  *fakeExchanger
		query      func(state string) string
		noCookie   bool
		wantReason Reason
		wantDetail string
	}{
		{
			name:       "missing configuration",
			cfg:        func(c *config.Config) { c.ClientSecret = "" },
			query:      func(state string) string { return "code=c&state=" + state },
			wantReason: ReasonMissingEnv,
		},
		{
			name:       "missing code",
			query:      func(state string) string { return "state=" + state },
			wantReason: ReasonMissingCode,
		},
		{
			name:       "upstream error without code",
			query:      func(state string) string { return "error=access_denied&state=" + state },
			wantReason: ReasonMissingCode,
			wantDetail: "access_denied",
		},
		{
			name:       "state mismatch",
			query:      func(state string) string { return "code=c&state=" + state + "x" },
			wantReason: ReasonInvalidState,
		},
		{
			name:       "state prefix is not a match",
			query:      func(state string) string { return "code=c&state=" + state[:8] },
			wantReason: ReasonInvalidState,
		},
		{
			name:       "no state cookie",
			query:      func(state string) string { return "code=c&state=" + state },
			noCookie:   true,
			wantReason: ReasonInvalidState,
		},
		{
			name: "exchange rejected",
			exchanger: &fakeExchanger{resp: &upstream.Response{
				Status: 400,
				Body:   json.RawMessage(`{ "error": "invalid_grant", "error_description": "` + strings.Repeat("x", 200) + `" }`),
			}},
			query:      func(state string) string { return "code=c&state=" + state },
			wantReason: ReasonTokenExchangeFailed,
			wantDetail: (`{"error":"invalid_grant","error_description":"` + strings.Repeat("x", 200))[:120],
		},
		{
			name:       "exchange without access token",
			exchanger:  &fakeExchanger{resp: &upstream.Response{Status: 200, Body: json.RawMessage(`{}`)}},
			query:      func(state string) string { return "code=c&state=" + state },
			wantReason: ReasonTokenExchangeFailed,
			wantDetail: "{}",
		},
		{
			name:       "exchange transport error",
			exchanger:  &fakeExchanger{err: errors.New("dial tcp: timeout")},
			query:      func(state string) string { return "code=c&state=" + state },
			wantReason: ReasonExchangeException,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			ex := tt.exchanger
			if ex == nil {
				ex = &fakeExchanger{resp: &upstream.Response{Status: 200, Body: json.RawMessage(`{"access_token":"at"}`)}}
			}
			flow, _ := newFlow(cfg, ex)
			startW, state := startFlow(t, flow)
			if tt.noCookie {
				startW = nil
			}

			w := httptest.NewRecorder()
			outcome := flow.Callback(context.Background(), w, callbackRequest(startW, tt.query(state)))

			assert.Equal(t, StateFailed, outcome.State)
			assert.Equal(t, tt.wantReason, outcome.Reason)
			assert.Equal(t, tt.wantDetail, outcome.Detail)
			assert.Contains(t, cookieHeader(w, cookie.StateCookie), "Max-Age=0", "state cookie cleared")
			assert.Empty(t, cookieHeader(w, cookie.SessionCookie), "no session written")

			loc, err := url.Parse(outcome.Location())
			require.NoError(t, err)
			assert.Equal(t, "error", loc.Query().Get("oauth"))
			assert.Equal(t, string(tt.wantReason), loc.Query().Get("reason"))
			assert.Equal(t, tt.wantDetail, loc.Query().Get("detail"))
		})
	}
}

func TestFlowState_String(t *testing.T) {
	assert.Equal(t, "not_started", StateNotStarted.String())
	assert.Equal(t, "state_issued", StateIssued.String())
	assert.Equal(t, "callback_received", StateCallbackReceived.String())
	assert.Equal(t, "session_established", StateSessionEstablished.String())
	assert.Equal(t, "failed", StateFailed.String())
}
