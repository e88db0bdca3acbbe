package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dgellow/salla-proxy/internal/config"
	"github.com/dgellow/salla-proxy/internal/ioutil"
	jsonwriter "github.com/dgellow/salla-proxy/internal/json"
	"github.com/dgellow/salla-proxy/internal/log"
	"github.com/dgellow/salla-proxy/internal/paginate"
	"github.com/dgellow/salla-proxy/internal/refresh"
	"github.com/dgellow/salla-proxy/internal/retry"
	"github.com/dgellow/salla-proxy/internal/servicecontext"
	"github.com/dgellow/salla-proxy/internal/session"
	"github.com/dgellow/salla-proxy/internal/upstream"
	"github.com/dgellow/salla-proxy/internal/urlutil"
)

// Proxy actions
const (
	ActionPing         = "ping"
	ActionConfig       = "config"
	ActionToken        = "token"
	ActionRefresh      = "refresh"
	ActionAPI          = "api"
	ActionProductsPage = "products_page"
)

// DefaultPerPage is the products_page page size when none is requested
const DefaultPerPage = 100

var unknownActionMessage = "Unknown action. Use: " + strings.Join([]string{
	ActionPing, ActionConfig, ActionToken, ActionRefresh, ActionAPI, ActionProductsPage,
}, ", ")

// SessionStore reads and rewrites the signed session cookie
type SessionStore interface {
	ReadSession(r *http.Request) (session.Session, bool)
	WriteSession(w http.ResponseWriter, s session.Session) error
}

// actionRequest is the union of the fields any action reads. It is filled
// from a JSON or form body, with action also taken from the query.
type actionRequest struct {
	Action       string          `json:"action"`
	Code         string          `json:"code"`
	ClientID     string          `json:"client_id"`
	ClientSecret string          `json:"client_secret"`
	RedirectURI  string          `json:"redirect_uri"`
	RefreshToken string          `json:"refresh_token"`
	URL          string          `json:"url"`
	Method       string          `json:"method"`
	Token        string          `json:"token"`
	Body         json.RawMessage `json:"body"`
	Paginate     *bool           `json:"paginate"`
}

// ProxyHandlers serves the /api/salla action endpoint
type ProxyHandlers struct {
	cfg         config.Config
	client      *upstream.Client
	store       SessionStore
	coordinator *refresh.Coordinator
	aggregator  *paginate.Aggregator
	retry       *retry.Policy
	now         func() time.Time
}

// NewProxyHandlers creates the action handlers
func NewProxyHandlers(
	cfg config.Config,
	client *upstream.Client,
	store SessionStore,
	coordinator *refresh.Coordinator,
	aggregator *paginate.Aggregator,
	policy *retry.Policy,
) *ProxyHandlers {
	return &ProxyHandlers{
		cfg:         cfg,
		client:      client,
		store:       store,
		coordinator: coordinator,
		aggregator:  aggregator,
		retry:       policy,
		now:         time.Now,
	}
}

// ActionHandler dispatches on the action named in the query or body
func (h *ProxyHandlers) ActionHandler(w http.ResponseWriter, r *http.Request) {
	debugID := servicecontext.DebugID(r.Context())

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, debugID)
		return
	}

	req, err := parseActionRequest(w, r)
	if err != nil {
		log.LogWarnWithFields("proxy", "Invalid action request body", map[string]any{
			"debug_id": debugID,
			"error":    err.Error(),
		})
		jsonwriter.WriteBadRequest(w, "Invalid request body", debugID)
		return
	}

	log.LogDebugWithFields("proxy", "Dispatching action", map[string]any{
		"debug_id": debugID,
		"action":   req.Action,
	})

	switch req.Action {
	case ActionPing:
		h.ping(w, debugID)
	case ActionConfig:
		h.config(w, debugID)
	case ActionToken:
		h.token(w, r, req)
	case ActionRefresh:
		h.refresh(w, r, req)
	case ActionAPI:
		h.api(w, r, req)
	case ActionProductsPage:
		h.productsPage(w, r)
	default:
		jsonwriter.WriteError(w, http.StatusBadRequest, jsonwriter.ErrorResponse{
			Error:   "unknown_action",
			Message: unknownActionMessage,
			DebugID: debugID,
		})
	}
}

func (h *ProxyHandlers) ping(w http.ResponseWriter, debugID string) {
	_ = jsonwriter.Write(w, map[string]any{
		"ok":       true,
		"time":     h.now().UTC().Format(time.RFC3339Nano),
		"debug_id": debugID,
	})
}

func (h *ProxyHandlers) config(w http.ResponseWriter, debugID string) {
	_ = jsonwriter.Write(w, map[string]any{
		"ok":           true,
		"client_id":    h.cfg.ClientID,
		"redirect_uri": h.cfg.RedirectURI,
		"debug_id":     debugID,
	})
}

// token runs the code grant with body credentials falling back to the
// configured ones, and mirrors the upstream reply.
func (h *ProxyHandlers) token(w http.ResponseWriter, r *http.Request, req actionRequest) {
	ctx := r.Context()
	debugID := servicecontext.DebugID(ctx)

	if missing := h.cfg.Missing(config.RequireTokenEndpoint); len(missing) > 0 {
		jsonwriter.WriteMissingConfig(w, missing, debugID)
		return
	}

	creds := h.credentials(req)
	if missing := missingFields("code", req.Code, "client_id", creds.ClientID, "client_secret", creds.ClientSecret); len(missing) > 0 {
		writeMissingFields(w, missing, debugID)
		return
	}

	resp, err := h.client.ExchangeCodeWith(ctx, creds, req.Code)
	if err != nil {
		writeUpstreamError(w, err, debugID)
		return
	}
	jsonwriter.WriteRaw(w, resp.Status, resp.Body)
}

// refresh runs the refresh grant. Without a refresh token in the body the
// session cookie's is used, and a successful grant rewrites the cookie.
func (h *ProxyHandlers) refresh(w http.ResponseWriter, r *http.Request, req actionRequest) {
	ctx := r.Context()
	debugID := servicecontext.DebugID(ctx)

	requirement := config.RequireTokenEndpoint
	if req.RefreshToken == "" {
		requirement = config.RequireSession
	}
	if missing := h.cfg.Missing(requirement); len(missing) > 0 {
		jsonwriter.WriteMissingConfig(w, missing, debugID)
		return
	}

	var (
		sess        session.Session
		fromSession bool
	)
	refreshToken := req.RefreshToken
	if refreshToken == "" {
		s, ok := h.store.ReadSession(r)
		if !ok {
			jsonwriter.WriteNotConnected(w, debugID)
			return
		}
		sess, fromSession = s, true
		refreshToken = s.RefreshToken
	}

	creds := h.credentials(req)
	if missing := missingFields("refresh_token", refreshToken, "client_id", creds.ClientID, "client_secret", creds.ClientSecret); len(missing) > 0 {
		writeMissingFields(w, missing, debugID)
		return
	}

	var (
		resp *upstream.Response
		err  error
	)
	if creds == h.client.Credentials() {
		resp, err = h.coordinator.Refresh(ctx, refreshToken)
	} else {
		resp, err = h.client.RefreshTokenWith(ctx, creds, refreshToken)
	}
	if err != nil {
		writeUpstreamError(w, err, debugID)
		return
	}

	if fromSession {
		if next, ok := h.coordinator.Rotate(sess, resp); ok {
			if err := h.store.WriteSession(w, next); err != nil {
				log.LogErrorWithFields("proxy", "Failed to write refreshed session", map[string]any{
					"debug_id": debugID,
					"error":    err.Error(),
				})
				jsonwriter.WriteInternalServerError(w, "Failed to write session", debugID)
				return
			}
		}
	}
	jsonwriter.WriteRaw(w, resp.Status, resp.Body)
}

// api proxies one call to the admin API. GET calls are paginated unless
// paginate is explicitly false; a first page that is not a list comes back
// as is. A rejected token is refreshed once.
func (h *ProxyHandlers) api(w http.ResponseWriter, r *http.Request, req actionRequest) {
	ctx := r.Context()
	debugID := servicecontext.DebugID(ctx)

	sess, ok := h.apiSession(w, r, req)
	if !ok {
		return
	}

	if req.URL == "" {
		writeMissingFields(w, []string{"url"}, debugID)
		return
	}
	target, err := urlutil.Resolve(h.client.APIBase(), req.URL)
	if err != nil || !urlutil.SameHost(target, h.client.APIBase()) {
		jsonwriter.WriteBadRequest(w, "url must point at the API host", debugID)
		return
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	paginated := method == http.MethodGet && (req.Paginate == nil || *req.Paginate)

	exec := func(ctx context.Context, accessToken string) (*upstream.Response, error) {
		if !paginated {
			return h.client.Do(ctx, upstream.Request{
				URL:    target,
				Method: method,
				Token:  accessToken,
				Body:   req.Body,
			})
		}
		result, err := h.aggregator.Run(ctx, target, h.pageFetch(accessToken))
		if err != nil {
			return nil, err
		}
		return result.Response()
	}

	resp, err := h.coordinator.Do(ctx, w, sess, exec)
	if err != nil {
		writeUpstreamError(w, err, debugID)
		return
	}
	if resp.Failed() {
		// Mirrored bodies stay untouched; X-Debug-Id carries the correlation id
		log.LogWarnWithFields("proxy", "Upstream call failed", map[string]any{
			"debug_id": debugID,
			"method":   method,
			"status":   resp.Status,
		})
	}
	jsonwriter.WriteRaw(w, resp.Status, resp.Body)
}

// apiSession builds the session an api call runs with: tokens from the
// body, else the session cookie. It writes the error response itself.
func (h *ProxyHandlers) apiSession(w http.ResponseWriter, r *http.Request, req actionRequest) (session.Session, bool) {
	debugID := servicecontext.DebugID(r.Context())

	if req.Token != "" {
		requirement := config.RequireAPI
		if req.RefreshToken != "" {
			requirement = config.RequireSession
		}
		if missing := h.cfg.Missing(requirement); len(missing) > 0 {
			jsonwriter.WriteMissingConfig(w, missing, debugID)
			return session.Session{}, false
		}
		return session.Session{
			AccessToken:  req.Token,
			RefreshToken: req.RefreshToken,
			TokenType:    "Bearer",
		}, true
	}

	return requireSession(h.cfg, h.store, w, r)
}

// pageFetch returns a fetcher for aggregator pages. Pages are only fetched
// from the API host since they carry the access token.
func (h *ProxyHandlers) pageFetch(accessToken string) paginate.Fetch {
	return func(ctx context.Context, pageURL string) (*upstream.Response, error) {
		if !urlutil.SameHost(pageURL, h.client.APIBase()) {
			return nil, fmt.Errorf("next page %q is not on the API host", pageURL)
		}
		return h.client.Do(ctx, upstream.Request{
			URL:       pageURL,
			Method:    http.MethodGet,
			Token:     accessToken,
			Operation: upstream.OpPage,
		})
	}
}

// productsPageResponse is one page of the product listing
type productsPageResponse struct {
	Items          []any           `json:"items"`
	Page           int             `json:"page"`
	PerPage        int             `json:"per_page"`
	NextPage       *int            `json:"next_page"`
	TotalPages     *int            `json:"total_pages"`
	Pagination     any             `json:"pagination"`
	UpstreamStatus int             `json:"upstream_status"`
	Body           json.RawMessage `json:"body"`
	DebugID        string          `json:"debug_id"`
}

// productsPage fetches a single product page with retries and refresh and
// reports where the next page is.
func (h *ProxyHandlers) productsPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	debugID := servicecontext.DebugID(ctx)

	sess, ok := requireSession(h.cfg, h.store, w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	page := positiveInt(q.Get("page"), 1)
	perPage := positiveInt(q.Get("per_page"), DefaultPerPage)
	pageURL := h.client.ProductsURL(page, perPage)

	exec := func(ctx context.Context, accessToken string) (*upstream.Response, error) {
		return h.retry.Do(ctx, upstream.OpPage, func(ctx context.Context) (*upstream.Response, error) {
			return h.client.Do(ctx, upstream.Request{
				URL:       pageURL,
				Method:    http.MethodGet,
				Token:     accessToken,
				Operation: upstream.OpPage,
			})
		})
	}

	resp, err := h.coordinator.Do(ctx, w, sess, exec)
	if err != nil {
		log.LogErrorWithFields("proxy", "Products page failed", map[string]any{
			"debug_id": debugID,
			"page":     page,
			"error":    err.Error(),
		})
		jsonwriter.WriteError(w, http.StatusInternalServerError, jsonwriter.ErrorResponse{
			Error:   err.Error(),
			DebugID: debugID,
		})
		return
	}

	payload := resp.Object()
	items := paginate.Items(payload)
	if items == nil {
		items = []any{}
	}

	var pagination any
	for _, key := range []string{"pagination", "meta", "links"} {
		if v, ok := payload[key]; ok && v != nil {
			pagination = v
			break
		}
	}

	var totalPages, nextPage *int
	if meta, ok := pagination.(map[string]any); ok {
		if n := paginate.TotalPages(meta); n > 0 {
			totalPages = &n
		}
	}
	next := page + 1
	switch {
	case totalPages != nil:
		if page < *totalPages {
			nextPage = &next
		}
	case len(items) >= perPage:
		nextPage = &next
	}

	_ = jsonwriter.WriteResponse(w, resp.Status, productsPageResponse{
		Items:          items,
		Page:           page,
		PerPage:        perPage,
		NextPage:       nextPage,
		TotalPages:     totalPages,
		Pagination:     pagination,
		UpstreamStatus: resp.Status,
		Body:           resp.Body,
		DebugID:        debugID,
	})
}

// credentials returns the configured client credentials overridden by any
// supplied in the request body.
func (h *ProxyHandlers) credentials(req actionRequest) upstream.Credentials {
	creds := h.client.Credentials()
	if req.ClientID != "" {
		creds.ClientID = req.ClientID
	}
	if req.ClientSecret != "" {
		creds.ClientSecret = req.ClientSecret
	}
	if req.RedirectURI != "" {
		creds.RedirectURI = req.RedirectURI
	}
	return creds
}

// requireSession checks the session configuration and reads a connected
// session from the cookie. It writes the error response itself.
func requireSession(cfg config.Config, store SessionStore, w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	debugID := servicecontext.DebugID(r.Context())

	if missing := cfg.Missing(config.RequireSession); len(missing) > 0 {
		jsonwriter.WriteMissingConfig(w, missing, debugID)
		return session.Session{}, false
	}
	sess, ok := store.ReadSession(r)
	if !ok || !sess.Connected() {
		jsonwriter.WriteNotConnected(w, debugID)
		return session.Session{}, false
	}
	return sess, true
}

// parseActionRequest reads a JSON or form body. The action in the query
// wins over the body's.
func parseActionRequest(w http.ResponseWriter, r *http.Request) (actionRequest, error) {
	var req actionRequest

	if r.Method == http.MethodPost && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, ioutil.MaxBodySize)
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "application/x-www-form-urlencoded" {
			if err := r.ParseForm(); err != nil {
				return req, fmt.Errorf("parsing form: %w", err)
			}
			req = formActionRequest(r.PostForm)
		} else {
			data, err := ioutil.ReadLimited(r.Body, ioutil.MaxBodySize)
			if err != nil {
				return req, err
			}
			if len(bytes.TrimSpace(data)) > 0 {
				if err := json.Unmarshal(data, &req); err != nil {
					return req, fmt.Errorf("decoding JSON body: %w", err)
				}
			}
		}
	}

	if action := r.URL.Query().Get("action"); action != "" {
		req.Action = action
	}
	return req, nil
}

func formActionRequest(form url.Values) actionRequest {
	req := actionRequest{
		Action:       form.Get("action"),
		Code:         form.Get("code"),
		ClientID:     form.Get("client_id"),
		ClientSecret: form.Get("client_secret"),
		RedirectURI:  form.Get("redirect_uri"),
		RefreshToken: form.Get("refresh_token"),
		URL:          form.Get("url"),
		Method:       form.Get("method"),
		Token:        form.Get("token"),
	}
	if body := form.Get("body"); body != "" {
		if json.Valid([]byte(body)) {
			req.Body = json.RawMessage(body)
		} else {
			req.Body, _ = json.Marshal(body)
		}
	}
	if p := form.Get("paginate"); p != "" {
		if b, err := strconv.ParseBool(p); err == nil {
			req.Paginate = &b
		}
	}
	return req
}

// missingFields takes name/value pairs and returns the names with empty values
func missingFields(pairs ...string) []string {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	return missing
}

func writeMissingFields(w http.ResponseWriter, missing []string, debugID string) {
	jsonwriter.WriteBadRequest(w, "Missing required fields: "+strings.Join(missing, ", "), debugID)
}

// writeUpstreamError reports a transport failure. HTTP error statuses are
// mirrored by the callers instead.
func writeUpstreamError(w http.ResponseWriter, err error, debugID string) {
	log.LogErrorWithFields("proxy", "Upstream call failed", map[string]any{
		"debug_id": debugID,
		"error":    err.Error(),
	})
	jsonwriter.WriteInternalServerError(w, err.Error(), debugID)
}

func positiveInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
