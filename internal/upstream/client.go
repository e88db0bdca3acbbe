package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/salla-proxy/internal/config"
	"github.com/dgellow/salla-proxy/internal/ioutil"
	"github.com/dgellow/salla-proxy/internal/log"
	"github.com/dgellow/salla-proxy/internal/metrics"
	"github.com/dgellow/salla-proxy/internal/servicecontext"
	"github.com/dgellow/salla-proxy/internal/urlutil"
)

// rawPrefixLimit bounds the text kept from a non-JSON body
const rawPrefixLimit = 1000

// DefaultTimeout bounds a single upstream call
const DefaultTimeout = 30 * time.Second

// Operation labels used for logs and metrics
const (
	OpToken     = "token"
	OpProxy     = "proxy"
	OpPage      = "page"
	OpStoreInfo = "store_info"
)

// Credentials identify the OAuth client at the token endpoint
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Request describes a proxied API call
type Request struct {
	URL    string
	Method string
	Token  string
	// Body is sent as JSON for methods other than GET and HEAD
	Body json.RawMessage
	// Operation labels the call in logs and metrics. Defaults to OpProxy.
	Operation string
}

// Client talks to the Salla accounts and admin API hosts
type Client struct {
	httpClient   *http.Client
	accountsBase string
	apiBase      string
	creds        Credentials
	metrics      *metrics.Metrics
}

// NewClient creates an upstream client from cfg. m may be nil.
func NewClient(cfg config.Config, m *metrics.Metrics) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		accountsBase: cfg.AccountsBase,
		apiBase:      cfg.APIBase,
		creds: Credentials{
			ClientID:     cfg.ClientID,
			ClientSecret: string(cfg.ClientSecret),
			RedirectURI:  cfg.RedirectURI,
		},
		metrics: m,
	}
}

// Credentials returns the configured OAuth client credentials
func (c *Client) Credentials() Credentials {
	return c.creds
}

// APIBase returns the configured admin API base URL
func (c *Client) APIBase() string {
	return c.apiBase
}

// TokenURL returns the OAuth token endpoint
func (c *Client) TokenURL() string {
	u, err := urlutil.JoinPath(c.accountsBase, "oauth2", "token")
	if err != nil {
		return strings.TrimRight(c.accountsBase, "/") + "/oauth2/token"
	}
	return u
}

// AuthURL returns the OAuth authorization endpoint
func (c *Client) AuthURL() string {
	u, err := urlutil.JoinPath(c.accountsBase, "oauth2", "auth")
	if err != nil {
		return strings.TrimRight(c.accountsBase, "/") + "/oauth2/auth"
	}
	return u
}

// adminURL returns the admin API path p. A base already ending in
// /admin/v2 is not extended twice.
func (c *Client) adminURL(p string) string {
	base := strings.TrimRight(c.apiBase, "/")
	if !strings.HasSuffix(base, "/admin/v2") {
		base += "/admin/v2"
	}
	return base + p
}

// StoreInfoURL returns the store info endpoint
func (c *Client) StoreInfoURL() string {
	return c.adminURL("/store/info")
}

// ProductsURL returns the products listing for page. perPage <= 0 leaves
// the page size to the upstream.
func (c *Client) ProductsURL(page, perPage int) string {
	u := c.adminURL("/products")
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	if perPage > 0 {
		q.Set("per_page", fmt.Sprint(perPage))
	}
	return u + "?" + q.Encode()
}

// TokenRequest posts form to the token endpoint. HTTP error statuses are
// returned as a Response; only transport failures are errors.
func (c *Client) TokenRequest(ctx context.Context, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	return c.send(req, OpToken)
}

// ExchangeCode runs the authorization code grant with the configured credentials
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Response, error) {
	return c.ExchangeCodeWith(ctx, c.creds, code)
}

// ExchangeCodeWith runs the authorization code grant with creds
func (c *Client) ExchangeCodeWith(ctx context.Context, creds Credentials, code string) (*Response, error) {
	return c.TokenRequest(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
		"redirect_uri":  {creds.RedirectURI},
		"code":          {code},
	})
}

// RefreshToken runs the refresh token grant with the configured credentials
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Response, error) {
	return c.RefreshTokenWith(ctx, c.creds, refreshToken)
}

// RefreshTokenWith runs the refresh token grant with creds
func (c *Client) RefreshTokenWith(ctx context.Context, creds Credentials, refreshToken string) (*Response, error) {
	return c.TokenRequest(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
		"refresh_token": {refreshToken},
	})
}

// Do performs an authenticated API call
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	op := r.Operation
	if op == "" {
		op = OpProxy
	}

	var body io.Reader
	sendBody := method != http.MethodGet && method != http.MethodHead && len(r.Body) > 0 && string(r.Body) != "null"
	if sendBody {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	if sendBody {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, op)
}

func (c *Client) send(req *http.Request, op string) (*Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.LogErrorWithFields("upstream", "Upstream request failed", map[string]any{
			"debug_id":  servicecontext.DebugID(req.Context()),
			"operation": op,
			"method":    req.Method,
			"path":      req.URL.Path,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("%s request to %s: %w", op, req.URL.Host, err)
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadLimited(resp.Body, ioutil.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("%s response from %s: %w", op, req.URL.Host, err)
	}

	c.metrics.UpstreamRequest(op, resp.StatusCode)
	log.LogDebugWithFields("upstream", "Upstream request completed", map[string]any{
		"debug_id":  servicecontext.DebugID(req.Context()),
		"operation": op,
		"method":    req.Method,
		"path":      req.URL.Path,
		"status":    resp.StatusCode,
		"duration":  time.Since(start).String(),
	})

	return Normalize(resp.StatusCode, data), nil
}
