package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgellow/salla-proxy/internal/config"
	"github.com/dgellow/salla-proxy/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(base string) config.Config {
	return config.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.example.com/oauth/callback",
		AccountsBase: base,
		APIBase:      base,
	}
}

func TestClient_TokenRequest(t *testing.T) {
	var gotForm map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/oauth2/token", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":1209600}`))
	}))
	defer srv.Close()

	m := metrics.New()
	client := NewClient(testConfig(srv.URL), m)

	t.Run("code grant", func(t *testing.T) {
		resp, err := client.ExchangeCode(context.Background(), "the-code")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)

		assert.Equal(t, "authorization_code", gotForm["grant_type"][0])
		assert.Equal(t, "client-id", gotForm["client_id"][0])
		assert.Equal(t, "client-secret", gotForm["client_secret"][0])
		assert.Equal(t, "https://app.example.com/oauth/callback", gotForm["redirect_uri"][0])
		assert.Equal(t, "the-code", gotForm["code"][0])

		tok, ok := ParseToken(resp)
		require.True(t, ok)
		assert.Equal(t, "new-access", tok.AccessToken)
		assert.Equal(t, "new-refresh", tok.RefreshToken)
		require.NotNil(t, tok.ExpiresIn)
		assert.Equal(t, int64(1209600), *tok.ExpiresIn)
	})

	t.Run("refresh grant", func(t *testing.T) {
		_, err := client.RefreshToken(context.Background(), "old-refresh")
		require.NoError(t, err)

		assert.Equal(t, "refresh_token", gotForm["grant_type"][0])
		assert.Equal(t, "old-refresh", gotForm["refresh_token"][0])
		assert.NotContains(t, gotForm, "redirect_uri")
	})

	t.Run("explicit credentials", func(t *testing.T) {
		_, err := client.RefreshTokenWith(context.Background(), Credentials{ClientID: "other", ClientSecret: "other-secret"}, "rt")
		require.NoError(t, err)

		assert.Equal(t, "other", gotForm["client_id"][0])
		assert.Equal(t, "other-secret", gotForm["client_secret"][0])
	})

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), `salla_proxy_upstream_requests_total{operation="token",status="200"} 3`)
}

func TestClient_TokenRequestHTTPErrorIsData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	resp, err := NewClient(testConfig(srv.URL), nil).ExchangeCode(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.JSONEq(t, `{"error":"invalid_grant"}`, string(resp.Body))

	_, ok := ParseToken(resp)
	assert.False(t, ok)
}

func TestClient_TransportErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	client := NewClient(testConfig(base), nil)

	_, err := client.RefreshToken(context.Background(), "rt")
	assert.Error(t, err)

	_, err = client.Do(context.Background(), Request{URL: base + "/admin/v2/products", Token: "t"})
	assert.Error(t, err)
}

func TestClient_Do(t *testing.T) {
	type seen struct {
		method      string
		auth        string
		accept      string
		contentType string
		body        string
	}
	var got seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = seen{
			method:      r.Method,
			auth:        r.Header.Get("Authorization"),
			accept:      r.Header.Get("Accept"),
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), nil)

	tests := []struct {
		name     string
		req      Request
		wantBody string
		wantCT   string
		wantVerb string
	}{
		{
			name:     "get ignores body",
			req:      Request{URL: srv.URL + "/admin/v2/products", Token: "tok", Body: json.RawMessage(`{"a":1}`)},
			wantVerb: http.MethodGet,
		},
		{
			name:     "post sends json body",
			req:      Request{URL: srv.URL + "/admin/v2/products", Method: "post", Token: "tok", Body: json.RawMessage(`{"name":"shirt"}`)},
			wantBody: `{"name":"shirt"}`,
			wantCT:   "application/json",
			wantVerb: http.MethodPost,
		},
		{
			name:     "delete without body",
			req:      Request{URL: srv.URL + "/admin/v2/products/1", Method: http.MethodDelete, Token: "tok"},
			wantVerb: http.MethodDelete,
		},
		{
			name:     "head never sends body",
			req:      Request{URL: srv.URL + "/admin/v2/products", Method: http.MethodHead, Token: "tok", Body: json.RawMessage(`{}`)},
			wantVerb: http.MethodHead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Do(context.Background(), tt.req)
			require.NoError(t, err)

			assert.Equal(t, tt.wantVerb, got.method)
			assert.Equal(t, "Bearer tok", got.auth)
			assert.Equal(t, "application/json", got.accept)
			assert.Equal(t, tt.wantCT, got.contentType)
			assert.Equal(t, tt.wantBody, got.body)
		})
	}
}

func TestClient_NonJSONNormalized(t *testing.T) {
	long := strings.Repeat("x", 5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(long))
	}))
	defer srv.Close()

	resp, err := NewClient(testConfig(srv.URL), nil).Do(context.Background(), Request{URL: srv.URL, Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.Status)

	var body struct {
		Error string `json:"error"`
		Raw   string `json:"raw"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "Non-JSON", body.Error)
	assert.Len(t, body.Raw, 1000)
}

func TestClient_URLs(t *testing.T) {
	tests := []struct {
		name      string
		apiBase   string
		storeInfo string
		products  string
	}{
		{
			name:      "host only",
			apiBase:   "https://api.salla.dev",
			storeInfo: "https://api.salla.dev/admin/v2/store/info",
			products:  "https://api.salla.dev/admin/v2/products?page=2&per_page=100",
		},
		{
			name:      "base already versioned",
			apiBase:   "https://api.salla.dev/admin/v2/",
			storeInfo: "https://api.salla.dev/admin/v2/store/info",
			products:  "https://api.salla.dev/admin/v2/products?page=2&per_page=100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("https://accounts.salla.sa/")
			cfg.APIBase = tt.apiBase
			client := NewClient(cfg, nil)

			assert.Equal(t, tt.storeInfo, client.StoreInfoURL())
			assert.Equal(t, tt.products, client.ProductsURL(2, 100))
			assert.Equal(t, "https://accounts.salla.sa/oauth2/token", client.TokenURL())
			assert.Equal(t, "https://accounts.salla.sa/oauth2/auth", client.AuthURL())
		})
	}
}
