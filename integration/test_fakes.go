package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fakeSalla is the server shared by every test in the package
var fakeSalla *FakeSallaServer

// FakeSallaServer stands in for both the Salla accounts and admin API hosts
type FakeSallaServer struct {
	server *http.Server

	mu       sync.Mutex
	issued   int
	access   map[string]bool
	refresh  map[string]bool
	products int
}

// NewFakeSallaServer creates a fake listening on port
func NewFakeSallaServer(port string) *FakeSallaServer {
	f := &FakeSallaServer{
		access:   map[string]bool{},
		refresh:  map[string]bool{},
		products: 5,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/oauth2/auth", func(w http.ResponseWriter, r *http.Request) {
		redirectURI := r.URL.Query().Get("redirect_uri")
		state := r.URL.Query().Get("state")
		http.Redirect(w, r, fmt.Sprintf("%s?code=test-auth-code&state=%s", redirectURI, state), http.StatusFound)
	})

	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		switch r.FormValue("grant_type") {
		case "authorization_code":
			if r.FormValue("code") != "test-auth-code" {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error":             "invalid_grant",
					"error_description": "Invalid authorization code",
				})
				return
			}
		case "refresh_token":
			if !f.consumeRefresh(r.FormValue("refresh_token")) {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
				return
			}
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
			return
		}

		access, refresh := f.issue()
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	mux.HandleFunc("/admin/v2/store/info", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": 1, "name": "Test Store"}})
	})

	mux.HandleFunc("/admin/v2/products", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
			return
		}
		page, err := strconv.Atoi(r.URL.Query().Get("page"))
		if err != nil || page < 1 {
			page = 1
		}
		const perPage = 2
		total := (f.products + perPage - 1) / perPage

		items := []any{}
		for id := (page-1)*perPage + 1; id <= page*perPage && id <= f.products; id++ {
			items = append(items, map[string]any{"id": id, "name": fmt.Sprintf("Product %d", id)})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": items,
			"pagination": map[string]any{
				"count":       len(items),
				"currentPage": page,
				"totalPages":  total,
			},
		})
	})

	f.server = &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return f
}

// ExpireAccessTokens rejects every access token issued so far
func (f *FakeSallaServer) ExpireAccessTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access = map[string]bool{}
}

func (f *FakeSallaServer) issue() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	access := fmt.Sprintf("access-%d", f.issued)
	refresh := fmt.Sprintf("refresh-%d", f.issued)
	f.access[access] = true
	f.refresh[refresh] = true
	return access, refresh
}

func (f *FakeSallaServer) consumeRefresh(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.refresh[token] {
		return false
	}
	delete(f.refresh, token)
	return true
}

func (f *FakeSallaServer) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access[token]
}

// Start starts the fake server
func (f *FakeSallaServer) Start() error {
	go func() {
		if err := f.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the fake server
func (f *FakeSallaServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
