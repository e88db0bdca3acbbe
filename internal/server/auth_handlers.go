package server

import (
	"net/http"

	"github.com/dgellow/salla-proxy/internal/config"
	jsonwriter "github.com/dgellow/salla-proxy/internal/json"
	"github.com/dgellow/salla-proxy/internal/log"
	"github.com/dgellow/salla-proxy/internal/oauth"
	"github.com/dgellow/salla-proxy/internal/servicecontext"
)

// SessionClearer expires the cookies a browser holds
type SessionClearer interface {
	ClearSession(w http.ResponseWriter)
	ClearState(w http.ResponseWriter)
}

// AuthHandlers serves the OAuth start, callback and logout endpoints
type AuthHandlers struct {
	cfg   config.Config
	flow  *oauth.Flow
	store SessionClearer
}

// NewAuthHandlers creates the OAuth handlers
func NewAuthHandlers(cfg config.Config, flow *oauth.Flow, store SessionClearer) *AuthHandlers {
	return &AuthHandlers{
		cfg:   cfg,
		flow:  flow,
		store: store,
	}
}

// StartHandler sets the state cookie and redirects to the Salla consent page
func (h *AuthHandlers) StartHandler(w http.ResponseWriter, r *http.Request) {
	debugID := servicecontext.DebugID(r.Context())

	if missing := h.cfg.Missing(config.RequireOAuthStart); len(missing) > 0 {
		log.LogErrorWithFields("auth", "OAuth start without required configuration", map[string]any{
			"debug_id": debugID,
			"missing":  missing,
		})
		jsonwriter.WriteMissingConfig(w, missing, debugID)
		return
	}

	location, err := h.flow.Start(w)
	if err != nil {
		log.LogErrorWithFields("auth", "Failed to start OAuth flow", map[string]any{
			"debug_id": debugID,
			"error":    err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Failed to start OAuth flow", debugID)
		return
	}

	http.Redirect(w, r, location, http.StatusFound)
}

// CallbackHandler completes the flow and sends the browser back to the app
// with the outcome in the query.
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	outcome := h.flow.Callback(r.Context(), w, r)
	http.Redirect(w, r, outcome.Location(), http.StatusFound)
}

// LogoutHandler expires the session and state cookies
func (h *AuthHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	h.store.ClearSession(w)
	h.store.ClearState(w)

	log.LogInfoWithFields("auth", "Session cleared", map[string]any{
		"debug_id": servicecontext.DebugID(r.Context()),
	})
	_ = jsonwriter.Write(w, map[string]bool{"ok": true})
}
