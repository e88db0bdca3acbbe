package cookie

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/salla-proxy/internal/crypto"
	"github.com/dgellow/salla-proxy/internal/log"
	"github.com/dgellow/salla-proxy/internal/session"
)

// Cookie names and lifetimes
const (
	SessionCookie = "salla_session"
	StateCookie   = "salla_oauth_state"

	SessionMaxAge = 30 * 24 * time.Hour
	StateMaxAge   = 10 * time.Minute
)

// Store reads and writes the signed session and OAuth state cookies
type Store struct {
	signer crypto.Signer
	secure bool
}

// NewStore creates a cookie store signing with secret. secure sets the
// Secure attribute and is meant for production deployments.
func NewStore(secret []byte, secure bool) *Store {
	return &Store{
		signer: crypto.NewSigner(secret),
		secure: secure,
	}
}

// ReadSession returns the session from the request cookie. Absent,
// malformed or tampered cookies yield false.
func (s *Store) ReadSession(r *http.Request) (session.Session, bool) {
	var sess session.Session
	if !s.read(r, SessionCookie, &sess) {
		return session.Session{}, false
	}
	return sess, true
}

// WriteSession appends a Set-Cookie carrying the signed session
func (s *Store) WriteSession(w http.ResponseWriter, sess session.Session) error {
	if err := s.write(w, SessionCookie, sess, SessionMaxAge); err != nil {
		return err
	}
	log.LogTraceWithFields("cookie", "Session cookie set", map[string]any{
		"maxAge": SessionMaxAge.String(),
		"secure": s.secure,
	})
	return nil
}

// ClearSession expires the session cookie
func (s *Store) ClearSession(w http.ResponseWriter) {
	s.clear(w, SessionCookie)
	log.LogTraceWithFields("cookie", "Session cookie cleared", nil)
}

// ReadState returns the OAuth state stored at flow start
func (s *Store) ReadState(r *http.Request) (session.OAuthState, bool) {
	var st session.OAuthState
	if !s.read(r, StateCookie, &st) {
		return session.OAuthState{}, false
	}
	return st, true
}

// WriteState stores nonce in the short-lived state cookie
func (s *Store) WriteState(w http.ResponseWriter, nonce string) error {
	st := session.OAuthState{State: nonce, At: time.Now().UTC()}
	return s.write(w, StateCookie, st, StateMaxAge)
}

// ClearState expires the state cookie
func (s *Store) ClearState(w http.ResponseWriter) {
	s.clear(w, StateCookie)
}

func (s *Store) read(r *http.Request, name string, v any) bool {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return false
	}
	raw, err := url.QueryUnescape(c.Value)
	if err != nil {
		return false
	}
	if !s.signer.Decode(raw, v) {
		log.LogDebugWithFields("cookie", "Rejected cookie with invalid signature", map[string]any{
			"cookie": name,
		})
		return false
	}
	return true
}

func (s *Store) write(w http.ResponseWriter, name string, v any, maxAge time.Duration) error {
	signed, err := s.signer.Encode(v)
	if err != nil {
		return fmt.Errorf("encoding %s cookie: %w", name, err)
	}
	http.SetCookie(w, s.cookie(name, url.QueryEscape(signed), int(maxAge.Seconds())))
	return nil
}

// clear re-issues the cookie empty. MaxAge -1 is rendered as Max-Age=0.
func (s *Store) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, s.cookie(name, "", -1))
}

func (s *Store) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}
