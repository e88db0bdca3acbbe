package session

import "time"

// Session is the token pair held in the signed browser cookie. The server
// keeps no copy of it between requests.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    *int64    `json:"expires_in"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Connected reports whether the session carries an access token
func (s Session) Connected() bool {
	return s.AccessToken != ""
}

// Rotate returns a copy of s with a newly issued access token. The refresh
// token, token type and expiry are only replaced when the issuer sent new
// values.
func (s Session) Rotate(accessToken, refreshToken, tokenType string, expiresIn *int64, now time.Time) Session {
	next := s
	next.AccessToken = accessToken
	if refreshToken != "" {
		next.RefreshToken = refreshToken
	}
	if tokenType != "" {
		next.TokenType = tokenType
	}
	if expiresIn != nil {
		next.ExpiresIn = expiresIn
	}
	next.UpdatedAt = now
	return next
}

// OAuthState represents the OAuth authorization code flow state parameter
// stored between /oauth/start and /oauth/callback.
type OAuthState struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}
