package upstream

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/dgellow/salla-proxy/internal/ioutil"
)

// Response is an upstream reply reduced to its status and JSON body
type Response struct {
	Status int
	Body   json.RawMessage
}

// Failed reports an HTTP error status
func (r *Response) Failed() bool {
	return r.Status >= 400
}

// AuthFailed reports a status that a token refresh may fix
func (r *Response) AuthFailed() bool {
	return r.Status == 401 || r.Status == 403
}

// Object decodes the body as a JSON object. Anything else yields nil.
func (r *Response) Object() map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(r.Body, &obj); err != nil {
		return nil
	}
	return obj
}

type nonJSON struct {
	Error string `json:"error"`
	Raw   string `json:"raw"`
}

// Normalize pairs status with data when data is JSON. Any other body is
// replaced by {"error":"Non-JSON","raw":<prefix>} so callers always get JSON.
func Normalize(status int, data []byte) *Response {
	if json.Valid(data) {
		return &Response{Status: status, Body: json.RawMessage(data)}
	}
	body, _ := json.Marshal(nonJSON{
		Error: "Non-JSON",
		Raw:   ioutil.Truncate(string(data), rawPrefixLimit),
	})
	return &Response{Status: status, Body: body}
}

// Token is the useful part of a token endpoint reply
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    *int64
}

// ParseToken extracts the grant result from a token response. It reports
// false unless the status is below 400 and an access token is present.
// expires_in is accepted as a number or a numeric string; zero counts as
// absent.
func ParseToken(r *Response) (Token, bool) {
	if r == nil || r.Failed() {
		return Token{}, false
	}
	obj := r.Object()
	if obj == nil {
		return Token{}, false
	}

	tok := Token{
		AccessToken:  stringField(obj, "access_token"),
		RefreshToken: stringField(obj, "refresh_token"),
		TokenType:    stringField(obj, "token_type"),
		ExpiresIn:    int64Field(obj, "expires_in"),
	}
	if tok.AccessToken == "" {
		return Token{}, false
	}
	return tok, true
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func int64Field(obj map[string]any, key string) *int64 {
	var f float64
	switch v := obj[key].(type) {
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	n := int64(f)
	return &n
}
