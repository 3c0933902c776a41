package gateway

import "crypto/subtle"

// Authenticator checks the shared token presented by the connect command.
// An empty token disables authentication (local development).
type Authenticator struct {
	token string
}

func NewAuthenticator(token string) *Authenticator {
	return &Authenticator{token: token}
}

// Required reports whether callers must present a token.
func (a *Authenticator) Required() bool { return a != nil && a.token != "" }

// Verify compares token in constant time.
func (a *Authenticator) Verify(token string) bool {
	if !a.Required() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.token), []byte(token)) == 1
}
