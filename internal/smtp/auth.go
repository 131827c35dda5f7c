// Package smtp implements the local SMTP ingress: it accepts mail for
// anonymous aliases and hands each message to the relay pipeline.
package smtp

import (
	"crypto/subtle"
	"errors"

	"github.com/emersion/go-sasl"
)

var errAuthFailed = errors.New("authentication failed")

// Authenticator handles SMTP AUTH verification against configured credentials.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either username or password is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Verify checks a username and password in constant time.
func (a *Authenticator) Verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !userOK || !passOK {
		return errAuthFailed
	}
	return nil
}

// PlainServer returns a SASL PLAIN server that calls onSuccess once the
// client's credentials are verified. The authorization identity is ignored.
func (a *Authenticator) PlainServer(onSuccess func()) sasl.Server {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if err := a.Verify(username, password); err != nil {
			return err
		}
		onSuccess()
		return nil
	})
}
