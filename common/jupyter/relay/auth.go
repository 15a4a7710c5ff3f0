package relay

import (
	"net/http"

	"github.com/gorilla/securecookie"
	"github.com/pkg/errors"
)

//go:generate mockgen -source=auth.go -destination=mock_relay/auth.go -package=mock_relay

const (
	AnonymousUser     = "anonymous"
	DefaultCookieName = "username"
)

var (
	ErrAuthenticationFailure = errors.New("authentication failure")
)

// Authenticator resolves the user identity carried by a handshake credential.
type Authenticator interface {
	// Authenticate returns the user named by the credential, or ErrAuthenticationFailure if no user can be
	// resolved and the deployment requires one.
	Authenticate(credential string) (string, error)
}

// CookieAuthenticator resolves users from a serialized cookie header containing a signed user cookie.
//
// A credential whose user cookie is missing or cannot be verified resolves to the anonymous user, unless
// PasswordRequired is set. A verified cookie whose value is empty always resolves to the anonymous user.
type CookieAuthenticator struct {
	CookieName       string
	PasswordRequired bool

	codec *securecookie.SecureCookie
}

// NewCookieAuthenticator creates a CookieAuthenticator. hashKey signs the user cookie; blockKey, when non-nil,
// also encrypts it.
func NewCookieAuthenticator(hashKey []byte, blockKey []byte, passwordRequired bool) *CookieAuthenticator {
	return &CookieAuthenticator{
		CookieName:       DefaultCookieName,
		PasswordRequired: passwordRequired,
		codec:            securecookie.New(hashKey, blockKey),
	}
}

// Encode produces a signed cookie value for the given user. It is the inverse of Authenticate.
func (a *CookieAuthenticator) Encode(user string) (string, error) {
	return a.codec.Encode(a.CookieName, user)
}

func (a *CookieAuthenticator) Authenticate(credential string) (string, error) {
	user, ok := a.lookup(credential)
	switch {
	case ok && user == "":
		return AnonymousUser, nil
	case ok:
		return user, nil
	case !a.PasswordRequired:
		return AnonymousUser, nil
	default:
		return "", ErrAuthenticationFailure
	}
}

// lookup returns the verified value of the user cookie and whether there was one.
func (a *CookieAuthenticator) lookup(credential string) (string, bool) {
	req := http.Request{Header: http.Header{"Cookie": []string{credential}}}
	cookie, err := req.Cookie(a.CookieName)
	if err != nil {
		return "", false
	}

	var user string
	if err := a.codec.Decode(a.CookieName, cookie.Value, &user); err != nil {
		return "", false
	}
	return user, true
}
