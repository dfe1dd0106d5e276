package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// AdminHeader is attached to every REST request when the local session
// is privileged; the server downgrades 402 handling to a soft-allow.
const (
	AdminHeader      = "x-maty-admin"
	AdminHeaderValue = "1"
)

var ErrInvalidToken = errors.New("invalid session token")

type Claims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// Session is the local identity this client acts as. It is issued by
// the platform's auth service; this module only reads it.
type Session struct {
	UserID string
	Admin  bool
	Token  string
}

// FromToken parses an HS256 session token into a Session. The subject
// claim is the local user id used for socket hello and authorship
// resolution on inbound broadcasts.
func FromToken(tokenStr, secret string) (*Session, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Session{UserID: claims.Subject, Admin: claims.Admin, Token: tokenStr}, nil
}

// Static builds a session without token validation, for tests and for
// deployments where identity arrives out of band.
func Static(userID string, admin bool) *Session {
	return &Session{UserID: userID, Admin: admin}
}
