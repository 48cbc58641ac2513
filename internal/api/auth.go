package api

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/victornm/duelo/internal/errors"
)

// Identity is the authenticated player behind a websocket connection.
type Identity struct {
	UserID      string
	DisplayName string
}

// Authenticator verifies HMAC-signed session tokens issued by the auth
// service. Only verification lives here; token issuance is out of scope.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verify parses the token and extracts the player identity. Expiry and
// signature checks are enforced by the jwt parser.
func (a *Authenticator) Verify(token string) (Identity, error) {
	t, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New(errors.CodeUnauthenticated,
				errors.WithMessagef("unexpected signing method: %v", t.Header["alg"]))
		}
		return a.secret, nil
	})
	if err != nil || !t.Valid {
		return Identity{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("invalid token"),
			errors.WithCause(err))
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid claims"))
	}

	id := Identity{}
	if sub, ok := claims["sub"].(string); ok {
		id.UserID = sub
	}
	if name, ok := claims["name"].(string); ok {
		id.DisplayName = name
	}

	if id.UserID == "" {
		return Identity{}, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("token missing subject"))
	}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}

	return id, nil
}
