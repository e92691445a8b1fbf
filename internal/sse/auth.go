package sse

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/reclaimly/backend/internal/core"
)

// DemoUserID is the synthetic identity used when demo mode accepts an
// unauthenticated stream.
const DemoUserID = "demo-user"

// Authenticator validates stream credentials. A bearer token or cookie is
// verified against the shared secret; the payload must carry a user
// identifier in one of the accepted claim names. When demo mode is on, a
// missing credential degrades to the demo identity instead of refusing.
type Authenticator struct {
	secret   []byte
	demoMode bool
}

func NewAuthenticator(secret string, demoMode bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), demoMode: demoMode}
}

// Authenticate extracts and verifies the credential on an SSE request,
// returning the user id to register under.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		if cookie, err := r.Cookie("auth_token"); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	if token == "" {
		if a.demoMode {
			return DemoUserID, nil
		}
		return "", core.Wrap(core.ErrAuth, "missing credential")
	}

	userID, err := a.verify(token)
	if err != nil {
		if a.demoMode {
			return DemoUserID, nil
		}
		return "", err
	}
	return userID, nil
}

func (a *Authenticator) verify(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, core.Wrap(core.ErrAuth, "unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", core.Wrap(core.ErrAuth, "invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", core.Wrap(core.ErrAuth, "invalid claims")
	}

	// The user identifier is heterogeneously named across issuers.
	for _, field := range []string{"user_id", "sub", "uid"} {
		if v, ok := claims[field].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", core.Wrap(core.ErrAuth, "token carries no user identifier")
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
