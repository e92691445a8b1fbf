package sse

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaimly/backend/internal/core"
)

const testSecret = "stream-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestAuthenticateBearer(t *testing.T) {
	auth := NewAuthenticator(testSecret, false)

	for _, field := range []string{"user_id", "sub", "uid"} {
		r := httptest.NewRequest("GET", "/stream", nil)
		r.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
			field: "user-42",
			"exp": time.Now().Add(time.Hour).Unix(),
		}))

		userID, err := auth.Authenticate(r)
		require.NoError(t, err, "claim field %s", field)
		assert.Equal(t, "user-42", userID)
	}
}

func TestAuthenticateCookieToken(t *testing.T) {
	auth := NewAuthenticator(testSecret, false)
	r := httptest.NewRequest("GET", "/stream", nil)
	r.Header.Set("Cookie", "auth_token="+signToken(t, jwt.MapClaims{"sub": "user-7"}))

	userID, err := auth.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "user-7", userID)
}

func TestAuthenticateMissingCredential(t *testing.T) {
	auth := NewAuthenticator(testSecret, false)
	r := httptest.NewRequest("GET", "/stream", nil)

	_, err := auth.Authenticate(r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAuth))
}

func TestAuthenticateBadSignature(t *testing.T) {
	auth := NewAuthenticator(testSecret, false)
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "intruder"})
	forged, err := other.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/stream", nil)
	r.Header.Set("Authorization", "Bearer "+forged)

	_, err = auth.Authenticate(r)
	assert.True(t, errors.Is(err, core.ErrAuth))
}

func TestAuthenticateNoIdentifierClaim(t *testing.T) {
	auth := NewAuthenticator(testSecret, false)
	r := httptest.NewRequest("GET", "/stream", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"role": "admin"}))

	_, err := auth.Authenticate(r)
	assert.True(t, errors.Is(err, core.ErrAuth))
}

func TestDemoModeFallsBackToDemoUser(t *testing.T) {
	auth := NewAuthenticator(testSecret, true)
	r := httptest.NewRequest("GET", "/stream", nil)

	userID, err := auth.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, DemoUserID, userID)
}
