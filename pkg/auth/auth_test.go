package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestNoKeyDisablesAuth(t *testing.T) {
	kc, err := NewKeyChecker("", "")
	require.NoError(t, err)
	assert.Nil(t, kc)
}

func TestInvalidHashRejected(t *testing.T) {
	_, err := NewKeyChecker("", "not-a-bcrypt-hash")
	assert.Error(t, err)
}

func TestMiddlewarePlainKey(t *testing.T) {
	kc, err := NewKeyChecker("s3cret", "")
	require.NoError(t, err)
	h := kc.Middleware(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"valid token", "/command", "Bearer s3cret", http.StatusOK},
		{"lowercase scheme", "/status", "bearer s3cret", http.StatusOK},
		{"wrong token", "/command", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "/status", "", http.StatusUnauthorized},
		{"basic scheme", "/status", "Basic s3cret", http.StatusUnauthorized},
		{"health is public", "/health", "", http.StatusOK},
		{"metrics is public", "/metrics", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestMiddlewareHashedKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	kc, err := NewKeyChecker("ignored", string(hash))
	require.NoError(t, err)

	assert.NoError(t, kc.Validate("Bearer s3cret"))
	assert.ErrorIs(t, kc.Validate("Bearer ignored"), ErrInvalidToken)
	assert.ErrorIs(t, kc.Validate(""), ErrMissingToken)
}

func TestCustomPublicPaths(t *testing.T) {
	kc, err := NewKeyChecker("s3cret", "", "/health")
	require.NoError(t, err)
	h := kc.Middleware(okHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
}

func TestHashKey(t *testing.T) {
	hash, err := HashKey("s3cret")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	_, err = HashKey("")
	assert.Error(t, err)
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 44)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "ab"))
}
