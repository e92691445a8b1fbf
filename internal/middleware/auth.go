// Package middleware carries the HTTP request guards: seller API-key
// authentication and per-seller rate limiting.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const sellerKey contextKey = "seller_id"

// WithSeller injects a seller id into the request context.
func WithSeller(ctx context.Context, sellerID string) context.Context {
	return context.WithValue(ctx, sellerKey, sellerID)
}

// SellerFrom extracts the authenticated seller id from the context.
func SellerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sellerKey).(string)
	return id, ok
}

// APIKeyStore resolves API keys to sellers. Keys are stored as bcrypt
// hashes; the store never sees plaintext at rest.
type APIKeyStore struct {
	mu   sync.RWMutex
	keys map[string][]byte // seller_id -> bcrypt hash
}

// NewAPIKeyStore creates an empty key store.
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{keys: make(map[string][]byte)}
}

// SetKey hashes and stores an API key for a seller.
func (s *APIKeyStore) SetKey(sellerID, plaintext string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.keys[sellerID] = hash
	s.mu.Unlock()
	return nil
}

// Validate checks a presented key against a seller's stored hash.
func (s *APIKeyStore) Validate(sellerID, plaintext string) bool {
	s.mu.RLock()
	hash, ok := s.keys[sellerID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

// SellerAuth authenticates requests carrying "Authorization: Bearer rcl_..."
// plus an X-Seller-ID header, and injects the seller into the context.
func SellerAuth(store *APIKeyStore, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID := r.Header.Get("X-Seller-ID")
		auth := r.Header.Get("Authorization")

		if sellerID == "" || !strings.HasPrefix(auth, "Bearer rcl_") {
			http.Error(w, "Missing seller credentials", http.StatusUnauthorized)
			return
		}

		apiKey := strings.TrimPrefix(auth, "Bearer ")
		if !store.Validate(sellerID, apiKey) {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(WithSeller(r.Context(), sellerID)))
	}
}
