package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
)

// Validator maps bearer tokens to client IDs using constant-time comparison.
type Validator struct {
	mu     sync.RWMutex
	tokens []tokenEntry
}

type tokenEntry struct {
	token    []byte
	clientID string
}

// NewValidator returns a validator for a token -> client ID map.
func NewValidator(tokenToClient map[string]string) *Validator {
	v := &Validator{}
	v.Update(tokenToClient)
	return v
}

// Update replaces the token map. Caller must not pass nil.
func (v *Validator) Update(tokenToClient map[string]string) {
	entries := make([]tokenEntry, 0, len(tokenToClient))
	for token, clientID := range tokenToClient {
		entries = append(entries, tokenEntry{token: []byte(token), clientID: clientID})
	}
	v.mu.Lock()
	v.tokens = entries
	v.mu.Unlock()
}

// Validate returns the client ID for token, or "" if it is unknown. MUST NOT log the token.
func (v *Validator) Validate(token string) (clientID string) {
	if token == "" {
		return ""
	}
	b := []byte(token)
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, e := range v.tokens {
		if subtle.ConstantTimeCompare(e.token, b) == 1 {
			return e.clientID
		}
	}
	return ""
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}

type ctxKey struct{}

// ClientID returns the authenticated client stored by Middleware, or "".
func ClientID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// WithClientID returns ctx carrying clientID.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, clientID)
}

// Middleware rejects requests without a valid bearer token and stores the client
// ID in the request context. onReject, if set, is called with the 401 status.
func Middleware(v *Validator, onReject func(status int)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := v.Validate(BearerToken(r))
			if clientID == "" {
				if onReject != nil {
					onReject(http.StatusUnauthorized)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), clientID)))
		})
	}
}
