package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// keyAuth checks request API keys against a set of bcrypt hashes.
// A bcrypt compare costs tens of milliseconds, so keys that have
// verified once are remembered for the life of the server.
type keyAuth struct {
	hashes   []string
	verified map[string]struct{}
	mu       sync.RWMutex
}

func newKeyAuth(hashes []string) *keyAuth {
	return &keyAuth{
		hashes:   hashes,
		verified: make(map[string]struct{}),
	}
}

func (a *keyAuth) check(key string) bool {
	if key == "" {
		return false
	}

	a.mu.RLock()
	_, ok := a.verified[key]
	a.mu.RUnlock()
	if ok {
		return true
	}

	for _, hash := range a.hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			a.mu.Lock()
			a.verified[key] = struct{}{}
			a.mu.Unlock()
			return true
		}
	}
	return false
}

// requestKey extracts the API key from a request: a bearer token in
// the Authorization header, or the X-API-Key header.
func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func (a *keyAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.check(requestKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid or missing API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
