package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/analyst/internal/config"
)

// publicPaths bypass authentication and rate limiting.
var publicPaths = map[string]bool{
	"/healthz": true,
}

type authContextKey struct{}

// AuthMiddleware accepts requests carrying one of the configured API keys.
type AuthMiddleware struct {
	keys    []config.APIKeyEntry
	enabled bool
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{enabled: cfg.Enabled}
	for _, k := range cfg.Keys {
		if strings.TrimSpace(k.Key) != "" {
			am.keys = append(am.keys, k)
		}
	}
	return am
}

// Wrap rejects requests without a valid key: 401 when none is presented,
// 403 when it does not match.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		entry, ok := am.lookup(key)
		if !ok {
			writeJSONError(w, http.StatusForbidden, "invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey reads, in order: Authorization: Bearer <key>, X-API-Key,
// and the api_key query parameter. Browsers cannot set headers on a
// websocket upgrade, so /ws clients use the query parameter.
func ExtractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookup compares every key in constant time.
func (am *AuthMiddleware) lookup(candidate string) (config.APIKeyEntry, bool) {
	var found config.APIKeyEntry
	matched := 0
	for _, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(entry.Key)) == 1 {
			found = entry
			matched = 1
		}
	}
	return found, matched == 1
}

// KeyEntryFromContext returns the key that authenticated the request.
func KeyEntryFromContext(ctx context.Context) (config.APIKeyEntry, bool) {
	entry, ok := ctx.Value(authContextKey{}).(config.APIKeyEntry)
	return entry, ok
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}
