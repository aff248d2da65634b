package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// APIKey is a configured operator key. Exactly one of Key or KeyHash is set;
// KeyHash is a bcrypt hash of the key.
type APIKey struct {
	Name    string `yaml:"name"`
	Key     string `yaml:"key"`
	KeyHash string `yaml:"key_hash"`
}

// KeyAuthenticator checks operator API keys.
type KeyAuthenticator struct {
	keys []APIKey
}

// NewKeyAuthenticator creates an authenticator over keys.
func NewKeyAuthenticator(keys []APIKey) *KeyAuthenticator {
	return &KeyAuthenticator{keys: keys}
}

// Enabled reports whether any key is configured.
func (a *KeyAuthenticator) Enabled() bool {
	return a != nil && len(a.keys) > 0
}

// Authenticate returns the matching key's name from X-API-Key or a bearer
// Authorization header.
func (a *KeyAuthenticator) Authenticate(r *http.Request) (string, bool) {
	presented := r.Header.Get("X-API-Key")
	if presented == "" {
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			presented = bearer
		}
	}
	if presented == "" {
		return "", false
	}

	for _, k := range a.keys {
		switch {
		case k.KeyHash != "":
			if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(presented)) == nil {
				return k.Name, true
			}
		case k.Key != "":
			if subtle.ConstantTimeCompare([]byte(k.Key), []byte(presented)) == 1 {
				return k.Name, true
			}
		}
	}
	return "", false
}

// RequireAPIKey gates next behind auth. With no keys configured it passes
// every request through.
func RequireAPIKey(auth *KeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !auth.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.Authenticate(r); !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "valid API key required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// cors grants the configured origin access and answers preflight requests.
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := h.cfg.AllowedOrigin; origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency by matched route.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		h.deps.Metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}
