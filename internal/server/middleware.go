package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agentrunner/runner/internal/runnerenv"
)

// publicPaths never require authentication.
var publicPaths = map[string]struct{}{
	"/health": {},
}

// apiKeyMiddleware validates a Bearer token against RUNNER_API_KEY.
// With no key configured, the service runs in open mode. The
// comparison is constant-time to avoid leaking the key through
// response-timing side channels.
func apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := runnerenv.Get(runnerenv.APIKey, "")
		if apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if _, public := publicPaths[r.URL.Path]; public {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			slog.Warn("auth.missing", "path", r.URL.Path)
			http.Error(w, `{"error":"Missing or invalid Authorization header"}`, http.StatusUnauthorized)
			return
		}

		token := strings.TrimPrefix(auth, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			slog.Warn("auth.invalid", "path", r.URL.Path)
			http.Error(w, `{"error":"Invalid API key"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
