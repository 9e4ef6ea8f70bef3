// Package middleware carries the HTTP middleware shared by the gateway's
// listeners.
package middleware

import (
	"net/http"
	"os"
	"strings"
)

// Cors validates Origin headers against an allowlist and answers preflight
// OPTIONS requests. With an empty allowedOrigins, the LEMON_ORIGINS
// environment variable is consulted; when that is unset too, CORS handling
// is disabled entirely (the desktop front-end talks to loopback directly).
func Cors(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = originsFromEnv()
	}
	if allowedOrigins == nil {
		return next
	}

	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		permitted := origin != "" && allowAll
		if !permitted && origin != "" {
			_, permitted = allowed[origin]
		}
		if permitted {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		if r.Method == http.MethodOptions {
			if !permitted {
				// No valid origin: let the router produce its own 404/405.
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if origin != "" && !permitted {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originsFromEnv() []string {
	raw := os.Getenv("LEMON_ORIGINS")
	if raw == "" {
		return nil
	}
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
