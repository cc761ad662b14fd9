package middleware

import (
	"net/http"
	"strings"
)

// corsHeaders is what the dashboard sends: JSON bodies, nothing else. The API
// carries no browser auth, so Authorization is deliberately absent.
const (
	corsHeaders = "Content-Type"
	corsMethods = "GET, POST, OPTIONS"
)

// CORS restricts browser access to the dashboard origins. An entry of "*"
// echoes any Origin back; webhook and probe endpoints are unaffected because
// providers do not send an Origin header.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := false
	allow := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch origin {
		case "":
		case "*":
			allowAny = true
		default:
			allow[origin] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			allowed := false
			if origin != "" {
				if allowAny {
					allowed = true
				} else {
					_, allowed = allow[strings.TrimRight(origin, "/")]
				}
			}
			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Max-Age", "600")
			}

			if r.Method == http.MethodOptions && origin != "" && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
