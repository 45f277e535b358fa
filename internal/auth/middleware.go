package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Middleware returns chi-compatible middleware that rejects requests whose
// Authorization header does not carry a valid sender token.
func Middleware(svc *Service) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || svc.Verify(token) != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{
					"ok":    false,
					"error": ErrUnauthorizedSender.Error(),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
