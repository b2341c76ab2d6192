package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/killdeer/ffcsa-ops/internal/common"
)

// RequireToken rejects requests whose bearer token does not match token. An
// empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			scheme, presented, ok := strings.Cut(auth, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				w.Header().Set("WWW-Authenticate", `Bearer realm="ffcsa-ops"`)
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
				return
			}
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(token)) != 1 {
				common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "invalid token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
