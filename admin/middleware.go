package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/slipstream-db/slipstream/cfg"
)

var (
	errNoAuthHeader  = errors.New("missing authentication header")
	errBadAuthFormat = errors.New("invalid authorization header format")
)

// AuthMiddleware enforces the configured pre-shared admin secret. Requests
// present it in X-Slipstream-Secret or as a bearer token; with no secret
// configured the API is open.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.IsAdminAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		presented, err := requestSecret(r)
		if err != nil {
			writeErrorResponse(w, http.StatusUnauthorized, err.Error())
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.GetAdminSecret())) != 1 {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestSecret pulls the presented secret out of the request headers.
func requestSecret(r *http.Request) (string, error) {
	if s := r.Header.Get("X-Slipstream-Secret"); s != "" {
		return s, nil
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errNoAuthHeader
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", errBadAuthFormat
	}
	return token, nil
}
