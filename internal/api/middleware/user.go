package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/gpubatch/internal/api/response"
)

// UserHeader carries the caller identity set by the upstream gateway.
const UserHeader = "X-User-ID"

const maxUserIDLen = 128

// RequireUser rejects requests without a user id and stores it in the request
// context for handlers and the rate limiter.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			response.Error(w, http.StatusUnauthorized,
				"MISSING_USER", "Missing "+UserHeader+" header", nil)
			return
		}
		if len(userID) > maxUserIDLen {
			response.Error(w, http.StatusBadRequest,
				"INVALID_USER", UserHeader+" header is too long", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetUserID(r.Context(), userID)))
	})
}
