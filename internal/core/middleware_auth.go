package core

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"paygate/internal/types"
)

// AdminKeyHeader carries the admin API key on requests to the admin surface.
const AdminKeyHeader = "X-Admin-Api-Key"

// AdminKeyMiddleware guards the manual activation endpoints. The presented
// key is compared against the configured bcrypt hash; the plaintext key is
// never stored or logged.
//
// bcrypt comparison is constant-time over the hash, so a missing or wrong
// key costs the same wall time either way.
func (s *Server) AdminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(AdminKeyHeader)
		if key == "" {
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthKeyMissing,
				"admin API key required",
				nil,
			))
			return
		}

		hash := s.Config.Security.AdminAPIKeyHash.Unmask()
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthKeyInvalid,
				"admin API key is not valid",
				nil,
			))
			return
		}

		next.ServeHTTP(w, r)
	})
}
