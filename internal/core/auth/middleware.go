package auth

import (
	"encoding/json"
	"net/http"

	"github.com/abhi1693/openclaw-agency/internal/core/store"
)

// RequireOperator wraps an HTTP handler with operator bearer-token auth.
// The resolved OperatorInfo is attached to the request context; requests
// without a valid token get a 401 JSON error.
func RequireOperator(st *store.Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromHeader(r.Header.Get("Authorization"))
		info, err := ValidateToken(r.Context(), st, token)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), info)))
	})
}
