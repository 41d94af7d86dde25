package server

import (
	"context"
	"net/http"

	"github.com/tjfontaine/query-tracer/internal/auth"
)

type operatorKey struct{}

// RequireOperator rejects requests without a valid operator key. When the
// authenticator has no keys every request passes.
func RequireOperator(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !authenticator.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := auth.KeyFromRequest(r)
			if err == nil {
				var op auth.Operator
				if op, err = authenticator.Authenticate(key); err == nil {
					AddLogField(r.Context(), "operator", op.Description)
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, op)))
					return
				}
			}
			AddError(r.Context(), err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="query-tracer"`)
			WriteError(w, http.StatusUnauthorized, err.Error())
		})
	}
}

// GetOperator returns the authenticated operator.
func GetOperator(ctx context.Context) (auth.Operator, bool) {
	op, ok := ctx.Value(operatorKey{}).(auth.Operator)
	return op, ok
}
