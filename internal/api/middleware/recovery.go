package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/api/response"
)

// Recovery turns a handler panic into a 500. A panic after the response has
// started (an event stream, say) is only logged, since the status line is
// already on the wire.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			attrs := []any{
				"error", rec,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
			}
			if rl := requestLogFrom(r.Context()); rl != nil && rl.userID != uuid.Nil {
				attrs = append(attrs, "user_id", rl.userID)
			}
			slog.Error("panic recovered", attrs...)

			if started(w) {
				return
			}
			response.Error(w, http.StatusInternalServerError,
				response.CodeInternal, "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
