package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/cleanwave/pipeline/internal/api/response"
)

// Recovery turns handler panics into a 500 envelope. http.ErrAbortHandler is
// re-raised, and nothing is written once a websocket upgrade has taken over
// the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			upgraded := isHijacked(w)
			slog.Error("panic recovered",
				"error", rec,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
				"upgraded", upgraded,
			)
			if upgraded {
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}

func isHijacked(w http.ResponseWriter) bool {
	rec, ok := w.(*statusRecorder)
	return ok && rec.hijacked
}
