package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"investigation-lab/pkg/logger"
)

// Logger returns a middleware that logs requests. Probes log at debug and
// server errors at warn.
func Logger(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				reqLog := log.WithRequestID(middleware.GetReqID(r.Context()))
				var ev *zerolog.Event
				switch {
				case ww.Status() >= http.StatusInternalServerError:
					ev = reqLog.Warn()
				case r.URL.Path == "/health" || r.URL.Path == "/ready":
					ev = reqLog.Debug()
				default:
					ev = reqLog.Info()
				}
				ev.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote_addr", r.RemoteAddr).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
