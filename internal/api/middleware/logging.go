package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cmdb-studio/relgraph/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Logging writes one line per request. Server errors log at error level.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rw.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int("bytes", rw.bytes),
			zap.Duration("duration", elapsed),
			zap.String("remote", r.RemoteAddr),
		}
		if p, ok := GetPrincipal(r.Context()); ok {
			fields = append(fields, zap.Uint("user_id", p.UserID))
		}
		if rw.status >= http.StatusInternalServerError {
			LoggerFrom(r.Context()).Error("request", fields...)
			return
		}
		LoggerFrom(r.Context()).Info("request", fields...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}
