package middleware

import (
	"net/http"
	"time"

	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging logs one line per request and records it on m (which may be nil).
// Requests are labelled by their matched route pattern, not the raw path, to
// keep metric cardinality bounded. The logger is also attached to the request
// context for handlers further down.
func Logging(logger logging.Logger, m *metrics.Collector, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(logging.WithLogger(r.Context(), logger))
		next.ServeHTTP(rec, req)

		elapsed := time.Since(start)
		endpoint := req.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.ObserveHTTP(r.Method, endpoint, rec.status, elapsed)

		entry := logger.WithFields(logging.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": elapsed.Milliseconds(),
			"remote_addr": r.RemoteAddr,
		})
		switch {
		case rec.status >= 500:
			entry.Error("request failed")
		case rec.status >= 400:
			entry.Warn("request rejected")
		default:
			entry.Info("request served")
		}
	})
}
