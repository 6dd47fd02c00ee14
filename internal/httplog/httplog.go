// Package httplog logs and counts served HTTP requests.
package httplog

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbridgwater/webserver/internal/metrics"
)

type recorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rec *recorder) WriteHeader(status int) {
	if rec.status == 0 {
		rec.status = status
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *recorder) Write(p []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(p)
	rec.bytes += n
	return n, err
}

func (rec *recorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

// Unmatched labels requests no mux pattern matched.
const Unmatched = "unmatched"

// route is the mux pattern that served req. It is only set once next has
// run, and bounds the metric label to the registered routes.
func route(req *http.Request) string {
	if req.Pattern == "" {
		return Unmatched
	}
	return req.Pattern
}

// Handler wraps next, logging each request to logger and recording it in m,
// which may be nil.
func Handler(logger zerolog.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, req)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client_ip", req.RemoteAddr).
			Int("bytes", rec.bytes).
			Msg("http_request")

		m.RecordHTTPRequest(req.Method, route(req), status, elapsed)
	})
}
