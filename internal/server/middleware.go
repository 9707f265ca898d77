package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	// logPathLimit caps the request URI written to the log.
	logPathLimit = 200
	// slowRequest is the latency above which a request is logged at WARN.
	slowRequest = 500 * time.Millisecond
)

// RequestLogger logs one line per request. 5xx responses go to ERROR,
// slow ones to WARN, everything else to DEBUG. Websocket upgrades are not
// logged since the connection outlives the handler.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			began := time.Now()
			next.ServeHTTP(ww, r)
			elapsed := time.Since(began)

			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			log := logger.With(
				"method", r.Method,
				"path", clip(r.URL.RequestURI(), logPathLimit),
				"status", code,
				"bytes", ww.BytesWritten(),
				"elapsed", elapsed,
			)
			if id := middleware.GetReqID(r.Context()); id != "" {
				log = log.With("request_id", id)
			}

			switch {
			case code >= http.StatusInternalServerError:
				log.Error("request failed")
			case elapsed > slowRequest:
				log.Warn("slow request")
			default:
				log.Debug("request served")
			}
		})
	}
}

// clip cuts s to at most n bytes, marking the cut with "...".
func clip(s string, n int) string {
	switch {
	case len(s) <= n:
		return s
	case n < 3:
		return s[:n]
	}
	return s[:n-3] + "..."
}
