package httpapi

import (
	"net"
	"net/http"
	"time"

	"pkt.systems/pslog"
)

// statusWriter remembers the response status for the access log.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// withRequestLogging attaches a per-request logger to the context and writes
// one access line per request. Polling reads log at debug, server errors at
// warn.
func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := pslog.Ctx(r.Context()).With("remote", remoteHost(r.RemoteAddr), "method", r.Method, "path", r.URL.Path)
		if r.URL.Path == "/api/stream" {
			logger.Info("http stream open", "last_event_id", r.Header.Get("Last-Event-ID"))
		}
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r.WithContext(pslog.ContextWithLogger(r.Context(), logger)))
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		fields := []any{"status", sw.status, "bytes", sw.written, "duration_ms", time.Since(start).Milliseconds()}
		switch {
		case sw.status >= http.StatusInternalServerError:
			logger.Warn("http request", fields...)
		case r.Method == http.MethodGet:
			logger.Debug("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	})
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
