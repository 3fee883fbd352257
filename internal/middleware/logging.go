package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"video-overlay/internal/logging"
)

// ServiceName appears in the Server header and the W3C log preamble.
const ServiceName = "VideoOverlay/1.0"

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// LoggingConfig selects which requests are logged.
type LoggingConfig struct {
	SkipPaths       []string
	LogHealthChecks bool
	// LogOutputFetches logs GET requests for finished MP4 outputs. Players
	// issue many small range requests, so these are off by default.
	LogOutputFetches bool
}

// DefaultLoggingConfig logs everything except output range fetches.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{LogHealthChecks: true}
}

var healthCheckPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/livez":   true,
	"/readyz":  true,
}

// Logger returns middleware that writes one W3C Extended Log Format line
// per request:
//
//	date time c-ip cs-method cs-uri-stem cs-uri-query sc-status sc-bytes time-taken cs(Content-Encoding) x-request-id cs(User-Agent)
func Logger(config LoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", ServiceName)
			if shouldSkip(r, config) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			logging.Printf("%s", formatW3C(r, wrapped, time.Since(start), time.Now().UTC()))
		})
	}
}

func formatW3C(r *http.Request, rw *responseWriter, duration time.Duration, now time.Time) string {
	return fmt.Sprintf("%s %s %s %s %s %s %d %d %d %s %s %s",
		now.Format("2006-01-02"),
		now.Format("15:04:05"),
		orDash(sanitizeLogField(clientIP(r))),
		sanitizeLogField(r.Method),
		sanitizeLogField(r.URL.Path),
		orDash(sanitizeLogField(r.URL.RawQuery)),
		rw.statusCode,
		rw.bytesWritten,
		duration.Milliseconds(),
		orDash(rw.Header().Get("Content-Encoding")),
		orDash(sanitizeLogField(RequestIDFrom(r.Context()))),
		orDash(escapeW3CField(sanitizeLogField(r.Header.Get("User-Agent")))),
	)
}

func shouldSkip(r *http.Request, config LoggingConfig) bool {
	path := r.URL.Path
	for _, skip := range config.SkipPaths {
		if strings.HasPrefix(path, skip) {
			return true
		}
	}
	if !config.LogHealthChecks && healthCheckPaths[path] {
		return true
	}
	if !config.LogOutputFetches && r.Method == http.MethodGet && isOutputPath(path) {
		return true
	}
	return false
}

func isOutputPath(path string) bool {
	return strings.HasPrefix(path, "/api/jobs/") && strings.HasSuffix(path, "/output")
}

// sanitizeLogField strips control characters so client input cannot forge
// log lines or inject terminal escapes.
func sanitizeLogField(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r':
			b.WriteRune(' ')
		case r == '\t':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

// escapeW3CField quotes values containing whitespace or quotes.
func escapeW3CField(s string) string {
	if strings.ContainsAny(s, " \t\"") {
		return "\"" + strings.ReplaceAll(s, "\"", "\"\"") + "\""
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
