package middleware

import (
	"compress/gzip"
	"io"
	"mime"
	"net/http"
	"slices"
	"strings"
	"sync"
)

// CompressionConfig holds configuration for the compression middleware.
type CompressionConfig struct {
	// MinSize is the smallest body, in bytes, worth compressing.
	MinSize int
	// CompressibleTypes lists media types eligible for gzip. MP4 output and
	// JPEG previews are already compressed and never appear here.
	CompressibleTypes []string
}

// DefaultCompressionConfig compresses JSON and text bodies over 1 KiB.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:           1024,
		CompressibleTypes: []string{"application/json", "text/plain", "text/html"},
	}
}

var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(io.Discard)
	},
}

// gzipResponseWriter buffers up to MinSize bytes before deciding whether
// to compress, so small error bodies go out untouched.
type gzipResponseWriter struct {
	http.ResponseWriter
	config     CompressionConfig
	gz         *gzip.Writer
	buffer     []byte
	statusCode int
	decided    bool
}

func (g *gzipResponseWriter) WriteHeader(statusCode int) {
	if !g.decided {
		g.statusCode = statusCode
	}
}

func (g *gzipResponseWriter) Write(data []byte) (int, error) {
	if g.decided {
		if g.gz != nil {
			return g.gz.Write(data)
		}
		return g.ResponseWriter.Write(data)
	}

	g.buffer = append(g.buffer, data...)
	if len(g.buffer) > g.config.MinSize {
		if err := g.decide(); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

func (g *gzipResponseWriter) compressible() bool {
	if g.Header().Get("Content-Encoding") != "" || g.statusCode == http.StatusPartialContent {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(g.Header().Get("Content-Type"))
	if err != nil {
		return false
	}
	return slices.Contains(g.config.CompressibleTypes, mediaType)
}

func (g *gzipResponseWriter) decide() error {
	g.decided = true
	buffered := g.buffer
	g.buffer = nil

	if len(buffered) >= g.config.MinSize && g.compressible() {
		g.Header().Del("Content-Length")
		g.Header().Set("Content-Encoding", "gzip")
		g.Header().Add("Vary", "Accept-Encoding")

		g.gz = gzipWriterPool.Get().(*gzip.Writer)
		g.gz.Reset(g.ResponseWriter)
		g.ResponseWriter.WriteHeader(g.statusCode)
		_, err := g.gz.Write(buffered)
		return err
	}

	g.ResponseWriter.WriteHeader(g.statusCode)
	_, err := g.ResponseWriter.Write(buffered)
	return err
}

func (g *gzipResponseWriter) Close() error {
	if !g.decided {
		if err := g.decide(); err != nil {
			return err
		}
	}
	if g.gz == nil {
		return nil
	}
	err := g.gz.Close()
	gzipWriterPool.Put(g.gz)
	g.gz = nil
	return err
}

func (g *gzipResponseWriter) Flush() {
	if !g.decided {
		_ = g.decide()
	}
	if g.gz != nil {
		_ = g.gz.Flush()
	}
	if f, ok := g.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Compression gzips eligible responses for clients that accept it. Range
// requests pass straight through so byte offsets stay meaningful.
func Compression(config CompressionConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") ||
				r.Header.Get("Range") != "" ||
				r.Header.Get("Accept") == "text/event-stream" {
				next.ServeHTTP(w, r)
				return
			}

			gzw := &gzipResponseWriter{
				ResponseWriter: w,
				config:         config,
				statusCode:     http.StatusOK,
				buffer:         make([]byte, 0, config.MinSize+1),
			}
			defer gzw.Close()

			next.ServeHTTP(gzw, r)
		})
	}
}
