package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"
)

// CompressionConfig holds configuration for the compression middleware
type CompressionConfig struct {
	// MinSize is the smallest body, in bytes, that is compressed
	MinSize int
	// CompressibleTypes are media types eligible for compression
	CompressibleTypes []string
}

// DefaultCompressionConfig compresses JSON and text bodies of 1KB or more.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:           1024,
		CompressibleTypes: []string{"application/json", "text/plain", "text/csv"},
	}
}

var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(io.Discard)
	},
}

// gzipResponseWriter buffers up to MinSize bytes before deciding whether
// to compress.
type gzipResponseWriter struct {
	http.ResponseWriter
	config   CompressionConfig
	buf      []byte
	status   int
	decided  bool
	compress bool
	gz       *gzip.Writer
}

func (g *gzipResponseWriter) WriteHeader(code int) {
	if !g.decided {
		g.status = code
	}
}

func (g *gzipResponseWriter) Write(p []byte) (int, error) {
	if g.decided {
		if g.compress {
			return g.gz.Write(p)
		}
		return g.ResponseWriter.Write(p)
	}
	g.buf = append(g.buf, p...)
	if len(g.buf) >= g.config.MinSize {
		if err := g.decide(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (g *gzipResponseWriter) compressible() bool {
	mediaType, _, _ := strings.Cut(g.Header().Get("Content-Type"), ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	for _, t := range g.config.CompressibleTypes {
		if mediaType == t {
			return true
		}
	}
	return false
}

func (g *gzipResponseWriter) decide() error {
	g.decided = true
	g.compress = len(g.buf) >= g.config.MinSize && g.compressible() &&
		g.status != http.StatusNoContent && g.status != http.StatusNotModified

	var err error
	if g.compress {
		g.Header().Del("Content-Length")
		g.Header().Set("Content-Encoding", "gzip")
		g.Header().Add("Vary", "Accept-Encoding")
		g.gz = gzipWriterPool.Get().(*gzip.Writer)
		g.gz.Reset(g.ResponseWriter)
		g.ResponseWriter.WriteHeader(g.status)
		_, err = g.gz.Write(g.buf)
	} else {
		g.ResponseWriter.WriteHeader(g.status)
		if len(g.buf) > 0 {
			_, err = g.ResponseWriter.Write(g.buf)
		}
	}
	g.buf = nil
	return err
}

// Close flushes buffered data and returns the gzip writer to the pool.
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

// Compression gzips eligible responses for clients that accept it.
func Compression(config CompressionConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			gzw := &gzipResponseWriter{ResponseWriter: w, config: config, status: http.StatusOK}
			defer gzw.Close()
			next.ServeHTTP(gzw, r)
		})
	}
}
