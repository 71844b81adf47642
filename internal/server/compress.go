package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// compressMiddleware negotiates a response encoding from Accept-Encoding
// (preferring zstd, then brotli, then gzip) and transparently wraps the
// ResponseWriter. It never double-compresses a response that already
// set its own Content-Encoding.
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := negotiateEncoding(r.Header.Get("Accept-Encoding"))
		if enc == "" {
			next.ServeHTTP(w, r)
			return
		}

		cw := &compressWriter{ResponseWriter: w, encoding: enc}
		defer cw.Close()
		next.ServeHTTP(cw, r)
	})
}

func negotiateEncoding(acceptEncoding string) string {
	switch {
	case strings.Contains(acceptEncoding, "zstd"):
		return "zstd"
	case strings.Contains(acceptEncoding, "br"):
		return "br"
	case strings.Contains(acceptEncoding, "gzip"):
		return "gzip"
	default:
		return ""
	}
}

type compressWriter struct {
	http.ResponseWriter
	encoding string
	wc       io.WriteCloser
	started  bool
}

func (cw *compressWriter) init() {
	if cw.started {
		return
	}
	cw.started = true

	if cw.Header().Get("Content-Encoding") != "" {
		return // already encoded upstream, don't double-wrap
	}

	cw.Header().Set("Content-Encoding", cw.encoding)
	cw.Header().Set("Vary", "Accept-Encoding")
	cw.Header().Del("Content-Length")

	switch cw.encoding {
	case "zstd":
		enc, _ := zstd.NewWriter(cw.ResponseWriter)
		cw.wc = enc
	case "br":
		cw.wc = brotli.NewWriter(cw.ResponseWriter)
	case "gzip":
		cw.wc = gzip.NewWriter(cw.ResponseWriter)
	}
}

func (cw *compressWriter) Write(p []byte) (int, error) {
	cw.init()
	if cw.wc == nil {
		return cw.ResponseWriter.Write(p)
	}
	return cw.wc.Write(p)
}

func (cw *compressWriter) WriteHeader(status int) {
	cw.init()
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *compressWriter) Close() error {
	if cw.wc == nil {
		return nil
	}
	return cw.wc.Close()
}

func (cw *compressWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
