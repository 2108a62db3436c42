package httputil

import (
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
)

// DecompressPayload wraps the body of brotli encoded requests. Event batches
// and Android traces are large and compress well. Other encodings are
// rejected with 415.
func DecompressPayload(next http.Handler) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		switch encoding := r.Header.Get("Content-Encoding"); encoding {
		case "", "identity":
		case "br":
			r.Body = io.NopCloser(brotli.NewReader(r.Body))
			r.Header.Del("Content-Encoding")
		default:
			http.Error(w, fmt.Sprintf("unsupported content encoding %q", encoding), http.StatusUnsupportedMediaType)
			return
		}

		next.ServeHTTP(w, r)
	})
}
