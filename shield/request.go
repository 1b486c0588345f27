package shield

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// RequestLimits shapes requests before routing.
//
// HEAD is served through the GET routes, so a preview ETag check needs no
// route of its own; net/http drops the response body. Every request body is
// capped at maxBytes whatever its Content-Type. A declared Content-Length over the cap is refused with 413
// before anything is read.
func RequestLimits(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				r.Method = http.MethodGet
			}
			if r.ContentLength > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge,
					fmt.Sprintf("request body exceeds %d bytes", maxBytes))
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes the API failure envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": msg,
	})
}
