package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestIDFromContext returns the id stored by WithRequestID, or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

// WithRequestID accepts a caller supplied id (bounded to 128 bytes) or mints a uuid,
// echoes it on the response and stores it where chi's middleware.GetReqID finds it.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
