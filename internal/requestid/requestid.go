// Package requestid tags every HTTP request with an identifier that shows up
// in the X-Request-ID response header and in request logs.
package requestid

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Header is the request and response header carrying the ID.
const Header = "X-Request-ID"

const maxInboundLen = 128

// Generator creates request IDs.
type Generator interface {
	NewID() (string, error)
}

// UUIDGenerator creates UUIDv7 strings, which sort by creation time.
type UUIDGenerator struct{}

// NewID returns a UUIDv7 string.
func (UUIDGenerator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

type ctxKey struct{}

// WithID returns a context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the request ID, or "" when none is set.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Middleware reuses a sane inbound X-Request-ID (for example one set by a
// reverse proxy) or generates a new one. A nil gen uses UUIDGenerator.
func Middleware(gen Generator) func(http.Handler) http.Handler {
	if gen == nil {
		gen = UUIDGenerator{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(Header)
			if !acceptable(id) {
				var err error
				if id, err = gen.NewID(); err != nil {
					id = uuid.NewString()
				}
			}
			w.Header().Set(Header, id)
			next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
		})
	}
}

func acceptable(id string) bool {
	if id == "" || len(id) > maxInboundLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
