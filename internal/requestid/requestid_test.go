package requestid

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestUUIDGeneratorProducesV7(t *testing.T) {
	t.Parallel()

	id, err := UUIDGenerator{}.NewID()
	require.NoError(t, err)
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestMiddlewareGeneratesAndPropagates(t *testing.T) {
	t.Parallel()

	var seen string
	h := Middleware(nil)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, seen)
	require.Equal(t, seen, rec.Header().Get(Header))
}

func TestMiddlewareReusesInboundID(t *testing.T) {
	t.Parallel()

	h := Middleware(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, "proxy-abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "proxy-abc-123", rec.Header().Get(Header))

	for _, bad := range []string{"has space", strings.Repeat("x", maxInboundLen+1), "tab\tchar"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(Header, bad)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.NotEqual(t, bad, rec.Header().Get(Header))
		require.NotEmpty(t, rec.Header().Get(Header))
	}
}

type failingGen struct{}

func (failingGen) NewID() (string, error) { return "", errors.New("entropy exhausted") }

func TestMiddlewareFallsBackWhenGeneratorFails(t *testing.T) {
	t.Parallel()

	h := Middleware(failingGen{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(rec.Header().Get(Header))
	require.NoError(t, err)
}
