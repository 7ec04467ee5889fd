package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dat-gateway/internal/cache"
	"github.com/JakeFAU/dat-gateway/internal/datkey"
)

func testKey(b byte) datkey.Key {
	var k datkey.Key
	k[31] = b
	return k
}

type fakeArchives struct {
	mu      sync.Mutex
	entries []cache.EntryInfo
	evicted []datkey.Key
	closed  bool
}

func (f *fakeArchives) Snapshot() []cache.EntryInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cache.EntryInfo(nil), f.entries...)
}

func (f *fakeArchives) Evict(key datkey.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e.Key == key {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			f.evicted = append(f.evicted, key)
			return true
		}
	}
	return false
}

func (f *fakeArchives) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSweeper struct {
	keys  []datkey.Key
	calls int
}

func (s *fakeSweeper) Tick() []datkey.Key {
	s.calls++
	return s.keys
}

func newFakeArchives() *fakeArchives {
	now := time.Unix(1_700_000_000, 0).UTC()
	return &fakeArchives{entries: []cache.EntryInfo{
		{Key: testKey(1), Subdomain: testKey(1).Subdomain(), CreatedAt: now, LastAccessedAt: now.Add(2 * time.Second), Readiness: cache.ReadyConfirmed, Leases: 1},
		{Key: testKey(2), Subdomain: testKey(2).Subdomain(), CreatedAt: now, LastAccessedAt: now.Add(time.Second), Readiness: cache.ReadyBestEffort},
		{Key: testKey(3), Subdomain: testKey(3).Subdomain(), CreatedAt: now, LastAccessedAt: now, Readiness: cache.ReadyConfirmed},
	}}
}

func newTestServer(t *testing.T, archives Archives, sweeper Sweeper, auth AuthConfig) *Server {
	t.Helper()
	s, err := NewServer(Config{Archives: archives, Sweeper: sweeper, Auth: auth})
	require.NoError(t, err)
	return s
}

func serve(s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Config{})
	require.Error(t, err)
	_, err = NewServer(Config{Archives: newFakeArchives(), Auth: AuthConfig{Enabled: true}})
	require.Error(t, err)
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeArchives(), nil, AuthConfig{})
	rec := serve(s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzTurnsUnavailableWhenDraining(t *testing.T) {
	t.Parallel()

	archives := newFakeArchives()
	s := newTestServer(t, archives, nil, AuthConfig{})
	require.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/readyz", nil).Code)

	s.MarkDraining()
	require.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodGet, "/readyz", nil).Code)

	closedOnly := newFakeArchives()
	closedOnly.closed = true
	s2 := newTestServer(t, closedOnly, nil, AuthConfig{})
	require.Equal(t, http.StatusServiceUnavailable, serve(s2, http.MethodGet, "/readyz", nil).Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeArchives(), nil, AuthConfig{})
	rec := serve(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_ListArchives(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeArchives(), nil, AuthConfig{})
	rec := serve(s, http.MethodGet, "/v1/archives", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Archives []struct {
			Key       string `json:"key"`
			Subdomain string `json:"subdomain"`
			Leases    int    `json:"leases"`
			Readiness string `json:"readiness"`
		} `json:"archives"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Total)
	require.Len(t, body.Archives, 3)
	require.Equal(t, testKey(1).String(), body.Archives[0].Key)
	require.Equal(t, testKey(1).Subdomain(), body.Archives[0].Subdomain)
	require.Equal(t, "confirmed", body.Archives[0].Readiness)
	require.Equal(t, 1, body.Archives[0].Leases)
}

func TestServer_ListArchivesFiltersAndPages(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeArchives(), nil, AuthConfig{})

	rec := serve(s, http.MethodGet, "/v1/archives?readiness=best_effort", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), testKey(2).String())
	require.Contains(t, rec.Body.String(), `"total":1`)

	rec = serve(s, http.MethodGet, "/v1/archives?limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), testKey(2).String())
	require.NotContains(t, rec.Body.String(), testKey(1).String())

	rec = serve(s, http.MethodGet, "/v1/archives?offset=99", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"archives":[]`)

	for _, bad := range []string{"?limit=0", "?limit=x", "?offset=-1", "?readiness=bogus"} {
		rec = serve(s, http.MethodGet, "/v1/archives"+bad, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestServer_GetArchive(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeArchives(), nil, AuthConfig{})

	rec := serve(s, http.MethodGet, "/v1/archives/"+testKey(3).String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), testKey(3).String())

	rec = serve(s, http.MethodGet, "/v1/archives/"+testKey(3).Subdomain(), nil)
	require.Equal(t, http.StatusOK, rec.Code, "base32 keys are accepted too")

	rec = serve(s, http.MethodGet, "/v1/archives/"+testKey(9).String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(s, http.MethodGet, "/v1/archives/not-a-key", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DeleteArchive(t *testing.T) {
	t.Parallel()

	archives := newFakeArchives()
	s := newTestServer(t, archives, nil, AuthConfig{})

	rec := serve(s, http.MethodDelete, "/v1/archives/"+testKey(2).String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []datkey.Key{testKey(2)}, archives.evicted)

	rec = serve(s, http.MethodDelete, "/v1/archives/"+testKey(2).String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(s, http.MethodDelete, "/v1/archives/zz", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Reap(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{keys: []datkey.Key{testKey(3)}}
	s := newTestServer(t, newFakeArchives(), sweeper, AuthConfig{})

	rec := serve(s, http.MethodPost, "/v1/archives/reap", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"evicted":["`+testKey(3).String()+`"]}`, rec.Body.String())
	require.Equal(t, 1, sweeper.calls)

	sweeper.keys = nil
	rec = serve(s, http.MethodPost, "/v1/archives/reap", nil)
	require.JSONEq(t, `{"evicted":[]}`, rec.Body.String())

	disabled := newTestServer(t, newFakeArchives(), nil, AuthConfig{})
	rec = serve(disabled, http.MethodPost, "/v1/archives/reap", nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeArchives(), nil, AuthConfig{Enabled: true, APIKey: "secret"})

	rec := serve(s, http.MethodGet, "/v1/archives", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(s, http.MethodGet, "/v1/archives", http.Header{"X-Api-Key": {"secret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodGet, "/v1/archives?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec = serve(s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
