package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/dat-gateway/internal/cache"
	"github.com/JakeFAU/dat-gateway/internal/datkey"
)

const (
	defaultArchiveLimit = 100
	maxArchiveLimit     = 1000
)

// ArchiveHandler exposes the archive cache to operators.
type ArchiveHandler struct {
	archives Archives
	sweeper  Sweeper
	logger   *zap.Logger
}

// NewArchiveHandler wires the cache, the optional sweeper, and the logger.
func NewArchiveHandler(archives Archives, sweeper Sweeper, logger *zap.Logger) *ArchiveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveHandler{archives: archives, sweeper: sweeper, logger: logger}
}

// List handles GET /v1/archives?readiness=&limit=&offset=. It returns
// {"archives": [...], "total": n}, most recently accessed first, or 400 for
// invalid filters.
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultArchiveLimit, maxArchiveLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var want *cache.Readiness
	if param := strings.TrimSpace(r.URL.Query().Get("readiness")); param != "" {
		rd, parseErr := parseReadiness(param)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		want = &rd
	}

	all := h.archives.Snapshot()
	filtered := all[:0]
	for _, info := range all {
		if want == nil || info.Readiness == *want {
			filtered = append(filtered, info)
		}
	}
	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"archives": filtered[offset:end],
		"total":    total,
	})
}

// Get handles GET /v1/archives/{key}. It returns {"archive": {...}}, 400 for
// a malformed key, or 404 when the key is not cached.
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, info := range h.archives.Snapshot() {
		if info.Key == key {
			writeJSON(w, http.StatusOK, map[string]any{"archive": info})
			return
		}
	}
	writeError(w, http.StatusNotFound, "archive not cached")
}

// Delete handles DELETE /v1/archives/{key}: an administrative release. The
// handle closes now, or when its last lease is returned. 204 on success, 404
// when the key is not cached.
func (h *ArchiveHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.archives.Evict(key) {
		writeError(w, http.StatusNotFound, "archive not cached")
		return
	}
	h.logger.Info("archive released by operator", zap.Stringer("key", key))
	w.WriteHeader(http.StatusNoContent)
}

// Reap handles POST /v1/archives/reap. It runs one idle sweep and returns
// {"evicted": [...]}. 501 when idle eviction is disabled.
func (h *ArchiveHandler) Reap(w http.ResponseWriter, _ *http.Request) {
	if h.sweeper == nil {
		writeError(w, http.StatusNotImplemented, "idle eviction disabled")
		return
	}
	evicted := h.sweeper.Tick()
	if evicted == nil {
		evicted = []datkey.Key{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"evicted": evicted})
}

func parseKey(r *http.Request) (datkey.Key, error) {
	raw := chi.URLParam(r, "key")
	if raw == "" {
		return datkey.Key{}, errors.New("key is required")
	}
	key, err := datkey.Parse(raw)
	if err != nil {
		return datkey.Key{}, errors.New("invalid key")
	}
	return key, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseReadiness(input string) (cache.Readiness, error) {
	switch strings.ToLower(input) {
	case "pending":
		return cache.ReadyPending, nil
	case "confirmed", "ready":
		return cache.ReadyConfirmed, nil
	case "best_effort", "best-effort":
		return cache.ReadyBestEffort, nil
	default:
		return 0, errors.New("invalid readiness")
	}
}
