package handlers

import (
	"net/http"
	"time"

	"github.com/mimisupply/synccore/internal/cache"
	"github.com/mimisupply/synccore/internal/models"
)

// Degradation is the tracker surface the status endpoints use.
type Degradation interface {
	Level() models.DegradationLevel
	Snapshot() []models.ServiceHealth
	StatusMessage() (string, bool)
}

// CacheStats reports cache statistics.
type CacheStats interface {
	Statistics() cache.Statistics
}

// StatusHandler serves health, degradation and cache endpoints.
type StatusHandler struct {
	degradation Degradation
	cache       CacheStats
	started     time.Time
	version     string
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(degradation Degradation, cache CacheStats, version string) *StatusHandler {
	return &StatusHandler{
		degradation: degradation,
		cache:       cache,
		started:     time.Now(),
		version:     version,
	}
}

// Health handles GET /api/health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.degradation != nil && h.degradation.Level() >= models.LevelSevere {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"service":        "synccore",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// GetDegradation handles GET /api/degradation
func (h *StatusHandler) GetDegradation(w http.ResponseWriter, r *http.Request) {
	if h.degradation == nil {
		writeJSON(w, http.StatusOK, map[string]any{"level": models.LevelNone})
		return
	}
	response := map[string]any{
		"level":    h.degradation.Level(),
		"services": h.degradation.Snapshot(),
	}
	if msg, ok := h.degradation.StatusMessage(); ok {
		response["message"] = msg
	}
	writeJSON(w, http.StatusOK, response)
}

// GetCacheStats handles GET /api/cache/stats
func (h *StatusHandler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeJSON(w, http.StatusOK, cache.Statistics{})
		return
	}
	writeJSON(w, http.StatusOK, h.cache.Statistics())
}
