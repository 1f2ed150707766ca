package handlers

import (
	"net/http"
	"time"

	"sutmaster/internal/version"
)

// DiscoveryStatus summarises the controller's live state for dashboards.
// GET /api/discovery/status
func (h *Handlers) DiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	JSONResponse(w, map[string]interface{}{
		"running":               true,
		"version":               version.Current,
		"registered_suts":       stats.Total,
		"connected_suts":        h.conns.OnlineCount(),
		"paired_suts":           stats.Paired,
		"sse_clients":           h.broker.ClientCount(),
		"registered_keys":       h.keys.Count(),
		"master_key_ready":      h.master.Info().Exists,
		"stale_timeout_seconds": int64(h.registry.StaleTimeout() / time.Second),
	})
}

// Health is the liveness probe.
// GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]string{
		"status":  "ok",
		"version": version.Current,
	})
}
