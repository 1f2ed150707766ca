package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"sutmaster/internal/protocol"
	"sutmaster/internal/registry"
	"sutmaster/internal/version"
)

// ListSUTs returns the inventory, optionally filtered by status.
// GET /api/suts?status=online|offline|paired
func (h *Handlers) ListSUTs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", "online", "offline", "paired":
	default:
		JSONError(w, "Invalid status filter: must be online, offline, or paired", http.StatusBadRequest)
		return
	}

	all := h.registry.All()
	devices := make([]*registry.Device, 0, len(all))
	for _, d := range all {
		switch status {
		case "online":
			if !d.IsOnline {
				continue
			}
		case "offline":
			if d.IsOnline {
				continue
			}
		case "paired":
			if !d.IsPaired {
				continue
			}
		}
		devices = append(devices, d)
	}

	JSONResponse(w, map[string]interface{}{
		"suts":  devices,
		"count": len(devices),
		"stats": h.registry.Stats(),
	})
}

// GetSUT returns one device record.
// GET /api/suts/{sut_id}
func (h *Handlers) GetSUT(w http.ResponseWriter, r *http.Request) {
	d := h.registry.ByID(r.PathValue("sut_id"))
	if d == nil {
		JSONError(w, "SUT not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, d)
}

// DeleteSUT removes a device record. Paired devices require ?force=true.
// DELETE /api/suts/{sut_id}?force=true
func (h *Handlers) DeleteSUT(w http.ResponseWriter, r *http.Request) {
	sutID := r.PathValue("sut_id")
	force := r.URL.Query().Get("force") == "true"

	// Remove the record first: a delete refused by the paired guard must
	// leave any live session untouched.
	wasPaired, err := h.registry.Delete(sutID, force)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			JSONError(w, "SUT not found", http.StatusNotFound)
			return
		}
		if errors.Is(err, registry.ErrConflict) {
			JSONError(w, "SUT is paired; use force=true to delete", http.StatusConflict)
			return
		}
		JSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.conns.Disconnect(sutID)

	JSONResponse(w, map[string]interface{}{
		"deleted":    true,
		"sut_id":     sutID,
		"was_paired": wasPaired,
	})
}

type pairRequest struct {
	PairedBy string `json:"paired_by"`
}

// PairSUT marks a device as paired, protecting it from cleanup.
// POST /api/suts/{sut_id}/pair
func (h *Handlers) PairSUT(w http.ResponseWriter, r *http.Request) {
	sutID := r.PathValue("sut_id")

	var req pairRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // body optional
	}
	if req.PairedBy == "" {
		req.PairedBy = "admin"
	}

	if !h.registry.Pair(sutID, req.PairedBy) {
		JSONError(w, "SUT not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, h.registry.ByID(sutID))
}

// UnpairSUT removes a device's paired status.
// POST /api/suts/{sut_id}/unpair
func (h *Handlers) UnpairSUT(w http.ResponseWriter, r *http.Request) {
	sutID := r.PathValue("sut_id")
	if !h.registry.Unpair(sutID) {
		JSONError(w, "SUT not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, h.registry.ByID(sutID))
}

type displayNameRequest struct {
	DisplayName string `json:"display_name"`
}

// SetDisplayName sets the operator-facing name for a device.
// POST /api/suts/{sut_id}/display-name
func (h *Handlers) SetDisplayName(w http.ResponseWriter, r *http.Request) {
	sutID := r.PathValue("sut_id")

	var req displayNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.DisplayName == "" {
		JSONError(w, "display_name is required", http.StatusBadRequest)
		return
	}

	if !h.registry.SetDisplayName(sutID, req.DisplayName) {
		JSONError(w, "SUT not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, h.registry.ByID(sutID))
}

// GetStaleTimeout reports the configured retention window.
// GET /api/suts/settings/stale-timeout
func (h *Handlers) GetStaleTimeout(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]interface{}{
		"stale_timeout_seconds": int64(h.registry.StaleTimeout() / time.Second),
	})
}

type staleTimeoutRequest struct {
	StaleTimeoutSeconds *int64 `json:"stale_timeout_seconds"`
}

// SetStaleTimeout updates the retention window. Zero disables cleanup.
// PUT /api/suts/settings/stale-timeout
func (h *Handlers) SetStaleTimeout(w http.ResponseWriter, r *http.Request) {
	var req staleTimeoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.StaleTimeoutSeconds == nil || *req.StaleTimeoutSeconds < 0 {
		JSONError(w, "stale_timeout_seconds must be a non-negative integer", http.StatusBadRequest)
		return
	}

	h.registry.SetStaleTimeout(time.Duration(*req.StaleTimeoutSeconds) * time.Second)
	log.Printf("[API] Stale timeout set to %ds", *req.StaleTimeoutSeconds)
	JSONResponse(w, map[string]interface{}{
		"stale_timeout_seconds": *req.StaleTimeoutSeconds,
	})
}

type cleanupRequest struct {
	TimeoutSeconds *int64 `json:"timeout_seconds"`
}

// Cleanup runs a stale-device sweep immediately, optionally with a one-off
// timeout override.
// POST /api/suts/cleanup
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // body optional
	}

	var override *time.Duration
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds < 0 {
			JSONError(w, "timeout_seconds must be non-negative", http.StatusBadRequest)
			return
		}
		d := time.Duration(*req.TimeoutSeconds) * time.Second
		override = &d
	}

	result := h.registry.RemoveStale(override)
	JSONResponse(w, result)
}

type broadcastRequest struct {
	MasterIP   string            `json:"master_ip"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
}

// BroadcastUpdate notifies every connected SUT that new components are
// available to pull from the Master.
// POST /api/suts/broadcast-update
func (h *Handlers) BroadcastUpdate(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // body optional
	}
	if req.MasterIP == "" {
		// Fall back to the interface this request arrived on.
		if host, _, err := net.SplitHostPort(r.Host); err == nil {
			req.MasterIP = host
		} else {
			req.MasterIP = r.Host
		}
	}
	if req.Version == "" {
		req.Version = version.Current
	}

	msg := protocol.UpdateAvailable{
		Type:       protocol.TypeUpdateAvailable,
		MasterIP:   req.MasterIP,
		Version:    req.Version,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
		Components: req.Components,
	}

	results := h.conns.Broadcast(msg)
	notified := 0
	for _, ok := range results {
		if ok {
			notified++
		}
	}
	log.Printf("[API] Update broadcast: %d/%d SUTs notified", notified, len(results))

	JSONResponse(w, map[string]interface{}{
		"message":  fmt.Sprintf("Update broadcast to %d SUTs", notified),
		"notified": notified,
		"total":    len(results),
		"results":  results,
	})
}
