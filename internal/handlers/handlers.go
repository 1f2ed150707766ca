// Package handlers exposes the admin HTTP API: device inventory, pairing,
// trust-exchange control, cleanup, and the live event stream.
package handlers

import (
	"net/http"

	"sutmaster/internal/connmgr"
	"sutmaster/internal/registry"
	"sutmaster/internal/sse"
	"sutmaster/internal/sshtrust"
)

// Handlers bundles the API's collaborators. All routes are methods on it.
type Handlers struct {
	registry *registry.Registry
	conns    *connmgr.Manager
	keys     *sshtrust.KeyStore
	master   *sshtrust.MasterKeyManager
	broker   *sse.Broker
	sshUser  string
}

// New builds the handler set.
func New(reg *registry.Registry, conns *connmgr.Manager, keys *sshtrust.KeyStore, master *sshtrust.MasterKeyManager, broker *sse.Broker, sshUser string) *Handlers {
	return &Handlers{
		registry: reg,
		conns:    conns,
		keys:     keys,
		master:   master,
		broker:   broker,
		sshUser:  sshUser,
	}
}

// RegisterRoutes attaches every admin route to mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	// Inventory
	mux.HandleFunc("GET /api/suts", h.ListSUTs)
	mux.HandleFunc("GET /api/suts/{sut_id}", h.GetSUT)
	mux.HandleFunc("DELETE /api/suts/{sut_id}", h.DeleteSUT)

	// Pairing and naming
	mux.HandleFunc("POST /api/suts/{sut_id}/pair", h.PairSUT)
	mux.HandleFunc("POST /api/suts/{sut_id}/unpair", h.UnpairSUT)
	mux.HandleFunc("POST /api/suts/{sut_id}/display-name", h.SetDisplayName)

	// Retention
	mux.HandleFunc("GET /api/suts/settings/stale-timeout", h.GetStaleTimeout)
	mux.HandleFunc("PUT /api/suts/settings/stale-timeout", h.SetStaleTimeout)
	mux.HandleFunc("POST /api/suts/cleanup", h.Cleanup)

	// Fleet operations
	mux.HandleFunc("POST /api/suts/broadcast-update", h.BroadcastUpdate)

	// SSH trust
	mux.HandleFunc("POST /api/suts/{sut_id}/ssh/exchange", h.ExchangeKeys)
	mux.HandleFunc("GET /api/suts/{sut_id}/ssh/status", h.SSHStatus)
	mux.HandleFunc("GET /api/suts/ssh/diagnose/{ip}", h.DiagnoseSSH)
	mux.HandleFunc("GET /api/ssh/master-key", h.MasterKeyInfo)

	// Live stream and service state
	mux.Handle("GET /api/suts/events", h.broker)
	mux.HandleFunc("GET /api/discovery/status", h.DiscoveryStatus)
	mux.HandleFunc("GET /health", h.Health)
}
