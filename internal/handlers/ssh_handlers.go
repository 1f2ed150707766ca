package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"sutmaster/internal/protocol"
)

const diagnoseTimeout = 10 * time.Second

type exchangeRequest struct {
	Force bool `json:"force"`
}

// ExchangeKeys pushes the Master's public key to an online SUT. The
// installed flag only changes when the SUT later reports success.
// POST /api/suts/{sut_id}/ssh/exchange
func (h *Handlers) ExchangeKeys(w http.ResponseWriter, r *http.Request) {
	sutID := r.PathValue("sut_id")

	d := h.registry.ByID(sutID)
	if d == nil {
		JSONError(w, "SUT not found", http.StatusNotFound)
		return
	}
	if !h.conns.IsOnline(sutID) {
		JSONError(w, "SUT is not connected; key exchange requires a live session", http.StatusConflict)
		return
	}

	var req exchangeRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // body optional
	}

	if d.MasterKeyInstalled && !req.Force {
		JSONResponse(w, map[string]interface{}{
			"initiated": false,
			"message":   "Master key already installed; use force to re-exchange",
			"sut_id":    sutID,
		})
		return
	}

	if ok, msg := h.master.EnsureKeyExists(); !ok {
		log.Printf("[API] Master key unavailable for exchange with %s: %s", sutID, msg)
		JSONError(w, "Master key unavailable: "+msg, http.StatusInternalServerError)
		return
	}

	sent := h.conns.Send(sutID, protocol.InstallMasterKey{
		Type:              protocol.TypeInstallMasterKey,
		MasterPublicKey:   h.master.PublicKey(),
		MasterFingerprint: h.master.Fingerprint(),
		Force:             req.Force,
	})
	if !sent {
		JSONError(w, "Failed to deliver key to SUT", http.StatusBadGateway)
		return
	}

	log.Printf("[API] Key exchange initiated with SUT %s (force=%v)", sutID, req.Force)
	JSONResponse(w, map[string]interface{}{
		"initiated": true,
		"message":   "Key exchange initiated; awaiting SUT confirmation",
		"sut_id":    sutID,
		"force":     req.Force,
	})
}

// SSHStatus reports both halves of the trust relationship plus the
// device's recent IP binding history.
// GET /api/suts/{sut_id}/ssh/status
func (h *Handlers) SSHStatus(w http.ResponseWriter, r *http.Request) {
	sutID := r.PathValue("sut_id")

	d := h.registry.ByID(sutID)
	if d == nil {
		JSONError(w, "SUT not found", http.StatusNotFound)
		return
	}

	keyRegistered := d.SSHFingerprint != "" && h.keys.IsKeyRegistered(d.SSHFingerprint)

	history := d.BindingHistory
	if len(history) > 5 {
		history = history[len(history)-5:]
	}

	JSONResponse(w, map[string]interface{}{
		"sut_id": sutID,
		"sut_to_master": map[string]interface{}{
			"key_registered": keyRegistered,
			"fingerprint":    d.SSHFingerprint,
		},
		"master_to_sut": map[string]interface{}{
			"key_installed": d.MasterKeyInstalled,
			"installed_at":  d.MasterKeyInstalledAt,
		},
		"binding": map[string]interface{}{
			"current_ip":     d.IP,
			"last_ip_change": d.LastIPChange,
			"history":        history,
		},
	})
}

// DiagnoseSSH attempts a real SSH connection to the device at ip using the
// Master's key and reports the outcome.
// GET /api/suts/ssh/diagnose/{ip}
func (h *Handlers) DiagnoseSSH(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")

	d := h.registry.ByIP(ip)
	known := d != nil

	ok, detail := h.master.TestConnection(ip, h.sshUser, diagnoseTimeout)

	resp := map[string]interface{}{
		"ip":         ip,
		"known":      known,
		"reachable":  ok,
		"detail":     detail,
		"ssh_user":   h.sshUser,
		"master_key": h.master.Info().Exists,
	}
	if known {
		resp["sut_id"] = d.UniqueID
		resp["master_key_installed"] = d.MasterKeyInstalled
	}
	JSONResponse(w, resp)
}

// MasterKeyInfo reports the Master's key material state.
// GET /api/ssh/master-key
func (h *Handlers) MasterKeyInfo(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, h.master.Info())
}
