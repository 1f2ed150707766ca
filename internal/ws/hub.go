// Package ws is the device-facing WebSocket endpoint. It drives the
// registration handshake, heartbeats, and the trust-exchange messages for
// one SUT session, delegating state to the registry and connection manager.
package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sutmaster/internal/connmgr"
	"sutmaster/internal/events"
	"sutmaster/internal/protocol"
	"sutmaster/internal/registry"
	"sutmaster/internal/sshtrust"
)

const (
	registerWait = 30 * time.Second
	readWait     = 90 * time.Second
	pingInterval = 30 * time.Second
	maxMessage   = 64 * 1024
)

// Hub upgrades SUT connections and runs the per-session protocol loop.
type Hub struct {
	registry *registry.Registry
	conns    *connmgr.Manager
	keys     *sshtrust.KeyStore
	master   *sshtrust.MasterKeyManager
	bus      *events.Bus
	upgrader websocket.Upgrader
}

// NewHub wires the endpoint to its collaborators.
func NewHub(reg *registry.Registry, conns *connmgr.Manager, keys *sshtrust.KeyStore, master *sshtrust.MasterKeyManager, bus *events.Bus) *Hub {
	return &Hub{
		registry: reg,
		conns:    conns,
		keys:     keys,
		master:   master,
		bus:      bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection is the HTTP handler for GET /ws/sut/{sut_id}. A
// malformed registration payload refuses the transport without creating
// any record.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	sutID := r.PathValue("sut_id")
	if sutID == "" {
		http.Error(w, "sut_id required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed for SUT %s: %v", sutID, err)
		return
	}

	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(registerWait))

	var payload protocol.RegisterPayload
	if err := conn.ReadJSON(&payload); err != nil {
		log.Printf("[WS] SUT %s sent no registration payload: %v", sutID, err)
		conn.Close()
		return
	}

	if reason := validateRegistration(sutID, payload); reason != "" {
		log.Printf("[WS] Refusing SUT %s: %s", sutID, reason)
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
			time.Now().Add(5*time.Second),
		)
		conn.Close()
		return
	}

	sess, err := h.conns.Connect(sutID, conn, map[string]string{
		"ip":       payload.IP,
		"hostname": payload.Hostname,
	})
	if err != nil {
		log.Printf("[WS] Admission failed for SUT %s: %v", sutID, err)
		conn.Close()
		return
	}

	// Trust-store or key-manager trouble degrades the ack, never the
	// admission.
	sshRegistered := false
	if payload.SSHPublicKey != "" {
		var msg string
		sshRegistered, msg = h.keys.AddKey(payload.SSHPublicKey, sutID)
		if !sshRegistered {
			log.Printf("[WS] Key registration failed for SUT %s: %s", sutID, msg)
		}
	}

	device := h.registry.Register(registry.Registration{
		UniqueID:          sutID,
		IP:                payload.IP,
		Port:              payload.Port,
		Hostname:          payload.Hostname,
		CPUModel:          payload.CPUModel,
		DisplayName:       payload.DisplayName,
		Capabilities:      payload.Capabilities,
		SSHPublicKey:      payload.SSHPublicKey,
		SSHKeyFingerprint: payload.SSHKeyFingerprint,
		SessionID:         sess.SessionID,
	})

	ack := protocol.RegisterAck{
		Type:              protocol.TypeRegisterAck,
		Message:           fmt.Sprintf("SUT %s registered successfully", sutID),
		SUTID:             sutID,
		SSHRegistered:     sshRegistered,
		MasterPublicKey:   h.master.PublicKey(),
		MasterFingerprint: h.master.Fingerprint(),
		ReExchange:        !device.MasterKeyInstalled,
		SessionID:         sess.SessionID,
	}
	if err := sess.Write(ack); err != nil {
		log.Printf("[WS] Ack write to SUT %s failed: %v", sutID, err)
	}

	log.Printf("[WS] SUT %s connected (session=%d, ip=%s)", sutID, sess.SessionID, payload.IP)

	h.readLoop(sess, conn)

	// A superseded session must not mark the replacement's device offline.
	// Release guards the connection map; the session id guards the registry
	// against this teardown racing a reconnect's re-registration.
	if h.conns.Release(sess) {
		h.registry.MarkOffline(sutID, sess.SessionID)
		log.Printf("[WS] SUT %s disconnected (session=%d)", sutID, sess.SessionID)
	}
}

// validateRegistration returns a refusal reason, or empty when the
// payload is acceptable.
func validateRegistration(sutID string, p protocol.RegisterPayload) string {
	if p.UniqueID == "" {
		return "registration payload missing unique_id"
	}
	if p.UniqueID != sutID {
		return "registration unique_id does not match connection path"
	}
	if p.IP == "" {
		return "registration payload missing ip"
	}
	return ""
}

// readLoop reads frames until the connection closes.
func (h *Hub) readLoop(sess *connmgr.Session, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go pingLoop(conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] Read error SUT %s: %v", sess.SUTID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("[WS] Invalid frame from SUT %s: %v", sess.SUTID, err)
			continue
		}

		h.handleMessage(sess, env.Type, message)
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(10*time.Second),
			); err != nil {
				return
			}
		}
	}
}

// handleMessage routes one parsed frame.
func (h *Hub) handleMessage(sess *connmgr.Session, msgType string, raw []byte) {
	switch msgType {
	case protocol.TypeHeartbeat:
		// Freshness only; any payload beyond the type tag is ignored.
		h.registry.Touch(sess.SUTID)
		sess.Write(protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck})

	case protocol.TypeMasterKeyInstalled:
		h.handleKeyInstalled(sess, raw)

	default:
		log.Printf("[WS] Ignoring %q frame from SUT %s", msgType, sess.SUTID)
	}
}

// handleKeyInstalled processes the SUT's report on installing the
// Master's key. Success is the only path that flips the installed flag.
func (h *Hub) handleKeyInstalled(sess *connmgr.Session, raw []byte) {
	var report protocol.MasterKeyInstalled
	if err := json.Unmarshal(raw, &report); err != nil {
		log.Printf("[WS] Invalid key-install report from SUT %s: %v", sess.SUTID, err)
		return
	}

	if report.Success {
		h.registry.UpdateMasterKeyStatus(sess.SUTID, true)
		log.Printf("[WS] Master key installed on SUT %s", sess.SUTID)
		h.bus.Publish(events.Event{
			Type:     events.MasterKeyInstalled,
			Severity: events.SeverityInfo,
			SUTID:    sess.SUTID,
			Message:  fmt.Sprintf("Master key installed on SUT %s", sess.SUTID),
		})
		sess.Write(protocol.MasterKeyInstalledAck{
			Type:    protocol.TypeMasterKeyInstalledAck,
			Success: true,
		})
		return
	}

	errMsg := report.Error
	if errMsg == "" {
		errMsg = "unknown error"
	}
	log.Printf("[WS] Master key installation failed on SUT %s: %s", sess.SUTID, errMsg)
	h.bus.Publish(events.Event{
		Type:     events.KeyExchangeFailed,
		Severity: events.SeverityWarning,
		SUTID:    sess.SUTID,
		Message:  fmt.Sprintf("Master key installation failed on SUT %s: %s", sess.SUTID, errMsg),
	})
	sess.Write(protocol.MasterKeyInstalledAck{
		Type:    protocol.TypeMasterKeyInstalledAck,
		Success: false,
		Error:   errMsg,
	})
}
