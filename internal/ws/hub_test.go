package ws

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"sutmaster/internal/connmgr"
	"sutmaster/internal/db"
	"sutmaster/internal/events"
	"sutmaster/internal/protocol"
	"sutmaster/internal/registry"
	"sutmaster/internal/sshtrust"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

type wsFixture struct {
	hub      *Hub
	registry *registry.Registry
	conns    *connmgr.Manager
	bus      *events.Bus
	srv      *httptest.Server
	wsURL    string
}

func setupWSServer(t *testing.T) *wsFixture {
	t.Helper()
	store := setupTestDB(t)
	bus := events.NewBus()
	reg, err := registry.New(store, bus, time.Hour)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	conns := connmgr.New(bus)
	keys, err := sshtrust.NewKeyStore(t.TempDir(), store)
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	master := sshtrust.NewMasterKeyManager(t.TempDir())

	hub := NewHub(reg, conns, keys, master, bus)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/sut/{sut_id}", hub.HandleConnection)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &wsFixture{
		hub:      hub,
		registry: reg,
		conns:    conns,
		bus:      bus,
		srv:      srv,
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func dialSUT(t *testing.T, f *wsFixture, sutID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL+"/ws/sut/"+sutID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func registerSUT(t *testing.T, conn *websocket.Conn, payload protocol.RegisterPayload) protocol.RegisterAck {
	t.Helper()
	if err := conn.WriteJSON(payload); err != nil {
		t.Fatalf("write registration: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack protocol.RegisterAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return ack
}

func TestRegistrationHandshake(t *testing.T) {
	f := setupWSServer(t)
	conn := dialSUT(t, f, "sut-001")

	ack := registerSUT(t, conn, protocol.RegisterPayload{
		UniqueID:     "sut-001",
		IP:           "10.0.0.5",
		Port:         8080,
		Hostname:     "lab-node-1",
		Capabilities: []string{"smart", "zfs"},
	})

	if ack.Type != protocol.TypeRegisterAck {
		t.Errorf("Expected register_ack, got %q", ack.Type)
	}
	if ack.SUTID != "sut-001" {
		t.Errorf("Expected sut_id sut-001, got %q", ack.SUTID)
	}
	if ack.SessionID == 0 {
		t.Error("Expected non-zero session_id")
	}
	if !ack.ReExchange {
		t.Error("Expected re_exchange for a SUT without the master key installed")
	}

	d := f.registry.ByID("sut-001")
	if d == nil {
		t.Fatal("Device not registered")
	}
	if !d.IsOnline {
		t.Error("Device should be online after handshake")
	}
	if d.IP != "10.0.0.5" || d.Hostname != "lab-node-1" {
		t.Errorf("Device fields mismatch: ip=%s hostname=%s", d.IP, d.Hostname)
	}
}

func TestRegistrationRejectsMissingUniqueID(t *testing.T) {
	f := setupWSServer(t)
	conn := dialSUT(t, f, "sut-002")

	if err := conn.WriteJSON(protocol.RegisterPayload{IP: "10.0.0.6"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed")
	}
	time.Sleep(50 * time.Millisecond)
	if f.registry.ByID("sut-002") != nil {
		t.Error("Refused registration must not create a record")
	}
}

func TestRegistrationRejectsPathMismatch(t *testing.T) {
	f := setupWSServer(t)
	conn := dialSUT(t, f, "sut-path")

	if err := conn.WriteJSON(protocol.RegisterPayload{UniqueID: "sut-other", IP: "10.0.0.7"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed")
	}
	time.Sleep(50 * time.Millisecond)
	if f.registry.ByID("sut-other") != nil || f.registry.ByID("sut-path") != nil {
		t.Error("Mismatched registration must not create a record")
	}
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	f := setupWSServer(t)
	conn := dialSUT(t, f, "sut-hb")
	registerSUT(t, conn, protocol.RegisterPayload{UniqueID: "sut-hb", IP: "10.0.0.8"})

	before := f.registry.ByID("sut-hb").LastSeen
	time.Sleep(20 * time.Millisecond)

	if err := conn.WriteJSON(map[string]string{"type": protocol.TypeHeartbeat}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack protocol.HeartbeatAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read heartbeat ack: %v", err)
	}
	if ack.Type != protocol.TypeHeartbeatAck {
		t.Errorf("Expected heartbeat_ack, got %q", ack.Type)
	}

	after := f.registry.ByID("sut-hb").LastSeen
	if !after.After(before) {
		t.Error("Heartbeat should refresh last_seen")
	}
}

func TestMasterKeyInstalledReportFlipsStatus(t *testing.T) {
	f := setupWSServer(t)

	installed := make(chan events.Event, 1)
	f.bus.Subscribe(func(e events.Event) {
		installed <- e
	}, events.MasterKeyInstalled)

	conn := dialSUT(t, f, "sut-key")
	registerSUT(t, conn, protocol.RegisterPayload{UniqueID: "sut-key", IP: "10.0.0.9"})

	if err := conn.WriteJSON(protocol.MasterKeyInstalled{
		Type:    protocol.TypeMasterKeyInstalled,
		Success: true,
	}); err != nil {
		t.Fatalf("write report: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack protocol.MasterKeyInstalledAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !ack.Success {
		t.Error("Expected success ack")
	}

	select {
	case e := <-installed:
		if e.SUTID != "sut-key" {
			t.Errorf("Event for wrong SUT: %s", e.SUTID)
		}
	case <-time.After(time.Second):
		t.Error("Expected master_key_installed event")
	}

	d := f.registry.ByID("sut-key")
	if !d.MasterKeyInstalled {
		t.Error("master_key_installed should be set after a success report")
	}
	if d.MasterKeyInstalledAt == nil {
		t.Error("master_key_installed_at should be stamped")
	}
}

func TestMasterKeyInstallFailureKeepsStatus(t *testing.T) {
	f := setupWSServer(t)

	failed := make(chan events.Event, 1)
	f.bus.Subscribe(func(e events.Event) {
		failed <- e
	}, events.KeyExchangeFailed)

	conn := dialSUT(t, f, "sut-fail")
	registerSUT(t, conn, protocol.RegisterPayload{UniqueID: "sut-fail", IP: "10.0.0.10"})

	if err := conn.WriteJSON(protocol.MasterKeyInstalled{
		Type:    protocol.TypeMasterKeyInstalled,
		Success: false,
		Error:   "authorized_keys not writable",
	}); err != nil {
		t.Fatalf("write report: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack protocol.MasterKeyInstalledAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Success {
		t.Error("Expected failure ack")
	}

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Error("Expected key_exchange_failed event")
	}

	if f.registry.ByID("sut-fail").MasterKeyInstalled {
		t.Error("A failure report must not set master_key_installed")
	}
}

func TestReconnectSupersedesOldSession(t *testing.T) {
	f := setupWSServer(t)

	first := dialSUT(t, f, "sut-re")
	ack1 := registerSUT(t, first, protocol.RegisterPayload{UniqueID: "sut-re", IP: "10.0.0.11"})

	second := dialSUT(t, f, "sut-re")
	ack2 := registerSUT(t, second, protocol.RegisterPayload{UniqueID: "sut-re", IP: "10.0.0.11"})

	if ack2.SessionID <= ack1.SessionID {
		t.Errorf("Expected a fresh session id, got %d then %d", ack1.SessionID, ack2.SessionID)
	}

	// Give the superseded session's teardown time to run.
	time.Sleep(100 * time.Millisecond)

	if !f.conns.IsOnline("sut-re") {
		t.Error("Replacement session should still be live")
	}
	if !f.registry.ByID("sut-re").IsOnline {
		t.Error("Old session teardown must not mark the device offline")
	}
}

func TestDisconnectMarksOffline(t *testing.T) {
	f := setupWSServer(t)

	offline := make(chan events.Event, 1)
	f.bus.Subscribe(func(e events.Event) {
		offline <- e
	}, events.SUTOffline)

	conn := dialSUT(t, f, "sut-bye")
	registerSUT(t, conn, protocol.RegisterPayload{UniqueID: "sut-bye", IP: "10.0.0.12"})

	conn.Close()

	select {
	case <-offline:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected sut_offline event")
	}

	if f.registry.ByID("sut-bye").IsOnline {
		t.Error("Device should be offline after disconnect")
	}
}

func TestRegistrationStoresOfferedKey(t *testing.T) {
	f := setupWSServer(t)
	conn := dialSUT(t, f, "sut-pub")

	// Not a parseable key; registration must still succeed with
	// ssh_registered false.
	ack := registerSUT(t, conn, protocol.RegisterPayload{
		UniqueID:     "sut-pub",
		IP:           "10.0.0.13",
		SSHPublicKey: "not a key",
	})
	if ack.SSHRegistered {
		t.Error("Garbage key should not report ssh_registered")
	}
	if f.registry.ByID("sut-pub") == nil {
		t.Error("Registration should survive a bad key offer")
	}
}

func TestUnknownFrameIsIgnored(t *testing.T) {
	f := setupWSServer(t)
	conn := dialSUT(t, f, "sut-x")
	registerSUT(t, conn, protocol.RegisterPayload{UniqueID: "sut-x", IP: "10.0.0.14"})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The session must survive an unknown frame.
	if err := conn.WriteJSON(map[string]string{"type": protocol.TypeHeartbeat}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack protocol.HeartbeatAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("session died on unknown frame: %v", err)
	}
}
