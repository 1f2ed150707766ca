// Package connmgr owns the live transport sessions, one per online SUT.
// It is the sole source of truth for "is this device currently reachable"
// and knows nothing about the inventory or pairing.
package connmgr

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"sutmaster/internal/events"
)

// ErrDuplicateConnection is returned when admission itself cannot be
// completed, e.g. the manager is shutting down while the prior session for
// the same device is still being torn down.
var ErrDuplicateConnection = errors.New("connection could not be admitted")

// Transport is the write side of a device connection. *websocket.Conn
// satisfies it.
type Transport interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Session is one admitted device connection. The session id is a
// per-device epoch: it only increases, so callers holding a session can
// detect that an in-flight operation targeted a now-superseded connection.
type Session struct {
	SUTID     string
	SessionID int64

	mu        sync.Mutex // serializes writes to the transport
	transport Transport
}

// Write sends one JSON message over this session's transport.
func (s *Session) Write(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.WriteJSON(v)
}

func (s *Session) closeTransport() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport.Close()
}

// Manager arbitrates send, broadcast, and disconnect across all live
// sessions.
type Manager struct {
	bus *events.Bus

	mu       sync.Mutex
	sessions map[string]*Session
	epochs   map[string]int64 // per-device session counter, survives disconnects
	closed   bool
}

// New creates a connection manager publishing lifecycle events on bus.
func New(bus *events.Bus) *Manager {
	return &Manager{
		bus:      bus,
		sessions: make(map[string]*Session),
		epochs:   make(map[string]int64),
	}
}

// Connect admits a new session for sutID, forcibly closing any prior one
// (last writer wins on the transport). The extra info travels with the
// online event for observers.
func (m *Manager) Connect(sutID string, t Transport, info map[string]string) (*Session, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrDuplicateConnection)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: manager shut down", ErrDuplicateConnection)
	}

	prev := m.sessions[sutID]
	m.epochs[sutID]++
	sess := &Session{
		SUTID:     sutID,
		SessionID: m.epochs[sutID],
		transport: t,
	}
	m.sessions[sutID] = sess
	m.mu.Unlock()

	if prev != nil {
		log.Printf("[Conn] SUT %s reconnected, superseding session %d", sutID, prev.SessionID)
		prev.closeTransport()
	}

	m.bus.Publish(events.Event{
		Type:     events.SUTOnline,
		Severity: events.SeverityInfo,
		SUTID:    sutID,
		Message:  fmt.Sprintf("SUT %s connected", sutID),
		Data:     info,
	})
	return sess, nil
}

// Disconnect closes and removes the live session for sutID. Idempotent:
// disconnecting an absent session is a no-op success.
func (m *Manager) Disconnect(sutID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sutID]
	if ok {
		delete(m.sessions, sutID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	sess.closeTransport()
	m.publishOffline(sutID)
}

// Release removes sess if it is still the current session for its device,
// reporting whether it was. A session superseded by a reconnect is no
// longer current, so its teardown must not disturb the replacement.
func (m *Manager) Release(sess *Session) bool {
	m.mu.Lock()
	current := m.sessions[sess.SUTID] == sess
	if current {
		delete(m.sessions, sess.SUTID)
	}
	m.mu.Unlock()

	sess.closeTransport()
	if current {
		m.publishOffline(sess.SUTID)
	}
	return current
}

// Send delivers one message to sutID. Returns false, not an error, when
// the device is not currently connected or the write fails: "could not
// deliver now" is a normal condition.
func (m *Manager) Send(sutID string, v interface{}) bool {
	m.mu.Lock()
	sess, ok := m.sessions[sutID]
	m.mu.Unlock()

	if !ok {
		return false
	}
	if err := sess.Write(v); err != nil {
		log.Printf("[Conn] Send to SUT %s failed: %v", sutID, err)
		return false
	}
	return true
}

// Broadcast attempts delivery to every live session. Per-device failures
// are isolated and reported per key; they never abort the broadcast.
func (m *Manager) Broadcast(v interface{}) map[string]bool {
	m.mu.Lock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		targets = append(targets, sess)
	}
	m.mu.Unlock()

	results := make(map[string]bool, len(targets))
	for _, sess := range targets {
		err := sess.Write(v)
		if err != nil {
			log.Printf("[Conn] Broadcast to SUT %s failed: %v", sess.SUTID, err)
		}
		results[sess.SUTID] = err == nil
	}
	return results
}

// OnlineCount returns the number of live sessions.
func (m *Manager) OnlineCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// OnlineIDs returns a snapshot of the currently connected device ids.
func (m *Manager) OnlineIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// IsOnline reports whether a live session exists for sutID.
func (m *Manager) IsOnline(sutID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sutID]
	return ok
}

// CloseAll terminates every live session and refuses further admissions.
// Used on process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	remaining := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		remaining = append(remaining, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, sess := range remaining {
		sess.closeTransport()
	}
}

func (m *Manager) publishOffline(sutID string) {
	m.bus.Publish(events.Event{
		Type:     events.SUTOffline,
		Severity: events.SeverityWarning,
		SUTID:    sutID,
		Message:  fmt.Sprintf("SUT %s disconnected", sutID),
	})
}
