package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Connection lifecycle events
	SUTOnline  EventType = "sut_online"
	SUTOffline EventType = "sut_offline"

	// Trust exchange events
	MasterKeyInstalled EventType = "master_key_installed"
	KeyExchangeFailed  EventType = "key_exchange_failed"

	// Inventory events
	DeviceRemoved EventType = "device_removed"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo    Severity = 0
	SeverityWarning Severity = 1
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	SUTID     string            `json:"sut_id,omitempty"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
