package registry

import (
	"errors"
	"time"
)

// Registry operation errors, mapped to HTTP status codes at the handler
// boundary.
var (
	ErrNotFound = errors.New("device not found")
	ErrConflict = errors.New("operation conflicts with device state")
)

// bindingHistoryCap bounds the per-device IP transition log. The history is
// diagnostic, not authoritative, so older entries are dropped.
const bindingHistoryCap = 20

// BindingChange records one IP reassignment for a device identity.
type BindingChange struct {
	IP        string    `json:"ip"`
	Timestamp time.Time `json:"timestamp"`
}

// Device is the inventory record for one SUT, keyed by its immutable
// device-assigned unique ID.
type Device struct {
	UniqueID    string `json:"unique_id"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Hostname    string `json:"hostname"`
	CPUModel    string `json:"cpu_model,omitempty"`
	DisplayName string `json:"display_name"`

	Capabilities []string `json:"capabilities"`

	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`

	IsPaired bool       `json:"is_paired"`
	PairedBy string     `json:"paired_by,omitempty"`
	PairedAt *time.Time `json:"paired_at,omitempty"`

	SessionID      int64           `json:"session_id"`
	LastIPChange   *time.Time      `json:"last_ip_change,omitempty"`
	BindingHistory []BindingChange `json:"binding_history,omitempty"`

	SSHPublicKey         string     `json:"ssh_public_key,omitempty"`
	SSHFingerprint       string     `json:"ssh_fingerprint,omitempty"`
	MasterKeyInstalled   bool       `json:"master_key_installed"`
	MasterKeyInstalledAt *time.Time `json:"master_key_installed_at,omitempty"`
}

// clone returns a deep copy so callers never observe the registry's own
// mutable record.
func (d *Device) clone() *Device {
	c := *d
	c.Capabilities = append([]string(nil), d.Capabilities...)
	c.BindingHistory = append([]BindingChange(nil), d.BindingHistory...)
	if d.PairedAt != nil {
		t := *d.PairedAt
		c.PairedAt = &t
	}
	if d.LastIPChange != nil {
		t := *d.LastIPChange
		c.LastIPChange = &t
	}
	if d.MasterKeyInstalledAt != nil {
		t := *d.MasterKeyInstalledAt
		c.MasterKeyInstalledAt = &t
	}
	return &c
}

// Registration is the upsert payload for Register. Zero-valued optional
// fields leave the stored value untouched.
type Registration struct {
	UniqueID          string
	IP                string
	Port              int
	Hostname          string
	CPUModel          string
	DisplayName       string
	Capabilities      []string
	SSHPublicKey      string
	SSHKeyFingerprint string
	SessionID         int64
}

// Stats are aggregate counters computed over the live device map.
type Stats struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
	Paired  int `json:"paired"`
}

// SweepResult reports the outcome of one stale-device sweep.
type SweepResult struct {
	RemovedCount   int      `json:"removed_count"`
	RemovedDevices []string `json:"removed_devices"`
	TimeoutUsed    int64    `json:"timeout_used"` // seconds; 0 means cleanup disabled
}
