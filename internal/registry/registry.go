// Package registry is the authoritative inventory of discovered SUTs. It
// owns pairing, staleness, and IP-binding reconciliation policy.
package registry

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"sutmaster/internal/events"
)

const timeFormat = "2006-01-02 15:04:05"

// Registry tracks every device that has ever registered, plus paired
// devices restored from the durable store. One mutex guards the primary
// map and the IP index so the two can never diverge.
type Registry struct {
	bus   *events.Bus
	store *sql.DB // nil in tests that don't exercise persistence

	mu           sync.Mutex
	devices      map[string]*Device
	ipIndex      map[string]string // ip → unique_id
	staleTimeout time.Duration     // 0 disables automatic cleanup
}

// New creates a registry and restores the paired-device set from the store.
func New(store *sql.DB, bus *events.Bus, staleTimeout time.Duration) (*Registry, error) {
	r := &Registry{
		bus:          bus,
		store:        store,
		devices:      make(map[string]*Device),
		ipIndex:      make(map[string]string),
		staleTimeout: staleTimeout,
	}
	if store != nil {
		if err := r.loadPaired(); err != nil {
			return nil, fmt.Errorf("restore paired devices: %w", err)
		}
	}
	return r, nil
}

// Register upserts a device record. Present fields overwrite, absent fields
// are preserved. An IP change appends to the binding history and repairs
// the secondary index in the same atomic step.
func (r *Registry) Register(reg Registration) *Device {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[reg.UniqueID]
	if !ok {
		d = &Device{
			UniqueID:    reg.UniqueID,
			DisplayName: reg.Hostname,
		}
		r.devices[reg.UniqueID] = d
	}

	if reg.IP != "" && reg.IP != d.IP {
		if d.IP != "" {
			d.BindingHistory = append(d.BindingHistory, BindingChange{IP: reg.IP, Timestamp: now})
			if len(d.BindingHistory) > bindingHistoryCap {
				d.BindingHistory = d.BindingHistory[len(d.BindingHistory)-bindingHistoryCap:]
			}
			d.LastIPChange = &now
			log.Printf("[Registry] SUT %s changed IP %s -> %s", d.UniqueID, d.IP, reg.IP)

			// Drop the stale reverse mapping for the old IP.
			if owner, ok := r.ipIndex[d.IP]; ok && owner == d.UniqueID {
				delete(r.ipIndex, d.IP)
			}
		}
		d.IP = reg.IP
	}
	if d.IP != "" {
		// Reassigning a known IP to another unique_id takes the mapping
		// over; the displaced device repairs itself on next registration.
		r.ipIndex[d.IP] = d.UniqueID
	}

	if reg.Port != 0 {
		d.Port = reg.Port
	}
	if reg.Hostname != "" {
		if d.DisplayName == d.Hostname || d.DisplayName == "" {
			d.DisplayName = reg.Hostname
		}
		d.Hostname = reg.Hostname
	}
	if reg.CPUModel != "" {
		d.CPUModel = reg.CPUModel
	}
	if reg.DisplayName != "" {
		d.DisplayName = reg.DisplayName
	}
	if reg.Capabilities != nil {
		d.Capabilities = append([]string(nil), reg.Capabilities...)
	}
	if reg.SSHPublicKey != "" {
		d.SSHPublicKey = reg.SSHPublicKey
	}
	if reg.SSHKeyFingerprint != "" {
		d.SSHFingerprint = reg.SSHKeyFingerprint
	}
	if reg.SessionID != 0 {
		d.SessionID = reg.SessionID
	}

	d.IsOnline = true
	d.LastSeen = now

	return d.clone()
}

// MarkOffline clears the derived online state. The record is retained;
// only the stale sweep or an explicit delete removes devices.
//
// sessionID makes the transition session-aware: a teardown racing a
// reconnect must not mark the replacement's device offline, so the call is
// a no-op when the stored record already belongs to a newer session.
// Pass 0 to mark offline unconditionally (administrative paths).
func (r *Registry) MarkOffline(uniqueID string, sessionID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[uniqueID]
	if !ok {
		return false
	}
	if sessionID != 0 && d.SessionID > sessionID {
		log.Printf("[Registry] Ignoring offline from stale session %d for SUT %s (current session %d)",
			sessionID, uniqueID, d.SessionID)
		return false
	}
	d.IsOnline = false
	d.LastSeen = time.Now().UTC()
	return true
}

// Touch refreshes a device's last-seen timestamp (heartbeat path).
func (r *Registry) Touch(uniqueID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[uniqueID]
	if !ok {
		return false
	}
	d.LastSeen = time.Now().UTC()
	return true
}

// Pair promotes a device to paired, exempting it from stale removal.
// Idempotent if already paired.
func (r *Registry) Pair(uniqueID, pairedBy string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[uniqueID]
	if !ok {
		return false
	}

	now := time.Now().UTC()
	d.IsPaired = true
	d.PairedBy = pairedBy
	d.PairedAt = &now

	r.savePairedLocked()
	return true
}

// Unpair demotes a device. Idempotent if not paired.
func (r *Registry) Unpair(uniqueID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[uniqueID]
	if !ok {
		return false
	}

	d.IsPaired = false
	d.PairedBy = ""
	d.PairedAt = nil

	r.savePairedLocked()
	return true
}

// SetDisplayName overrides the user-facing name for a device.
func (r *Registry) SetDisplayName(uniqueID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[uniqueID]
	if !ok {
		return false
	}
	d.DisplayName = name
	if d.IsPaired {
		r.savePairedLocked()
	}
	return true
}

// UpdateMasterKeyStatus is the only writer of the master-key-installed
// flag. Installed transitions stamp the time; resets clear it.
func (r *Registry) UpdateMasterKeyStatus(uniqueID string, installed bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[uniqueID]
	if !ok {
		return false
	}

	d.MasterKeyInstalled = installed
	if installed {
		now := time.Now().UTC()
		d.MasterKeyInstalledAt = &now
	} else {
		d.MasterKeyInstalledAt = nil
	}
	return true
}

// All returns a snapshot of every device record.
func (r *Registry) All() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.clone())
	}
	return out
}

// ByID returns a snapshot of one device, or nil if unknown.
func (r *Registry) ByID(uniqueID string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[uniqueID]; ok {
		return d.clone()
	}
	return nil
}

// ByIP resolves a device through the secondary index.
func (r *Registry) ByIP(ip string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.ipIndex[ip]
	if !ok {
		return nil
	}
	if d, ok := r.devices[id]; ok {
		return d.clone()
	}
	return nil
}

// Stats computes aggregate counters over the live map. O(n), but there are
// no separate counters to drift out of sync.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Total: len(r.devices)}
	for _, d := range r.devices {
		if d.IsOnline {
			s.Online++
		} else {
			s.Offline++
		}
		if d.IsPaired {
			s.Paired++
		}
	}
	return s
}

// StaleTimeout returns the current stale-device timeout. Zero means
// automatic cleanup is disabled.
func (r *Registry) StaleTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.staleTimeout
}

// SetStaleTimeout updates the process-wide staleness policy.
func (r *Registry) SetStaleTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staleTimeout = d
}

// Delete removes a device record outright. Paired devices are refused
// unless force is set. Reports whether the device was paired.
func (r *Registry) Delete(uniqueID string, force bool) (wasPaired bool, err error) {
	r.mu.Lock()

	d, ok := r.devices[uniqueID]
	if !ok {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	if d.IsPaired && !force {
		r.mu.Unlock()
		return true, fmt.Errorf("%w: device is paired, use force to delete", ErrConflict)
	}

	wasPaired = d.IsPaired
	r.removeLocked(d)
	if wasPaired {
		r.savePairedLocked()
	}
	r.mu.Unlock()

	r.publishRemoved(d.UniqueID, "deleted by operator")
	return wasPaired, nil
}

// RemoveStale deletes every device that is unpaired, offline, and unseen
// for longer than the timeout. Paired devices are never removed. A nil
// override uses the configured timeout; a configured timeout of zero
// disables the sweep entirely.
func (r *Registry) RemoveStale(override *time.Duration) SweepResult {
	r.mu.Lock()

	timeout := r.staleTimeout
	if override != nil {
		timeout = *override
	}
	if timeout <= 0 {
		r.mu.Unlock()
		return SweepResult{RemovedDevices: []string{}}
	}

	now := time.Now().UTC()
	var removed []string
	for _, d := range r.devices {
		if d.IsPaired || d.IsOnline {
			continue
		}
		if now.Sub(d.LastSeen) > timeout {
			removed = append(removed, d.UniqueID)
		}
	}
	for _, id := range removed {
		r.removeLocked(r.devices[id])
	}
	r.mu.Unlock()

	for _, id := range removed {
		r.publishRemoved(id, "stale: unpaired and offline past timeout")
	}
	if len(removed) > 0 {
		log.Printf("[Registry] Removed %d stale SUT(s): %v", len(removed), removed)
	}
	if removed == nil {
		removed = []string{}
	}
	return SweepResult{
		RemovedCount:   len(removed),
		RemovedDevices: removed,
		TimeoutUsed:    int64(timeout / time.Second),
	}
}

// removeLocked deletes a record from both indices. Caller holds the mutex.
func (r *Registry) removeLocked(d *Device) {
	if owner, ok := r.ipIndex[d.IP]; ok && owner == d.UniqueID {
		delete(r.ipIndex, d.IP)
	}
	delete(r.devices, d.UniqueID)
}

// publishRemoved emits a removal event outside the registry lock so a
// subscriber calling back into the registry cannot deadlock.
func (r *Registry) publishRemoved(uniqueID, reason string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:     events.DeviceRemoved,
		Severity: events.SeverityInfo,
		SUTID:    uniqueID,
		Message:  fmt.Sprintf("SUT %s removed from registry", uniqueID),
		Data:     map[string]string{"reason": reason},
	})
}

// ─── Paired-set persistence ──────────────────────────────────────────────

// savePairedLocked rewrites the durable paired set wholesale. Caller holds
// the mutex, which serializes concurrent rewrites.
func (r *Registry) savePairedLocked() {
	if r.store == nil {
		return
	}

	tx, err := r.store.Begin()
	if err != nil {
		log.Printf("[Registry] Persist paired set: begin: %v", err)
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM paired_devices"); err != nil {
		log.Printf("[Registry] Persist paired set: clear: %v", err)
		return
	}
	for _, d := range r.devices {
		if !d.IsPaired {
			continue
		}
		// A restored row with an unparseable paired_at leaves the timestamp
		// unset; re-stamp rather than lose the pairing.
		pairedAt := time.Now().UTC()
		if d.PairedAt != nil {
			pairedAt = *d.PairedAt
		}
		_, err := tx.Exec(`
			INSERT INTO paired_devices (unique_id, hostname, display_name, ip, paired_by, paired_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, d.UniqueID, d.Hostname, d.DisplayName, d.IP, d.PairedBy, pairedAt.Format(timeFormat))
		if err != nil {
			log.Printf("[Registry] Persist paired set: insert %s: %v", d.UniqueID, err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("[Registry] Persist paired set: commit: %v", err)
	}
}

// loadPaired restores paired devices as offline records at startup.
func (r *Registry) loadPaired() error {
	rows, err := r.store.Query(`
		SELECT unique_id, hostname, display_name, ip, paired_by, paired_at
		FROM paired_devices
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()

	for rows.Next() {
		var d Device
		var pairedAt string
		if err := rows.Scan(&d.UniqueID, &d.Hostname, &d.DisplayName, &d.IP, &d.PairedBy, &pairedAt); err != nil {
			return err
		}
		d.IsPaired = true
		if ts, err := time.Parse(timeFormat, pairedAt); err == nil {
			d.PairedAt = &ts
		}
		r.devices[d.UniqueID] = &d
		if d.IP != "" {
			r.ipIndex[d.IP] = d.UniqueID
		}
	}
	if n := len(r.devices); n > 0 {
		log.Printf("[Registry] Restored %d paired SUT(s)", n)
	}
	return rows.Err()
}
