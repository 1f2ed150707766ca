// Package sshtrust implements both halves of the bidirectional shell-access
// trust relationship: the store of device public keys registered with the
// Master, and the Master's own key pair used to reach devices.
package sshtrust

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

const keyStoreFile = "sut_authorized_keys"

// KeyStore holds the public keys SUTs have registered with the Master, in
// authorized_keys format. The file is rewritten wholesale on every change;
// the mutex serializes concurrent writers. Key metadata is mirrored into
// the database for inspection, but the file is authoritative.
type KeyStore struct {
	mu    sync.Mutex
	path  string
	store *sql.DB // optional metadata mirror
}

// NewKeyStore creates a key store rooted at dir, creating the directory
// with owner-only permissions if needed.
func NewKeyStore(dir string, store *sql.DB) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key store directory: %w", err)
	}
	return &KeyStore{
		path:  filepath.Join(dir, keyStoreFile),
		store: store,
	}, nil
}

// AddKey registers a device's public key. Re-registering identical key
// material is an idempotent success; unparseable input is rejected.
func (s *KeyStore) AddKey(publicKey, ownerID string) (bool, string) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return false, "empty public key"
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return false, fmt.Sprintf("unrecognized key format: %v", err)
	}
	fingerprint := ssh.FingerprintSHA256(parsed)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readEntries()
	if err != nil {
		return false, fmt.Sprintf("read key store: %v", err)
	}

	for _, e := range entries {
		if e.fingerprint == fingerprint {
			return true, "already registered"
		}
	}

	entries = append(entries, keyEntry{
		line:        strings.TrimSpace(string(ssh.MarshalAuthorizedKey(parsed))) + " sut:" + ownerID,
		fingerprint: fingerprint,
	})
	if err := s.writeEntries(entries); err != nil {
		return false, fmt.Sprintf("write key store: %v", err)
	}

	s.mirrorAdd(fingerprint, ownerID, publicKey)
	log.Printf("[SSH] Registered key %s for SUT %s", fingerprint, ownerID)
	return true, "key registered"
}

// IsKeyRegistered reports whether a key with the given SHA256 fingerprint
// is in the store.
func (s *KeyStore) IsKeyRegistered(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readEntries()
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// RemoveKey rewrites the store omitting the entry with the given
// fingerprint. Fails if no such entry exists.
func (s *KeyStore) RemoveKey(fingerprint string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readEntries()
	if err != nil {
		return false, fmt.Sprintf("read key store: %v", err)
	}

	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e.fingerprint == fingerprint {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return false, "key not found"
	}

	if err := s.writeEntries(kept); err != nil {
		return false, fmt.Sprintf("write key store: %v", err)
	}

	s.mirrorRemove(fingerprint)
	log.Printf("[SSH] Removed key %s", fingerprint)
	return true, "key removed"
}

// Count returns the number of stored keys.
func (s *KeyStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readEntries()
	if err != nil {
		return 0
	}
	return len(entries)
}

// ─── file access ─────────────────────────────────────────────────────────

type keyEntry struct {
	line        string
	fingerprint string
}

// readEntries parses the store file. Caller holds the mutex. Lines that no
// longer parse are dropped on the next rewrite.
func (s *KeyStore) readEntries() ([]keyEntry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []keyEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			log.Printf("[SSH] Skipping unparseable key store line: %v", err)
			continue
		}
		entries = append(entries, keyEntry{line: line, fingerprint: ssh.FingerprintSHA256(parsed)})
	}
	return entries, nil
}

// writeEntries rewrites the store wholesale. Caller holds the mutex.
func (s *KeyStore) writeEntries(entries []keyEntry) error {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.line)
		b.WriteByte('\n')
	}
	return os.WriteFile(s.path, []byte(b.String()), 0o600)
}

// ─── database mirror ─────────────────────────────────────────────────────

func (s *KeyStore) mirrorAdd(fingerprint, ownerID, publicKey string) {
	if s.store == nil {
		return
	}
	_, err := s.store.Exec(`
		INSERT OR REPLACE INTO trusted_keys (fingerprint, unique_id, public_key)
		VALUES (?, ?, ?)
	`, fingerprint, ownerID, publicKey)
	if err != nil {
		log.Printf("[SSH] Mirror key %s: %v", fingerprint, err)
	}
}

func (s *KeyStore) mirrorRemove(fingerprint string) {
	if s.store == nil {
		return
	}
	if _, err := s.store.Exec("DELETE FROM trusted_keys WHERE fingerprint = ?", fingerprint); err != nil {
		log.Printf("[SSH] Unmirror key %s: %v", fingerprint, err)
	}
}
