package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// loadOwnPublicKey finds this machine's SSH public key under sshDir and
// returns the authorized_keys line plus its SHA256 fingerprint. Empty
// results mean nothing to offer.
func loadOwnPublicKey(sshDir string) (key, fingerprint string) {
	for _, name := range []string{"id_ed25519.pub", "id_rsa.pub", "id_ecdsa.pub"} {
		data, err := os.ReadFile(filepath.Join(sshDir, name))
		if err != nil {
			continue
		}
		line := strings.TrimSpace(string(data))
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			log.Printf("Skipping unparseable key %s: %v", name, err)
			continue
		}
		return line, ssh.FingerprintSHA256(pub)
	}
	return "", ""
}

// installMasterKey appends the Master's public key to authorized_keys,
// deduplicating by fingerprint.
func installMasterKey(sshDir, publicKey string) error {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return fmt.Errorf("invalid master key: %w", err)
	}
	fingerprint := ssh.FingerprintSHA256(pub)

	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(sshDir, "authorized_keys")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(existing), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if known, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line)); err == nil {
			if ssh.FingerprintSHA256(known) == fingerprint {
				return nil // already installed
			}
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(strings.TrimSpace(publicKey) + "\n")
	return err
}
