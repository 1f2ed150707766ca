package sshtrust

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"log"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	masterKeyFile = "master_ed25519"
	masterPubFile = "master_ed25519.pub"
	sshPort       = "22"
)

// MasterKeyManager owns the Master's SSH identity: a single process-wide
// ed25519 key pair, lazily generated on first use, persisted at a fixed
// location, never regenerated once present. The same key reaches every
// SUT; each SUT's own key travels the other way through the registration
// flow and the KeyStore.
type MasterKeyManager struct {
	dir     string
	keyPath string
	pubPath string
	port    string

	mu     sync.Mutex
	signer ssh.Signer // cached after first successful load
}

// NewMasterKeyManager creates a manager rooting the key pair at dir.
// Nothing touches the filesystem until the key is first needed.
func NewMasterKeyManager(dir string) *MasterKeyManager {
	return &MasterKeyManager{
		dir:     dir,
		keyPath: filepath.Join(dir, masterKeyFile),
		pubPath: filepath.Join(dir, masterPubFile),
		port:    sshPort,
	}
}

// KeyInfo describes the Master key pair for diagnostics.
type KeyInfo struct {
	Exists         bool   `json:"exists"`
	Fingerprint    string `json:"fingerprint,omitempty"`
	PublicKeyPath  string `json:"public_key_path"`
	PrivateKeyPath string `json:"private_key_path"`
}

// EnsureKeyExists generates the key pair if absent. Subsequent calls are
// no-ops returning success.
func (m *MasterKeyManager) EnsureKeyExists() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked()
}

func (m *MasterKeyManager) ensureLocked() (bool, string) {
	if m.signer != nil {
		return true, "key already exists"
	}

	if _, err := os.Stat(m.keyPath); err == nil {
		if err := m.loadLocked(); err != nil {
			return false, fmt.Sprintf("load existing key: %v", err)
		}
		return true, "key already exists"
	}

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return false, fmt.Sprintf("create key directory: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Sprintf("generate key pair: %v", err)
	}

	hostname, _ := os.Hostname()
	comment := "master@" + hostname

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return false, fmt.Sprintf("marshal private key: %v", err)
	}
	if err := os.WriteFile(m.keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return false, fmt.Sprintf("write private key: %v", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return false, fmt.Sprintf("derive public key: %v", err)
	}
	pubLine := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + comment + "\n"
	if err := os.WriteFile(m.pubPath, []byte(pubLine), 0o644); err != nil {
		return false, fmt.Sprintf("write public key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return false, fmt.Sprintf("build signer: %v", err)
	}
	m.signer = signer

	log.Printf("[SSH] Generated Master key pair (%s)", comment)
	return true, "generated new key: " + comment
}

func (m *MasterKeyManager) loadLocked() error {
	data, err := os.ReadFile(m.keyPath)
	if err != nil {
		return err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return err
	}
	m.signer = signer
	return nil
}

// PublicKey returns the Master's public key in authorized_keys format,
// ensuring the pair exists first. Empty on key-material unavailability.
func (m *MasterKeyManager) PublicKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok, msg := m.ensureLocked(); !ok {
		log.Printf("[SSH] Master public key unavailable: %s", msg)
		return ""
	}
	data, err := os.ReadFile(m.pubPath)
	if err != nil {
		log.Printf("[SSH] Read Master public key: %v", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Fingerprint returns the SHA256 fingerprint of the Master's key, or empty
// if the key material is unavailable.
func (m *MasterKeyManager) Fingerprint() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok, _ := m.ensureLocked(); !ok {
		return ""
	}
	return ssh.FingerprintSHA256(m.signer.PublicKey())
}

// Info reports the key pair's on-disk state for diagnostics.
func (m *MasterKeyManager) Info() KeyInfo {
	info := KeyInfo{
		PublicKeyPath:  m.pubPath,
		PrivateKeyPath: m.keyPath,
	}
	if _, err := os.Stat(m.keyPath); err == nil {
		info.Exists = true
		info.Fingerprint = m.Fingerprint()
	}
	return info
}

// TestConnection opens an SSH connection to a SUT with the Master's key,
// runs a trivial liveness command, and reports success iff the expected
// echo comes back within the timeout. Failures are reported, never fatal.
func (m *MasterKeyManager) TestConnection(deviceIP, username string, timeout time.Duration) (bool, string) {
	ok, stdout, stderr := m.ExecuteOnDevice(deviceIP, "echo SSH_OK", username, timeout)
	if !ok {
		if stderr == "" {
			stderr = "connection failed"
		}
		return false, stderr
	}
	if !strings.Contains(stdout, "SSH_OK") {
		return false, fmt.Sprintf("unexpected response: %q", strings.TrimSpace(stdout))
	}
	return true, "connection successful"
}

// ExecuteOnDevice runs one command on a SUT over SSH with a strict
// timeout and no interactive prompting. Intended for diagnostics and
// administration, not bulk transfer.
func (m *MasterKeyManager) ExecuteOnDevice(deviceIP, command, username string, timeout time.Duration) (ok bool, stdout, stderr string) {
	m.mu.Lock()
	ensured, msg := m.ensureLocked()
	signer := m.signer
	m.mu.Unlock()

	if !ensured {
		return false, "", "Master key not available: " + msg
	}

	if username == "" {
		username = currentUsername()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// One budget covers dial, handshake, and the command itself, so the
	// caller's timeout bounds the whole call.
	deadline := time.Now().Add(timeout)

	config := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// SUTs are reimaged constantly; their host keys churn.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(deviceIP, m.port), config)
	if err != nil {
		return false, "", err.Error()
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return false, "", err.Error()
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false, "", "command timed out"
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			return false, outBuf.String(), firstNonEmpty(errBuf.String(), err.Error())
		}
		return true, outBuf.String(), errBuf.String()
	case <-time.After(remaining):
		client.Close()
		return false, outBuf.String(), "command timed out"
	}
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "root"
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
