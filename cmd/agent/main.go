// The agent runs on each SUT. It keeps a persistent WebSocket connection
// to the Master, registers the machine, answers heartbeats, and performs
// the SUT side of the SSH trust exchange.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"sutmaster/internal/protocol"
)

const version = "1.0.0"

const (
	heartbeatInterval = 30 * time.Second
	maxBackoff        = 60 * time.Second
)

type agent struct {
	serverURL string
	sutID     string
	hostname  string
	sshDir    string
	port      int

	writeMu sync.Mutex // gorilla/websocket allows one writer at a time
}

func (a *agent) send(conn *websocket.Conn, v interface{}) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func main() {
	serverURL := flag.String("server", "ws://localhost:9080", "Master WebSocket URL")
	dataDir := flag.String("data-dir", defaultDataDir(), "Directory for the persisted SUT identity")
	sshDir := flag.String("ssh-dir", defaultSSHDir(), "SSH directory for key offers and master key installs")
	hostnameOverride := flag.String("hostname", "", "Override hostname")
	port := flag.Int("port", 22, "Advertised SSH port")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sut-agent v%s\n", version)
		os.Exit(0)
	}

	log.SetFlags(log.Ltime | log.Ldate)
	log.Printf("SUT Agent v%s starting...", version)

	sutID, err := loadOrGenerateID(*dataDir)
	if err != nil {
		log.Fatalf("Failed to establish identity: %v", err)
	}
	log.Printf("SUT ID: %s", sutID)

	hostname := *hostnameOverride
	if hostname == "" {
		hostname, err = os.Hostname()
		if err != nil {
			log.Fatalf("Failed to get hostname: %v", err)
		}
	}
	log.Printf("Hostname: %s", hostname)
	log.Printf("Server: %s", *serverURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down...")
		cancel()
	}()

	a := &agent{
		serverURL: *serverURL,
		sutID:     sutID,
		hostname:  hostname,
		sshDir:    *sshDir,
		port:      *port,
	}
	a.run(ctx)
	log.Println("Agent stopped")
}

// run reconnects forever with capped exponential backoff.
func (a *agent) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := a.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("Session ended: %v", err)
		}

		log.Printf("Reconnecting in %s", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session dials the Master, registers, then serves heartbeats and trust
// messages until the connection drops.
func (a *agent) session(ctx context.Context) error {
	url := fmt.Sprintf("%s/ws/sut/%s", a.serverURL, a.sutID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ownKey, ownFingerprint := loadOwnPublicKey(a.sshDir)

	if err := conn.WriteJSON(protocol.RegisterPayload{
		UniqueID:          a.sutID,
		IP:                localIP(),
		Port:              a.port,
		Hostname:          a.hostname,
		CPUModel:          cpuModel(),
		Capabilities:      []string{"ssh"},
		SSHPublicKey:      ownKey,
		SSHKeyFingerprint: ownFingerprint,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var ack protocol.RegisterAck
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if ack.Type != protocol.TypeRegisterAck {
		return fmt.Errorf("expected register_ack, got %q", ack.Type)
	}
	log.Printf("Registered (session=%d, ssh_registered=%v)", ack.SessionID, ack.SSHRegistered)

	// The Master's key arrives in the ack; install it proactively when the
	// master asks for a (re-)exchange.
	if ack.ReExchange && ack.MasterPublicKey != "" {
		a.reportKeyInstall(conn, ack.MasterPublicKey)
	}

	// Connection closes stop the writer via this channel.
	done := make(chan struct{})
	defer close(done)
	go a.heartbeatLoop(ctx, conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("Invalid frame from master: %v", err)
			continue
		}

		switch env.Type {
		case protocol.TypeHeartbeatAck:
			// liveness confirmed

		case protocol.TypeInstallMasterKey:
			var req protocol.InstallMasterKey
			if err := json.Unmarshal(message, &req); err != nil {
				log.Printf("Invalid install_master_key: %v", err)
				continue
			}
			a.reportKeyInstall(conn, req.MasterPublicKey)

		case protocol.TypeUpdateAvailable:
			var upd protocol.UpdateAvailable
			if err := json.Unmarshal(message, &upd); err != nil {
				continue
			}
			log.Printf("Update available from master %s (version=%s)", upd.MasterIP, upd.Version)

		case protocol.TypeMasterKeyInstalledAck:
			// exchange round-trip complete

		default:
			log.Printf("Ignoring %q frame", env.Type)
		}
	}
}

func (a *agent) heartbeatLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := a.send(conn, map[string]string{"type": protocol.TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

// reportKeyInstall installs the Master's key locally and reports the
// outcome.
func (a *agent) reportKeyInstall(conn *websocket.Conn, masterKey string) {
	report := protocol.MasterKeyInstalled{
		Type:    protocol.TypeMasterKeyInstalled,
		Success: true,
	}
	if err := installMasterKey(a.sshDir, masterKey); err != nil {
		log.Printf("Master key install failed: %v", err)
		report.Success = false
		report.Error = err.Error()
	} else {
		log.Println("Master key installed")
	}
	if err := a.send(conn, report); err != nil {
		log.Printf("Failed to report key install: %v", err)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/sut-agent"
	}
	return filepath.Join(home, ".sut-agent")
}

func defaultSSHDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/root/.ssh"
	}
	return filepath.Join(home, ".ssh")
}
