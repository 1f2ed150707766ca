// Package protocol defines the JSON message envelopes exchanged between the
// Master and SUTs over the persistent WebSocket connection.
package protocol

// Message type tags carried in the "type" field of every envelope.
const (
	TypeRegisterAck           = "register_ack"
	TypeHeartbeat             = "heartbeat"
	TypeHeartbeatAck          = "heartbeat_ack"
	TypeInstallMasterKey      = "install_master_key"
	TypeMasterKeyInstalled    = "master_key_installed"
	TypeMasterKeyInstalledAck = "master_key_installed_ack"
	TypeUpdateAvailable       = "update_available"
)

// Envelope is the minimal shape used to sniff the type of an incoming message.
type Envelope struct {
	Type string `json:"type"`
}

// RegisterPayload is the initial message a SUT sends after opening its
// connection. IP and UniqueID are mandatory; everything else is optional.
type RegisterPayload struct {
	IP                string   `json:"ip"`
	Port              int      `json:"port"`
	UniqueID          string   `json:"unique_id"`
	Capabilities      []string `json:"capabilities"`
	Hostname          string   `json:"hostname"`
	CPUModel          string   `json:"cpu_model,omitempty"`
	DisplayName       string   `json:"display_name,omitempty"`
	SSHPublicKey      string   `json:"ssh_public_key,omitempty"`
	SSHKeyFingerprint string   `json:"ssh_key_fingerprint,omitempty"`
}

// RegisterAck confirms a registration and carries the Master's key material
// for the reverse half of the trust exchange.
type RegisterAck struct {
	Type              string `json:"type"`
	Message           string `json:"message"`
	SUTID             string `json:"sut_id"`
	SSHRegistered     bool   `json:"ssh_registered"`
	MasterPublicKey   string `json:"master_public_key,omitempty"`
	MasterFingerprint string `json:"master_fingerprint,omitempty"`
	ReExchange        bool   `json:"re_exchange"`
	SessionID         int64  `json:"session_id"`
}

// HeartbeatAck answers a heartbeat. Heartbeats refresh liveness only; any
// payload beyond the type tag is ignored.
type HeartbeatAck struct {
	Type string `json:"type"`
}

// InstallMasterKey instructs a SUT to add the Master's public key to its
// authorized keys.
type InstallMasterKey struct {
	Type              string `json:"type"`
	MasterPublicKey   string `json:"master_public_key"`
	MasterFingerprint string `json:"master_fingerprint"`
	Force             bool   `json:"force"`
}

// MasterKeyInstalled is the SUT's report on installing the Master's key.
type MasterKeyInstalled struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// MasterKeyInstalledAck acknowledges a MasterKeyInstalled report.
type MasterKeyInstalledAck struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// UpdateAvailable is broadcast to every connected SUT when the Master has
// new components for them to pull.
type UpdateAvailable struct {
	Type       string            `json:"type"`
	MasterIP   string            `json:"master_ip"`
	Version    string            `json:"version,omitempty"`
	UpdatedAt  string            `json:"updated_at,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}
