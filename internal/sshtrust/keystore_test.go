package sshtrust

import (
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
	_ "modernc.org/sqlite"

	"sutmaster/internal/db"
)

// testKey returns a fresh public key in authorized_keys format plus its
// fingerprint.
func testKey(t *testing.T) (string, string) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))), ssh.FingerprintSHA256(sshPub)
}

func setupKeyStore(t *testing.T) (*KeyStore, *sql.DB) {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	ks, err := NewKeyStore(filepath.Join(t.TempDir(), "keys"), conn)
	if err != nil {
		t.Fatal(err)
	}
	return ks, conn
}

func TestAddKeyRejectsEmptyAndGarbage(t *testing.T) {
	ks, _ := setupKeyStore(t)

	if ok, _ := ks.AddKey("", "dev-1"); ok {
		t.Error("empty key must be rejected")
	}
	if ok, _ := ks.AddKey("   \n", "dev-1"); ok {
		t.Error("whitespace key must be rejected")
	}
	if ok, msg := ks.AddKey("not-a-key AAAA", "dev-1"); ok {
		t.Errorf("garbage accepted: %s", msg)
	}
	if ks.Count() != 0 {
		t.Error("rejected keys must not be stored")
	}
}

func TestAddKeyIdempotent(t *testing.T) {
	ks, conn := setupKeyStore(t)
	key, fp := testKey(t)

	ok, msg := ks.AddKey(key, "dev-1")
	if !ok {
		t.Fatalf("first add failed: %s", msg)
	}

	ok, msg = ks.AddKey(key, "dev-1")
	if !ok {
		t.Fatalf("second add failed: %s", msg)
	}
	if !strings.Contains(msg, "already registered") {
		t.Errorf("second add message = %q", msg)
	}
	if ks.Count() != 1 {
		t.Errorf("store has %d entries, want exactly 1", ks.Count())
	}
	if !ks.IsKeyRegistered(fp) {
		t.Error("fingerprint lookup failed")
	}

	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM trusted_keys WHERE fingerprint = ?", fp).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("mirror rows = %d, want 1", n)
	}
}

func TestAddKeyMultipleOwners(t *testing.T) {
	ks, _ := setupKeyStore(t)

	k1, fp1 := testKey(t)
	k2, fp2 := testKey(t)
	ks.AddKey(k1, "dev-1")
	ks.AddKey(k2, "dev-2")

	if ks.Count() != 2 {
		t.Fatalf("count = %d, want 2", ks.Count())
	}
	if !ks.IsKeyRegistered(fp1) || !ks.IsKeyRegistered(fp2) {
		t.Error("both fingerprints should resolve")
	}
}

func TestRemoveKey(t *testing.T) {
	ks, conn := setupKeyStore(t)
	key, fp := testKey(t)
	ks.AddKey(key, "dev-1")

	ok, _ := ks.RemoveKey(fp)
	if !ok {
		t.Fatal("remove failed")
	}
	if ks.IsKeyRegistered(fp) {
		t.Error("key still registered after removal")
	}

	if ok, _ := ks.RemoveKey(fp); ok {
		t.Error("removing a missing key must fail")
	}

	var n int
	conn.QueryRow("SELECT COUNT(*) FROM trusted_keys").Scan(&n)
	if n != 0 {
		t.Errorf("mirror rows = %d after removal, want 0", n)
	}
}

func TestKeyStoreSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	ks, err := NewKeyStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	key, fp := testKey(t)
	ks.AddKey(key, "dev-1")

	reopened, err := NewKeyStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.IsKeyRegistered(fp) {
		t.Error("key lost across reopen")
	}
}

func TestKeyStorePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	ks, err := NewKeyStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	key, _ := testKey(t)
	ks.AddKey(key, "dev-1")

	di, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if di.Mode().Perm() != 0o700 {
		t.Errorf("dir mode = %o, want 700", di.Mode().Perm())
	}

	fi, err := os.Stat(filepath.Join(dir, keyStoreFile))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("file mode = %o, want 600", fi.Mode().Perm())
	}
}
