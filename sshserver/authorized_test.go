package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newClientKey(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer, ssh.MarshalAuthorizedKey(signer.PublicKey())
}

func TestLoadAuthorizedKeys(t *testing.T) {
	first, firstLine := newClientKey(t)
	second, _ := newClientKey(t)
	path := filepath.Join(t.TempDir(), "authorized_keys")
	content := "# admin keys\n\n" + strings.TrimSpace(string(firstLine)) + " me@laptop\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	keys, err := LoadAuthorizedKeys(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected one key, got %d", len(keys))
	}
	if !keyAuthorized(keys, first.PublicKey()) {
		t.Fatalf("expected listed key to be authorized")
	}
	if keyAuthorized(keys, second.PublicKey()) {
		t.Fatalf("unlisted key must not be authorized")
	}
}

func TestLoadAuthorizedKeysErrors(t *testing.T) {
	if _, err := LoadAuthorizedKeys(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := LoadAuthorizedKeys(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "authorized_keys")
	if err := os.WriteFile(path, []byte("ssh-ed25519 not-base64\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAuthorizedKeys(path); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("expected line error, got %v", err)
	}
}

func TestHostKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "ssh_host_key")
	first, created, err := HostKey(path)
	if err != nil {
		t.Fatalf("create host key: %v", err)
	}
	if !created {
		t.Fatalf("expected first call to create the key")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("host key mode %v", info.Mode().Perm())
	}
	second, created, err := HostKey(path)
	if err != nil {
		t.Fatalf("load host key: %v", err)
	}
	if created {
		t.Fatalf("expected second call to reuse the key")
	}
	if string(first.PublicKey().Marshal()) != string(second.PublicKey().Marshal()) {
		t.Fatalf("host key changed between loads")
	}
	if _, _, err := HostKey(" "); err == nil {
		t.Fatalf("expected error for blank path")
	}
}

func TestHostKeyRejectsOpenPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh_host_key")
	if _, _, err := HostKey(path); err != nil {
		t.Fatalf("create host key: %v", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, _, err := HostKey(path); err == nil || !strings.Contains(err.Error(), "mode") {
		t.Fatalf("expected mode error, got %v", err)
	}
}
