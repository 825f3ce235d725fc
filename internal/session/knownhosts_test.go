package session

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xssh "golang.org/x/crypto/ssh"
)

func testHostKey(t *testing.T, dir, name string) xssh.PublicKey {
	t.Helper()
	pub, err := GenerateEd25519Keypair(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	key, _, _, _, err := xssh.ParseAuthorizedKey([]byte(pub))
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	return key
}

func TestKnownHostsAppend(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	pub, err := GenerateEd25519Keypair(filepath.Join(dir, "id_ed25519"))
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := AppendKnownHost(kh, "example.com", pub); err != nil {
		t.Fatalf("append known host: %v", err)
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if !strings.Contains(string(b), "example.com") {
		t.Fatalf("expected example.com entry, got %q", b)
	}
}

func TestTrustOnFirstUseRecordsNewHost(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	key := testHostKey(t, dir, "host_key")
	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 22}

	cb, err := TrustOnFirstUseCallback(kh)
	if err != nil {
		t.Fatalf("build callback: %v", err)
	}
	if err := cb("203.0.113.5:22", addr, key); err != nil {
		t.Fatalf("first contact should be accepted and recorded: %v", err)
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if !strings.Contains(string(b), "203.0.113.5") {
		t.Fatalf("host not recorded, file: %q", b)
	}

	// A fresh callback sees the recorded entry and accepts the same key.
	cb2, err := TrustOnFirstUseCallback(kh)
	if err != nil {
		t.Fatalf("rebuild callback: %v", err)
	}
	if err := cb2("203.0.113.5:22", addr, key); err != nil {
		t.Fatalf("known host with unchanged key rejected: %v", err)
	}
}

func TestTrustOnFirstUseRejectsChangedKey(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 22}

	cb, err := TrustOnFirstUseCallback(kh)
	if err != nil {
		t.Fatalf("build callback: %v", err)
	}
	if err := cb("203.0.113.5:22", addr, testHostKey(t, dir, "first_key")); err != nil {
		t.Fatalf("first contact: %v", err)
	}

	cb2, err := TrustOnFirstUseCallback(kh)
	if err != nil {
		t.Fatalf("rebuild callback: %v", err)
	}
	if err := cb2("203.0.113.5:22", addr, testHostKey(t, dir, "second_key")); err == nil {
		t.Fatalf("changed host key must be rejected")
	}
}
