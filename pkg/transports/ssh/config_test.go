package ssh

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempKey(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, []byte("fake key material"), 0o600); err != nil {
		t.Fatalf("failed to write temp key: %v", err)
	}
	return path
}

func validConfig(t *testing.T) *Config {
	cfg := DefaultConfig("203.0.113.7")
	cfg.PrivateKeyPath = writeTempKey(t)
	return cfg
}

func TestConfigValidate_AcceptsDefaults(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
	if cfg.Port != 22 || cfg.User != "root" {
		t.Errorf("unexpected defaults: port=%d user=%q", cfg.Port, cfg.User)
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Errorf("unexpected connect timeout: %v", cfg.ConnectTimeout)
	}
}

func TestConfigValidate_RequiresHost(t *testing.T) {
	cfg := validConfig(t)
	cfg.Host = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestConfigValidate_RejectsBadPort(t *testing.T) {
	cfg := validConfig(t)
	cfg.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestConfigValidate_RequiresUser(t *testing.T) {
	cfg := validConfig(t)
	cfg.User = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing user")
	}
}

func TestConfigValidate_RejectsMissingKeyFile(t *testing.T) {
	cfg := validConfig(t)
	cfg.PrivateKeyPath = filepath.Join(t.TempDir(), "absent")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for absent key file")
	}
}

func TestConfig_Address(t *testing.T) {
	cfg := validConfig(t)
	cfg.Port = 2222
	if got := cfg.Address(); got != "203.0.113.7:2222" {
		t.Errorf("unexpected address: %q", got)
	}
}

func TestIsTemporary(t *testing.T) {
	temp := &TransportError{Op: "connect", Err: errors.New("refused"), Temporary: true}
	if !IsTemporary(temp) {
		t.Error("expected temporary transport error")
	}
	perm := &TransportError{Op: "configure", Err: errors.New("bad key")}
	if IsTemporary(perm) {
		t.Error("configure errors are not temporary")
	}
	if IsTemporary(errors.New("plain")) {
		t.Error("plain errors are not transport errors")
	}
}

func TestNewClient_ValidatesConfig(t *testing.T) {
	cfg := DefaultConfig("")
	if _, err := NewClient("web", cfg); err == nil {
		t.Fatal("expected config validation failure")
	}

	client, err := NewClient("web", validConfig(t))
	if err != nil {
		t.Fatalf("expected client, got: %v", err)
	}
	if client.Host() != "web" {
		t.Errorf("host label must be the declared server name, got %q", client.Host())
	}
}
