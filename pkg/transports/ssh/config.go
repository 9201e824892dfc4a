// Package ssh is the remote execution channel: given a server identity and
// key material, it runs command lines and transfers files. Callers compose
// the commands; this package only carries them.
package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config identifies one remote host and how to authenticate against it.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port (default 22).
	Port int

	// User is the SSH username (default root, the account cloud images ship
	// the provisioning key under).
	User string

	// PrivateKeyPath points at the key used for authentication. Empty means
	// discover a default key under ~/.ssh.
	PrivateKeyPath string

	// PrivateKeyPassphrase unlocks an encrypted private key.
	PrivateKeyPassphrase string

	// KnownHostsPath is consulted when StrictHostKeyChecking is set.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts absent from known_hosts. Freshly
	// provisioned servers are never in known_hosts, so provisioning flows
	// leave this off.
	StrictHostKeyChecking bool

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
}

// DefaultConfig returns a config for a freshly provisioned host.
func DefaultConfig(host string) *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Host:           host,
		Port:           22,
		User:           "root",
		KnownHostsPath: filepath.Join(home, ".ssh", "known_hosts"),
		ConnectTimeout: 30 * time.Second,
	}
}

// Validate checks the config and resolves a default private key when none
// is set.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("ssh host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid ssh port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("ssh user is required")
	}

	if c.PrivateKeyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory for ssh key discovery: %w", err)
		}
		for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
			candidate := filepath.Join(home, ".ssh", name)
			if _, err := os.Stat(candidate); err == nil {
				c.PrivateKeyPath = candidate
				break
			}
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("no ssh private key configured and no default key found under ~/.ssh")
		}
	}
	if _, err := os.Stat(c.PrivateKeyPath); err != nil {
		return fmt.Errorf("ssh private key not found: %s", c.PrivateKeyPath)
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// clientConfig builds the underlying ssh.ClientConfig.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh private key %s: %w", c.PrivateKeyPath, err)
	}

	var signer ssh.Signer
	if c.PrivateKeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh private key %s: %w", c.PrivateKeyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // provisioning connects to hosts created seconds ago
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts %s: %w", c.KnownHostsPath, err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}
