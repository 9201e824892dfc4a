package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/convoyctl/convoy/pkg/config"
	"github.com/convoyctl/convoy/pkg/providers"
	"github.com/convoyctl/convoy/pkg/retry"
)

// permanentProviderSignatures are substrings of provider error messages that
// indicate a request the provider will never accept. Retrying these burns
// attempts and rate limits without any chance of success.
var permanentProviderSignatures = []string{
	"invalid_input",
	"invalid input",
	"unauthorized",
	"forbidden",
	"authentication",
	"unsupported",
	"not available",
	"unknown server type",
	"invalid location",
}

// IsPermanentProviderError reports whether a provider error matches a known
// non-retryable signature.
func IsPermanentProviderError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range permanentProviderSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// ProvisionClassifier stops retry loops on permanent provider errors and on
// anything explicitly classified permanent.
func ProvisionClassifier() retry.Classifier {
	return func(err error) retry.Decision {
		if IsPermanent(err) || IsPermanentProviderError(err) {
			return retry.Stop
		}
		return retry.Retry
	}
}

// PreflightServer resolves and validates the create request for one declared
// server without any mutating provider call. All preflight failures are
// permanent: fix the config, don't retry.
func PreflightServer(ctx context.Context, p providers.Provider, srv config.Server) (providers.CreateRequest, error) {
	req := providers.CreateRequest{
		Name:       srv.Name,
		Region:     srv.Region,
		ServerType: srv.ServerType,
		SSHKeyName: srv.SSHKey,
	}

	resolved, err := p.ResolveCreateRequest(ctx, req)
	if err != nil {
		return providers.CreateRequest{}, NewPermanentError(ErrCodePreflight,
			fmt.Sprintf("failed to resolve create request for server %s", srv.Name), err).
			WithResource(srv.Name).WithPhase("preflight")
	}

	if err := p.ValidateCreateRequest(ctx, resolved); err != nil {
		return providers.CreateRequest{}, NewPermanentError(ErrCodePreflight,
			fmt.Sprintf("create request for server %s rejected", srv.Name), err).
			WithResource(srv.Name).WithPhase("preflight")
	}

	if srv.FloatingIP && !p.Capabilities().FloatingIPs {
		return providers.CreateRequest{}, NewPermanentError(ErrCodePreflight,
			fmt.Sprintf("server %s requests a floating IP but provider %s does not support them", srv.Name, p.Name()), nil).
			WithResource(srv.Name).WithPhase("preflight")
	}

	return resolved, nil
}

// ResolvePublicKeyPath locates readable public key material for a named SSH
// key: ~/.ssh/<name>.pub first, then the standard default key files.
func ResolvePublicKeyPath(keyName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", NewPermanentError(ErrCodePreflight, "failed to resolve home directory for SSH key lookup", err)
	}

	candidates := []string{}
	if keyName != "" {
		candidates = append(candidates, filepath.Join(home, ".ssh", keyName+".pub"))
	}
	candidates = append(candidates,
		filepath.Join(home, ".ssh", "id_ed25519.pub"),
		filepath.Join(home, ".ssh", "id_rsa.pub"),
		filepath.Join(home, ".ssh", "id_ecdsa.pub"),
	)

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", NewPermanentError(ErrCodePreflight,
		fmt.Sprintf("no public key material found for SSH key %q (looked in ~/.ssh)", keyName), nil).
		WithPhase("preflight")
}

// ReadPublicKey returns the public key material for a named key.
func ReadPublicKey(keyName string) (string, error) {
	path, err := ResolvePublicKeyPath(keyName)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", NewPermanentError(ErrCodePreflight,
			fmt.Sprintf("failed to read public key %s", path), err).WithPhase("preflight")
	}
	return strings.TrimSpace(string(data)), nil
}
