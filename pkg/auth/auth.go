// Package auth stores provider API tokens. The default store reads the OS
// keychain with an environment-variable fallback for CI and headless hosts.
package auth

import (
	"errors"
	"strings"
)

// ServiceName is the keychain service under which tokens are filed.
const ServiceName = "convoy"

// ErrTokenNotFound reports an absent token for a provider.
var ErrTokenNotFound = errors.New("auth token not found")

// Store reads and writes per-provider API tokens.
type Store interface {
	SetToken(provider, token string) error
	GetToken(provider string) (string, error)
	DeleteToken(provider string) error
}

// DefaultStore returns the standard token store: environment variables first,
// then the OS keychain.
func DefaultStore() Store {
	return Chain{NewEnvStore(), NewKeyringStore(ServiceName)}
}

// NormalizeProvider normalizes a provider name for consistent key lookup.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// Chain consults stores in order. Reads return the first hit; writes and
// deletes go to the last store (the durable one).
type Chain []Store

func (c Chain) GetToken(provider string) (string, error) {
	for _, store := range c {
		token, err := store.GetToken(provider)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrTokenNotFound) {
			return "", err
		}
	}
	return "", ErrTokenNotFound
}

func (c Chain) SetToken(provider, token string) error {
	if len(c) == 0 {
		return errors.New("auth: empty store chain")
	}
	return c[len(c)-1].SetToken(provider, token)
}

func (c Chain) DeleteToken(provider string) error {
	if len(c) == 0 {
		return errors.New("auth: empty store chain")
	}
	return c[len(c)-1].DeleteToken(provider)
}
