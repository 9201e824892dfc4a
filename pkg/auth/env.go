package auth

import (
	"fmt"
	"os"
	"strings"
)

// knownEnvVars maps providers to the conventional env vars their own tooling
// reads, so existing shells keep working without a convoy-specific export.
var knownEnvVars = map[string]string{
	"hetzner": "HCLOUD_TOKEN",
	"fly":     "FLY_API_TOKEN",
}

// EnvStore reads tokens from the process environment. It is read-only.
type EnvStore struct{}

func NewEnvStore() EnvStore { return EnvStore{} }

func (EnvStore) GetToken(provider string) (string, error) {
	key := NormalizeProvider(provider)
	if envVar, ok := knownEnvVars[key]; ok {
		if token := os.Getenv(envVar); token != "" {
			return token, nil
		}
	}
	if token := os.Getenv("CONVOY_" + strings.ToUpper(key) + "_TOKEN"); token != "" {
		return token, nil
	}
	return "", ErrTokenNotFound
}

func (EnvStore) SetToken(provider, token string) error {
	return fmt.Errorf("auth: environment store is read-only")
}

func (EnvStore) DeleteToken(provider string) error {
	return fmt.Errorf("auth: environment store is read-only")
}
