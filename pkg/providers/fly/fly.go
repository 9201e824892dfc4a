// Package fly implements the compute-provider contract by wrapping the
// flyctl CLI. Fly machines don't expose SSH-reachable docker hosts, so the
// provider reports no direct shell deploy capability; workloads on fly go
// through flyctl's own deploy path.
package fly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/convoyctl/convoy/pkg/auth"
	"github.com/convoyctl/convoy/pkg/providers"
)

const defaultRegion = "iad"

// Provider shells out to flyctl with the stored API token.
type Provider struct {
	token string

	// run is the exec seam, replaced in tests.
	run func(ctx context.Context, token string, args ...string) ([]byte, error)
}

// New creates a provider using the given API token.
func New(token string) *Provider {
	return &Provider{token: token, run: runFlyctl}
}

// Register adds the fly factory to the provider registry.
func Register() {
	providers.Register("fly", func(store auth.Store) (providers.Provider, error) {
		token, err := store.GetToken("fly")
		if err != nil {
			return nil, fmt.Errorf("fly auth: %w", err)
		}
		return New(token), nil
	})
}

func (p *Provider) Name() string { return "fly" }

func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{}
}

// flyApp is the subset of `flyctl apps list --json` output we consume.
type flyApp struct {
	ID     string `json:"ID"`
	Name   string `json:"Name"`
	Status string `json:"Status"`
}

func (p *Provider) Create(ctx context.Context, req providers.CreateRequest) (*providers.Server, error) {
	args := []string{"apps", "create", req.Name, "--json"}
	if _, err := p.run(ctx, p.token, args...); err != nil {
		return nil, fmt.Errorf("failed to create fly app %s: %w", req.Name, err)
	}
	return p.Get(ctx, req.Name)
}

func (p *Provider) Destroy(ctx context.Context, id string) error {
	if _, err := p.run(ctx, p.token, "apps", "destroy", id, "--yes"); err != nil {
		return fmt.Errorf("failed to destroy fly app %s: %w", id, err)
	}
	return nil
}

func (p *Provider) Get(ctx context.Context, name string) (*providers.Server, error) {
	servers, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range servers {
		if servers[i].Name == name {
			return &servers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", providers.ErrServerNotFound, name)
}

func (p *Provider) List(ctx context.Context) ([]providers.Server, error) {
	out, err := p.run(ctx, p.token, "apps", "list", "--json")
	if err != nil {
		return nil, fmt.Errorf("failed to list fly apps: %w", err)
	}

	var apps []flyApp
	if err := json.Unmarshal(out, &apps); err != nil {
		return nil, fmt.Errorf("failed to parse flyctl output: %w", err)
	}

	servers := make([]providers.Server, 0, len(apps))
	for _, app := range apps {
		id := app.ID
		if id == "" {
			id = app.Name
		}
		servers = append(servers, providers.Server{
			ID:     id,
			Name:   app.Name,
			Status: app.Status,
		})
	}
	return servers, nil
}

func (p *Provider) UploadSSHKey(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("%w: fly does not take ssh key uploads", providers.ErrNotSupported)
}

func (p *Provider) AttachFloatingIP(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: fly does not allocate floating IPs", providers.ErrNotSupported)
}

func (p *Provider) ReleaseFloatingIP(context.Context, string) error {
	return fmt.Errorf("%w: fly does not allocate floating IPs", providers.ErrNotSupported)
}

func (p *Provider) ResolveCreateRequest(_ context.Context, req providers.CreateRequest) (providers.CreateRequest, error) {
	if req.Region == "" {
		req.Region = defaultRegion
	}
	return req, nil
}

func (p *Provider) ValidateCreateRequest(_ context.Context, req providers.CreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("invalid_input: app name is required")
	}
	if req.ServerType != "" &&
		!strings.HasPrefix(req.ServerType, "shared-cpu") &&
		!strings.HasPrefix(req.ServerType, "performance") {
		return fmt.Errorf("unknown server type %q for provider fly", req.ServerType)
	}
	return nil
}

func runFlyctl(ctx context.Context, token string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "flyctl", args...)
	cmd.Env = append(os.Environ(), "FLY_API_TOKEN="+token)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("flyctl %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.Bytes(), nil
}
