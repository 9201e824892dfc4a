// Package hetzner implements the compute-provider contract against the
// Hetzner Cloud API.
package hetzner

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/convoyctl/convoy/pkg/auth"
	"github.com/convoyctl/convoy/pkg/providers"
)

const (
	defaultImage  = "ubuntu-24.04"
	defaultRegion = "nbg1"
)

// Provider talks to the Hetzner Cloud API.
type Provider struct {
	client *hcloud.Client
}

// New creates a provider with the given hcloud client options. The
// application name is applied first; callers can override it.
func New(opts ...hcloud.ClientOption) *Provider {
	defaults := []hcloud.ClientOption{
		hcloud.WithApplication("convoy", "0.1.0"),
	}
	return &Provider{client: hcloud.NewClient(append(defaults, opts...)...)}
}

// Register adds the hetzner factory to the provider registry.
func Register() {
	providers.Register("hetzner", func(store auth.Store) (providers.Provider, error) {
		token, err := store.GetToken("hetzner")
		if err != nil {
			return nil, fmt.Errorf("hetzner auth: %w", err)
		}
		return New(hcloud.WithToken(token)), nil
	})
}

func (p *Provider) Name() string { return "hetzner" }

func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		DirectShellDeploy: true,
		FloatingIPs:       true,
		SSHKeyUpload:      true,
	}
}

// Create provisions a server. The SDK wants SSH key IDs in the request body,
// so the declared key name is resolved through the API first.
func (p *Provider) Create(ctx context.Context, req providers.CreateRequest) (*providers.Server, error) {
	opts := hcloud.ServerCreateOpts{
		Name:             req.Name,
		ServerType:       &hcloud.ServerType{Name: req.ServerType},
		Image:            &hcloud.Image{Name: req.Image},
		Labels:           req.Labels,
		StartAfterCreate: hcloud.Ptr(true),
	}
	if req.Region != "" {
		opts.Location = &hcloud.Location{Name: req.Region}
	}

	if req.SSHKeyName != "" {
		key, _, err := p.client.SSHKey.Get(ctx, req.SSHKeyName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve ssh key %q: %w", req.SSHKeyName, err)
		}
		if key == nil {
			return nil, fmt.Errorf("ssh key %q not found on hetzner", req.SSHKeyName)
		}
		opts.SSHKeys = append(opts.SSHKeys, key)
	}

	result, _, err := p.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create server %s: %w", req.Name, err)
	}
	server := toServer(result.Server)
	return &server, nil
}

func (p *Provider) Destroy(ctx context.Context, id string) error {
	numericID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid server ID %q: %w", id, err)
	}
	if _, _, err := p.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: numericID}); err != nil {
		return fmt.Errorf("failed to delete server %s: %w", id, err)
	}
	return nil
}

func (p *Provider) Get(ctx context.Context, name string) (*providers.Server, error) {
	hzServer, _, err := p.client.Server.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up server %s: %w", name, err)
	}
	if hzServer == nil {
		return nil, fmt.Errorf("%w: %s", providers.ErrServerNotFound, name)
	}
	server := toServer(hzServer)
	return &server, nil
}

func (p *Provider) List(ctx context.Context) ([]providers.Server, error) {
	hzServers, err := p.client.Server.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	servers := make([]providers.Server, 0, len(hzServers))
	for _, s := range hzServers {
		servers = append(servers, toServer(s))
	}
	return servers, nil
}

// UploadSSHKey registers public key material, tolerating keys already
// present under the same name.
func (p *Provider) UploadSSHKey(ctx context.Context, name, publicKey string) (string, error) {
	key, _, err := p.client.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{
		Name:      name,
		PublicKey: publicKey,
	})
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeUniquenessError) {
			existing, _, getErr := p.client.SSHKey.GetByName(ctx, name)
			if getErr == nil && existing != nil {
				return strconv.FormatInt(existing.ID, 10), nil
			}
		}
		return "", fmt.Errorf("failed to upload ssh key %s: %w", name, err)
	}
	return strconv.FormatInt(key.ID, 10), nil
}

// AttachFloatingIP allocates an IPv4 floating IP bound to the server.
func (p *Provider) AttachFloatingIP(ctx context.Context, serverID string) (string, error) {
	numericID, err := strconv.ParseInt(serverID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid server ID %q: %w", serverID, err)
	}

	result, _, err := p.client.FloatingIP.Create(ctx, hcloud.FloatingIPCreateOpts{
		Type:   hcloud.FloatingIPTypeIPv4,
		Server: &hcloud.Server{ID: numericID},
		Name:   hcloud.Ptr(fmt.Sprintf("convoy-%s", serverID)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to allocate floating IP for server %s: %w", serverID, err)
	}
	return result.FloatingIP.IP.String(), nil
}

// ReleaseFloatingIP deletes the floating IP allocated for the server. The IP
// is found by its allocation name, so only convoy-managed IPs are released;
// a missing IP means there is nothing to free.
func (p *Provider) ReleaseFloatingIP(ctx context.Context, serverID string) error {
	name := fmt.Sprintf("convoy-%s", serverID)
	ip, _, err := p.client.FloatingIP.GetByName(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to look up floating IP %s: %w", name, err)
	}
	if ip == nil {
		return nil
	}
	if _, err := p.client.FloatingIP.Delete(ctx, ip); err != nil {
		return fmt.Errorf("failed to release floating IP %s: %w", name, err)
	}
	return nil
}

// ResolveCreateRequest fills in the provider defaults for image and region.
func (p *Provider) ResolveCreateRequest(_ context.Context, req providers.CreateRequest) (providers.CreateRequest, error) {
	if req.Image == "" {
		req.Image = defaultImage
	}
	if req.Region == "" {
		req.Region = defaultRegion
	}
	if req.Labels == nil {
		req.Labels = map[string]string{}
	}
	req.Labels["managed-by"] = "convoy"
	return req, nil
}

// ValidateCreateRequest checks the resolved request against the live catalog
// before any mutating call. Catalog misses are permanent failures.
func (p *Provider) ValidateCreateRequest(ctx context.Context, req providers.CreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("invalid_input: server name is required")
	}
	if req.ServerType == "" {
		return fmt.Errorf("invalid_input: server type is required")
	}

	serverTypes, err := p.client.ServerType.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to list server types: %w", err)
	}
	if !containsServerType(serverTypes, req.ServerType) {
		return fmt.Errorf("unknown server type %q for provider hetzner", req.ServerType)
	}

	locations, err := p.client.Location.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to list locations: %w", err)
	}
	if req.Region != "" && !containsLocation(locations, req.Region) {
		return fmt.Errorf("invalid location %q for provider hetzner", req.Region)
	}
	return nil
}

func containsServerType(types []*hcloud.ServerType, name string) bool {
	for _, t := range types {
		if t.Name == name {
			return true
		}
	}
	return false
}

func containsLocation(locations []*hcloud.Location, name string) bool {
	for _, l := range locations {
		if l.Name == name {
			return true
		}
	}
	return false
}

func toServer(s *hcloud.Server) providers.Server {
	server := providers.Server{
		ID:     strconv.FormatInt(s.ID, 10),
		Name:   s.Name,
		Status: string(s.Status),
	}
	if !s.PublicNet.IPv4.IsUnspecified() {
		server.PublicIP = s.PublicNet.IPv4.IP.String()
	}
	if len(s.PrivateNet) > 0 && s.PrivateNet[0].IP != nil {
		server.PrivateIP = s.PrivateNet[0].IP.String()
	}
	if s.ServerType != nil {
		server.Type = s.ServerType.Name
	}
	if s.Location != nil {
		server.Region = s.Location.Name
	}
	return server
}
