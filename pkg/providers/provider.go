// Package providers defines the compute-provider boundary: create, destroy,
// and inspect servers, plus the capability preflight operations provisioning
// runs before committing to a create call. One implementation per backend,
// selected by the provider name declared in configuration.
package providers

import (
	"context"
	"errors"
)

// ErrNotSupported reports an operation outside a provider's capabilities.
var ErrNotSupported = errors.New("operation not supported by provider")

// ErrServerNotFound reports a lookup for a server the provider doesn't have.
var ErrServerNotFound = errors.New("server not found")

// Server is the provider-neutral server record.
type Server struct {
	ID        string
	Name      string
	Status    string
	PublicIP  string
	PrivateIP string
	Type      string
	Region    string
}

// CreateRequest describes one server to create. Provisioning resolves and
// validates the request before calling Create.
type CreateRequest struct {
	Name       string
	Region     string
	ServerType string
	Image      string
	SSHKeyName string
	Labels     map[string]string
}

// Capabilities describes what a backend can do, so the engine can route
// around the gaps instead of failing mid-operation.
type Capabilities struct {
	// DirectShellDeploy means created servers accept SSH and can run
	// container workloads through composed shell commands.
	DirectShellDeploy bool

	// FloatingIPs means the provider can allocate and attach stable IPs.
	FloatingIPs bool

	// SSHKeyUpload means key material can be registered with the provider
	// before server creation.
	SSHKeyUpload bool
}

// Provider is the compute backend contract.
type Provider interface {
	// Name is the configuration discriminator, e.g. "hetzner".
	Name() string

	Capabilities() Capabilities

	// Create provisions a server and returns its observed record. The
	// request must already be resolved and validated.
	Create(ctx context.Context, req CreateRequest) (*Server, error)

	// Destroy removes a server by provider ID.
	Destroy(ctx context.Context, id string) error

	// Get looks a server up by name.
	Get(ctx context.Context, name string) (*Server, error)

	// List returns all servers visible to the credentials in use.
	List(ctx context.Context) ([]Server, error)

	// UploadSSHKey registers public key material under a name, returning the
	// provider-side identifier. Uploading an already-registered key is not
	// an error.
	UploadSSHKey(ctx context.Context, name, publicKey string) (string, error)

	// AttachFloatingIP allocates a stable IP and binds it to a server,
	// returning the address.
	AttachFloatingIP(ctx context.Context, serverID string) (string, error)

	// ReleaseFloatingIP deallocates the floating IP bound to a server.
	// Releasing when none is allocated is not an error.
	ReleaseFloatingIP(ctx context.Context, serverID string) error

	// ResolveCreateRequest fills provider defaults (image, region) into a
	// partial request without mutating provider state.
	ResolveCreateRequest(ctx context.Context, req CreateRequest) (CreateRequest, error)

	// ValidateCreateRequest checks a resolved request against the provider's
	// catalog (server types, regions) before any mutating call.
	ValidateCreateRequest(ctx context.Context, req CreateRequest) error
}
