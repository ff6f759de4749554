package voicerouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alicia-project/alicia-core/internal/httpkit"
)

// Endpoint is the destination a Resolver hands back for a capability:
// the bus topic the chosen instance listens for requests on.
type Endpoint struct {
	InstanceID string
	Topic      string
}

// Resolver finds a destination for a capability request. The router
// depends on this interface rather than internal/registry directly so
// tests can fake lookup results without a live registry process — the
// same decoupling the wrapper package draws around its broker
// connection.
type Resolver interface {
	Resolve(ctx context.Context, capability string) (Endpoint, error)
}

// ErrNoCandidate is returned by a Resolver when no instance currently
// publishes the requested capability.
var ErrNoCandidate = fmt.Errorf("voicerouter: no candidate for capability")

// descriptor mirrors the subset of registry.ServiceDescriptor the
// router needs off the wire, avoiding an import of internal/registry
// for what is otherwise a pure HTTP client.
type descriptor struct {
	InstanceID string `json:"instance_id"`
	Endpoints  struct {
		In string `json:"in"`
	} `json:"endpoints"`
}

// RegistryResolver resolves capabilities via the registry's public
// GET /services/by-capability/{cap} read endpoint (§4.3). The registry
// already applies the online-first, most-recent-first, instance-id
// tie-break ordering (§4.3); RegistryResolver simply takes the first
// candidate.
type RegistryResolver struct {
	client  *http.Client
	baseURL string
}

// NewRegistryResolver constructs a RegistryResolver against baseURL
// (the registry's HTTP bind address).
func NewRegistryResolver(baseURL string) *RegistryResolver {
	return &RegistryResolver{
		client:  httpkit.NewClient(httpkit.WithTimeout(3 * time.Second)),
		baseURL: baseURL,
	}
}

func (r *RegistryResolver) Resolve(ctx context.Context, capability string) (Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/services/by-capability/"+capability, nil)
	if err != nil {
		return Endpoint{}, fmt.Errorf("voicerouter: build resolve request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Endpoint{}, fmt.Errorf("voicerouter: resolve %s: %w", capability, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return Endpoint{}, fmt.Errorf("voicerouter: registry returned %d resolving %s", resp.StatusCode, capability)
	}

	var candidates []descriptor
	if err := json.NewDecoder(resp.Body).Decode(&candidates); err != nil {
		return Endpoint{}, fmt.Errorf("voicerouter: decode candidates: %w", err)
	}
	if len(candidates) == 0 {
		return Endpoint{}, ErrNoCandidate
	}

	return Endpoint{InstanceID: candidates[0].InstanceID, Topic: candidates[0].Endpoints.In}, nil
}
