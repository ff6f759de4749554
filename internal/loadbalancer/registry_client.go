package loadbalancer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alicia-project/alicia-core/internal/httpkit"
)

// RegistryInstance is the subset of registry.ServiceDescriptor the
// balancer needs off the wire (mirrors the same narrow-decode pattern
// voicerouter.RegistryResolver uses, so the balancer never imports
// internal/registry directly).
type RegistryInstance struct {
	InstanceID  string `json:"instance_id"`
	Weight      int    `json:"weight"`
	MaxInflight int    `json:"max_inflight"`
	Endpoints   struct {
		Status string `json:"status"`
	} `json:"endpoints"`

	// Address is populated from Endpoints.Status after decode — the
	// host:port the prober dials for /health (§4.3 endpoints.status).
	Address string `json:"-"`
}

// RegistryClient fetches a logical service's instance list from the
// registry's GET /services/{service_name}/instances endpoint (§4.3
// "for load-balancer consumption").
type RegistryClient struct {
	client  *http.Client
	baseURL string
}

// NewRegistryClient constructs a RegistryClient against the registry's
// HTTP bind address.
func NewRegistryClient(baseURL string) *RegistryClient {
	return &RegistryClient{
		client:  httpkit.NewClient(httpkit.WithTimeout(3 * time.Second)),
		baseURL: baseURL,
	}
}

// Instances fetches the current instance list for serviceName.
func (c *RegistryClient) Instances(ctx context.Context, serviceName string) ([]RegistryInstance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/services/"+serviceName+"/instances", nil)
	if err != nil {
		return nil, fmt.Errorf("loadbalancer: build instances request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loadbalancer: fetch instances for %s: %w", serviceName, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loadbalancer: registry returned %d for %s instances", resp.StatusCode, serviceName)
	}

	var out []RegistryInstance
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("loadbalancer: decode instances: %w", err)
	}
	for i := range out {
		out[i].Address = out[i].Endpoints.Status
	}
	return out, nil
}

// RunSyncLoop periodically refreshes pools for every name in
// serviceNames from the registry until ctx is cancelled. The interval
// matches the health-probe cadence by default, which keeps the pool's
// membership and the prober's target list coherent.
func (c *RegistryClient) RunSyncLoop(ctx context.Context, bal *Balancer, serviceNames []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sync := func() {
		for _, name := range serviceNames {
			instances, err := c.Instances(ctx, name)
			if err != nil {
				continue
			}
			bal.Sync(name, instances)
		}
	}

	sync()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sync()
		}
	}
}
