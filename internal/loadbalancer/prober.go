package loadbalancer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alicia-project/alicia-core/internal/httpkit"
)

// Prober performs the load balancer's periodic HTTP health checks
// against each instance's /health endpoint (§4.5), generalized from a
// single named external dependency to "whichever address a pool
// instance currently reports".
type Prober struct {
	client *http.Client
	path   string
}

// NewProber constructs a Prober with the shared hardened HTTP client.
func NewProber() *Prober {
	return &Prober{
		client: httpkit.NewClient(httpkit.WithTimeout(5 * time.Second)),
		path:   "/health",
	}
}

// Probe checks address's health endpoint, returning whether it
// responded with 2xx and the measured round-trip time in milliseconds.
func (p *Prober) Probe(ctx context.Context, address string) (ok bool, rttMs float64) {
	url := fmt.Sprintf("http://%s%s", address, p.path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, 0
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return false, 0
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	return resp.StatusCode >= 200 && resp.StatusCode < 300, float64(elapsed.Microseconds()) / 1000.0
}
