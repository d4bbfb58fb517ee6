package origin

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"sitecache/internal/metrics"
)

// Pool balances requests round-robin over origin endpoints, skipping those
// marked down by health checks or held open by the circuit breaker.
type Pool struct {
	mu        sync.Mutex
	name      string
	endpoints []*Endpoint
	idx       int
	transport http.RoundTripper

	healthCfg *HealthCheckConfig
	cbCfg     *CircuitBreakerConfig
}

func NewPool(name string, endpoints []*Endpoint, transport http.RoundTripper, hc *HealthCheckConfig, cb *CircuitBreakerConfig) *Pool {
	for _, ep := range endpoints {
		ep.Alive = true
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Pool{
		name:      name,
		endpoints: endpoints,
		transport: transport,
		healthCfg: hc,
		cbCfg:     cb,
	}
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) PickEndpoint() (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	if n == 0 {
		return nil, ErrNoEndpoints
	}

	now := time.Now()

	for i := 0; i < n; i++ {
		ep := p.endpoints[p.idx]
		p.idx = (p.idx + 1) % n

		if !ep.Alive {
			continue
		}

		if !ep.circuitOpenUntil.IsZero() && now.Before(ep.circuitOpenUntil) {
			continue
		}

		if !ep.circuitOpenUntil.IsZero() && now.After(ep.circuitOpenUntil) {
			ep.circuitOpenUntil = time.Time{}
			ep.cbFailures = 0
		}
		return ep, nil
	}

	return nil, ErrNoAliveEndpoints
}

func (p *Pool) ReportSuccess(ep *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep.cbFailures = 0
}

func (p *Pool) ReportFailure(ep *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep.cbFailures++
	if p.cbCfg != nil && ep.cbFailures >= p.cbCfg.ConsecutiveFailures {
		ep.circuitOpenUntil = time.Now().Add(p.cbCfg.Cooldown)
	}
}

// Fetch sends req to the next usable endpoint. Transport errors and 5xx
// responses count against the endpoint's circuit breaker.
func (p *Pool) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	ep, err := p.PickEndpoint()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	resp, err := p.transport.RoundTrip(direct(ctx, req, ep.URL))
	if err != nil {
		p.ReportFailure(ep)
		return nil, fmt.Errorf("origin %s: %w", ep.URL.Host, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		p.ReportFailure(ep)
	} else {
		p.ReportSuccess(ep)
	}
	return resp, nil
}

func (p *Pool) StartHealthChecks(ctx context.Context, client *http.Client) {
	if p.healthCfg == nil {
		return
	}

	hc := *p.healthCfg
	if hc.Path == "" {
		hc.Path = "/"
	}
	if hc.Interval <= 0 {
		hc.Interval = 10 * time.Second
	}
	if hc.Timeout <= 0 {
		hc.Timeout = 1 * time.Second
	}
	if hc.UnhealthyThreshold <= 0 {
		hc.UnhealthyThreshold = 3
	}
	if hc.HealthyThreshold <= 0 {
		hc.HealthyThreshold = 1
	}

	ticker := time.NewTicker(hc.Interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.runHealthChecks(ctx, client, hc)
			}
		}
	}()
}

func (p *Pool) runHealthChecks(ctx context.Context, client *http.Client, hc HealthCheckConfig) {
	p.mu.Lock()
	endpoints := append([]*Endpoint(nil), p.endpoints...)
	p.mu.Unlock()

	for _, ep := range endpoints {
		urlCopy := *ep.URL
		urlCopy.Path = hc.Path

		hctx, cancel := context.WithTimeout(ctx, hc.Timeout)
		req, err := http.NewRequestWithContext(hctx, http.MethodGet, urlCopy.String(), nil)
		if err != nil {
			cancel()
			continue
		}

		resp, err := client.Do(req)
		ok := err == nil && resp.StatusCode >= 200 && resp.StatusCode < 400
		if resp != nil {
			_ = resp.Body.Close()
		}
		cancel()

		p.mu.Lock()
		if ok {
			ep.hcFailures = 0
			ep.hcSuccesses++
			if ep.hcSuccesses >= hc.HealthyThreshold {
				ep.Alive = true
			}
		} else {
			ep.hcSuccesses = 0
			ep.hcFailures++
			if ep.hcFailures >= hc.UnhealthyThreshold {
				ep.Alive = false
			}
		}
		p.mu.Unlock()
	}

	unhealthy := 0
	p.mu.Lock()
	for _, ep := range p.endpoints {
		if !ep.Alive {
			unhealthy++
		}
	}
	p.mu.Unlock()

	metrics.SetOriginUnhealthy(p.name, float64(unhealthy))
}
