// Package origin sends requests to the site's origin servers.
package origin

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrNoEndpoints      = errors.New("origin: pool has no endpoints")
	ErrNoAliveEndpoints = errors.New("origin: pool has no alive endpoints")
)

type Endpoint struct {
	URL   *url.URL
	Alive bool

	cbFailures       int
	circuitOpenUntil time.Time
	hcFailures       int
	hcSuccesses      int
}

type HealthCheckConfig struct {
	Path               string        `yaml:"path"`
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	UnhealthyThreshold int           `yaml:"unhealthyThreshold"`
	HealthyThreshold   int           `yaml:"healthyThreshold"`
}

type CircuitBreakerConfig struct {
	ConsecutiveFailures int           `yaml:"consecutiveFailures"`
	Cooldown            time.Duration `yaml:"cooldown"`
}

// ParseEndpoints turns raw base URLs into endpoints.
func ParseEndpoints(raw []string) ([]*Endpoint, error) {
	out := make([]*Endpoint, 0, len(raw))
	for _, r := range raw {
		u, err := url.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("origin: parse endpoint %q: %w", r, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("origin: endpoint %q must be an absolute URL", r)
		}
		out = append(out, &Endpoint{URL: u})
	}
	return out, nil
}
