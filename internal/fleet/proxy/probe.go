package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"egressfleet/internal/fleet/model"
)

const (
	DefaultProbeURL     = "http://ip-api.com/json"
	DefaultProbeTimeout = 10 * time.Second
	maxProbeBody        = 64 << 10
)

// Prober checks that traffic can leave through an endpoint.
type Prober interface {
	Probe(ctx context.Context, ep model.ProxyEndpoint) error
}

// HTTPProber fetches a URL through the endpoint and expects a 2xx answer.
type HTTPProber struct {
	URL     string
	Timeout time.Duration
}

func (p HTTPProber) Probe(ctx context.Context, ep model.ProxyEndpoint) error {
	target := p.URL
	if target == "" {
		target = DefaultProbeURL
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyURL(ep.URL()),
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: timeout,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe via %s: %w", ep.Redacted(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe via %s: status %d", ep.Redacted(), resp.StatusCode)
	}
	return nil
}
