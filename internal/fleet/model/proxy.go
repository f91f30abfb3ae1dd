package model

import (
	"net"
	"net/url"
	"strconv"
	"time"
)

// Health is the probe status of a proxy endpoint.
type Health string

const (
	HealthUnverified  Health = "unverified"
	HealthHealthy     Health = "healthy"
	HealthUnreachable Health = "unreachable"
	HealthQuarantined Health = "quarantined"
)

// Bindable reports whether an endpoint in this state may be bound to an instance.
func (h Health) Bindable() bool {
	return h == HealthHealthy || h == HealthUnverified
}

// ProxyEndpoint is one egress proxy.
type ProxyEndpoint struct {
	Scheme      string    `json:"scheme"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Username    string    `json:"username,omitempty"`
	Password    string    `json:"password,omitempty"`
	Health      Health    `json:"health"`
	LastChecked time.Time `json:"last_checked,omitempty"`
	Failures    int       `json:"failures,omitempty"`
}

// Key identifies the endpoint independent of credentials and health.
func (p ProxyEndpoint) Key() string {
	return p.Scheme + "://" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL returns the proxy URL including credentials.
func (p ProxyEndpoint) URL() *url.URL {
	u := &url.URL{
		Scheme: p.Scheme,
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// Redacted returns the URL with the password masked.
func (p ProxyEndpoint) Redacted() string {
	return p.URL().Redacted()
}

// Masked returns a copy safe to expose over the API.
func (p ProxyEndpoint) Masked() ProxyEndpoint {
	if p.Password != "" {
		p.Password = "xxxxx"
	}
	return p
}

// Interchangeable reports whether a client configured for p can be moved to
// o without being reconfigured: same scheme and credentials.
func (p ProxyEndpoint) Interchangeable(o ProxyEndpoint) bool {
	return p.Scheme == o.Scheme && p.Username == o.Username && p.Password == o.Password
}

// URLVia returns the proxy URL with the address replaced by hostPort.
func (p ProxyEndpoint) URLVia(hostPort string) *url.URL {
	u := p.URL()
	u.Host = hostPort
	return u
}

// WithoutSecret returns a copy with the password cleared, for persistence.
func (p ProxyEndpoint) WithoutSecret() ProxyEndpoint {
	p.Password = ""
	return p
}
