// Package proxy keeps the pool of egress endpoints and binds them to instances.
package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"egressfleet/internal/fleet/model"
)

// LineError reports one rejected line of an endpoint list.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

var supportedSchemes = map[string]bool{
	"socks5": true,
	"http":   true,
	"https":  true,
}

// ParseEndpoints reads one proxy URL per line. Blank lines and lines starting
// with '#' are skipped; malformed lines are reported and skipped without
// affecting the others. Duplicate endpoints keep their first occurrence.
func ParseEndpoints(r io.Reader) ([]model.ProxyEndpoint, []LineError) {
	var (
		endpoints []model.ProxyEndpoint
		bad       []LineError
		seen      = make(map[string]bool)
	)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ep, err := ParseEndpoint(text)
		if err != nil {
			bad = append(bad, LineError{Line: lineNo, Text: text, Err: err})
			continue
		}
		if seen[ep.Key()] {
			continue
		}
		seen[ep.Key()] = true
		endpoints = append(endpoints, ep)
	}
	if err := scanner.Err(); err != nil {
		bad = append(bad, LineError{Line: lineNo + 1, Err: err})
	}
	return endpoints, bad
}

// ParseEndpoint parses a single "scheme://[user:pass@]host:port" URL.
func ParseEndpoint(raw string) (model.ProxyEndpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return model.ProxyEndpoint{}, fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !supportedSchemes[scheme] {
		return model.ProxyEndpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return model.ProxyEndpoint{}, fmt.Errorf("empty host")
	}
	if strings.ContainsAny(host, " \t") {
		return model.ProxyEndpoint{}, fmt.Errorf("invalid host %q", host)
	}
	rawPort := u.Port()
	if rawPort == "" {
		return model.ProxyEndpoint{}, fmt.Errorf("missing port")
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return model.ProxyEndpoint{}, fmt.Errorf("port %q out of range", rawPort)
	}
	if u.Path != "" && u.Path != "/" {
		return model.ProxyEndpoint{}, fmt.Errorf("unexpected path %q", u.Path)
	}
	ep := model.ProxyEndpoint{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		Health: model.HealthUnverified,
	}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	if ip := net.ParseIP(host); ip != nil {
		ep.Host = ip.String()
	}
	return ep, nil
}

// LoadFile parses the endpoint list at path.
func LoadFile(path string) ([]model.ProxyEndpoint, []LineError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	endpoints, bad := ParseEndpoints(f)
	return endpoints, bad, nil
}
