package netiso

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"egressfleet/internal/fleet/model"
	appErr "egressfleet/pkg/errors"
	"egressfleet/pkg/utils/logger"
	"egressfleet/pkg/utils/retry"

	"go.uber.org/zap"
)

const (
	defaultTeardownRetries = 3
	defaultRetryDelay      = 100 * time.Millisecond
	defaultGatewayPort     = 1080
	ruleCommentPrefix      = "egressfleet"
)

var defaultDNSServers = []string{"1.1.1.1", "8.8.8.8"}

// Config controls how instance networks are wired.
type Config struct {
	DNSServers []string `yaml:"dnsServers"`
	// GatewayPort is the port the sandbox dials on its host-side veth
	// address. The host DNATs it to the bound endpoint.
	GatewayPort int `yaml:"gatewayPort"`
	// TunnelDevice is a format with one %d verb receiving the table id, e.g.
	// "tun%d". Empty routes marked traffic via Gateway/Uplink instead.
	TunnelDevice string `yaml:"tunnelDevice"`
	Gateway      string `yaml:"gateway"`
	Uplink       string `yaml:"uplink"`
	// EgressLock drops forwarded traffic from the instance unless it targets
	// the bound proxy or a DNS server.
	EgressLock      bool          `yaml:"egressLock"`
	TeardownRetries int           `yaml:"teardownRetries"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
}

// Resolver looks up endpoint host names.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Option customizes a Unit.
type Option func(*Unit)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) Option {
	return func(u *Unit) {
		u.resolver = r
	}
}

// Unit provisions and tears down per-instance network isolation.
type Unit struct {
	host     Host
	cfg      Config
	resolver Resolver
}

// NewUnit creates a network isolation unit on top of host.
func NewUnit(host Host, cfg Config, opts ...Option) *Unit {
	if len(cfg.DNSServers) == 0 {
		cfg.DNSServers = defaultDNSServers
	}
	if cfg.GatewayPort <= 0 {
		cfg.GatewayPort = defaultGatewayPort
	}
	if cfg.TeardownRetries <= 0 {
		cfg.TeardownRetries = defaultTeardownRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	u := &Unit{host: host, cfg: cfg, resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

type step struct {
	name string
	do   func() error
	undo func() error
}

// Provision creates the namespace, veth pair, addressing, routes and
// filtering rules for one instance. A failure undoes completed steps.
func (u *Unit) Provision(ctx context.Context, alloc model.Allocation, endpoint model.ProxyEndpoint) (model.NetworkRecord, error) {
	upstream, err := u.upstream(ctx, endpoint)
	if err != nil {
		return model.NetworkRecord{}, err
	}
	record := model.NetworkRecord{
		Allocation:  alloc,
		EndpointKey: endpoint.Key(),
		GatewayPort: u.cfg.GatewayPort,
		Upstream:    upstream,
	}

	exists, err := u.host.NamespaceExists(alloc.Namespace)
	if err != nil {
		return model.NetworkRecord{}, appErr.Wrapf(err, appErr.NetworkProvisionFailed, "check namespace %s", alloc.Namespace)
	}
	if exists {
		return model.NetworkRecord{}, appErr.Newf(appErr.NamespaceCollision, "namespace %s already exists", alloc.Namespace).
			WithDetail("namespace", alloc.Namespace)
	}

	steps := u.steps(record)
	done := make([]step, 0, len(steps))
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return model.NetworkRecord{}, u.abort(ctx, done, s.name, err)
		}
		if err := s.do(); err != nil {
			return model.NetworkRecord{}, u.abort(ctx, done, s.name, err)
		}
		done = append(done, s)
	}
	logger.Info(ctx, "instance network provisioned",
		zap.String("namespace", alloc.Namespace),
		zap.Int("table", alloc.TableID),
		zap.Int("mark", alloc.Mark),
		zap.String("subnet", alloc.Subnet),
		zap.String("gateway", record.Gateway()),
	)
	return record, nil
}

// Rebind re-points the gateway of a provisioned instance at a new endpoint.
// New connections from the sandbox reach the new endpoint; connections to
// the old one are cut once its rules are gone.
func (u *Unit) Rebind(ctx context.Context, record model.NetworkRecord, endpoint model.ProxyEndpoint) (model.NetworkRecord, error) {
	upstream, err := u.upstream(ctx, endpoint)
	if err != nil {
		return record, err
	}
	next := record
	next.EndpointKey = endpoint.Key()
	next.Upstream = upstream
	if next.GatewayPort == 0 {
		next.GatewayPort = u.cfg.GatewayPort
	}

	// Inserted rules take precedence over the old ones until those are removed.
	if u.cfg.EgressLock {
		if err := u.host.InsertRule("filter", "FORWARD", proxyAcceptSpec(next)...); err != nil {
			return record, appErr.Wrapf(err, appErr.NetworkProvisionFailed, "install egress rule for %s", next.EndpointKey)
		}
	}
	if err := u.host.InsertRule("nat", "PREROUTING", dnatSpec(next)...); err != nil {
		if u.cfg.EgressLock {
			_ = u.host.DeleteRule("filter", "FORWARD", proxyAcceptSpec(next)...)
		}
		return record, appErr.Wrapf(err, appErr.NetworkProvisionFailed, "install gateway rule for %s", next.EndpointKey)
	}

	var errs []error
	if record.Upstream != "" {
		if err := u.retryRemove(ctx, "proxy-dnat", func() error {
			return u.host.DeleteRule("nat", "PREROUTING", dnatSpec(record)...)
		}); err != nil {
			errs = append(errs, err)
		}
		if u.cfg.EgressLock {
			if err := u.retryRemove(ctx, "proxy-accept", func() error {
				return u.host.DeleteRule("filter", "FORWARD", proxyAcceptSpec(record)...)
			}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if agg := appErr.Join(errs...); agg != nil {
		logger.Warn(ctx, "stale gateway rules left after rebind",
			zap.String("namespace", record.Namespace), zap.Error(agg))
	}
	logger.Info(ctx, "instance gateway rebound",
		zap.String("namespace", record.Namespace),
		zap.String("from", record.Upstream),
		zap.String("to", next.Upstream))
	return next, nil
}

// Teardown removes everything Provision created in reverse order. Every step
// runs even if earlier ones fail; failures are aggregated.
func (u *Unit) Teardown(ctx context.Context, record model.NetworkRecord) error {
	steps := u.steps(record)
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.undo == nil {
			continue
		}
		if err := u.retryRemove(ctx, s.name, s.undo); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return appErr.Wrapf(appErr.Join(errs...), appErr.TeardownPartialFailure, "network teardown of %s", record.Namespace).
		WithDetail("namespace", record.Namespace).
		WithDetail("failed_steps", len(errs))
}

// upstream resolves the endpoint to the IPv4 address:port the gateway is
// translated to.
func (u *Unit) upstream(ctx context.Context, endpoint model.ProxyEndpoint) (string, error) {
	port := strconv.Itoa(endpoint.Port)
	if ip := net.ParseIP(endpoint.Host); ip != nil {
		if ip.To4() == nil {
			return "", appErr.Newf(appErr.InvalidEndpoint, "endpoint %s is not reachable over IPv4", endpoint.Key()).
				WithDetail("endpoint", endpoint.Key())
		}
		return net.JoinHostPort(ip.String(), port), nil
	}
	addrs, err := u.resolver.LookupIPAddr(ctx, endpoint.Host)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ProxyUnreachable, "resolve %s", endpoint.Host).
			WithDetail("endpoint", endpoint.Key())
	}
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return net.JoinHostPort(v4.String(), port), nil
		}
	}
	return "", appErr.Newf(appErr.InvalidEndpoint, "endpoint %s has no IPv4 address", endpoint.Key()).
		WithDetail("endpoint", endpoint.Key())
}

func (u *Unit) abort(ctx context.Context, done []step, failed string, cause error) error {
	var rollback []error
	for i := len(done) - 1; i >= 0; i-- {
		if done[i].undo == nil {
			continue
		}
		// Rollback must run even when ctx is already cancelled.
		if err := u.retryRemove(context.WithoutCancel(ctx), done[i].name, done[i].undo); err != nil {
			rollback = append(rollback, err)
		}
	}
	code := appErr.NetworkProvisionFailed
	if appErr.Is(cause, appErr.NamespaceCollision) {
		code = appErr.NamespaceCollision
	}
	wrapped := appErr.Wrapf(appErr.Join(append([]error{cause}, rollback...)...), code, "network step %s failed", failed).
		WithDetail("step", failed)
	if len(rollback) > 0 {
		wrapped.WithDetail("rollback_errors", len(rollback))
	}
	return wrapped
}

func (u *Unit) retryRemove(ctx context.Context, name string, fn func() error) error {
	err := retry.Do(ctx, retry.Policy{
		Attempts:  u.cfg.TeardownRetries,
		BaseDelay: u.cfg.RetryDelay,
		MaxDelay:  u.cfg.RetryDelay * 8,
	}, IsTransient, func(int) error {
		err := fn()
		if err != nil && IsAbsent(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (u *Unit) steps(rec model.NetworkRecord) []step {
	ns := rec.Namespace
	hostCIDR := withPrefix(rec.HostAddr, rec.Subnet)
	peerCIDR := withPrefix(rec.PeerAddr, rec.Subnet)

	steps := []step{
		{
			name: "namespace",
			do:   func() error { return u.host.CreateNamespace(ns) },
			undo: func() error { return u.host.DeleteNamespace(ns) },
		},
		{
			name: "veth",
			do:   func() error { return u.host.CreateVeth(rec.HostVeth, rec.PeerVeth) },
			undo: func() error { return u.host.DeleteLink(rec.HostVeth) },
		},
		{
			name: "move-peer",
			do:   func() error { return u.host.MoveLink(rec.PeerVeth, ns) },
		},
		{
			name: "address",
			do: func() error {
				if err := u.host.AddAddress("", rec.HostVeth, hostCIDR); err != nil {
					return err
				}
				return u.host.AddAddress(ns, rec.PeerVeth, peerCIDR)
			},
		},
		{
			name: "link-up",
			do: func() error {
				if err := u.host.LinkUp("", rec.HostVeth); err != nil {
					return err
				}
				if err := u.host.LinkUp(ns, "lo"); err != nil {
					return err
				}
				return u.host.LinkUp(ns, rec.PeerVeth)
			},
		},
		{
			name: "namespace-route",
			do:   func() error { return u.host.AddDefaultRoute(ns, rec.HostAddr) },
		},
		{
			name: "resolv-conf",
			do:   func() error { return u.host.WriteResolvConf(ns, u.cfg.DNSServers) },
			undo: func() error { return u.host.RemoveResolvConf(ns) },
		},
		{
			name: "policy-rule",
			do:   func() error { return u.host.AddPolicyRule(rec.Mark, rec.TableID) },
			undo: func() error { return u.host.DeletePolicyRule(rec.Mark, rec.TableID) },
		},
		{
			name: "table-route",
			do:   func() error { return u.host.ReplaceTableRoute(rec.TableID, u.tableRoute(rec.TableID)) },
			undo: func() error { return u.host.FlushTable(rec.TableID) },
		},
		{
			name: "mark-rule",
			do:   func() error { return u.host.AppendRule("mangle", "PREROUTING", markSpec(rec)...) },
			undo: func() error { return u.host.DeleteRule("mangle", "PREROUTING", markSpec(rec)...) },
		},
		{
			name: "masquerade",
			do:   func() error { return u.host.AppendRule("nat", "POSTROUTING", masqueradeSpec(rec)...) },
			undo: func() error { return u.host.DeleteRule("nat", "POSTROUTING", masqueradeSpec(rec)...) },
		},
	}
	// Records written before the gateway existed carry no upstream.
	if rec.Upstream != "" {
		steps = append(steps, step{
			name: "proxy-dnat",
			do:   func() error { return u.host.AppendRule("nat", "PREROUTING", dnatSpec(rec)...) },
			undo: func() error { return u.host.DeleteRule("nat", "PREROUTING", dnatSpec(rec)...) },
		})
	}
	if !u.cfg.EgressLock {
		return steps
	}
	steps = append(steps, step{
		name: "egress-drop",
		do:   func() error { return u.host.AppendRule("filter", "FORWARD", dropSpec(rec)...) },
		undo: func() error { return u.host.DeleteRule("filter", "FORWARD", dropSpec(rec)...) },
	})
	for _, server := range u.cfg.DNSServers {
		spec := dnsAcceptSpec(rec, server)
		steps = append(steps, step{
			name: "dns-accept " + server,
			do:   func() error { return u.host.InsertRule("filter", "FORWARD", spec...) },
			undo: func() error { return u.host.DeleteRule("filter", "FORWARD", spec...) },
		})
	}
	if rec.Upstream != "" {
		steps = append(steps, step{
			name: "proxy-accept",
			do:   func() error { return u.host.InsertRule("filter", "FORWARD", proxyAcceptSpec(rec)...) },
			undo: func() error { return u.host.DeleteRule("filter", "FORWARD", proxyAcceptSpec(rec)...) },
		})
	}
	return steps
}

func (u *Unit) tableRoute(table int) TableRoute {
	if u.cfg.TunnelDevice != "" {
		return TableRoute{Device: fmt.Sprintf(u.cfg.TunnelDevice, table)}
	}
	return TableRoute{Device: u.cfg.Uplink, Gateway: u.cfg.Gateway}
}

func comment(rec model.NetworkRecord) string {
	return ruleCommentPrefix + ":" + rec.Namespace
}

func markSpec(rec model.NetworkRecord) []string {
	return []string{
		"-i", rec.HostVeth,
		"-m", "comment", "--comment", comment(rec),
		"-j", "MARK", "--set-mark", strconv.Itoa(rec.Mark),
	}
}

func dnatSpec(rec model.NetworkRecord) []string {
	return []string{
		"-i", rec.HostVeth, "-d", rec.HostAddr,
		"-p", "tcp", "--dport", strconv.Itoa(rec.GatewayPort),
		"-m", "comment", "--comment", comment(rec) + ":" + rec.EndpointKey,
		"-j", "DNAT", "--to-destination", rec.Upstream,
	}
}

func masqueradeSpec(rec model.NetworkRecord) []string {
	return []string{
		"-s", rec.Subnet,
		"-m", "comment", "--comment", comment(rec),
		"-j", "MASQUERADE",
	}
}

func dropSpec(rec model.NetworkRecord) []string {
	return []string{
		"-s", rec.Subnet,
		"-m", "comment", "--comment", comment(rec),
		"-j", "DROP",
	}
}

func dnsAcceptSpec(rec model.NetworkRecord, server string) []string {
	return []string{
		"-s", rec.Subnet, "-d", server,
		"-p", "udp", "--dport", "53",
		"-m", "comment", "--comment", comment(rec),
		"-j", "ACCEPT",
	}
}

func proxyAcceptSpec(rec model.NetworkRecord) []string {
	host, port, _ := net.SplitHostPort(rec.Upstream)
	return []string{
		"-s", rec.Subnet, "-d", host,
		"-p", "tcp", "--dport", port,
		"-m", "comment", "--comment", comment(rec) + ":" + rec.EndpointKey,
		"-j", "ACCEPT",
	}
}

func withPrefix(addr, subnet string) string {
	if idx := strings.LastIndex(subnet, "/"); idx >= 0 {
		return addr + subnet[idx:]
	}
	return addr + "/30"
}
