package netiso_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"egressfleet/internal/fleet/allocator"
	"egressfleet/internal/fleet/model"
	"egressfleet/internal/fleet/netiso"
	appErr "egressfleet/pkg/errors"

	"golang.org/x/sys/unix"
)

func newAllocation(t *testing.T, id string) model.Allocation {
	t.Helper()
	alloc, err := allocator.New(allocator.Config{})
	if err != nil {
		t.Fatalf("new allocator failed: %v", err)
	}
	res, err := alloc.Allocate(id)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	return res
}

var endpoint = model.ProxyEndpoint{Scheme: "socks5", Host: "203.0.113.10", Port: 1080, Health: model.HealthHealthy}

func TestProvisionAndTeardownLeavesCleanHost(t *testing.T) {
	host := netiso.NewMemoryHost()
	unit := netiso.NewUnit(host, netiso.Config{EgressLock: true, RetryDelay: time.Millisecond})
	alloc := newAllocation(t, "w-1")

	rec, err := unit.Provision(context.Background(), alloc, endpoint)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if rec.EndpointKey != "socks5://203.0.113.10:1080" {
		t.Fatalf("unexpected endpoint key: %s", rec.EndpointKey)
	}
	if got := host.Namespaces(); len(got) != 1 || got[0] != alloc.Namespace {
		t.Fatalf("unexpected namespaces: %v", got)
	}
	if !host.HasFilter("--dport 1080") {
		t.Fatalf("expected proxy accept rule")
	}

	if err := unit.Teardown(context.Background(), rec); err != nil {
		t.Fatalf("teardown failed: %v", err)
	}
	if n := host.Resources(); n != 0 {
		t.Fatalf("expected clean host, %d resources left", n)
	}
}

func TestProvisionCollision(t *testing.T) {
	host := netiso.NewMemoryHost()
	unit := netiso.NewUnit(host, netiso.Config{})
	alloc := newAllocation(t, "w-1")
	if err := host.CreateNamespace(alloc.Namespace); err != nil {
		t.Fatalf("seed namespace failed: %v", err)
	}
	_, err := unit.Provision(context.Background(), alloc, endpoint)
	if !appErr.Is(err, appErr.NamespaceCollision) {
		t.Fatalf("expected NamespaceCollision, got %v", err)
	}
}

func TestProvisionFailureRollsBack(t *testing.T) {
	host := netiso.NewMemoryHost()
	unit := netiso.NewUnit(host, netiso.Config{RetryDelay: time.Millisecond})
	alloc := newAllocation(t, "w-1")
	host.FailNext("AddPolicyRule", errors.New("netlink: operation not permitted"))

	_, err := unit.Provision(context.Background(), alloc, endpoint)
	if !appErr.Is(err, appErr.NetworkProvisionFailed) {
		t.Fatalf("expected NetworkProvisionFailed, got %v", err)
	}
	if step := appErr.GetError(err).Details["step"]; step != "policy-rule" {
		t.Fatalf("unexpected failed step: %v", step)
	}
	if n := host.Resources(); n != 0 {
		t.Fatalf("expected rollback to clean host, %d resources left", n)
	}
}

func TestProvisionCancelledRollsBack(t *testing.T) {
	host := netiso.NewMemoryHost()
	unit := netiso.NewUnit(host, netiso.Config{})
	alloc := newAllocation(t, "w-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := unit.Provision(ctx, alloc, endpoint); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
	if n := host.Resources(); n != 0 {
		t.Fatalf("expected clean host, %d resources left", n)
	}
}

func TestTeardownAttemptsEveryStepAndAggregates(t *testing.T) {
	host := netiso.NewMemoryHost()
	unit := netiso.NewUnit(host, netiso.Config{TeardownRetries: 1, RetryDelay: time.Millisecond})
	alloc := newAllocation(t, "w-1")
	rec, err := unit.Provision(context.Background(), alloc, endpoint)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	host.FailNext("FlushTable", errors.New("flush failed"))
	host.FailNext("DeleteLink", errors.New("link busy forever"))

	err = unit.Teardown(context.Background(), rec)
	if !appErr.Is(err, appErr.TeardownPartialFailure) {
		t.Fatalf("expected TeardownPartialFailure, got %v", err)
	}
	if got := len(appErr.Errors(appErr.GetError(err).Err)); got != 2 {
		t.Fatalf("expected 2 aggregated failures, got %d", got)
	}
	if len(host.Namespaces()) != 0 {
		t.Fatalf("namespace deletion must run after earlier failures")
	}
	calls := strings.Join(host.Calls(), ",")
	if !strings.Contains(calls, "DeletePolicyRule") || !strings.Contains(calls, "RemoveResolvConf") {
		t.Fatalf("expected all teardown steps to run, calls=%s", calls)
	}
}

func TestTeardownRetriesTransientErrors(t *testing.T) {
	host := netiso.NewMemoryHost()
	unit := netiso.NewUnit(host, netiso.Config{TeardownRetries: 3, RetryDelay: time.Millisecond})
	alloc := newAllocation(t, "w-1")
	rec, err := unit.Provision(context.Background(), alloc, endpoint)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	host.FailNext("DeleteNamespace", unix.EBUSY, unix.EBUSY)
	if err := unit.Teardown(context.Background(), rec); err != nil {
		t.Fatalf("expected transient errors to be retried, got %v", err)
	}
	if n := host.Resources(); n != 0 {
		t.Fatalf("expected clean host, %d resources left", n)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	host := netiso.NewMemoryHost()
	unit := netiso.NewUnit(host, netiso.Config{EgressLock: true})
	alloc := newAllocation(t, "w-1")
	rec, err := unit.Provision(context.Background(), alloc, endpoint)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := unit.Teardown(context.Background(), rec); err != nil {
		t.Fatalf("first teardown failed: %v", err)
	}
	if err := unit.Teardown(context.Background(), rec); err != nil {
		t.Fatalf("second teardown must tolerate absent resources: %v", err)
	}
}

func TestRebindRepointsRules(t *testing.T) {
	host := netiso.NewMemoryHost()
	unit := netiso.NewUnit(host, netiso.Config{EgressLock: true})
	alloc := newAllocation(t, "w-1")
	rec, err := unit.Provision(context.Background(), alloc, endpoint)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	next := model.ProxyEndpoint{Scheme: "http", Host: "198.51.100.7", Port: 3128}
	rebound, err := unit.Rebind(context.Background(), rec, next)
	if err != nil {
		t.Fatalf("rebind failed: %v", err)
	}
	if rebound.Namespace != rec.Namespace || rebound.TableID != rec.TableID || rebound.Mark != rec.Mark {
		t.Fatalf("rebind must keep allocation: %+v", rebound)
	}
	if rebound.EndpointKey != next.Key() {
		t.Fatalf("unexpected endpoint key: %s", rebound.EndpointKey)
	}
	if host.HasFilter("--dport 1080") {
		t.Fatalf("old proxy rule still present")
	}
	if !host.HasFilter("--dport 3128") {
		t.Fatalf("new proxy rule missing")
	}
	if host.HasFilter("--to-destination 203.0.113.10:1080") {
		t.Fatalf("gateway still translated to the old endpoint")
	}
	if !host.HasFilter("-j DNAT --to-destination 198.51.100.7:3128") {
		t.Fatalf("gateway not translated to the new endpoint")
	}
	if rebound.Gateway() != rec.Gateway() {
		t.Fatalf("gateway address must survive rebind: %s != %s", rebound.Gateway(), rec.Gateway())
	}
	if err := unit.Teardown(context.Background(), rebound); err != nil {
		t.Fatalf("teardown failed: %v", err)
	}
	if n := host.Resources(); n != 0 {
		t.Fatalf("expected clean host, %d resources left", n)
	}
}

func TestProvisionTranslatesGatewayToEndpoint(t *testing.T) {
	host := netiso.NewMemoryHost()
	unit := netiso.NewUnit(host, netiso.Config{GatewayPort: 8118})
	alloc := newAllocation(t, "w-1")
	rec, err := unit.Provision(context.Background(), alloc, endpoint)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if rec.Gateway() != alloc.HostAddr+":8118" {
		t.Fatalf("unexpected gateway: %s", rec.Gateway())
	}
	if rec.Upstream != "203.0.113.10:1080" {
		t.Fatalf("unexpected upstream: %s", rec.Upstream)
	}
	want := "-d " + alloc.HostAddr + " -p tcp --dport 8118"
	if !host.HasFilter(want) || !host.HasFilter("--to-destination 203.0.113.10:1080") {
		t.Fatalf("expected DNAT from %s to the endpoint", rec.Gateway())
	}
}

type staticResolver map[string][]net.IPAddr

func (r staticResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestProvisionResolvesEndpointHost(t *testing.T) {
	host := netiso.NewMemoryHost()
	resolver := staticResolver{
		"proxy.example.net": {{IP: net.ParseIP("2001:db8::1")}, {IP: net.ParseIP("192.0.2.44")}},
		"v6.example.net":    {{IP: net.ParseIP("2001:db8::2")}},
	}
	unit := netiso.NewUnit(host, netiso.Config{}, netiso.WithResolver(resolver))

	named := model.ProxyEndpoint{Scheme: "http", Host: "proxy.example.net", Port: 3128}
	rec, err := unit.Provision(context.Background(), newAllocation(t, "w-1"), named)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if rec.Upstream != "192.0.2.44:3128" {
		t.Fatalf("expected first IPv4 address, got %s", rec.Upstream)
	}
	if err := unit.Teardown(context.Background(), rec); err != nil {
		t.Fatalf("teardown failed: %v", err)
	}

	v6 := model.ProxyEndpoint{Scheme: "http", Host: "v6.example.net", Port: 3128}
	if _, err := unit.Provision(context.Background(), newAllocation(t, "w-2"), v6); !appErr.Is(err, appErr.InvalidEndpoint) {
		t.Fatalf("expected InvalidEndpoint for IPv6-only host, got %v", err)
	}
	missing := model.ProxyEndpoint{Scheme: "http", Host: "gone.example.net", Port: 3128}
	if _, err := unit.Provision(context.Background(), newAllocation(t, "w-3"), missing); !appErr.Is(err, appErr.ProxyUnreachable) {
		t.Fatalf("expected ProxyUnreachable, got %v", err)
	}
	if n := host.Resources(); n != 0 {
		t.Fatalf("resolution failures must not touch the host, %d resources left", n)
	}
}

func TestProvisionRollsBackEarlierDNSRules(t *testing.T) {
	host := netiso.NewMemoryHost()
	unit := netiso.NewUnit(host, netiso.Config{
		EgressLock: true,
		DNSServers: []string{"192.0.2.53", "198.51.100.53"},
		RetryDelay: time.Millisecond,
	})
	host.FailNext("InsertRule", nil, errors.New("iptables: resource temporarily unavailable"))

	_, err := unit.Provision(context.Background(), newAllocation(t, "w-1"), endpoint)
	if !appErr.Is(err, appErr.NetworkProvisionFailed) {
		t.Fatalf("expected NetworkProvisionFailed, got %v", err)
	}
	if step := appErr.GetError(err).Details["step"]; step != "dns-accept 198.51.100.53" {
		t.Fatalf("unexpected failed step: %v", step)
	}
	if host.HasFilter("-d 192.0.2.53") {
		t.Fatalf("accept rule for the first DNS server leaked")
	}
	if n := host.Resources(); n != 0 {
		t.Fatalf("expected clean host, %d resources left", n)
	}
}

func TestRebindFailureKeepsOldGateway(t *testing.T) {
	host := netiso.NewMemoryHost()
	unit := netiso.NewUnit(host, netiso.Config{EgressLock: true})
	rec, err := unit.Provision(context.Background(), newAllocation(t, "w-1"), endpoint)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	// The accept rule goes in first, then the DNAT fails.
	host.FailNext("InsertRule", nil, errors.New("iptables: no chain"))
	next := model.ProxyEndpoint{Scheme: "socks5", Host: "198.51.100.7", Port: 1080}
	got, err := unit.Rebind(context.Background(), rec, next)
	if !appErr.Is(err, appErr.NetworkProvisionFailed) {
		t.Fatalf("expected NetworkProvisionFailed, got %v", err)
	}
	if got.EndpointKey != rec.EndpointKey || got.Upstream != rec.Upstream {
		t.Fatalf("failed rebind must return the old record: %+v", got)
	}
	if host.HasFilter("198.51.100.7") {
		t.Fatalf("half-installed rules for the new endpoint leaked")
	}
	if !host.HasFilter("--to-destination 203.0.113.10:1080") {
		t.Fatalf("old gateway rule must stay")
	}
}
