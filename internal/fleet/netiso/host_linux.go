//go:build linux

package netiso

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	appErr "egressfleet/pkg/errors"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

const (
	netnsRunDir      = "/var/run/netns"
	netnsEtcDir      = "/etc/netns"
	iptablesTimeout  = 10 * time.Second
	defaultIPTables  = "iptables"
	iptablesNoMatch  = 1
	resolvConfHeader = "# generated by egressfleet\n"
)

// KernelHost implements Host with netlink, named network namespaces and the
// iptables binary.
type KernelHost struct {
	iptables string
}

// NewKernelHost creates a Host that changes the real kernel state.
func NewKernelHost(iptablesPath string) (Host, error) {
	if iptablesPath == "" {
		iptablesPath = defaultIPTables
	}
	resolved, err := exec.LookPath(iptablesPath)
	if err != nil {
		return nil, fmt.Errorf("iptables binary not found: %w", err)
	}
	return &KernelHost{iptables: resolved}, nil
}

func (h *KernelHost) NamespaceExists(name string) (bool, error) {
	_, err := os.Stat(filepath.Join(netnsRunDir, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (h *KernelHost) CreateNamespace(name string) error {
	// NewNamed switches the calling thread into the new namespace.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get current netns: %w", err)
	}
	defer origin.Close()

	created, err := netns.NewNamed(name)
	if err != nil {
		_ = netns.Set(origin)
		return fmt.Errorf("create netns %s: %w", name, err)
	}
	created.Close()
	if err := netns.Set(origin); err != nil {
		return fmt.Errorf("restore netns: %w", err)
	}
	return nil
}

func (h *KernelHost) DeleteNamespace(name string) error {
	err := netns.DeleteNamed(name)
	if err != nil && (errors.Is(err, os.ErrNotExist) || IsAbsent(err)) {
		return nil
	}
	return err
}

func (h *KernelHost) CreateVeth(hostName, peerName string) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostName},
		PeerName:  peerName,
	}
	return netlink.LinkAdd(veth)
}

func (h *KernelHost) DeleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}

func (h *KernelHost) MoveLink(name, namespace string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	target, err := netns.GetFromName(namespace)
	if err != nil {
		return fmt.Errorf("open netns %s: %w", namespace, err)
	}
	defer target.Close()
	return netlink.LinkSetNsFd(link, int(target))
}

func (h *KernelHost) AddAddress(namespace, link, cidr string) error {
	return withHandle(namespace, func(handle *netlink.Handle) error {
		l, err := handle.LinkByName(link)
		if err != nil {
			return err
		}
		addr, err := netlink.ParseAddr(cidr)
		if err != nil {
			return err
		}
		if err := handle.AddrAdd(l, addr); err != nil && !errors.Is(err, unix.EEXIST) {
			return err
		}
		return nil
	})
}

func (h *KernelHost) LinkUp(namespace, link string) error {
	return withHandle(namespace, func(handle *netlink.Handle) error {
		l, err := handle.LinkByName(link)
		if err != nil {
			return err
		}
		return handle.LinkSetUp(l)
	})
}

func (h *KernelHost) AddDefaultRoute(namespace, gateway string) error {
	return withHandle(namespace, func(handle *netlink.Handle) error {
		gw := net.ParseIP(gateway)
		if gw == nil {
			return fmt.Errorf("invalid gateway %q", gateway)
		}
		if err := handle.RouteAdd(&netlink.Route{Gw: gw}); err != nil && !errors.Is(err, unix.EEXIST) {
			return err
		}
		return nil
	})
}

func (h *KernelHost) WriteResolvConf(namespace string, servers []string) error {
	dir := filepath.Join(netnsEtcDir, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(resolvConfHeader)
	for _, server := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", server)
	}
	b.WriteString("options edns0\n")
	return os.WriteFile(filepath.Join(dir, "resolv.conf"), []byte(b.String()), 0o644)
}

func (h *KernelHost) RemoveResolvConf(namespace string) error {
	return os.RemoveAll(filepath.Join(netnsEtcDir, namespace))
}

func (h *KernelHost) AddPolicyRule(mark, table int) error {
	if err := netlink.RuleAdd(policyRule(mark, table)); err != nil && !errors.Is(err, unix.EEXIST) {
		return err
	}
	return nil
}

func (h *KernelHost) DeletePolicyRule(mark, table int) error {
	err := netlink.RuleDel(policyRule(mark, table))
	if err != nil && IsAbsent(err) {
		return nil
	}
	return err
}

func (h *KernelHost) ReplaceTableRoute(table int, route TableRoute) error {
	r := &netlink.Route{Table: table}
	switch {
	case route.Device != "" || route.Gateway != "":
		if route.Device != "" {
			link, err := netlink.LinkByName(route.Device)
			if err != nil {
				return fmt.Errorf("lookup egress device %s: %w", route.Device, err)
			}
			r.LinkIndex = link.Attrs().Index
		}
		if route.Gateway != "" {
			r.Gw = net.ParseIP(route.Gateway)
		}
	default:
		main, err := mainDefaultRoute()
		if err != nil {
			return err
		}
		r.LinkIndex = main.LinkIndex
		r.Gw = main.Gw
	}
	return netlink.RouteReplace(r)
}

func (h *KernelHost) FlushTable(table int) error {
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: table}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return err
	}
	var errs []error
	for i := range routes {
		if err := netlink.RouteDel(&routes[i]); err != nil && !IsAbsent(err) {
			errs = append(errs, err)
		}
	}
	return appErr.Join(errs...)
}

func (h *KernelHost) AppendRule(table, chain string, spec ...string) error {
	return h.addRule("-A", table, chain, spec)
}

func (h *KernelHost) InsertRule(table, chain string, spec ...string) error {
	return h.addRule("-I", table, chain, spec)
}

func (h *KernelHost) DeleteRule(table, chain string, spec ...string) error {
	exists, err := h.ruleExists(table, chain, spec)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return h.runIPTables(append([]string{"-t", table, "-D", chain}, spec...))
}

func (h *KernelHost) addRule(op, table, chain string, spec []string) error {
	return h.runIPTables(append([]string{"-t", table, op, chain}, spec...))
}

func (h *KernelHost) ruleExists(table, chain string, spec []string) (bool, error) {
	err := h.runIPTables(append([]string{"-t", table, "-C", chain}, spec...))
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == iptablesNoMatch {
		return false, nil
	}
	return false, err
}

func (h *KernelHost) runIPTables(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), iptablesTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, h.iptables, append([]string{"-w"}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "Resource temporarily unavailable") {
			return fmt.Errorf("iptables %s: %s: %w", strings.Join(args, " "), msg, unix.EAGAIN)
		}
		return &iptablesError{args: args, stderr: msg, err: err}
	}
	return nil
}

type iptablesError struct {
	args   []string
	stderr string
	err    error
}

func (e *iptablesError) Error() string {
	return fmt.Sprintf("iptables %s: %s", strings.Join(e.args, " "), e.stderr)
}

func (e *iptablesError) Unwrap() error {
	return e.err
}

func policyRule(mark, table int) *netlink.Rule {
	rule := netlink.NewRule()
	rule.Family = netlink.FAMILY_V4
	rule.Mark = uint32(mark)
	rule.Table = table
	return rule
}

func mainDefaultRoute() (*netlink.Route, error) {
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: unix.RT_TABLE_MAIN}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, err
	}
	for i := range routes {
		dst := routes[i].Dst
		if dst == nil {
			return &routes[i], nil
		}
		if ones, _ := dst.Mask.Size(); ones == 0 && dst.IP.IsUnspecified() {
			return &routes[i], nil
		}
	}
	return nil, fmt.Errorf("host has no default route to copy")
}

func withHandle(namespace string, fn func(*netlink.Handle) error) error {
	if namespace == "" {
		handle, err := netlink.NewHandle()
		if err != nil {
			return err
		}
		defer handle.Close()
		return fn(handle)
	}
	ns, err := netns.GetFromName(namespace)
	if err != nil {
		return fmt.Errorf("open netns %s: %w", namespace, err)
	}
	defer ns.Close()
	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return err
	}
	defer handle.Close()
	return fn(handle)
}
