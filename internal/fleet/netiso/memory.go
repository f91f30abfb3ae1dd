package netiso

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// MemoryHost is an in-process Host that records network state without
// touching the kernel. It backs the "memory" network driver used for dry
// runs on unprivileged hosts.
type MemoryHost struct {
	mu         sync.Mutex
	namespaces map[string]bool
	links      map[string]string // link -> namespace ("" for host)
	resolv     map[string][]string
	rules      map[string]bool // "mark/table"
	tables     map[int]TableRoute
	filters    map[string]int // "table|chain|spec" -> count
	failures   map[string][]error
	calls      []string
}

// NewMemoryHost creates an empty in-memory host.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		namespaces: make(map[string]bool),
		links:      make(map[string]string),
		resolv:     make(map[string][]string),
		rules:      make(map[string]bool),
		tables:     make(map[int]TableRoute),
		filters:    make(map[string]int),
		failures:   make(map[string][]error),
	}
}

// FailNext queues errors returned by the next calls of op, e.g. "CreateVeth".
func (h *MemoryHost) FailNext(op string, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[op] = append(h.failures[op], errs...)
}

// Calls returns the operations invoked so far in order.
func (h *MemoryHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// Namespaces lists existing namespaces.
func (h *MemoryHost) Namespaces() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.namespaces))
	for ns := range h.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Resources counts every tracked artifact; zero means a clean host.
func (h *MemoryHost) Resources() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := len(h.namespaces) + len(h.links) + len(h.resolv) + len(h.rules) + len(h.tables)
	for _, n := range h.filters {
		total += n
	}
	return total
}

// HasFilter reports whether a filtering rule containing fragment exists.
func (h *MemoryHost) HasFilter(fragment string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, n := range h.filters {
		if n > 0 && strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}

func (h *MemoryHost) enter(op string) error {
	h.calls = append(h.calls, op)
	if queued := h.failures[op]; len(queued) > 0 {
		err := queued[0]
		h.failures[op] = queued[1:]
		return err
	}
	return nil
}

func (h *MemoryHost) NamespaceExists(name string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("NamespaceExists"); err != nil {
		return false, err
	}
	return h.namespaces[name], nil
}

func (h *MemoryHost) CreateNamespace(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("CreateNamespace"); err != nil {
		return err
	}
	if h.namespaces[name] {
		return unix.EEXIST
	}
	h.namespaces[name] = true
	return nil
}

func (h *MemoryHost) DeleteNamespace(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("DeleteNamespace"); err != nil {
		return err
	}
	delete(h.namespaces, name)
	for link, ns := range h.links {
		if ns == name {
			delete(h.links, link)
		}
	}
	return nil
}

func (h *MemoryHost) CreateVeth(hostName, peerName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("CreateVeth"); err != nil {
		return err
	}
	if _, ok := h.links[hostName]; ok {
		return unix.EEXIST
	}
	h.links[hostName] = ""
	h.links[peerName] = ""
	return nil
}

func (h *MemoryHost) DeleteLink(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("DeleteLink"); err != nil {
		return err
	}
	delete(h.links, name)
	// Deleting one veth end removes its peer.
	if strings.Contains(name, "h") {
		delete(h.links, peerOf(name))
	}
	return nil
}

func (h *MemoryHost) MoveLink(name, namespace string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("MoveLink"); err != nil {
		return err
	}
	if _, ok := h.links[name]; !ok {
		return unix.ENODEV
	}
	if !h.namespaces[namespace] {
		return unix.ENOENT
	}
	h.links[name] = namespace
	return nil
}

func (h *MemoryHost) AddAddress(namespace, link, cidr string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enter("AddAddress")
}

func (h *MemoryHost) LinkUp(namespace, link string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enter("LinkUp")
}

func (h *MemoryHost) AddDefaultRoute(namespace, gateway string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enter("AddDefaultRoute")
}

func (h *MemoryHost) WriteResolvConf(namespace string, servers []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("WriteResolvConf"); err != nil {
		return err
	}
	h.resolv[namespace] = append([]string(nil), servers...)
	return nil
}

func (h *MemoryHost) RemoveResolvConf(namespace string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("RemoveResolvConf"); err != nil {
		return err
	}
	delete(h.resolv, namespace)
	return nil
}

func (h *MemoryHost) AddPolicyRule(mark, table int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("AddPolicyRule"); err != nil {
		return err
	}
	h.rules[fmt.Sprintf("%d/%d", mark, table)] = true
	return nil
}

func (h *MemoryHost) DeletePolicyRule(mark, table int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("DeletePolicyRule"); err != nil {
		return err
	}
	delete(h.rules, fmt.Sprintf("%d/%d", mark, table))
	return nil
}

func (h *MemoryHost) ReplaceTableRoute(table int, route TableRoute) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("ReplaceTableRoute"); err != nil {
		return err
	}
	h.tables[table] = route
	return nil
}

func (h *MemoryHost) FlushTable(table int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("FlushTable"); err != nil {
		return err
	}
	delete(h.tables, table)
	return nil
}

func (h *MemoryHost) AppendRule(table, chain string, spec ...string) error {
	return h.addFilter("AppendRule", table, chain, spec)
}

func (h *MemoryHost) InsertRule(table, chain string, spec ...string) error {
	return h.addFilter("InsertRule", table, chain, spec)
}

func (h *MemoryHost) DeleteRule(table, chain string, spec ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("DeleteRule"); err != nil {
		return err
	}
	key := filterKey(table, chain, spec)
	if h.filters[key] <= 1 {
		delete(h.filters, key)
		return nil
	}
	h.filters[key]--
	return nil
}

func (h *MemoryHost) addFilter(op, table, chain string, spec []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(op); err != nil {
		return err
	}
	h.filters[filterKey(table, chain, spec)]++
	return nil
}

func filterKey(table, chain string, spec []string) string {
	return table + "|" + chain + "|" + strings.Join(spec, " ")
}

// peerOf maps a host-side veth name to its peer using the allocator's
// "<prefix>h<slot>" / "<prefix>p<slot>" convention.
func peerOf(hostName string) string {
	idx := strings.LastIndex(hostName, "h")
	if idx < 0 {
		return hostName
	}
	return hostName[:idx] + "p" + hostName[idx+1:]
}
