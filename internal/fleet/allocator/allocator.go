package allocator

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"egressfleet/internal/fleet/model"
	appErr "egressfleet/pkg/errors"
)

const (
	defaultSubnetPool      = "10.200.0.0/16"
	defaultBaseTable       = 1000
	defaultBaseMark        = 1000
	defaultNamespacePrefix = "ef-"
	defaultVethPrefix      = "ef"
	maxNamespaceLen        = 48
	// Each instance gets a /30: network, host side, peer side, broadcast.
	slotSize = 4
)

// Config controls the allocation ranges.
type Config struct {
	SubnetPool      string `yaml:"subnetPool"`
	BaseTable       int    `yaml:"baseTable"`
	BaseMark        int    `yaml:"baseMark"`
	MaxSlots        int    `yaml:"maxSlots"`
	NamespacePrefix string `yaml:"namespacePrefix"`
	VethPrefix      string `yaml:"vethPrefix"`
}

// Allocator issues namespace names, routing tables, marks and /30 subnets.
// Slot i maps to table BaseTable+i, mark BaseMark+i and the i-th /30 of the pool.
type Allocator struct {
	mu         sync.Mutex
	cfg        Config
	base       uint32
	maxSlots   uint32
	bitmap     []uint64
	nextFree   uint32
	namespaces map[string]uint32
	owners     map[uint32]string
}

// New validates the config and creates an allocator.
func New(cfg Config) (*Allocator, error) {
	if cfg.SubnetPool == "" {
		cfg.SubnetPool = defaultSubnetPool
	}
	if cfg.BaseTable <= 0 {
		cfg.BaseTable = defaultBaseTable
	}
	if cfg.BaseMark <= 0 {
		cfg.BaseMark = defaultBaseMark
	}
	if cfg.NamespacePrefix == "" {
		cfg.NamespacePrefix = defaultNamespacePrefix
	}
	if cfg.VethPrefix == "" {
		cfg.VethPrefix = defaultVethPrefix
	}
	_, pool, err := net.ParseCIDR(cfg.SubnetPool)
	if err != nil {
		return nil, fmt.Errorf("parse subnet pool: %w", err)
	}
	base, err := ipToUint32(pool.IP)
	if err != nil {
		return nil, err
	}
	ones, bits := pool.Mask.Size()
	if bits-ones < 2 {
		return nil, fmt.Errorf("subnet pool %s is too small", cfg.SubnetPool)
	}
	poolSlots := uint32(1) << (bits - ones) / slotSize
	maxSlots := poolSlots
	if cfg.MaxSlots > 0 && uint32(cfg.MaxSlots) < maxSlots {
		maxSlots = uint32(cfg.MaxSlots)
	}
	// Routing table ids above 252 collide with the kernel's reserved tables
	// (default 253, main 254, local 255) when the range crosses them.
	if cfg.BaseTable <= 255 && cfg.BaseTable+int(maxSlots) > 252 {
		if cfg.BaseTable >= 253 {
			return nil, fmt.Errorf("base table %d overlaps reserved tables", cfg.BaseTable)
		}
		maxSlots = uint32(252 - cfg.BaseTable)
	}
	if maxSlots == 0 {
		return nil, fmt.Errorf("allocation range is empty")
	}
	return &Allocator{
		cfg:        cfg,
		base:       base,
		maxSlots:   maxSlots,
		bitmap:     make([]uint64, (maxSlots+63)/64),
		namespaces: make(map[string]uint32),
		owners:     make(map[uint32]string),
	}, nil
}

// Allocate issues a fresh allocation for the instance id.
func (a *Allocator) Allocate(id string) (model.Allocation, error) {
	if id == "" {
		return model.Allocation{}, appErr.ValidationError("id", "required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.findFree()
	if !ok {
		return model.Allocation{}, appErr.Newf(appErr.ResourceAllocationFailed, "allocation pool exhausted (%d slots)", a.maxSlots).
			WithDetail("instance_id", id)
	}
	name := a.namespaceFor(id, slot)
	a.setBit(slot)
	a.nextFree = slot + 1
	a.namespaces[name] = slot
	a.owners[slot] = id
	return a.build(slot, name), nil
}

// Reserve marks a previously issued allocation as in use, e.g. after restart.
func (a *Allocator) Reserve(id string, alloc model.Allocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, err := a.slotOf(alloc)
	if err != nil {
		return err
	}
	if a.isBitSet(slot) {
		return appErr.Newf(appErr.NamespaceCollision, "allocation slot %d already owned by %s", slot, a.owners[slot]).
			WithDetail("instance_id", id)
	}
	if _, taken := a.namespaces[alloc.Namespace]; taken {
		return appErr.Newf(appErr.NamespaceCollision, "namespace %s already allocated", alloc.Namespace).
			WithDetail("instance_id", id)
	}
	a.setBit(slot)
	a.namespaces[alloc.Namespace] = slot
	a.owners[slot] = id
	return nil
}

// Release returns the allocation to the pool. Releasing twice is a no-op.
func (a *Allocator) Release(alloc model.Allocation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, err := a.slotOf(alloc)
	if err != nil {
		return
	}
	if owner, ok := a.namespaces[alloc.Namespace]; ok && owner == slot {
		delete(a.namespaces, alloc.Namespace)
	}
	delete(a.owners, slot)
	a.clearBit(slot)
	if slot < a.nextFree {
		a.nextFree = slot
	}
}

// InUse returns how many slots are allocated.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.owners)
}

// Capacity returns the total number of slots.
func (a *Allocator) Capacity() int {
	return int(a.maxSlots)
}

func (a *Allocator) findFree() (uint32, bool) {
	for i := uint32(0); i < a.maxSlots; i++ {
		slot := (a.nextFree + i) % a.maxSlots
		if !a.isBitSet(slot) {
			return slot, true
		}
	}
	return 0, false
}

func (a *Allocator) namespaceFor(id string, slot uint32) string {
	name := a.cfg.NamespacePrefix + sanitize(id)
	if len(name) > maxNamespaceLen {
		name = name[:maxNamespaceLen]
	}
	candidate := name
	for n := 0; ; n++ {
		if _, taken := a.namespaces[candidate]; !taken {
			return candidate
		}
		suffix := fmt.Sprintf("-%d", slot)
		if n > 0 {
			suffix = fmt.Sprintf("-%d-%d", slot, n)
		}
		trimmed := name
		if len(trimmed)+len(suffix) > maxNamespaceLen {
			trimmed = trimmed[:maxNamespaceLen-len(suffix)]
		}
		candidate = trimmed + suffix
	}
}

func (a *Allocator) build(slot uint32, namespace string) model.Allocation {
	subnet := a.base + slot*slotSize
	return model.Allocation{
		Namespace: namespace,
		TableID:   a.cfg.BaseTable + int(slot),
		Mark:      a.cfg.BaseMark + int(slot),
		Subnet:    fmt.Sprintf("%s/30", uint32ToIP(subnet)),
		HostAddr:  uint32ToIP(subnet + 1).String(),
		PeerAddr:  uint32ToIP(subnet + 2).String(),
		HostVeth:  fmt.Sprintf("%sh%x", a.cfg.VethPrefix, slot),
		PeerVeth:  fmt.Sprintf("%sp%x", a.cfg.VethPrefix, slot),
	}
}

func (a *Allocator) slotOf(alloc model.Allocation) (uint32, error) {
	offset := alloc.TableID - a.cfg.BaseTable
	if offset < 0 || uint32(offset) >= a.maxSlots {
		return 0, appErr.Newf(appErr.ResourceAllocationFailed, "table id %d outside allocation range", alloc.TableID)
	}
	return uint32(offset), nil
}

func (a *Allocator) setBit(pos uint32) {
	a.bitmap[pos/64] |= 1 << (pos % 64)
}

func (a *Allocator) clearBit(pos uint32) {
	a.bitmap[pos/64] &^= 1 << (pos % 64)
}

func (a *Allocator) isBitSet(pos uint32) bool {
	if pos >= a.maxSlots {
		return true
	}
	return a.bitmap[pos/64]&(1<<(pos%64)) != 0
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func ipToUint32(ip net.IP) (uint32, error) {
	ip = ip.To4()
	if ip == nil {
		return 0, fmt.Errorf("not an IPv4 address")
	}
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3]), nil
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
