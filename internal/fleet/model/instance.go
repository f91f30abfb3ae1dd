package model

import (
	"net"
	"strconv"
	"time"
)

// State is the lifecycle state of an instance.
type State string

const (
	StateCreated       State = "created"
	StateAllocating    State = "allocating"
	StateNetworkReady  State = "network_ready"
	StateSecurityReady State = "security_ready"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateRemoved       State = "removed"
	StateFailed        State = "failed"
	StateDegraded      State = "degraded"
)

// InProgress reports whether the state belongs to a provisioning or
// stopping sequence that has not settled yet.
func (s State) InProgress() bool {
	switch s {
	case StateCreated, StateAllocating, StateNetworkReady, StateSecurityReady, StateStarting, StateStopping:
		return true
	default:
		return false
	}
}

// Live reports whether the instance holds network and security resources.
func (s State) Live() bool {
	switch s {
	case StateNetworkReady, StateSecurityReady, StateStarting, StateRunning, StateDegraded, StateStopping:
		return true
	default:
		return false
	}
}

// Allocation holds the numeric resources issued to one instance.
type Allocation struct {
	Namespace string `json:"namespace"`
	TableID   int    `json:"table_id"`
	Mark      int    `json:"mark"`
	Subnet    string `json:"subnet"`
	HostAddr  string `json:"host_addr"`
	PeerAddr  string `json:"peer_addr"`
	HostVeth  string `json:"host_veth"`
	PeerVeth  string `json:"peer_veth"`
}

// NetworkRecord describes the isolated network of one instance. The sandbox
// dials the proxy at HostAddr:GatewayPort; the host translates that address
// to Upstream, the resolved address of the bound endpoint.
type NetworkRecord struct {
	Allocation
	EndpointKey string `json:"endpoint_key"`
	GatewayPort int    `json:"gateway_port,omitempty"`
	Upstream    string `json:"upstream,omitempty"`
}

// Gateway returns the in-namespace proxy address, or "" when the record has
// no gateway.
func (n NetworkRecord) Gateway() string {
	if n.HostAddr == "" || n.GatewayPort == 0 {
		return ""
	}
	return net.JoinHostPort(n.HostAddr, strconv.Itoa(n.GatewayPort))
}

// DegradeReason tells why an instance is Degraded.
type DegradeReason string

const (
	// DegradedProxy means no reachable endpoint was found; a later rotation
	// lifts it.
	DegradedProxy DegradeReason = "proxy"
	// DegradedSandbox means the sandbox exited; only a restart lifts it.
	DegradedSandbox DegradeReason = "sandbox"
)

// ResourceLimits are the cgroup limits handed to the runtime.
type ResourceLimits struct {
	CPUShares   int64 `json:"cpu_shares"`
	CPUPeriod   int64 `json:"cpu_period"`
	CPUQuota    int64 `json:"cpu_quota"`
	MemoryBytes int64 `json:"memory_bytes"`
	PidsLimit   int64 `json:"pids_limit"`
}

// SecurityProfile references the stored seccomp and AppArmor profiles.
type SecurityProfile struct {
	InstanceID   string         `json:"instance_id"`
	Syscalls     []string       `json:"syscalls,omitempty"`
	SeccompPath  string         `json:"seccomp_path"`
	AppArmorName string         `json:"apparmor_name"`
	AppArmorPath string         `json:"apparmor_path"`
	AppArmorText string         `json:"-"`
	Limits       ResourceLimits `json:"limits"`
}

// Instance is the full record of a worker instance.
type Instance struct {
	ID         string           `json:"id"`
	State      State            `json:"state"`
	Image      string           `json:"image"`
	SandboxID  string           `json:"sandbox_id,omitempty"`
	Endpoint   *ProxyEndpoint   `json:"endpoint,omitempty"`
	Allocation *Allocation      `json:"allocation,omitempty"`
	Network    *NetworkRecord   `json:"network,omitempty"`
	Profile    *SecurityProfile `json:"profile,omitempty"`
	Limits     ResourceLimits   `json:"limits"`
	LastError  string           `json:"last_error,omitempty"`
	// Degraded is set while State is Degraded.
	Degraded  DegradeReason `json:"degraded,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with the registry.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	if i.Endpoint != nil {
		ep := *i.Endpoint
		out.Endpoint = &ep
	}
	if i.Allocation != nil {
		alloc := *i.Allocation
		out.Allocation = &alloc
	}
	if i.Network != nil {
		nw := *i.Network
		out.Network = &nw
	}
	if i.Profile != nil {
		p := *i.Profile
		p.Syscalls = append([]string(nil), i.Profile.Syscalls...)
		out.Profile = &p
	}
	return &out
}

// Event is published on every lifecycle transition.
type Event struct {
	InstanceID string    `json:"instance_id"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}
