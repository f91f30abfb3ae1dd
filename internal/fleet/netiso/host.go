package netiso

import (
	"errors"

	"golang.org/x/sys/unix"
)

// TableRoute is the default route installed in an instance routing table.
// An empty route copies the host's main default route.
type TableRoute struct {
	Device  string
	Gateway string
}

// Host is the privileged host network boundary. Every delete operation must
// treat an absent resource as success.
type Host interface {
	NamespaceExists(name string) (bool, error)
	CreateNamespace(name string) error
	DeleteNamespace(name string) error

	CreateVeth(hostName, peerName string) error
	DeleteLink(name string) error
	MoveLink(name, namespace string) error
	// namespace "" addresses the host namespace.
	AddAddress(namespace, link, cidr string) error
	LinkUp(namespace, link string) error
	AddDefaultRoute(namespace, gateway string) error

	WriteResolvConf(namespace string, servers []string) error
	RemoveResolvConf(namespace string) error

	AddPolicyRule(mark, table int) error
	DeletePolicyRule(mark, table int) error
	ReplaceTableRoute(table int, route TableRoute) error
	FlushTable(table int) error

	AppendRule(table, chain string, spec ...string) error
	InsertRule(table, chain string, spec ...string) error
	DeleteRule(table, chain string, spec ...string) error
}

// IsTransient reports errors worth retrying during teardown.
func IsTransient(err error) bool {
	return errors.Is(err, unix.EBUSY) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// IsAbsent reports errors meaning the resource is already gone.
func IsAbsent(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ENODEV)
}
