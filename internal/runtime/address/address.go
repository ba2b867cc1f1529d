// Package address builds and parses the canonical handler addresses used to
// reach handlers on other nodes:
//
//	akka://<system>@<host>:<port>/user/<name>
//
// Addresses are computed locally from well-known system and handler names; no
// lookup service is involved and nothing here touches the network.
package address

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	errspkg "github.com/powerjob/remoting/internal/runtime/errors"
)

// Scheme prefixes every serialized address. Server and worker runtimes must
// agree on it bit-for-bit.
const Scheme = "akka"

const userGuardian = "/user/"

// Well-known system and handler names.
const (
	ServerSystemName = "oms-server"
	WorkerSystemName = "oms"

	ServerDispatchName        = "server_actor"
	PeerLiaisonName           = "friend_actor"
	ServerTroubleshootingName = "server_troubleshooting_actor"

	WorkerTaskTrackerName      = "task_tracker"
	WorkerProcessorTrackerName = "processor_tracker"
	WorkerDispatchName         = "worker"
	WorkerTroubleshootingName  = "troubleshooting"
)

// Default ports for server and worker runtimes.
const (
	DefaultServerPort = 10086
	DefaultWorkerPort = 27777
)

// Endpoint identifies a reachable process.
type Endpoint struct {
	Host string
	Port int
}

// String renders host:port, bracketing IPv6 hosts.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// ParseEndpoint parses "host:port" (the form peers exchange in heartbeats).
func ParseEndpoint(s string) (Endpoint, error) {
	host, rawPort, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: endpoint %q: %v", errspkg.ErrInvalidAddress, s, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: endpoint %q has no host", errspkg.ErrInvalidAddress, s)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: endpoint %q has invalid port", errspkg.ErrInvalidAddress, s)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Address is an opaque, comparable reference to a named handler on a node.
// Equal inputs produce equal addresses; an Address owns no connection.
type Address struct {
	System   string
	Endpoint Endpoint
	Name     string
}

// New composes an address.
func New(system string, endpoint Endpoint, name string) Address {
	return Address{System: system, Endpoint: endpoint, Name: name}
}

// String renders the canonical form.
func (a Address) String() string {
	return Scheme + "://" + a.System + "@" + a.Endpoint.String() + userGuardian + a.Name
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Parse is the strict inverse of Address.String.
func Parse(s string) (Address, error) {
	rest, ok := strings.CutPrefix(s, Scheme+"://")
	if !ok {
		return Address{}, fmt.Errorf("%w: %q: expected scheme %s://", errspkg.ErrInvalidAddress, s, Scheme)
	}
	system, rest, ok := strings.Cut(rest, "@")
	if !ok || system == "" {
		return Address{}, fmt.Errorf("%w: %q: missing system name", errspkg.ErrInvalidAddress, s)
	}
	idx := strings.Index(rest, userGuardian)
	if idx < 0 {
		return Address{}, fmt.Errorf("%w: %q: missing %s path", errspkg.ErrInvalidAddress, s, userGuardian)
	}
	endpoint, err := ParseEndpoint(rest[:idx])
	if err != nil {
		return Address{}, err
	}
	name := rest[idx+len(userGuardian):]
	if name == "" || strings.Contains(name, "/") {
		return Address{}, fmt.Errorf("%w: %q: invalid handler name", errspkg.ErrInvalidAddress, s)
	}
	return Address{System: system, Endpoint: endpoint, Name: name}, nil
}

// Role names a well-known handler on a server or worker node.
type Role int

const (
	ServerDispatch Role = iota + 1
	PeerLiaison
	ServerTroubleshooting
	WorkerTaskTracker
	WorkerProcessorTracker
	WorkerDispatch
)

type roleSpec struct {
	system string
	name   string
	label  string
}

var roles = map[Role]roleSpec{
	ServerDispatch:         {ServerSystemName, ServerDispatchName, "server-dispatch"},
	PeerLiaison:            {ServerSystemName, PeerLiaisonName, "peer-liaison"},
	ServerTroubleshooting:  {ServerSystemName, ServerTroubleshootingName, "server-troubleshooting"},
	WorkerTaskTracker:      {WorkerSystemName, WorkerTaskTrackerName, "worker-task-tracker"},
	WorkerProcessorTracker: {WorkerSystemName, WorkerProcessorTrackerName, "worker-processor-tracker"},
	WorkerDispatch:         {WorkerSystemName, WorkerDispatchName, "worker-dispatch"},
}

// System returns the system name the role's handler lives in.
func (r Role) System() string { return roles[r].system }

// HandlerName returns the logical handler name registered for the role.
func (r Role) HandlerName() string { return roles[r].name }

func (r Role) String() string {
	if spec, ok := roles[r]; ok {
		return spec.label
	}
	return "role(" + strconv.Itoa(int(r)) + ")"
}

// AddressOf computes the address of the role's handler at endpoint. It does
// not check that the peer exists or that the role fits the node type.
func AddressOf(endpoint Endpoint, role Role) Address {
	spec := roles[role]
	return Address{System: spec.system, Endpoint: endpoint, Name: spec.name}
}
