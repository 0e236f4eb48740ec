// Package transport defines the contract between a peer and the
// connection-oriented message transport underneath it.
//
// The model is handle based: listen sockets, connections and poll groups are
// opaque integers owned by the transport. State changes are not delivered per
// connection; the transport collects them and hands every event to one
// status-changed callback when RunCallbacks is invoked.
package transport

import (
	"net/netip"
	"time"
)

type ConnHandle uint32

type ListenHandle uint32

type PollGroupHandle uint32

// Zero handles are never issued.
const (
	InvalidConn      ConnHandle      = 0
	InvalidListen    ListenHandle    = 0
	InvalidPollGroup PollGroupHandle = 0
)

type ConnState int

const (
	StateNone ConnState = iota
	StateConnecting
	StateFindingRoute
	StateConnected
	StateClosedByPeer
	StateProblemDetectedLocally
)

func (s ConnState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateConnecting:
		return "CONNECTING"
	case StateFindingRoute:
		return "FINDING_ROUTE"
	case StateConnected:
		return "CONNECTED"
	case StateClosedByPeer:
		return "CLOSED_BY_PEER"
	case StateProblemDetectedLocally:
		return "PROBLEM_DETECTED_LOCALLY"
	default:
		return "UNKNOWN"
	}
}

// Closed reports whether the state is one of the terminal states a connection
// reaches without the local side closing it.
func (s ConnState) Closed() bool {
	return s == StateClosedByPeer || s == StateProblemDetectedLocally
}

type SendFlags int

const (
	SendReliable SendFlags = iota
	SendUnreliable
	SendUnreliableNoDelay
)

func (f SendFlags) String() string {
	switch f {
	case SendReliable:
		return "RELIABLE"
	case SendUnreliable:
		return "UNRELIABLE"
	case SendUnreliableNoDelay:
		return "UNRELIABLE_NO_DELAY"
	default:
		return "UNKNOWN"
	}
}

// StatusChangedEvent is the payload of the process-wide status callback.
// ListenSocket is set for connections that arrived through a listen socket.
type StatusChangedEvent struct {
	Conn         ConnHandle
	ListenSocket ListenHandle
	OldState     ConnState
	NewState     ConnState
	EndReason    int
	EndDebug     string
}

// Message is one inbound message drained from a poll group.
type Message struct {
	Conn  ConnHandle
	Data  []byte
	Flags SendFlags
}

type RealTimeStatus struct {
	Ping         time.Duration
	QualityLocal float32
}

type StatusChangedFunc func(StatusChangedEvent)

// Transport is the connection-oriented message transport a peer drives.
// Implementations never invoke the status callback from anywhere but
// RunCallbacks.
type Transport interface {
	ListenIP(port int) (ListenHandle, error)
	CloseListenSocket(l ListenHandle) error

	CreatePollGroup() (PollGroupHandle, error)
	DestroyPollGroup(g PollGroupHandle) error

	Connect(addr netip.AddrPort) (ConnHandle, error)
	AcceptConnection(c ConnHandle) error
	CloseConnection(c ConnHandle, reason int, debug string) error
	SetConnectionPollGroup(c ConnHandle, g PollGroupHandle) error

	SendMessage(c ConnHandle, data []byte, flags SendFlags) error
	ReceiveOnPollGroup(g PollGroupHandle, max int) []Message

	ConnectionState(c ConnHandle) (ConnState, bool)
	RealTimeStatus(c ConnHandle) (RealTimeStatus, error)

	SetStatusChangedCallback(fn StatusChangedFunc)
	RunCallbacks()

	Close() error
}
