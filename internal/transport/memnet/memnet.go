// Package memnet implements transport.Transport in process memory.
//
// Every listen socket and both ends of every connection live inside one
// Transport value, so a server peer and its clients must share it. Nothing
// happens in the background: state changes are queued and only reach the
// status callback from RunCallbacks, which makes the transport fully
// deterministic under test.
package memnet

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

const defaultPing = 5 * time.Millisecond

type conn struct {
	handle  transport.ConnHandle
	remote  transport.ConnHandle
	listen  transport.ListenHandle
	inbound bool
	state   transport.ConnState
	group   transport.PollGroupHandle
	inbox   []transport.Message
	sends   int
	sendErr error
}

type Transport struct {
	mu sync.Mutex

	logger   *slog.Logger
	next     uint32
	ping     time.Duration
	closed   bool
	callback transport.StatusChangedFunc

	listeners map[transport.ListenHandle]int
	ports     map[int]transport.ListenHandle
	conns     map[transport.ConnHandle]*conn
	groups    map[transport.PollGroupHandle][]transport.Message
	events    []transport.StatusChangedEvent
}

var _ transport.Transport = (*Transport)(nil)

func New(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		logger:    logger,
		ping:      defaultPing,
		listeners: make(map[transport.ListenHandle]int),
		ports:     make(map[int]transport.ListenHandle),
		conns:     make(map[transport.ConnHandle]*conn),
		groups:    make(map[transport.PollGroupHandle][]transport.Message),
	}
}

func (t *Transport) nextHandle() uint32 {
	t.next++
	return t.next
}

func (t *Transport) ListenIP(port int) (transport.ListenHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.InvalidListen, transport.ErrClosed
	}
	if _, exists := t.ports[port]; exists {
		return transport.InvalidListen, fmt.Errorf("memnet: port %d: %w", port, transport.ErrAddrInUse)
	}

	l := transport.ListenHandle(t.nextHandle())
	t.listeners[l] = port
	t.ports[port] = l
	return l, nil
}

// CloseListenSocket also closes every connection that arrived through l.
func (t *Transport) CloseListenSocket(l transport.ListenHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	port, ok := t.listeners[l]
	if !ok {
		return transport.ErrInvalidHandle
	}
	delete(t.listeners, l)
	delete(t.ports, port)

	for h, c := range t.conns {
		if c.listen == l {
			t.closeLocked(h)
		}
	}
	return nil
}

func (t *Transport) CreatePollGroup() (transport.PollGroupHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.InvalidPollGroup, transport.ErrClosed
	}
	g := transport.PollGroupHandle(t.nextHandle())
	t.groups[g] = nil
	return g, nil
}

func (t *Transport) DestroyPollGroup(g transport.PollGroupHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.groups[g]; !ok {
		return transport.ErrInvalidHandle
	}
	delete(t.groups, g)
	for _, c := range t.conns {
		if c.group == g {
			c.group = transport.InvalidPollGroup
		}
	}
	return nil
}

// Connect opens an outbound connection. The address only matters for its
// port; a port nobody listens on produces a connection that fails on the
// next RunCallbacks.
func (t *Transport) Connect(addr netip.AddrPort) (transport.ConnHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.InvalidConn, transport.ErrClosed
	}

	client := &conn{
		handle: transport.ConnHandle(t.nextHandle()),
		state:  transport.StateConnecting,
	}
	t.conns[client.handle] = client

	l, ok := t.ports[int(addr.Port())]
	if !ok {
		client.state = transport.StateProblemDetectedLocally
		t.queue(transport.StatusChangedEvent{
			Conn:     client.handle,
			OldState: transport.StateConnecting,
			NewState: transport.StateProblemDetectedLocally,
			EndDebug: "no listener on " + addr.String(),
		})
		return client.handle, nil
	}

	server := &conn{
		handle:  transport.ConnHandle(t.nextHandle()),
		remote:  client.handle,
		listen:  l,
		inbound: true,
		state:   transport.StateConnecting,
	}
	client.remote = server.handle
	t.conns[server.handle] = server

	t.queue(transport.StatusChangedEvent{
		Conn:         server.handle,
		ListenSocket: l,
		OldState:     transport.StateNone,
		NewState:     transport.StateConnecting,
	})
	return client.handle, nil
}

func (t *Transport) AcceptConnection(h transport.ConnHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[h]
	if !ok {
		return transport.ErrInvalidHandle
	}
	if !c.inbound || c.state != transport.StateConnecting {
		return transport.ErrInvalidState
	}

	t.setState(c, transport.StateConnected, "")
	if remote, ok := t.conns[c.remote]; ok && remote.state == transport.StateConnecting {
		t.setState(remote, transport.StateConnected, "")
	}
	return nil
}

func (t *Transport) CloseConnection(h transport.ConnHandle, reason int, debug string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[h]; !ok {
		return transport.ErrInvalidHandle
	}
	t.closeLocked(h)
	return nil
}

// closeLocked frees h without an event and tells the remote end.
func (t *Transport) closeLocked(h transport.ConnHandle) {
	c := t.conns[h]
	delete(t.conns, h)

	remote, ok := t.conns[c.remote]
	if !ok || remote.state.Closed() {
		return
	}
	t.setState(remote, transport.StateClosedByPeer, "closed by peer")
}

func (t *Transport) SetConnectionPollGroup(h transport.ConnHandle, g transport.PollGroupHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[h]
	if !ok {
		return transport.ErrInvalidHandle
	}
	if _, ok := t.groups[g]; !ok && g != transport.InvalidPollGroup {
		return transport.ErrInvalidHandle
	}

	c.group = g
	if g != transport.InvalidPollGroup && len(c.inbox) > 0 {
		t.groups[g] = append(t.groups[g], c.inbox...)
		c.inbox = nil
	}
	return nil
}

func (t *Transport) SendMessage(h transport.ConnHandle, data []byte, flags transport.SendFlags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[h]
	if !ok {
		return transport.ErrInvalidHandle
	}
	c.sends++
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.state != transport.StateConnecting && c.state != transport.StateConnected {
		return transport.ErrInvalidState
	}

	remote, ok := t.conns[c.remote]
	if !ok {
		return transport.ErrInvalidState
	}

	msg := transport.Message{
		Conn:  remote.handle,
		Data:  append([]byte(nil), data...),
		Flags: flags,
	}
	if remote.group != transport.InvalidPollGroup {
		t.groups[remote.group] = append(t.groups[remote.group], msg)
	} else {
		remote.inbox = append(remote.inbox, msg)
	}
	return nil
}

func (t *Transport) ReceiveOnPollGroup(g transport.PollGroupHandle, max int) []transport.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := t.groups[g]
	if len(pending) == 0 || max <= 0 {
		return nil
	}
	if max > len(pending) {
		max = len(pending)
	}

	out := make([]transport.Message, max)
	copy(out, pending[:max])
	t.groups[g] = pending[max:]
	return out
}

func (t *Transport) ConnectionState(h transport.ConnHandle) (transport.ConnState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[h]
	if !ok {
		return transport.StateNone, false
	}
	return c.state, true
}

func (t *Transport) RealTimeStatus(h transport.ConnHandle) (transport.RealTimeStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[h]
	if !ok {
		return transport.RealTimeStatus{}, transport.ErrInvalidHandle
	}
	if c.state != transport.StateConnected {
		return transport.RealTimeStatus{}, transport.ErrInvalidState
	}
	return transport.RealTimeStatus{Ping: t.ping, QualityLocal: 1}, nil
}

func (t *Transport) SetStatusChangedCallback(fn transport.StatusChangedFunc) {
	t.mu.Lock()
	t.callback = fn
	t.mu.Unlock()
}

// RunCallbacks delivers the events queued before the call. Events raised by
// the callbacks themselves wait for the next call.
func (t *Transport) RunCallbacks() {
	t.mu.Lock()
	events := t.events
	t.events = nil
	fn := t.callback
	t.mu.Unlock()

	if fn == nil {
		return
	}
	for _, ev := range events {
		fn(ev)
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.conns = make(map[transport.ConnHandle]*conn)
	t.listeners = make(map[transport.ListenHandle]int)
	t.ports = make(map[int]transport.ListenHandle)
	t.groups = make(map[transport.PollGroupHandle][]transport.Message)
	t.events = nil
	return nil
}

func (t *Transport) setState(c *conn, state transport.ConnState, debug string) {
	old := c.state
	c.state = state
	t.queue(transport.StatusChangedEvent{
		Conn:         c.handle,
		ListenSocket: c.listen,
		OldState:     old,
		NewState:     state,
		EndDebug:     debug,
	})
}

func (t *Transport) queue(ev transport.StatusChangedEvent) {
	t.logger.Debug("Connection state changed",
		"conn", ev.Conn, "old", ev.OldState.String(), "new", ev.NewState.String())
	t.events = append(t.events, ev)
}
