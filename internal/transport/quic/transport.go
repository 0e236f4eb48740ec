// Package quic implements transport.Transport on top of quic-go.
//
// Each connection carries one bidirectional control stream for reliable
// frames; unreliable messages that fit go out as QUIC datagrams. Background
// goroutines only record state changes and inbound messages. The status
// callback runs from RunCallbacks and nowhere else.
//
// QUIC has no notion of a pending connection, so acceptance is emulated: the
// dialer opens the control stream with a hello frame, the listener reports the
// connection as Connecting, and the dialer becomes Connected only after
// AcceptConnection answers with an accept frame.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

const (
	dialTimeout  = 10 * time.Second
	helloTimeout = 5 * time.Second
)

type listener struct {
	handle transport.ListenHandle
	ln     *quicgo.Listener
	cancel context.CancelFunc
}

type conn struct {
	handle  transport.ConnHandle
	listen  transport.ListenHandle
	inbound bool
	state   transport.ConnState
	group   transport.PollGroupHandle
	inbox   []transport.Message
	rtt     time.Duration

	qc     *quicgo.Conn
	stream *quicgo.Stream
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

type Transport struct {
	mu sync.Mutex

	logger       *slog.Logger
	tlsConf      *tls.Config
	quicConf     *quicgo.Config
	pingInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	next     uint32
	closed   bool
	callback transport.StatusChangedFunc

	listeners map[transport.ListenHandle]*listener
	conns     map[transport.ConnHandle]*conn
	groups    map[transport.PollGroupHandle][]transport.Message
	events    []transport.StatusChangedEvent
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tlsConf := cfg.TLS
	if tlsConf == nil {
		var err error
		if tlsConf, err = DefaultTLSConfig(); err != nil {
			return nil, fmt.Errorf("quic: tls config: %w", err)
		}
	}

	quicConf := cfg.QUIC
	if quicConf == nil {
		quicConf = DefaultQUICConfig()
	}

	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		logger:       logger,
		tlsConf:      tlsConf,
		quicConf:     quicConf,
		pingInterval: pingInterval,
		ctx:          ctx,
		cancel:       cancel,
		listeners:    make(map[transport.ListenHandle]*listener),
		conns:        make(map[transport.ConnHandle]*conn),
		groups:       make(map[transport.PollGroupHandle][]transport.Message),
	}, nil
}

func (t *Transport) nextHandle() uint32 {
	t.next++
	return t.next
}

// ListenIP listens on every interface. Port 0 picks a free port; see Addr.
func (t *Transport) ListenIP(port int) (transport.ListenHandle, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.InvalidListen, transport.ErrClosed
	}

	ln, err := quicgo.ListenAddr(fmt.Sprintf(":%d", port), t.tlsConf, t.quicConf)
	if err != nil {
		return transport.InvalidListen, fmt.Errorf("quic: listen on port %d: %w", port, err)
	}

	ctx, cancel := context.WithCancel(t.ctx)
	t.mu.Lock()
	l := &listener{
		handle: transport.ListenHandle(t.nextHandle()),
		ln:     ln,
		cancel: cancel,
	}
	t.listeners[l.handle] = l
	t.mu.Unlock()

	t.logger.Info("Listening", "addr", ln.Addr().String(), "listen", l.handle)

	t.wg.Add(1)
	go t.acceptLoop(ctx, l)
	return l.handle, nil
}

// Addr returns the local address of a listen socket.
func (t *Transport) Addr(l transport.ListenHandle) (net.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ls, ok := t.listeners[l]
	if !ok {
		return nil, false
	}
	return ls.ln.Addr(), true
}

func (t *Transport) CloseListenSocket(l transport.ListenHandle) error {
	t.mu.Lock()
	ls, ok := t.listeners[l]
	if !ok {
		t.mu.Unlock()
		return transport.ErrInvalidHandle
	}
	delete(t.listeners, l)

	var doomed []*conn
	for h, c := range t.conns {
		if c.listen == l {
			delete(t.conns, h)
			doomed = append(doomed, c)
		}
	}
	t.mu.Unlock()

	ls.cancel()
	for _, c := range doomed {
		c.close(0, "listen socket closed")
	}
	return ls.ln.Close()
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

// Connect starts dialing in the background. Failure surfaces as a
// ProblemDetectedLocally event.
func (t *Transport) Connect(addr netip.AddrPort) (transport.ConnHandle, error) {
	if !addr.IsValid() {
		return transport.InvalidConn, fmt.Errorf("quic: invalid address %s", addr)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.InvalidConn, transport.ErrClosed
	}
	ctx, cancel := context.WithCancel(t.ctx)
	c := &conn{
		handle: transport.ConnHandle(t.nextHandle()),
		state:  transport.StateConnecting,
		ctx:    ctx,
		cancel: cancel,
	}
	t.conns[c.handle] = c
	t.mu.Unlock()

	t.logger.Debug("Dialing", "addr", addr.String(), "conn", c.handle)

	t.wg.Add(1)
	go t.dial(c, addr)
	return c.handle, nil
}

func (t *Transport) AcceptConnection(h transport.ConnHandle) error {
	t.mu.Lock()
	c, ok := t.conns[h]
	if !ok {
		t.mu.Unlock()
		return transport.ErrInvalidHandle
	}
	if !c.inbound || c.state != transport.StateConnecting {
		t.mu.Unlock()
		return transport.ErrInvalidState
	}
	t.setState(c, transport.StateConnected, "")
	t.mu.Unlock()

	if err := c.write(encodeFrame(frameAccept, nil)); err != nil {
		return fmt.Errorf("quic: accept %d: %w", h, err)
	}
	return nil
}

func (t *Transport) CloseConnection(h transport.ConnHandle, reason int, debug string) error {
	t.mu.Lock()
	c, ok := t.conns[h]
	if !ok {
		t.mu.Unlock()
		return transport.ErrInvalidHandle
	}
	delete(t.conns, h)
	t.mu.Unlock()

	c.close(reason, debug)
	return nil
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

// SendMessage queues data on the connection. Unreliable messages small enough
// for a datagram skip the control stream.
func (t *Transport) SendMessage(h transport.ConnHandle, data []byte, flags transport.SendFlags) error {
	t.mu.Lock()
	c, ok := t.conns[h]
	if !ok {
		t.mu.Unlock()
		return transport.ErrInvalidHandle
	}
	if c.state != transport.StateConnected {
		t.mu.Unlock()
		return transport.ErrInvalidState
	}
	qc := c.qc
	t.mu.Unlock()

	if flags != transport.SendReliable && len(data) <= maxDatagramPayload {
		err := qc.SendDatagram(encodeDatagram(data, flags))
		if err == nil {
			return nil
		}
		t.logger.Debug("Datagram rejected, using stream", "conn", h, "error", err)
	}

	if err := c.write(encodeData(data, flags)); err != nil {
		return fmt.Errorf("quic: send on %d: %w", h, err)
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

// RealTimeStatus reports the last measured round trip. QUIC hides packet
// loss from the application, so quality is always 1.
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
	return transport.RealTimeStatus{Ping: c.rtt, QualityLocal: 1}, nil
}

func (t *Transport) SetStatusChangedCallback(fn transport.StatusChangedFunc) {
	t.mu.Lock()
	t.callback = fn
	t.mu.Unlock()
}

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

// Close shuts every listener and connection down and waits for the
// background goroutines to exit.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners := t.listeners
	conns := t.conns
	t.listeners = make(map[transport.ListenHandle]*listener)
	t.conns = make(map[transport.ConnHandle]*conn)
	t.groups = make(map[transport.PollGroupHandle][]transport.Message)
	t.events = nil
	t.mu.Unlock()

	t.cancel()
	for _, c := range conns {
		c.close(0, "transport closed")
	}
	for _, l := range listeners {
		_ = l.ln.Close()
	}

	t.wg.Wait()
	return nil
}

// setState must be called with t.mu held.
func (t *Transport) setState(c *conn, state transport.ConnState, debug string) {
	old := c.state
	c.state = state
	t.logger.Debug("Connection state changed",
		"conn", c.handle, "old", old.String(), "new", state.String())
	t.events = append(t.events, transport.StatusChangedEvent{
		Conn:         c.handle,
		ListenSocket: c.listen,
		OldState:     old,
		NewState:     state,
		EndDebug:     debug,
	})
}

// transition applies a state change unless the connection was closed
// locally or already ended.
func (t *Transport) transition(c *conn, from, to transport.ConnState, debug string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conns[c.handle] != c || c.state != from {
		return false
	}
	t.setState(c, to, debug)
	return true
}

func (t *Transport) deliver(c *conn, data []byte, flags transport.SendFlags) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conns[c.handle] != c {
		return
	}
	msg := transport.Message{Conn: c.handle, Data: data, Flags: flags}
	if c.group != transport.InvalidPollGroup {
		t.groups[c.group] = append(t.groups[c.group], msg)
		return
	}
	c.inbox = append(c.inbox, msg)
}

// lost records the end of a connection the local side did not close.
func (t *Transport) lost(c *conn, err error) {
	state := transport.StateProblemDetectedLocally
	var appErr *quicgo.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote || errors.Is(err, io.EOF) {
		state = transport.StateClosedByPeer
	}

	t.mu.Lock()
	if t.conns[c.handle] == c && !c.state.Closed() {
		t.setState(c, state, err.Error())
	}
	t.mu.Unlock()

	c.cancel()
}

func (c *conn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.stream == nil {
		return transport.ErrInvalidState
	}
	_, err := c.stream.Write(b)
	return err
}

func (c *conn) close(reason int, debug string) {
	if c.cancel != nil {
		c.cancel()
	}
	c.writeMu.Lock()
	qc := c.qc
	c.writeMu.Unlock()

	if qc != nil {
		_ = qc.CloseWithError(quicgo.ApplicationErrorCode(reason), debug)
	}
}
