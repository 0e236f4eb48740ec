// Package webrtc implements transport.Transport on WebRTC data channels.
//
// A listen socket is a websocket endpoint used only for signaling. The dialer
// posts an offer there; the listener reports the connection as Connecting and
// answers it when the connection is accepted, or rejects it when it is closed
// first. Each connection negotiates three data channels, one per kind of
// send. Pion callbacks only record state; the status callback runs from
// RunCallbacks.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

type listener struct {
	handle transport.ListenHandle
	ln     net.Listener
	server *http.Server
}

type Transport struct {
	mu sync.Mutex

	logger        *slog.Logger
	api           *webrtc.API
	pcConfig      webrtc.Configuration
	signalTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	next     uint32
	closed   bool
	callback transport.StatusChangedFunc

	listeners map[transport.ListenHandle]*listener
	conns     map[transport.ConnHandle]*connection
	groups    map[transport.PollGroupHandle][]transport.Message
	events    []transport.StatusChangedEvent
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.SignalTimeout
	if timeout <= 0 {
		timeout = defaultSignalTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		logger:        logger,
		api:           cfg.api(),
		pcConfig:      cfg.peerConnectionConfig(),
		signalTimeout: timeout,
		ctx:           ctx,
		cancel:        cancel,
		listeners:     make(map[transport.ListenHandle]*listener),
		conns:         make(map[transport.ConnHandle]*connection),
		groups:        make(map[transport.PollGroupHandle][]transport.Message),
	}
}

func (t *Transport) nextHandle() uint32 {
	t.next++
	return t.next
}

// ListenIP serves signaling on the TCP port on every interface.
func (t *Transport) ListenIP(port int) (transport.ListenHandle, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.InvalidListen, transport.ErrClosed
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return transport.InvalidListen, fmt.Errorf("webrtc: listen on port %d: %w", port, err)
	}

	t.mu.Lock()
	l := &listener{
		handle: transport.ListenHandle(t.nextHandle()),
		ln:     ln,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(signalPath, t.handleSignal(l.handle))
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: t.signalTimeout}
	t.listeners[l.handle] = l
	t.mu.Unlock()

	t.logger.Info("Listening for signaling", "addr", ln.Addr().String(), "listen", l.handle)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Debug("Signaling server stopped", "listen", l.handle, "error", err)
		}
	}()
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

func (t *Transport) handleSignal(l transport.ListenHandle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.logger.Debug("Signal upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		offer, err := readOffer(ws, t.signalTimeout)
		if err != nil {
			t.logger.Debug("Bad offer", "remote", r.RemoteAddr, "error", err)
			_ = ws.Close()
			return
		}

		pc, err := t.api.NewPeerConnection(t.pcConfig)
		if err != nil {
			t.logger.Error("Failed to create peer connection", "error", err)
			_ = writeSignal(ws, signalMessage{Kind: signalReject, Reason: "internal error"}, t.signalTimeout)
			_ = ws.Close()
			return
		}

		c := newConnection(t.ctx)
		c.listen = l
		c.inbound = true
		c.pc = pc
		c.ws = ws
		c.offer = offer

		t.mu.Lock()
		if _, ok := t.listeners[l]; !ok || t.closed {
			t.mu.Unlock()
			c.shutdown(ws, pc, "listen socket closed")
			return
		}
		c.handle = transport.ConnHandle(t.nextHandle())
		t.conns[c.handle] = c
		t.setState(c, transport.StateConnecting, "")
		t.mu.Unlock()

		t.watch(c, pc)
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			t.attachChannel(c, dc)
		})

		t.logger.Debug("Incoming connection", "remote", r.RemoteAddr, "conn", c.handle)
	}
}

func (t *Transport) CloseListenSocket(l transport.ListenHandle) error {
	t.mu.Lock()
	ls, ok := t.listeners[l]
	if !ok {
		t.mu.Unlock()
		return transport.ErrInvalidHandle
	}
	delete(t.listeners, l)

	type doomed struct {
		c  *connection
		ws *websocket.Conn
		pc *webrtc.PeerConnection
	}
	var closing []doomed
	for h, c := range t.conns {
		if c.listen == l {
			delete(t.conns, h)
			ws, pc := c.detach()
			closing = append(closing, doomed{c, ws, pc})
		}
	}
	t.mu.Unlock()

	for _, d := range closing {
		d.c.shutdown(d.ws, d.pc, "listen socket closed")
	}
	return ls.server.Close()
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

// Connect starts signaling in the background. Failure surfaces as a
// ProblemDetectedLocally event, rejection as ClosedByPeer.
func (t *Transport) Connect(addr netip.AddrPort) (transport.ConnHandle, error) {
	if !addr.IsValid() {
		return transport.InvalidConn, fmt.Errorf("webrtc: invalid address %s", addr)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.InvalidConn, transport.ErrClosed
	}
	c := newConnection(t.ctx)
	c.handle = transport.ConnHandle(t.nextHandle())
	c.state = transport.StateConnecting
	t.conns[c.handle] = c
	t.mu.Unlock()

	t.logger.Debug("Dialing", "addr", addr.String(), "conn", c.handle)

	t.wg.Add(1)
	go t.dial(c, addr)
	return c.handle, nil
}

func (t *Transport) dial(c *connection, addr netip.AddrPort) {
	defer t.wg.Done()

	fail := func(state transport.ConnState, err error) {
		t.logger.Debug("Dial failed", "addr", addr.String(), "conn", c.handle, "error", err)
		t.lost(c, state, err.Error())
	}

	pc, err := t.api.NewPeerConnection(t.pcConfig)
	if err != nil {
		fail(transport.StateProblemDetectedLocally, err)
		return
	}

	t.mu.Lock()
	if t.conns[c.handle] != c {
		t.mu.Unlock()
		_ = pc.Close()
		return
	}
	c.pc = pc
	t.mu.Unlock()

	t.watch(c, pc)
	for _, ch := range channelSpecs() {
		dc, err := pc.CreateDataChannel(ch.label, ch.init)
		if err != nil {
			fail(transport.StateProblemDetectedLocally, fmt.Errorf("data channel %s: %w", ch.label, err))
			return
		}
		t.attachChannel(c, dc)
	}

	ctx, cancel := context.WithTimeout(c.ctx, t.signalTimeout)
	defer cancel()

	local, err := describe(ctx, pc, pc.CreateOffer)
	if err != nil {
		fail(transport.StateProblemDetectedLocally, err)
		return
	}

	answer, err := exchangeOffer(ctx, addr, local)
	if errors.Is(err, ErrRejected) {
		fail(transport.StateClosedByPeer, err)
		return
	}
	if err != nil {
		fail(transport.StateProblemDetectedLocally, err)
		return
	}

	if err := pc.SetRemoteDescription(*answer); err != nil {
		fail(transport.StateProblemDetectedLocally, fmt.Errorf("remote description: %w", err))
	}
}

// describe creates a local description and waits for ICE gathering so the
// description carries every candidate.
func describe(ctx context.Context, pc *webrtc.PeerConnection, create func(*webrtc.OfferOptions) (webrtc.SessionDescription, error)) (*webrtc.SessionDescription, error) {
	desc, err := create(nil)
	if err != nil {
		return nil, fmt.Errorf("create description: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, fmt.Errorf("gathering candidates: %w", ctx.Err())
	}
	return pc.LocalDescription(), nil
}

func (t *Transport) AcceptConnection(h transport.ConnHandle) error {
	t.mu.Lock()
	c, ok := t.conns[h]
	if !ok {
		t.mu.Unlock()
		return transport.ErrInvalidHandle
	}
	if !c.inbound || c.state != transport.StateConnecting || c.ws == nil {
		t.mu.Unlock()
		return transport.ErrInvalidState
	}
	t.setState(c, transport.StateConnected, "")
	ws := c.ws
	c.ws = nil
	t.mu.Unlock()

	t.wg.Add(1)
	go t.answer(c, ws)
	return nil
}

// answer completes the offer/answer exchange of an accepted connection.
// Sends made before the channels open are queued.
func (t *Transport) answer(c *connection, ws *websocket.Conn) {
	defer t.wg.Done()
	defer func() { _ = ws.Close() }()

	if err := c.pc.SetRemoteDescription(*c.offer); err != nil {
		t.lost(c, transport.StateProblemDetectedLocally, fmt.Sprintf("remote description: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, t.signalTimeout)
	defer cancel()

	answer, err := describe(ctx, c.pc, func(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
		return c.pc.CreateAnswer(nil)
	})
	if err != nil {
		t.lost(c, transport.StateProblemDetectedLocally, err.Error())
		return
	}

	if err := writeSignal(ws, signalMessage{Kind: signalAnswer, SDP: answer}, t.signalTimeout); err != nil {
		t.lost(c, transport.StateProblemDetectedLocally, fmt.Sprintf("send answer: %v", err))
	}
}

func (t *Transport) CloseConnection(h transport.ConnHandle, reason int, debug string) error {
	t.mu.Lock()
	c, ok := t.conns[h]
	if !ok {
		t.mu.Unlock()
		return transport.ErrInvalidHandle
	}
	delete(t.conns, h)
	ws, pc := c.detach()
	t.mu.Unlock()

	if debug == "" {
		debug = fmt.Sprintf("closed (%d)", reason)
	}
	c.shutdown(ws, pc, debug)
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

// SendMessage sends data on the channel matching flags. Until the channels
// open the message is queued.
func (t *Transport) SendMessage(h transport.ConnHandle, data []byte, flags transport.SendFlags) error {
	t.mu.Lock()
	c, ok := t.conns[h]
	t.mu.Unlock()
	if !ok {
		return transport.ErrInvalidHandle
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	t.mu.Lock()
	if t.conns[h] != c {
		t.mu.Unlock()
		return transport.ErrInvalidHandle
	}
	if c.state != transport.StateConnected {
		t.mu.Unlock()
		return transport.ErrInvalidState
	}
	if !c.open {
		c.pending = append(c.pending, outbound{data: append([]byte(nil), data...), flags: flags})
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.sendNow(c, data, flags); err != nil {
		return fmt.Errorf("webrtc: send on %d: %w", h, err)
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

// RealTimeStatus reads the round trip of the nominated ICE candidate pair.
// Quality is always 1.
func (t *Transport) RealTimeStatus(h transport.ConnHandle) (transport.RealTimeStatus, error) {
	t.mu.Lock()
	c, ok := t.conns[h]
	if !ok {
		t.mu.Unlock()
		return transport.RealTimeStatus{}, transport.ErrInvalidHandle
	}
	if c.state != transport.StateConnected || c.pc == nil {
		t.mu.Unlock()
		return transport.RealTimeStatus{}, transport.ErrInvalidState
	}
	pc := c.pc
	t.mu.Unlock()

	status := transport.RealTimeStatus{QualityLocal: 1}
	for _, s := range pc.GetStats() {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated {
			continue
		}
		status.Ping = time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
		break
	}
	return status, nil
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
	t.conns = make(map[transport.ConnHandle]*connection)
	t.groups = make(map[transport.PollGroupHandle][]transport.Message)
	t.events = nil

	type doomed struct {
		c  *connection
		ws *websocket.Conn
		pc *webrtc.PeerConnection
	}
	closing := make([]doomed, 0, len(conns))
	for _, c := range conns {
		ws, pc := c.detach()
		closing = append(closing, doomed{c, ws, pc})
	}
	t.mu.Unlock()

	t.cancel()
	for _, d := range closing {
		d.c.shutdown(d.ws, d.pc, "transport closed")
	}
	for _, l := range listeners {
		_ = l.server.Close()
	}

	t.wg.Wait()
	return nil
}

// setState must be called with t.mu held.
func (t *Transport) setState(c *connection, state transport.ConnState, debug string) {
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

func (t *Transport) deliver(c *connection, data []byte, flags transport.SendFlags) {
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
func (t *Transport) lost(c *connection, state transport.ConnState, debug string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conns[c.handle] == c && !c.state.Closed() {
		t.setState(c, state, debug)
	}
}
