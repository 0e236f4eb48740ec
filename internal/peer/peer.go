// Package peer turns a handle-based transport into a multiplayer session with
// small integer peer ids.
//
// A server is always peer 1 and hands out ids from 2 upwards, one per accepted
// connection. Clients learn their id through an in-band handshake. Everything
// happens inside Poll; a Peer is not safe for concurrent use, and all peers
// sharing a transport must be polled from one goroutine.
package peer

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/rudransh-shrivastava/peerlink/internal/packet"
	"github.com/rudransh-shrivastava/peerlink/internal/registry"
	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

const (
	ServerID    = 1
	firstPeerID = 2

	// MaxPacketSize is the largest payload PutPacket is meant to carry. It is
	// not enforced here.
	MaxPacketSize = 512 * 1024

	receiveBatch = 32
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

type Peer struct {
	config    Config
	logger    *slog.Logger
	transport transport.Transport
	registry  *registry.Registry

	status     Status
	uniqueID   int
	isServer   bool
	maxClients int
	refuse     bool
	nextID     int

	transferMode packet.Mode
	targetPeer   int

	peers  map[int]transport.ConnHandle
	conns  map[transport.ConnHandle]int
	group  transport.PollGroupHandle
	listen transport.ListenHandle
	queue  *packet.Queue

	serverAnnounced bool
	acks            int

	lastPeer    int
	lastMode    packet.Mode
	lastChannel int
}

var _ registry.Owner = (*Peer)(nil)

func New(cfg Config) *Peer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Peer{
		config:    cfg,
		logger:    logger,
		transport: cfg.Transport,
		registry:  cfg.Registry,
		nextID:    firstPeerID,
		peers:     make(map[int]transport.ConnHandle),
		conns:     make(map[transport.ConnHandle]int),
		queue:     packet.NewQueue(),
	}
}

// CreateServer listens on port on every interface. A listening server counts
// as connected.
func (p *Peer) CreateServer(port, maxClients int) error {
	if p.status != StatusDisconnected {
		return fmt.Errorf("%w: status is %s", ErrAlreadyInUse, p.status)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidArgument, port)
	}
	if maxClients <= 0 {
		return fmt.Errorf("%w: max clients must be positive, got %d", ErrInvalidArgument, maxClients)
	}
	if p.transport == nil || p.registry == nil {
		return fmt.Errorf("%w: no transport", ErrUnconfigured)
	}
	p.reset()

	listen, err := p.transport.ListenIP(port)
	if err != nil {
		p.logger.Error("Failed to create listen socket", "port", port, "error", err)
		return fmt.Errorf("%w: listen on port %d: %v", ErrCantCreate, port, err)
	}

	group, err := p.transport.CreatePollGroup()
	if err != nil {
		_ = p.transport.CloseListenSocket(listen)
		p.logger.Error("Failed to create poll group", "error", err)
		return fmt.Errorf("%w: poll group: %v", ErrCantCreate, err)
	}

	p.listen = listen
	p.group = group
	p.uniqueID = ServerID
	p.isServer = true
	p.maxClients = maxClients
	p.status = StatusConnected
	p.registry.RegisterListener(listen, p)

	p.logger.Info("Server listening", "port", port, "max_clients", maxClients, "listen", listen)
	return nil
}

// CreateClient starts connecting to a server. The connection is mapped to
// peer 1 right away; the status becomes connected during a later Poll.
func (p *Peer) CreateClient(address string, port int) error {
	if p.status != StatusDisconnected {
		return fmt.Errorf("%w: status is %s", ErrAlreadyInUse, p.status)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidArgument, port)
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return fmt.Errorf("%w: address %q: %v", ErrInvalidArgument, address, err)
	}
	if p.transport == nil || p.registry == nil {
		return fmt.Errorf("%w: no transport", ErrUnconfigured)
	}
	p.reset()

	target := netip.AddrPortFrom(addr, uint16(port))
	conn, err := p.transport.Connect(target)
	if err != nil {
		p.logger.Error("Failed to connect", "addr", target.String(), "error", err)
		return fmt.Errorf("%w: %s: %v", ErrCantConnect, target, err)
	}

	group, err := p.transport.CreatePollGroup()
	if err != nil {
		_ = p.transport.CloseConnection(conn, 0, "poll group failed")
		p.logger.Error("Failed to create poll group", "error", err)
		return fmt.Errorf("%w: poll group: %v", ErrCantCreate, err)
	}

	p.group = group
	p.peers[ServerID] = conn
	p.conns[conn] = ServerID
	p.registry.Bind(conn, p)
	if err := p.transport.SetConnectionPollGroup(conn, group); err != nil {
		p.logger.Warn("Failed to add connection to poll group", "conn", conn, "error", err)
	}

	p.uniqueID = 0
	p.isServer = false
	p.status = StatusConnecting

	p.logger.Info("Connecting to server", "addr", target.String(), "conn", conn)
	return nil
}

// Poll runs queued transport callbacks, reconciles connection states and
// drains pending messages into the packet queue.
func (p *Peer) Poll() {
	if p.transport == nil {
		return
	}

	p.transport.RunCallbacks()
	p.rescan()
	p.drain()
}

func (p *Peer) rescan() {
	for _, conn := range p.sortedConns() {
		state, ok := p.transport.ConnectionState(conn)
		if !ok {
			continue
		}
		switch {
		case state == transport.StateConnected:
			if p.status == StatusConnecting {
				p.markConnected(conn)
			}
		case state.Closed():
			p.logger.Debug("Connection lost", "conn", conn, "state", state.String())
			p.removeConnection(conn)
		}
	}
}

func (p *Peer) drain() {
	if p.group == transport.InvalidPollGroup {
		return
	}

	for _, msg := range p.transport.ReceiveOnPollGroup(p.group, receiveBatch) {
		from, ok := p.conns[msg.Conn]
		if !ok {
			if p.isServer {
				p.logger.Debug("Dropping message from unknown connection", "conn", msg.Conn)
				continue
			}
			from = ServerID
		}
		p.handleMessage(msg, from)
	}
}

// HandleStatusChanged applies one transport status event. It is called by the
// registry from inside Poll.
func (p *Peer) HandleStatusChanged(ev transport.StatusChangedEvent) {
	p.logger.Debug("Status changed",
		"conn", ev.Conn, "old", ev.OldState.String(), "new", ev.NewState.String())

	switch {
	case ev.NewState == transport.StateConnecting:
		if p.isServer && ev.OldState == transport.StateNone {
			p.acceptIncoming(ev.Conn)
		}
	case ev.NewState == transport.StateConnected:
		if p.status == StatusConnecting {
			p.markConnected(ev.Conn)
		}
	case ev.NewState.Closed():
		p.logger.Info("Connection closed", "conn", ev.Conn, "reason", ev.EndDebug)
		p.removeConnection(ev.Conn)
	}
}

func (p *Peer) acceptIncoming(conn transport.ConnHandle) {
	if p.refuse || len(p.peers) >= p.maxClients {
		p.logger.Info("Refusing connection", "conn", conn,
			"refusing", p.refuse, "peers", len(p.peers), "max_clients", p.maxClients)
		p.registry.Unbind(conn)
		_ = p.transport.CloseConnection(conn, 0, "connection refused")
		return
	}

	if err := p.transport.AcceptConnection(conn); err != nil {
		p.logger.Error("Failed to accept connection", "conn", conn, "error", err)
		p.registry.Unbind(conn)
		return
	}

	id := p.nextID
	p.nextID++
	p.peers[id] = conn
	p.conns[conn] = id
	if err := p.transport.SetConnectionPollGroup(conn, p.group); err != nil {
		p.logger.Warn("Failed to add connection to poll group", "conn", conn, "error", err)
	}
	p.registry.Bind(conn, p)

	p.logger.Info("Accepted peer", "peer", id, "conn", conn)
	p.emitConnected(id)
	p.sendAssignID(conn)
}

// markConnected flips a connecting peer to connected. A client takes the
// provisional id 2 until the server assigns the real one.
func (p *Peer) markConnected(conn transport.ConnHandle) {
	p.status = StatusConnected
	p.logger.Info("Connected", "conn", conn)

	if !p.isServer && p.uniqueID == 0 {
		p.uniqueID = firstPeerID
		p.announceServer()
	}
	if p.isServer {
		p.sendAssignID(conn)
	}
}

func (p *Peer) removeConnection(conn transport.ConnHandle) {
	id, known := p.conns[conn]
	if known {
		delete(p.conns, conn)
		delete(p.peers, id)
	}
	p.registry.Unbind(conn)
	_ = p.transport.CloseConnection(conn, 0, "")

	if p.isServer {
		if known {
			p.logger.Info("Peer disconnected", "peer", id)
			p.emitDisconnected(id)
		}
		return
	}

	if len(p.peers) == 0 && p.status != StatusDisconnected {
		p.status = StatusDisconnected
		p.logger.Info("Disconnected from server")
		p.emitDisconnected(ServerID)
	}
}

// Close tears the session down. It is safe to call more than once.
func (p *Peer) Close() {
	p.reset()
	p.logger.Debug("Peer closed")
}

func (p *Peer) reset() {
	if p.transport != nil {
		for _, conn := range p.sortedConns() {
			_ = p.transport.CloseConnection(conn, 0, "peer closed")
			if p.registry != nil {
				p.registry.Unbind(conn)
			}
		}
		if p.listen != transport.InvalidListen {
			if p.registry != nil {
				p.registry.UnregisterListener(p.listen)
			}
			_ = p.transport.CloseListenSocket(p.listen)
		}
		if p.group != transport.InvalidPollGroup {
			_ = p.transport.DestroyPollGroup(p.group)
		}
	}

	p.listen = transport.InvalidListen
	p.group = transport.InvalidPollGroup
	clear(p.peers)
	clear(p.conns)
	p.queue.Clear()

	p.status = StatusDisconnected
	p.uniqueID = 0
	p.targetPeer = 0
	p.nextID = firstPeerID
	p.isServer = false
	p.maxClients = 0
	p.serverAnnounced = false
	p.acks = 0
	p.lastPeer = 0
	p.lastMode = packet.ModeReliable
	p.lastChannel = 0
}

// DisconnectPeer is not supported and always fails with ErrUnavailable.
func (p *Peer) DisconnectPeer(id int, force bool) error {
	return fmt.Errorf("%w: disconnecting peer %d is not supported", ErrUnavailable, id)
}

func (p *Peer) ConnectionStatus() Status {
	return p.status
}

func (p *Peer) UniqueID() int {
	return p.uniqueID
}

func (p *Peer) IsServer() bool {
	return p.isServer
}

// Listening reports whether the peer holds an open listen socket.
func (p *Peer) Listening() bool {
	return p.listen != transport.InvalidListen
}

func (p *Peer) SetRefuseNewConnections(refuse bool) {
	p.refuse = refuse
}

func (p *Peer) IsRefusingNewConnections() bool {
	return p.refuse
}

// connFor resolves a peer id to a connection. A client's own id resolves to
// its server connection.
func (p *Peer) connFor(id int) (transport.ConnHandle, bool) {
	if conn, ok := p.peers[id]; ok {
		return conn, true
	}
	if !p.isServer && id != 0 && id == p.uniqueID {
		conn, ok := p.peers[ServerID]
		return conn, ok
	}
	return transport.InvalidConn, false
}

func (p *Peer) sortedIDs() []int {
	ids := make([]int, 0, len(p.peers))
	for id := range p.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *Peer) sortedConns() []transport.ConnHandle {
	conns := make([]transport.ConnHandle, 0, len(p.conns))
	for conn := range p.conns {
		conns = append(conns, conn)
	}
	slices.Sort(conns)
	return conns
}

func (p *Peer) announceServer() {
	if p.serverAnnounced {
		return
	}
	p.serverAnnounced = true
	p.emitConnected(ServerID)
}

func (p *Peer) emitConnected(id int) {
	if p.config.OnPeerConnected != nil {
		p.config.OnPeerConnected(id)
	}
}

func (p *Peer) emitDisconnected(id int) {
	if p.config.OnPeerDisconnected != nil {
		p.config.OnPeerDisconnected(id)
	}
}
