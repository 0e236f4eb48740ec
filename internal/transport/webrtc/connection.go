package webrtc

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

type outbound struct {
	data  []byte
	flags transport.SendFlags
}

// connection fields are guarded by Transport.mu, except sendMu which orders
// sends against the flush of sends queued before the channels opened.
type connection struct {
	handle  transport.ConnHandle
	listen  transport.ListenHandle
	inbound bool
	state   transport.ConnState
	group   transport.PollGroupHandle
	inbox   []transport.Message

	pc       *webrtc.PeerConnection
	channels map[string]*webrtc.DataChannel
	open     bool
	pending  []outbound

	// ws and offer are held by an inbound connection until it is accepted
	// or rejected.
	ws    *websocket.Conn
	offer *webrtc.SessionDescription

	ctx    context.Context
	cancel context.CancelFunc
	sendMu sync.Mutex
}

func newConnection(ctx context.Context) *connection {
	ctx, cancel := context.WithCancel(ctx)
	return &connection{
		channels: make(map[string]*webrtc.DataChannel),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// watch reports ICE failure as a local problem.
func (t *Transport) watch(c *connection, pc *webrtc.PeerConnection) {
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Debug("Peer connection state changed", "conn", c.handle, "state", s.String())
		if s == webrtc.PeerConnectionStateFailed {
			t.lost(c, transport.StateProblemDetectedLocally, "ice failed")
		}
	})
}

func (t *Transport) attachChannel(c *connection, dc *webrtc.DataChannel) {
	label := dc.Label()
	flags := flagsForLabel(label)

	t.mu.Lock()
	c.channels[label] = dc
	t.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		t.deliver(c, data, flags)
	})

	if label != labelReliable {
		return
	}

	dc.OnOpen(func() {
		t.channelOpen(c)
	})
	dc.OnClose(func() {
		t.lost(c, transport.StateClosedByPeer, "data channel closed")
	})
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		t.channelOpen(c)
	}
}

// channelOpen runs once the reliable channel is usable. It flushes queued
// sends and completes an outbound connection.
func (t *Transport) channelOpen(c *connection) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	t.mu.Lock()
	if c.open {
		t.mu.Unlock()
		return
	}
	c.open = true
	pending := c.pending
	c.pending = nil
	if !c.inbound && t.conns[c.handle] == c && c.state == transport.StateConnecting {
		t.setState(c, transport.StateConnected, "")
	}
	t.mu.Unlock()

	for _, m := range pending {
		if err := t.sendNow(c, m.data, m.flags); err != nil {
			t.logger.Debug("Failed to flush queued message", "conn", c.handle, "error", err)
		}
	}
}

// sendNow writes on the channel matching flags, falling back to the
// reliable one while the others are still opening.
func (t *Transport) sendNow(c *connection, data []byte, flags transport.SendFlags) error {
	t.mu.Lock()
	dc := c.channels[labelForFlags(flags)]
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		dc = c.channels[labelReliable]
	}
	t.mu.Unlock()

	if dc == nil {
		return transport.ErrInvalidState
	}
	return dc.Send(data)
}

// detach takes the resources a closing connection still owns. It must be
// called with Transport.mu held, after the connection left the map.
func (c *connection) detach() (*websocket.Conn, *webrtc.PeerConnection) {
	ws, pc := c.ws, c.pc
	c.ws = nil
	return ws, pc
}

// shutdown rejects a connection still waiting for an answer and closes the
// peer connection.
func (c *connection) shutdown(ws *websocket.Conn, pc *webrtc.PeerConnection, reason string) {
	c.cancel()
	if ws != nil {
		_ = writeSignal(ws, signalMessage{Kind: signalReject, Reason: reason}, defaultSignalTimeout)
		_ = ws.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
}
