package peer

import (
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/peerlink/internal/packet"
	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

// Stats is a snapshot of a peer's session.
type Stats struct {
	PeerCount    int
	Status       Status
	UniqueID     int
	IsServer     bool
	AcksReceived int
}

func (p *Peer) SetTransferMode(mode packet.Mode) {
	p.transferMode = mode
}

func (p *Peer) TransferMode() packet.Mode {
	return p.transferMode
}

// SetTargetPeer selects the destination of PutPacket. Zero broadcasts.
func (p *Peer) SetTargetPeer(id int) {
	p.targetPeer = id
}

func (p *Peer) TargetPeer() int {
	return p.targetPeer
}

// SetTransferChannel only accepts channel 0.
func (p *Peer) SetTransferChannel(channel int) error {
	if channel != 0 {
		return fmt.Errorf("%w: channel %d: channels are not supported", ErrUnavailable, channel)
	}
	return nil
}

func (p *Peer) TransferChannel() int {
	return 0
}

func (p *Peer) AvailablePacketCount() int {
	return p.queue.Len()
}

// GetPacket pops the oldest packet and returns its payload and sender. The
// sender, mode and channel stay readable through PacketPeer, PacketMode and
// PacketChannel until the next call.
func (p *Peer) GetPacket() ([]byte, int, error) {
	pkt, err := p.queue.Pop()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	p.lastPeer = pkt.From
	p.lastMode = pkt.Mode
	p.lastChannel = pkt.Channel
	return pkt.Data, pkt.From, nil
}

func (p *Peer) PacketPeer() int {
	return p.lastPeer
}

func (p *Peer) PacketMode() packet.Mode {
	return p.lastMode
}

func (p *Peer) PacketChannel() int {
	return p.lastChannel
}

// PutPacket sends data to the target peer, or to every peer when the target
// is zero. A broadcast logs and skips connections that reject the send.
// Payloads above MaxPacketSize are the caller's problem.
func (p *Peer) PutPacket(data []byte) error {
	if p.transport == nil {
		return fmt.Errorf("%w: no transport", ErrUnconfigured)
	}
	if p.isServer {
		if len(p.peers) == 0 {
			return fmt.Errorf("%w: server has no connected peers", ErrUnconfigured)
		}
	} else if p.status != StatusConnected {
		return fmt.Errorf("%w: not connected to server", ErrUnconfigured)
	}

	flags := flagsForMode(p.transferMode)

	if p.targetPeer == 0 {
		for _, id := range p.sortedIDs() {
			if err := p.transport.SendMessage(p.peers[id], data, flags); err != nil {
				p.logger.Error("Failed to send packet", "peer", id, "error", err)
				continue
			}
			p.logger.Debug("Sent packet", "peer", id, "size", len(data))
		}
		return nil
	}

	conn, ok := p.connFor(p.targetPeer)
	if !ok {
		return fmt.Errorf("%w: unknown target peer %d", ErrInvalidArgument, p.targetPeer)
	}
	if err := p.transport.SendMessage(conn, data, flags); err != nil {
		p.logger.Error("Failed to send packet", "peer", p.targetPeer, "error", err)
		return fmt.Errorf("%w: send to peer %d: %v", ErrCantConnect, p.targetPeer, err)
	}
	return nil
}

func (p *Peer) MaxPacketSize() int {
	return MaxPacketSize
}

// ConfigureConnectionLanes validates n but lanes are not supported.
func (p *Peer) ConfigureConnectionLanes(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: lane count must be positive, got %d", ErrInvalidArgument, n)
	}
	return fmt.Errorf("%w: connection lanes are not supported", ErrUnavailable)
}

func (p *Peer) SetBandwidthLimit(bytesPerSecond int) error {
	if bytesPerSecond < 0 {
		return fmt.Errorf("%w: bandwidth limit cannot be negative", ErrInvalidArgument)
	}
	return fmt.Errorf("%w: bandwidth limits are not supported", ErrUnavailable)
}

func (p *Peer) SetEncryptionKey(key []byte) error {
	return fmt.Errorf("%w: message encryption is not supported", ErrUnavailable)
}

// RoundTripTime reports the ping to the server. Servers report zero.
func (p *Peer) RoundTripTime() time.Duration {
	conn, ok := p.serverConn()
	if !ok {
		return 0
	}
	status, err := p.transport.RealTimeStatus(conn)
	if err != nil {
		return 0
	}
	return status.Ping
}

// ConnectionQuality reports the local link quality to the server in [0, 1].
// Servers report 1.
func (p *Peer) ConnectionQuality() float32 {
	conn, ok := p.serverConn()
	if !ok {
		return 1
	}
	status, err := p.transport.RealTimeStatus(conn)
	if err != nil {
		return 1
	}
	return status.QualityLocal
}

func (p *Peer) Stats() Stats {
	return Stats{
		PeerCount:    len(p.peers),
		Status:       p.status,
		UniqueID:     p.uniqueID,
		IsServer:     p.isServer,
		AcksReceived: p.acks,
	}
}

// NotifyConnectedPeers fires OnPeerConnected again for every known peer.
func (p *Peer) NotifyConnectedPeers() {
	if p.isServer {
		for _, id := range p.sortedIDs() {
			p.emitConnected(id)
		}
		return
	}
	if p.status == StatusConnected {
		p.emitConnected(ServerID)
	}
}

func (p *Peer) serverConn() (transport.ConnHandle, bool) {
	if p.isServer || p.transport == nil {
		return 0, false
	}
	conn, ok := p.peers[ServerID]
	return conn, ok
}
