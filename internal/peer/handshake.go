package peer

import (
	"github.com/rudransh-shrivastava/peerlink/internal/packet"
	"github.com/rudransh-shrivastava/peerlink/internal/protocol"
	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

func (p *Peer) handleMessage(msg transport.Message, from int) {
	if protocol.Classify(msg.Data) == protocol.KindHandshake {
		p.handleHandshake(msg, from)
		return
	}

	p.queue.Push(packet.Packet{
		Data: msg.Data,
		From: from,
		Mode: modeForFlags(msg.Flags),
	})
	p.logger.Debug("Queued packet", "from", from, "size", len(msg.Data))
}

func (p *Peer) handleHandshake(msg transport.Message, from int) {
	decoded, err := protocol.Decode(msg.Data)
	if err != nil {
		p.logger.Debug("Dropping malformed handshake", "from", from, "error", err)
		return
	}

	switch m := decoded.(type) {
	case protocol.AssignID:
		if p.isServer {
			p.logger.Debug("Ignoring id assignment on server", "from", from)
			return
		}
		if m.PeerID < firstPeerID {
			p.logger.Debug("Ignoring invalid id assignment", "id", m.PeerID, "from", from)
			return
		}
		p.uniqueID = int(m.PeerID)
		p.logger.Info("Assigned peer id", "id", p.uniqueID)
		p.announceServer()

		if err := p.transport.SendMessage(msg.Conn, protocol.EncodeAck(), transport.SendReliable); err != nil {
			p.logger.Warn("Failed to send handshake ack", "error", err)
		}

	case protocol.Ack:
		if !p.isServer {
			return
		}
		p.acks++
		p.logger.Debug("Handshake acknowledged", "peer", from)
		if p.config.OnHandshakeAck != nil {
			p.config.OnHandshakeAck(from)
		}

	default:
		p.logger.Debug("Dropping unknown handshake", "type", decoded.Type().String(), "from", from)
	}
}

func (p *Peer) sendAssignID(conn transport.ConnHandle) {
	id, ok := p.conns[conn]
	if !ok {
		return
	}
	if err := p.transport.SendMessage(conn, protocol.EncodeAssignID(uint32(id)), transport.SendReliable); err != nil {
		p.logger.Warn("Failed to send id assignment", "peer", id, "error", err)
		return
	}
	p.logger.Debug("Sent id assignment", "peer", id)
}

func modeForFlags(f transport.SendFlags) packet.Mode {
	switch f {
	case transport.SendUnreliable:
		return packet.ModeUnreliable
	case transport.SendUnreliableNoDelay:
		return packet.ModeUnreliableOrdered
	default:
		return packet.ModeReliable
	}
}

func flagsForMode(m packet.Mode) transport.SendFlags {
	switch m {
	case packet.ModeUnreliable:
		return transport.SendUnreliable
	case packet.ModeUnreliableOrdered:
		return transport.SendUnreliableNoDelay
	default:
		return transport.SendReliable
	}
}
