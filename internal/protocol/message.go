package protocol

// Message is a decoded handshake frame.
type Message interface {
	Type() MessageType
}

// AssignID carries the peer id the server picked for a client.
type AssignID struct {
	PeerID uint32
}

func (AssignID) Type() MessageType { return MsgAssignID }

// Ack confirms an AssignID. It carries no payload.
type Ack struct{}

func (Ack) Type() MessageType { return MsgAck }

// Unknown is a well-formed handshake frame of a reserved type. Receivers drop it.
type Unknown struct {
	Raw MessageType
}

func (u Unknown) Type() MessageType { return u.Raw }
