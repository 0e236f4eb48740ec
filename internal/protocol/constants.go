package protocol

const (
	Magic0 byte = 0xFF
	Magic1 byte = 0xFE

	HeaderSize   = 4
	AssignIDSize = 8
	AckSize      = HeaderSize
)

type MessageType byte

const (
	MsgAssignID MessageType = 0x01
	MsgAck      MessageType = 0x02
)

func (t MessageType) String() string {
	switch t {
	case MsgAssignID:
		return "ASSIGN_ID"
	case MsgAck:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

// Kind is the result of classifying an inbound payload.
type Kind int

const (
	KindData Kind = iota
	KindHandshake
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindHandshake:
		return "HANDSHAKE"
	default:
		return "UNKNOWN"
	}
}
