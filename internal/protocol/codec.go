// Package protocol implements the peer id handshake that runs in-band with
// application traffic.
//
// Handshake frames start with the two magic bytes 0xFF 0xFE, followed by a
// type byte and a reserved byte. Inbound payloads are sniffed for that prefix,
// so application data that happens to start with it is swallowed.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNotHandshake = errors.New("not a handshake frame")
	ErrShortFrame   = errors.New("handshake frame too short")
)

// Classify decides whether an inbound payload belongs to the handshake.
// Frames of at least AssignIDSize bytes with the magic prefix are handshake
// traffic, as is the exact 4-byte Ack frame. Everything else is data.
func Classify(b []byte) Kind {
	if !hasMagic(b) {
		return KindData
	}
	if len(b) >= AssignIDSize {
		return KindHandshake
	}
	if len(b) == AckSize && MessageType(b[2]) == MsgAck {
		return KindHandshake
	}
	return KindData
}

func hasMagic(b []byte) bool {
	return len(b) >= 2 && b[0] == Magic0 && b[1] == Magic1
}

func EncodeAssignID(peerID uint32) []byte {
	buf := make([]byte, AssignIDSize)
	buf[0] = Magic0
	buf[1] = Magic1
	buf[2] = byte(MsgAssignID)
	binary.BigEndian.PutUint32(buf[4:], peerID)
	return buf
}

func EncodeAck() []byte {
	return []byte{Magic0, Magic1, byte(MsgAck), 0x00}
}

// Encode renders a handshake message in its wire form.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case AssignID:
		return EncodeAssignID(m.PeerID), nil
	case *AssignID:
		return EncodeAssignID(m.PeerID), nil
	case Ack, *Ack:
		return EncodeAck(), nil
	default:
		return nil, fmt.Errorf("encode %s: unsupported message", msg.Type())
	}
}

// Decode parses a frame Classify reported as KindHandshake. Reserved types
// decode to Unknown without error.
func Decode(b []byte) (Message, error) {
	if !hasMagic(b) {
		return nil, ErrNotHandshake
	}
	if len(b) < HeaderSize {
		return nil, ErrShortFrame
	}

	switch t := MessageType(b[2]); t {
	case MsgAssignID:
		if len(b) < AssignIDSize {
			return nil, fmt.Errorf("%s: %w", t, ErrShortFrame)
		}
		return AssignID{PeerID: binary.BigEndian.Uint32(b[4:8])}, nil
	case MsgAck:
		return Ack{}, nil
	default:
		return Unknown{Raw: t}, nil
	}
}
