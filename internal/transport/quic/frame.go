package quic

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

// Control stream frames are a varint length followed by that many bytes: a
// kind byte and the body. Data frames and datagrams carry the send flags in
// the first body byte.
type frameKind byte

const (
	frameHello frameKind = iota + 1
	frameAccept
	frameData
	framePing
	framePong
)

const (
	maxFrameSize = 1 << 20
	// maxDatagramPayload keeps unreliable messages inside one QUIC packet.
	maxDatagramPayload = 1100
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrEmptyFrame    = errors.New("empty frame")
)

type frame struct {
	kind frameKind
	body []byte
}

func appendFrame(b []byte, kind frameKind, body []byte) []byte {
	b = protowire.AppendVarint(b, uint64(len(body)+1))
	b = append(b, byte(kind))
	return append(b, body...)
}

func encodeFrame(kind frameKind, body []byte) []byte {
	size := len(body) + 1
	return appendFrame(make([]byte, 0, protowire.SizeVarint(uint64(size))+size), kind, body)
}

func encodeData(data []byte, flags transport.SendFlags) []byte {
	body := make([]byte, 0, len(data)+1)
	body = append(body, byte(flags))
	body = append(body, data...)
	return encodeFrame(frameData, body)
}

func encodeDatagram(data []byte, flags transport.SendFlags) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(flags))
	return append(out, data...)
}

// decodeData splits a data body or datagram into flags and payload.
func decodeData(b []byte) ([]byte, transport.SendFlags, error) {
	if len(b) == 0 {
		return nil, 0, ErrEmptyFrame
	}
	return b[1:], transport.SendFlags(b[0]), nil
}

// readFrame reads one frame from r.
func readFrame(r *bufio.Reader) (frame, error) {
	prefix := make([]byte, 0, binary.MaxVarintLen64)
	for len(prefix) < binary.MaxVarintLen64 {
		c, err := r.ReadByte()
		if err != nil {
			return frame{}, err
		}
		prefix = append(prefix, c)
		if c < 0x80 {
			break
		}
	}

	size, n := protowire.ConsumeVarint(prefix)
	if n < 0 {
		return frame{}, fmt.Errorf("frame length: %w", protowire.ParseError(n))
	}
	if size == 0 {
		return frame{}, ErrEmptyFrame
	}
	if size > maxFrameSize {
		return frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, err
	}
	return frame{kind: frameKind(buf[0]), body: buf[1:]}, nil
}
