// Package packet holds inbound application packets until the embedder reads them.
package packet

import (
	"errors"

	"github.com/gammazero/deque"
)

var ErrEmpty = errors.New("packet queue is empty")

// Mode is the delivery guarantee a packet was sent or received with.
type Mode int

const (
	ModeReliable Mode = iota
	ModeUnreliable
	ModeUnreliableOrdered
)

func (m Mode) String() string {
	switch m {
	case ModeReliable:
		return "RELIABLE"
	case ModeUnreliable:
		return "UNRELIABLE"
	case ModeUnreliableOrdered:
		return "UNRELIABLE_ORDERED"
	default:
		return "UNKNOWN"
	}
}

type Packet struct {
	Data    []byte
	From    int
	Channel int
	Mode    Mode
}

// Queue is a FIFO of packets. It is not safe for concurrent use.
type Queue struct {
	items deque.Deque[Packet]
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(p Packet) {
	q.items.PushBack(p)
}

func (q *Queue) Pop() (Packet, error) {
	if q.items.Len() == 0 {
		return Packet{}, ErrEmpty
	}
	return q.items.PopFront(), nil
}

func (q *Queue) Len() int {
	return q.items.Len()
}

func (q *Queue) Clear() {
	q.items.Clear()
}
