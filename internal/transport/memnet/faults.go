package memnet

import (
	"time"

	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

// FailSends makes every later SendMessage on h return err. A nil err clears
// the fault.
func (t *Transport) FailSends(h transport.ConnHandle, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[h]; ok {
		c.sendErr = err
	}
}

// Sends returns how many times SendMessage was attempted on h.
func (t *Transport) Sends(h transport.ConnHandle) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[h]; ok {
		return c.sends
	}
	return 0
}

// TotalSends sums send attempts over every open connection.
func (t *Transport) TotalSends() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for _, c := range t.conns {
		total += c.sends
	}
	return total
}

// Sever simulates a broken link: both ends report a locally detected problem.
func (t *Transport) Sever(h transport.ConnHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[h]
	if !ok {
		return
	}
	t.setState(c, transport.StateProblemDetectedLocally, "severed")
	if remote, ok := t.conns[c.remote]; ok && !remote.state.Closed() {
		t.setState(remote, transport.StateProblemDetectedLocally, "severed")
	}
}

// SetPing changes the round-trip time every connection reports.
func (t *Transport) SetPing(d time.Duration) {
	t.mu.Lock()
	t.ping = d
	t.mu.Unlock()
}

// Conns lists the handles of every open connection, inbound ones included.
func (t *Transport) Conns() []transport.ConnHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]transport.ConnHandle, 0, len(t.conns))
	for h := range t.conns {
		out = append(out, h)
	}
	return out
}

// Remote returns the other end of h.
func (t *Transport) Remote(h transport.ConnHandle) (transport.ConnHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[h]
	if !ok {
		return transport.InvalidConn, false
	}
	_, alive := t.conns[c.remote]
	return c.remote, alive
}
