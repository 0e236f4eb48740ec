package quic

import (
	"bufio"
	"context"
	"encoding/binary"
	"net/netip"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

func (t *Transport) acceptLoop(ctx context.Context, l *listener) {
	defer t.wg.Done()

	for {
		qc, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Debug("Listener stopped", "listen", l.handle, "error", err)
			}
			return
		}

		t.wg.Add(1)
		go t.serveInbound(ctx, l.handle, qc)
	}
}

// serveInbound waits for the dialer's hello before the connection becomes
// visible as Connecting.
func (t *Transport) serveInbound(ctx context.Context, l transport.ListenHandle, qc *quicgo.Conn) {
	defer t.wg.Done()

	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	stream, err := qc.AcceptStream(helloCtx)
	cancel()
	if err != nil {
		t.logger.Debug("No control stream from dialer", "remote", qc.RemoteAddr().String(), "error", err)
		_ = qc.CloseWithError(0, "no control stream")
		return
	}

	r := bufio.NewReader(stream)
	f, err := readFrame(r)
	if err != nil || f.kind != frameHello {
		t.logger.Debug("Bad hello", "remote", qc.RemoteAddr().String(), "error", err)
		_ = qc.CloseWithError(0, "bad hello")
		return
	}

	connCtx, connCancel := context.WithCancel(ctx)
	c := &conn{
		listen:  l,
		inbound: true,
		state:   transport.StateNone,
		qc:      qc,
		stream:  stream,
		ctx:     connCtx,
		cancel:  connCancel,
	}

	t.mu.Lock()
	if _, ok := t.listeners[l]; !ok || t.closed {
		t.mu.Unlock()
		connCancel()
		_ = qc.CloseWithError(0, "listen socket closed")
		return
	}
	c.handle = transport.ConnHandle(t.nextHandle())
	t.conns[c.handle] = c
	t.setState(c, transport.StateConnecting, "")
	t.mu.Unlock()

	t.logger.Debug("Incoming connection", "remote", qc.RemoteAddr().String(), "conn", c.handle)
	t.run(c, r)
}

func (t *Transport) dial(c *conn, addr netip.AddrPort) {
	defer t.wg.Done()

	dialCtx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	qc, err := quicgo.DialAddr(dialCtx, addr.String(), t.tlsConf, t.quicConf)
	cancel()
	if err != nil {
		t.logger.Debug("Dial failed", "addr", addr.String(), "error", err)
		t.transition(c, transport.StateConnecting, transport.StateProblemDetectedLocally, err.Error())
		return
	}

	stream, err := qc.OpenStreamSync(c.ctx)
	if err == nil {
		_, err = stream.Write(encodeFrame(frameHello, nil))
	}
	if err != nil {
		_ = qc.CloseWithError(0, "control stream failed")
		t.transition(c, transport.StateConnecting, transport.StateProblemDetectedLocally, err.Error())
		return
	}

	t.mu.Lock()
	if t.conns[c.handle] != c {
		t.mu.Unlock()
		_ = qc.CloseWithError(0, "")
		return
	}
	c.writeMu.Lock()
	c.qc = qc
	c.stream = stream
	c.writeMu.Unlock()
	t.mu.Unlock()

	t.run(c, bufio.NewReader(stream))
}

// run serves an established connection until it ends.
func (t *Transport) run(c *conn, r *bufio.Reader) {
	t.wg.Add(2)
	go t.datagramLoop(c)
	go t.pingLoop(c)

	t.readLoop(c, r)
}

func (t *Transport) readLoop(c *conn, r *bufio.Reader) {
	for {
		f, err := readFrame(r)
		if err != nil {
			t.lost(c, err)
			return
		}

		switch f.kind {
		case frameAccept:
			if !c.inbound {
				t.transition(c, transport.StateConnecting, transport.StateConnected, "")
			}
		case frameData:
			data, flags, err := decodeData(f.body)
			if err != nil {
				t.logger.Debug("Dropping data frame", "conn", c.handle, "error", err)
				continue
			}
			t.deliver(c, data, flags)
		case framePing:
			if err := c.write(encodeFrame(framePong, f.body)); err != nil {
				t.logger.Debug("Failed to answer ping", "conn", c.handle, "error", err)
			}
		case framePong:
			t.recordPong(c, f.body)
		default:
			t.logger.Debug("Unknown frame", "conn", c.handle, "kind", f.kind)
		}
	}
}

func (t *Transport) datagramLoop(c *conn) {
	defer t.wg.Done()

	for {
		b, err := c.qc.ReceiveDatagram(c.ctx)
		if err != nil {
			return
		}
		data, flags, err := decodeData(b)
		if err != nil {
			continue
		}
		t.deliver(c, data, flags)
	}
}

func (t *Transport) pingLoop(c *conn) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			state, ok := t.ConnectionState(c.handle)
			if !ok || state != transport.StateConnected {
				continue
			}
			body := binary.BigEndian.AppendUint64(nil, uint64(time.Now().UnixNano()))
			if err := c.write(encodeFrame(framePing, body)); err != nil {
				t.logger.Debug("Failed to send ping", "conn", c.handle, "error", err)
			}
		}
	}
}

func (t *Transport) recordPong(c *conn, body []byte) {
	if len(body) != 8 {
		return
	}
	sent := time.Unix(0, int64(binary.BigEndian.Uint64(body)))
	rtt := time.Since(sent)

	t.mu.Lock()
	c.rtt = rtt
	t.mu.Unlock()
}
