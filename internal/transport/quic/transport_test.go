package quic

import (
	"bufio"
	"bytes"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

const waitTimeout = 5 * time.Second

func newTestTransport(t *testing.T) *Transport {
	t.Helper()

	quicConf := DefaultQUICConfig()
	quicConf.HandshakeIdleTimeout = time.Second

	tr, err := New(Config{
		Logger:       slog.New(slog.DiscardHandler),
		QUIC:         quicConf,
		PingInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// recorder collects status events delivered by RunCallbacks.
type recorder struct {
	events []transport.StatusChangedEvent
}

func (r *recorder) install(tr *Transport) {
	tr.SetStatusChangedCallback(func(ev transport.StatusChangedEvent) {
		r.events = append(r.events, ev)
	})
}

func (r *recorder) find(state transport.ConnState) (transport.StatusChangedEvent, bool) {
	for _, ev := range r.events {
		if ev.NewState == state {
			return ev, true
		}
	}
	return transport.StatusChangedEvent{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func listenAddr(t *testing.T, tr *Transport) (transport.ListenHandle, netip.AddrPort) {
	t.Helper()

	l, err := tr.ListenIP(0)
	if err != nil {
		t.Fatalf("ListenIP failed: %v", err)
	}
	addr, ok := tr.Addr(l)
	if !ok {
		t.Fatal("Expected listen address")
	}
	port := addr.(*net.UDPAddr).Port
	return l, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
}

type link struct {
	server, client             *Transport
	serverConn, clientConn     transport.ConnHandle
	serverGroup, clientGroup   transport.PollGroupHandle
	serverEvents, clientEvents *recorder
	listen                     transport.ListenHandle
}

func connect(t *testing.T) *link {
	t.Helper()

	lk := &link{
		server:       newTestTransport(t),
		client:       newTestTransport(t),
		serverEvents: &recorder{},
		clientEvents: &recorder{},
	}
	lk.serverEvents.install(lk.server)
	lk.clientEvents.install(lk.client)

	var addr netip.AddrPort
	lk.listen, addr = listenAddr(t, lk.server)

	var err error
	if lk.clientConn, err = lk.client.Connect(addr); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if lk.clientGroup, err = lk.client.CreatePollGroup(); err != nil {
		t.Fatalf("CreatePollGroup failed: %v", err)
	}
	if err := lk.client.SetConnectionPollGroup(lk.clientConn, lk.clientGroup); err != nil {
		t.Fatalf("SetConnectionPollGroup failed: %v", err)
	}

	waitFor(t, "inbound connection", func() bool {
		lk.server.RunCallbacks()
		_, ok := lk.serverEvents.find(transport.StateConnecting)
		return ok
	})

	ev, _ := lk.serverEvents.find(transport.StateConnecting)
	if ev.OldState != transport.StateNone || ev.ListenSocket != lk.listen {
		t.Fatalf("Unexpected inbound event %+v", ev)
	}
	lk.serverConn = ev.Conn

	if lk.serverGroup, err = lk.server.CreatePollGroup(); err != nil {
		t.Fatalf("CreatePollGroup failed: %v", err)
	}
	if err := lk.server.SetConnectionPollGroup(lk.serverConn, lk.serverGroup); err != nil {
		t.Fatalf("SetConnectionPollGroup failed: %v", err)
	}
	if err := lk.server.AcceptConnection(lk.serverConn); err != nil {
		t.Fatalf("AcceptConnection failed: %v", err)
	}

	waitFor(t, "client connected", func() bool {
		lk.client.RunCallbacks()
		_, ok := lk.clientEvents.find(transport.StateConnected)
		return ok
	})
	return lk
}

func receive(t *testing.T, tr *Transport, g transport.PollGroupHandle, n int) []transport.Message {
	t.Helper()

	var got []transport.Message
	waitFor(t, "messages", func() bool {
		got = append(got, tr.ReceiveOnPollGroup(g, 32)...)
		return len(got) >= n
	})
	return got
}

func TestConnectAndAccept(t *testing.T) {
	lk := connect(t)

	if state, ok := lk.server.ConnectionState(lk.serverConn); !ok || state != transport.StateConnected {
		t.Errorf("Expected server side CONNECTED, got %s", state)
	}
	if state, ok := lk.client.ConnectionState(lk.clientConn); !ok || state != transport.StateConnected {
		t.Errorf("Expected client side CONNECTED, got %s", state)
	}
}

func TestAcceptTwiceFails(t *testing.T) {
	lk := connect(t)

	if err := lk.server.AcceptConnection(lk.serverConn); !errors.Is(err, transport.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
	if err := lk.client.AcceptConnection(lk.clientConn); !errors.Is(err, transport.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for outbound connection, got %v", err)
	}
}

func TestReliableMessagesInOrder(t *testing.T) {
	lk := connect(t)

	payloads := [][]byte{[]byte("first"), []byte("second"), bytes.Repeat([]byte{0xAB}, 64*1024)}
	for _, p := range payloads {
		if err := lk.client.SendMessage(lk.clientConn, p, transport.SendReliable); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	got := receive(t, lk.server, lk.serverGroup, len(payloads))
	for i, msg := range got {
		if !bytes.Equal(msg.Data, payloads[i]) {
			t.Errorf("Message %d: payload mismatch (%d bytes)", i, len(msg.Data))
		}
		if msg.Conn != lk.serverConn || msg.Flags != transport.SendReliable {
			t.Errorf("Message %d: unexpected conn %d flags %s", i, msg.Conn, msg.Flags)
		}
	}
}

func TestUnreliableMessage(t *testing.T) {
	lk := connect(t)

	if err := lk.server.SendMessage(lk.serverConn, []byte("tick"), transport.SendUnreliableNoDelay); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	big := bytes.Repeat([]byte{1}, 4*maxDatagramPayload)
	if err := lk.server.SendMessage(lk.serverConn, big, transport.SendUnreliable); err != nil {
		t.Fatalf("SendMessage of large unreliable payload failed: %v", err)
	}

	got := receive(t, lk.client, lk.clientGroup, 2)
	seen := map[int]transport.SendFlags{}
	for _, msg := range got {
		seen[len(msg.Data)] = msg.Flags
	}
	if seen[4] != transport.SendUnreliableNoDelay {
		t.Errorf("Expected small datagram with UNRELIABLE_NO_DELAY, got %v", seen)
	}
	if flags, ok := seen[len(big)]; !ok || flags != transport.SendUnreliable {
		t.Errorf("Expected large unreliable message over the stream, got %v", seen)
	}
}

func TestSendBeforeConnected(t *testing.T) {
	tr := newTestTransport(t)
	_, addr := listenAddr(t, tr)

	h, err := tr.Connect(addr)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := tr.SendMessage(h, []byte("early"), transport.SendReliable); !errors.Is(err, transport.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}

func TestCloseNotifiesRemote(t *testing.T) {
	lk := connect(t)

	if err := lk.client.CloseConnection(lk.clientConn, 0, "bye"); err != nil {
		t.Fatalf("CloseConnection failed: %v", err)
	}

	waitFor(t, "closed by peer", func() bool {
		lk.server.RunCallbacks()
		_, ok := lk.serverEvents.find(transport.StateClosedByPeer)
		return ok
	})

	if _, ok := lk.client.ConnectionState(lk.clientConn); ok {
		t.Error("Expected closed connection to be forgotten locally")
	}
	if err := lk.client.CloseConnection(lk.clientConn, 0, ""); !errors.Is(err, transport.ErrInvalidHandle) {
		t.Errorf("Expected ErrInvalidHandle on second close, got %v", err)
	}
}

func TestConnectNoListener(t *testing.T) {
	tr := newTestTransport(t)
	rec := &recorder{}
	rec.install(tr)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %v", err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	_ = pc.Close()

	h, err := tr.Connect(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port)))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, "connect failure", func() bool {
		tr.RunCallbacks()
		_, ok := rec.find(transport.StateProblemDetectedLocally)
		return ok
	})

	ev, _ := rec.find(transport.StateProblemDetectedLocally)
	if ev.Conn != h || ev.OldState != transport.StateConnecting {
		t.Errorf("Unexpected failure event %+v", ev)
	}
}

func TestRoundTripMeasured(t *testing.T) {
	lk := connect(t)

	waitFor(t, "round trip sample", func() bool {
		status, err := lk.client.RealTimeStatus(lk.clientConn)
		return err == nil && status.Ping > 0
	})

	status, err := lk.client.RealTimeStatus(lk.clientConn)
	if err != nil {
		t.Fatalf("RealTimeStatus failed: %v", err)
	}
	if status.QualityLocal != 1 {
		t.Errorf("Expected quality 1, got %f", status.QualityLocal)
	}
}

func TestCloseListenSocket(t *testing.T) {
	lk := connect(t)

	if err := lk.server.CloseListenSocket(lk.listen); err != nil {
		t.Fatalf("CloseListenSocket failed: %v", err)
	}
	if _, ok := lk.server.ConnectionState(lk.serverConn); ok {
		t.Error("Expected listener connections to be closed")
	}

	waitFor(t, "client sees close", func() bool {
		lk.client.RunCallbacks()
		_, ok := lk.clientEvents.find(transport.StateClosedByPeer)
		return ok
	})
}

func TestClosedTransportRejectsWork(t *testing.T) {
	tr := newTestTransport(t)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := tr.ListenIP(0); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed from ListenIP, got %v", err)
	}
	if _, err := tr.CreatePollGroup(); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed from CreatePollGroup, got %v", err)
	}
	if _, err := tr.Connect(netip.MustParseAddrPort("127.0.0.1:9")); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed from Connect, got %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeFrame(frameHello, nil))
	buf.Write(encodeData([]byte("payload"), transport.SendUnreliable))
	buf.Write(encodeFrame(framePing, bytes.Repeat([]byte{7}, 300)))

	r := bufio.NewReader(&buf)

	f, err := readFrame(r)
	if err != nil || f.kind != frameHello || len(f.body) != 0 {
		t.Fatalf("Unexpected hello frame %+v err=%v", f, err)
	}

	f, err = readFrame(r)
	if err != nil || f.kind != frameData {
		t.Fatalf("Unexpected data frame %+v err=%v", f, err)
	}
	data, flags, err := decodeData(f.body)
	if err != nil || string(data) != "payload" || flags != transport.SendUnreliable {
		t.Errorf("Unexpected data %q flags %s err=%v", data, flags, err)
	}

	f, err = readFrame(r)
	if err != nil || f.kind != framePing || len(f.body) != 300 {
		t.Fatalf("Unexpected ping frame kind=%d len=%d err=%v", f.kind, len(f.body), err)
	}
}

func TestReadFrameErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"empty frame", []byte{0x00}, ErrEmptyFrame},
		{"too large", []byte{0xFF, 0xFF, 0xFF, 0x7F}, ErrFrameTooLarge},
	}

	for _, tt := range tests {
		_, err := readFrame(bufio.NewReader(bytes.NewReader(tt.input)))
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}

	if _, err := readFrame(bufio.NewReader(bytes.NewReader([]byte{0x05, byte(frameData)}))); err == nil {
		t.Error("Expected error for truncated frame")
	}
	if _, _, err := decodeData(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("Expected ErrEmptyFrame from decodeData, got %v", err)
	}
}
