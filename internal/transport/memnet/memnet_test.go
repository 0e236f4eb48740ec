package memnet

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

func loopback(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func recordEvents(tr *Transport) *[]transport.StatusChangedEvent {
	var events []transport.StatusChangedEvent
	tr.SetStatusChangedCallback(func(ev transport.StatusChangedEvent) {
		events = append(events, ev)
	})
	return &events
}

func TestListenIPRejectsDuplicatePort(t *testing.T) {
	tr := New(nil)

	if _, err := tr.ListenIP(7000); err != nil {
		t.Fatalf("ListenIP failed: %v", err)
	}
	if _, err := tr.ListenIP(7000); !errors.Is(err, transport.ErrAddrInUse) {
		t.Errorf("expected ErrAddrInUse, got %v", err)
	}
}

func TestConnectQueuesInboundEvent(t *testing.T) {
	tr := New(nil)
	events := recordEvents(tr)

	l, _ := tr.ListenIP(7000)
	client, err := tr.Connect(loopback(7000))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if len(*events) != 0 {
		t.Fatalf("expected no events before RunCallbacks, got %d", len(*events))
	}

	tr.RunCallbacks()

	if len(*events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*events))
	}
	ev := (*events)[0]
	if ev.Conn == client {
		t.Error("expected the inbound end, got the outbound one")
	}
	if ev.ListenSocket != l {
		t.Errorf("expected listen socket %d, got %d", l, ev.ListenSocket)
	}
	if ev.OldState != transport.StateNone || ev.NewState != transport.StateConnecting {
		t.Errorf("unexpected transition %v -> %v", ev.OldState, ev.NewState)
	}
}

func TestConnectWithoutListenerFails(t *testing.T) {
	tr := New(nil)
	events := recordEvents(tr)

	client, err := tr.Connect(loopback(9999))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	tr.RunCallbacks()

	if len(*events) != 1 || (*events)[0].NewState != transport.StateProblemDetectedLocally {
		t.Fatalf("expected one ProblemDetectedLocally event, got %+v", *events)
	}
	if state, _ := tr.ConnectionState(client); state != transport.StateProblemDetectedLocally {
		t.Errorf("expected ProblemDetectedLocally, got %v", state)
	}
}

func TestAcceptConnectsBothEnds(t *testing.T) {
	tr := New(nil)
	events := recordEvents(tr)

	_, _ = tr.ListenIP(7000)
	client, _ := tr.Connect(loopback(7000))
	server, _ := tr.Remote(client)

	if err := tr.AcceptConnection(client); !errors.Is(err, transport.ErrInvalidState) {
		t.Errorf("expected outbound accept to fail, got %v", err)
	}
	if err := tr.AcceptConnection(server); err != nil {
		t.Fatalf("AcceptConnection failed: %v", err)
	}

	tr.RunCallbacks()

	if len(*events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(*events))
	}
	for _, h := range []transport.ConnHandle{client, server} {
		if state, _ := tr.ConnectionState(h); state != transport.StateConnected {
			t.Errorf("conn %d: expected Connected, got %v", h, state)
		}
	}
}

func TestSendDeliversThroughPollGroup(t *testing.T) {
	tr := New(nil)

	_, _ = tr.ListenIP(7000)
	client, _ := tr.Connect(loopback(7000))
	server, _ := tr.Remote(client)
	_ = tr.AcceptConnection(server)

	if err := tr.SendMessage(client, []byte("early"), transport.SendReliable); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	g, _ := tr.CreatePollGroup()
	if got := tr.ReceiveOnPollGroup(g, 32); len(got) != 0 {
		t.Fatalf("expected empty group, got %d messages", len(got))
	}

	_ = tr.SetConnectionPollGroup(server, g)
	_ = tr.SendMessage(client, []byte("late"), transport.SendUnreliable)

	msgs := tr.ReceiveOnPollGroup(g, 1)
	if len(msgs) != 1 || string(msgs[0].Data) != "early" {
		t.Fatalf("expected 'early' first, got %+v", msgs)
	}
	msgs = tr.ReceiveOnPollGroup(g, 32)
	if len(msgs) != 1 || string(msgs[0].Data) != "late" {
		t.Fatalf("expected 'late' second, got %+v", msgs)
	}
	if msgs[0].Conn != server {
		t.Errorf("expected message on conn %d, got %d", server, msgs[0].Conn)
	}
	if msgs[0].Flags != transport.SendUnreliable {
		t.Errorf("expected unreliable flag, got %v", msgs[0].Flags)
	}
}

func TestCloseConnectionNotifiesRemote(t *testing.T) {
	tr := New(nil)

	_, _ = tr.ListenIP(7000)
	client, _ := tr.Connect(loopback(7000))
	server, _ := tr.Remote(client)
	_ = tr.AcceptConnection(server)
	tr.RunCallbacks()

	events := recordEvents(tr)
	if err := tr.CloseConnection(client, 0, "bye"); err != nil {
		t.Fatalf("CloseConnection failed: %v", err)
	}
	tr.RunCallbacks()

	if len(*events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*events))
	}
	if (*events)[0].Conn != server || (*events)[0].NewState != transport.StateClosedByPeer {
		t.Errorf("unexpected event %+v", (*events)[0])
	}
	if _, ok := tr.ConnectionState(client); ok {
		t.Error("expected closed handle to be forgotten")
	}
}

func TestFailSendsCountsAttempts(t *testing.T) {
	tr := New(nil)

	_, _ = tr.ListenIP(7000)
	client, _ := tr.Connect(loopback(7000))
	boom := errors.New("boom")
	tr.FailSends(client, boom)

	if err := tr.SendMessage(client, []byte("x"), transport.SendReliable); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	if got := tr.Sends(client); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestConnStateString(t *testing.T) {
	tests := []struct {
		state    transport.ConnState
		expected string
	}{
		{transport.StateNone, "NONE"},
		{transport.StateConnected, "CONNECTED"},
		{transport.StateClosedByPeer, "CLOSED_BY_PEER"},
		{transport.ConnState(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("%d.String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}
