package registry

import (
	"log/slog"
	"testing"

	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

type fakeOwner struct {
	server    bool
	listening bool
	events    []transport.StatusChangedEvent
}

func (f *fakeOwner) IsServer() bool  { return f.server }
func (f *fakeOwner) Listening() bool { return f.listening }

func (f *fakeOwner) HandleStatusChanged(ev transport.StatusChangedEvent) {
	f.events = append(f.events, ev)
}

func newTestRegistry() *Registry {
	return New(slog.New(slog.DiscardHandler))
}

func incoming(c transport.ConnHandle) transport.StatusChangedEvent {
	return transport.StatusChangedEvent{
		Conn:     c,
		OldState: transport.StateNone,
		NewState: transport.StateConnecting,
	}
}

func TestDispatchBoundConnection(t *testing.T) {
	r := newTestRegistry()
	owner := &fakeOwner{}
	r.Bind(5, owner)

	r.Dispatch(transport.StatusChangedEvent{Conn: 5, OldState: transport.StateConnecting, NewState: transport.StateConnected})

	if len(owner.events) != 1 || owner.events[0].NewState != transport.StateConnected {
		t.Errorf("expected one CONNECTED event, got %+v", owner.events)
	}
}

func TestDispatchFallbackBindsFirstServer(t *testing.T) {
	r := newTestRegistry()
	client := &fakeOwner{}
	first := &fakeOwner{server: true, listening: true}
	second := &fakeOwner{server: true, listening: true}

	r.RegisterListener(9, second)
	r.RegisterListener(3, first)
	r.RegisterListener(1, client)

	r.Dispatch(incoming(7))

	if len(first.events) != 1 {
		t.Fatalf("expected lowest listen handle server to get the event, got %d", len(first.events))
	}
	if len(second.events) != 0 || len(client.events) != 0 {
		t.Errorf("expected no events for other owners")
	}

	owner, ok := r.Resolve(7)
	if !ok || owner != first {
		t.Errorf("expected connection to be bound to the chosen server")
	}
}

func TestDispatchFallbackSkipsInactiveServers(t *testing.T) {
	r := newTestRegistry()
	stale := &fakeOwner{server: true, listening: false}
	live := &fakeOwner{server: true, listening: true}

	r.RegisterListener(1, stale)
	r.RegisterListener(2, live)

	r.Dispatch(incoming(4))

	if len(stale.events) != 0 || len(live.events) != 1 {
		t.Errorf("expected the listening server to get the event, stale=%d live=%d",
			len(stale.events), len(live.events))
	}
}

func TestDispatchDropsUnknown(t *testing.T) {
	r := newTestRegistry()
	server := &fakeOwner{server: true, listening: true}
	r.RegisterListener(1, server)

	r.Dispatch(transport.StatusChangedEvent{Conn: 8, OldState: transport.StateConnecting, NewState: transport.StateClosedByPeer})

	if len(server.events) != 0 {
		t.Errorf("expected event for unknown connection to be dropped")
	}
	if _, ok := r.Resolve(8); ok {
		t.Errorf("expected no binding for dropped connection")
	}
}

func TestDispatchNoServer(t *testing.T) {
	r := newTestRegistry()

	r.Dispatch(incoming(3))

	if r.Len() != 0 {
		t.Errorf("expected no bindings, got %d", r.Len())
	}
}

func TestUnbindAndUnregister(t *testing.T) {
	r := newTestRegistry()
	server := &fakeOwner{server: true, listening: true}

	r.RegisterListener(1, server)
	r.Bind(2, server)
	r.Unbind(2)
	r.UnregisterListener(1)

	if _, ok := r.Resolve(2); ok {
		t.Error("expected binding to be removed")
	}

	r.Dispatch(incoming(6))
	if len(server.events) != 0 {
		t.Error("expected unregistered server to receive nothing")
	}
}

func TestBindReplacesOwner(t *testing.T) {
	r := newTestRegistry()
	a := &fakeOwner{}
	b := &fakeOwner{}

	r.Bind(1, a)
	r.Bind(1, b)

	owner, _ := r.Resolve(1)
	if owner != b || r.Len() != 1 {
		t.Errorf("expected a single binding to the latest owner")
	}
}
