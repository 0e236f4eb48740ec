// Package registry routes transport status events to the peer that owns the
// connection.
//
// The transport reports every state change through one callback with no
// per-instance context. A Registry is installed as that callback and keeps the
// handle → owner bookkeeping needed to find the right peer.
package registry

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

// Owner is a peer that can receive routed status events.
type Owner interface {
	IsServer() bool
	Listening() bool
	HandleStatusChanged(ev transport.StatusChangedEvent)
}

type Registry struct {
	mu        sync.Mutex
	logger    *slog.Logger
	conns     map[transport.ConnHandle]Owner
	listeners map[transport.ListenHandle]Owner
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger,
		conns:     make(map[transport.ConnHandle]Owner),
		listeners: make(map[transport.ListenHandle]Owner),
	}
}

func (r *Registry) RegisterListener(l transport.ListenHandle, owner Owner) {
	r.mu.Lock()
	r.listeners[l] = owner
	r.mu.Unlock()
}

func (r *Registry) UnregisterListener(l transport.ListenHandle) {
	r.mu.Lock()
	delete(r.listeners, l)
	r.mu.Unlock()
}

// Bind records owner as the owner of c, replacing any previous owner.
func (r *Registry) Bind(c transport.ConnHandle, owner Owner) {
	r.mu.Lock()
	r.conns[c] = owner
	r.mu.Unlock()
}

func (r *Registry) Unbind(c transport.ConnHandle) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

func (r *Registry) Resolve(c transport.ConnHandle) (Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.conns[c]
	return owner, ok
}

// Len returns the number of bound connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Dispatch forwards ev to the owner of its connection.
//
// A brand-new inbound connection (None → Connecting) with no owner yet is
// handed to the first listening server, in listen handle order. With more than
// one listening server in the same registry that choice is arbitrary.
func (r *Registry) Dispatch(ev transport.StatusChangedEvent) {
	if owner, ok := r.Resolve(ev.Conn); ok {
		owner.HandleStatusChanged(ev)
		return
	}

	if ev.OldState != transport.StateNone || ev.NewState != transport.StateConnecting {
		r.logger.Debug("Dropping event for unknown connection",
			"conn", ev.Conn, "old", ev.OldState.String(), "new", ev.NewState.String())
		return
	}

	owner, ok := r.firstServer()
	if !ok {
		r.logger.Warn("Incoming connection but no server to handle it", "conn", ev.Conn)
		return
	}

	r.Bind(ev.Conn, owner)
	owner.HandleStatusChanged(ev)
}

func (r *Registry) firstServer() (Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]transport.ListenHandle, 0, len(r.listeners))
	for l := range r.listeners {
		handles = append(handles, l)
	}
	slices.Sort(handles)

	for _, l := range handles {
		owner := r.listeners[l]
		if owner.IsServer() && owner.Listening() {
			return owner, true
		}
	}
	return nil, false
}
