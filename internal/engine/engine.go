// Package engine owns one transport and the registry that routes its status
// events, and builds peers on top of them. Engines share nothing, so several
// can run side by side in one process.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/rudransh-shrivastava/peerlink/internal/peer"
	"github.com/rudransh-shrivastava/peerlink/internal/registry"
	"github.com/rudransh-shrivastava/peerlink/internal/transport"
	"github.com/rudransh-shrivastava/peerlink/internal/transport/memnet"
	"github.com/rudransh-shrivastava/peerlink/internal/transport/quic"
	"github.com/rudransh-shrivastava/peerlink/internal/transport/webrtc"
)

const (
	BackendQUIC   = "quic"
	BackendWebRTC = "webrtc"
	BackendMemory = "mem"
)

var ErrUnknownBackend = errors.New("unknown backend")

// Backend builds the transport an engine runs on.
type Backend func(logger *slog.Logger) (transport.Transport, error)

type Config struct {
	// Backend names the entry of Backends to use.
	Backend  string
	Backends map[string]Backend
	Logger   *slog.Logger
}

// Callbacks are the per-peer notifications passed through to peer.Config.
type Callbacks struct {
	OnPeerConnected    func(id int)
	OnPeerDisconnected func(id int)
	OnHandshakeAck     func(id int)
}

type Engine struct {
	logger    *slog.Logger
	backend   string
	transport transport.Transport
	registry  *registry.Registry
	peers     []*peer.Peer
}

// DefaultBackends returns the quic and webrtc network backends and the
// in-memory one.
func DefaultBackends() map[string]Backend {
	return map[string]Backend{
		BackendQUIC: func(logger *slog.Logger) (transport.Transport, error) {
			return quic.New(quic.Config{Logger: logger})
		},
		BackendWebRTC: func(logger *slog.Logger) (transport.Transport, error) {
			return webrtc.New(webrtc.Config{Logger: logger, Loopback: true}), nil
		},
		BackendMemory: func(logger *slog.Logger) (transport.Transport, error) {
			return memnet.New(logger), nil
		},
	}
}

func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backends := cfg.Backends
	if backends == nil {
		backends = DefaultBackends()
	}

	name := cfg.Backend
	if name == "" {
		name = BackendQUIC
	}
	build, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownBackend, name, backendNames(backends))
	}

	logger = logger.With("backend", name)
	tr, err := build(logger)
	if err != nil {
		return nil, fmt.Errorf("engine: %s backend: %w", name, err)
	}

	reg := registry.New(logger)
	tr.SetStatusChangedCallback(reg.Dispatch)

	logger.Debug("Engine started")
	return &Engine{
		logger:    logger,
		backend:   name,
		transport: tr,
		registry:  reg,
	}, nil
}

// NewPeer creates a disconnected peer bound to this engine. Each peer logs
// with its own session id.
func (e *Engine) NewPeer(cb Callbacks) *peer.Peer {
	p := peer.New(peer.Config{
		Transport:          e.transport,
		Registry:           e.registry,
		Logger:             e.logger.With("session", uuid.New().String()),
		OnPeerConnected:    cb.OnPeerConnected,
		OnPeerDisconnected: cb.OnPeerDisconnected,
		OnHandshakeAck:     cb.OnHandshakeAck,
	})
	e.peers = append(e.peers, p)
	return p
}

// Poll polls every peer of the engine once, in creation order.
func (e *Engine) Poll() {
	for _, p := range e.peers {
		p.Poll()
	}
}

func (e *Engine) Backend() string {
	return e.backend
}

func (e *Engine) Transport() transport.Transport {
	return e.transport
}

func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Close closes every peer and then the transport.
func (e *Engine) Close() error {
	for _, p := range e.peers {
		p.Close()
	}
	e.peers = nil
	e.logger.Debug("Engine stopped")
	return e.transport.Close()
}

func backendNames(backends map[string]Backend) []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
