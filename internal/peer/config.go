package peer

import (
	"log/slog"

	"github.com/rudransh-shrivastava/peerlink/internal/registry"
	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

type Config struct {
	Transport transport.Transport
	Registry  *registry.Registry
	Logger    *slog.Logger

	// OnPeerConnected and OnPeerDisconnected are invoked from Poll.
	OnPeerConnected    func(id int)
	OnPeerDisconnected func(id int)
	// OnHandshakeAck fires on the server when a client acknowledges its id.
	OnHandshakeAck func(id int)
}
