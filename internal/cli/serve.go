package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peerlink/internal/engine"
	"github.com/rudransh-shrivastava/peerlink/internal/history"
	"github.com/rudransh-shrivastava/peerlink/internal/peer"
)

func newServeCommand(a *app) *cobra.Command {
	var echo, relay bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run a server",
		Long:  `serve listens for clients, assigns them ids and prints every packet it receives`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd, echo, relay)
		},
	}

	cmd.Flags().Int("port", 7777, "port to listen on")
	cmd.Flags().Int("max-clients", 32, "maximum number of connected clients")
	cmd.Flags().BoolVar(&echo, "echo", false, "send every packet back to its sender")
	cmd.Flags().BoolVar(&relay, "relay", false, "forward every packet to the other clients")
	return cmd
}

func (a *app) serve(cmd *cobra.Command, echo, relay bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	e, err := a.newEngine()
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	l, err := openLedger(a.cfg.History.Path, "server", fmt.Sprintf(":%d", a.cfg.Port), a.logger)
	if err != nil {
		return err
	}
	defer l.close()

	var clients []int
	server := e.NewPeer(engine.Callbacks{
		OnPeerConnected: func(id int) {
			clients = append(clients, id)
			l.record(history.KindConnected, id, 0)
			fmt.Fprintf(out, "peer %d connected\n", id)
		},
		OnPeerDisconnected: func(id int) {
			clients = slices.DeleteFunc(clients, func(c int) bool { return c == id })
			l.record(history.KindDisconnected, id, 0)
			fmt.Fprintf(out, "peer %d disconnected\n", id)
		},
		OnHandshakeAck: func(id int) {
			l.record(history.KindHandshake, id, 0)
		},
	})
	server.SetTransferMode(a.cfg.TransferMode())

	if err := server.CreateServer(a.cfg.Port, a.cfg.MaxClients); err != nil {
		return err
	}
	fmt.Fprintf(out, "listening on port %d\n", a.cfg.Port)

	return pollLoop(ctx, e, a.cfg.PollInterval, func() (bool, error) {
		for server.AvailablePacketCount() > 0 {
			data, from, err := server.GetPacket()
			if err != nil {
				return false, err
			}
			l.record(history.KindPacketIn, from, len(data))
			printPacket(out, server, data)

			if echo {
				a.forward(server, l, from, data)
			}
			if relay {
				for _, id := range clients {
					if id != from {
						a.forward(server, l, id, data)
					}
				}
			}
		}
		return false, nil
	})
}

func (a *app) forward(p *peer.Peer, l *ledger, to int, data []byte) {
	p.SetTargetPeer(to)
	if err := p.PutPacket(data); err != nil {
		a.logger.Warn("Failed to forward packet", "peer", to, "error", err)
		return
	}
	l.record(history.KindPacketOut, to, len(data))
}

func printPacket(out io.Writer, p *peer.Peer, data []byte) {
	fmt.Fprintf(out, "peer %d [%s]: %s\n", p.PacketPeer(), p.PacketMode(), data)
}
