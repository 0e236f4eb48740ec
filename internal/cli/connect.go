package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peerlink/internal/engine"
	"github.com/rudransh-shrivastava/peerlink/internal/history"
	"github.com/rudransh-shrivastava/peerlink/internal/peer"
)

// lingerPolls is how many polls connect keeps running after stdin ends, so
// replies to the last lines are still printed.
const lingerPolls = 20

var ErrServerLost = errors.New("connection to server lost")

func newConnectCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "connect to a server",
		Long:  `connect joins a server, sends every line read from stdin and prints every packet it receives`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.connect(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().String("address", "127.0.0.1", "server address")
	cmd.Flags().Int("port", 7777, "server port")
	return cmd
}

// connect returns once stdin is exhausted and every line was sent, or with
// ErrServerLost when the server goes away.
func (a *app) connect(ctx context.Context, in io.Reader, out io.Writer) error {
	e, err := a.newEngine()
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	addr := net.JoinHostPort(a.cfg.Address, strconv.Itoa(a.cfg.Port))
	l, err := openLedger(a.cfg.History.Path, "client", addr, a.logger)
	if err != nil {
		return err
	}
	defer l.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go readLines(ctx, in, lines)

	var lost bool
	client := e.NewPeer(engine.Callbacks{
		OnPeerConnected: func(id int) {
			l.record(history.KindConnected, id, 0)
		},
		OnPeerDisconnected: func(id int) {
			l.record(history.KindDisconnected, id, 0)
			lost = true
		},
	})
	client.SetTransferMode(a.cfg.TransferMode())

	if err := client.CreateClient(a.cfg.Address, a.cfg.Port); err != nil {
		return err
	}

	var announced, eof bool
	linger := lingerPolls
	return pollLoop(ctx, e, a.cfg.PollInterval, func() (bool, error) {
		for client.AvailablePacketCount() > 0 {
			data, from, err := client.GetPacket()
			if err != nil {
				return false, err
			}
			l.record(history.KindPacketIn, from, len(data))
			printPacket(out, client, data)
		}

		if lost {
			return true, fmt.Errorf("%w: %s", ErrServerLost, addr)
		}
		if client.ConnectionStatus() != peer.StatusConnected {
			return false, nil
		}
		if !announced {
			announced = true
			fmt.Fprintf(out, "connected to %s as peer %d\n", addr, client.UniqueID())
		}

	drain:
		for !eof {
			select {
			case line, ok := <-lines:
				if !ok {
					eof = true
					break drain
				}
				if err := client.PutPacket([]byte(line)); err != nil {
					return false, err
				}
				l.record(history.KindPacketOut, peer.ServerID, len(line))
			default:
				break drain
			}
		}

		if eof {
			linger--
		}
		return linger <= 0, nil
	})
}

func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), peer.MaxPacketSize)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}
