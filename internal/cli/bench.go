package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peerlink/internal/engine"
	"github.com/rudransh-shrivastava/peerlink/internal/peer"
)

type benchResult struct {
	Sent     int
	Received int
	Elapsed  time.Duration
}

func (r benchResult) String() string {
	secs := r.Elapsed.Seconds()
	if secs == 0 {
		secs = 1e-9
	}
	return fmt.Sprintf("received %d/%d packets in %s (%.0f packets/s)",
		r.Received, r.Sent, r.Elapsed.Round(time.Millisecond), float64(r.Received)/secs)
}

func newBenchCommand(a *app) *cobra.Command {
	var timeout time.Duration
	var quiet bool

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "measure packet throughput over loopback",
		Long:  `bench starts a server and a client in one process and sends packets from the client to the server`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			progress := cmd.ErrOrStderr()
			if quiet {
				progress = io.Discard
			}
			res, err := a.bench(ctx, progress)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().Int("port", 7777, "loopback port")
	cmd.Flags().Int("count", 1000, "number of packets")
	cmd.Flags().Int("size", 256, "payload size in bytes")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "hide the progress bar")
	return cmd
}

// bench sends cfg.Bench.Count packets once the handshake completes. Packets
// lost in an unreliable mode show up as Received < Sent when ctx ends.
func (a *app) bench(ctx context.Context, progress io.Writer) (benchResult, error) {
	count, size := a.cfg.Bench.Count, a.cfg.Bench.Size
	if size > peer.MaxPacketSize {
		return benchResult{}, fmt.Errorf("%w: size %d above %d", peer.ErrInvalidArgument, size, peer.MaxPacketSize)
	}

	e, err := a.newEngine()
	if err != nil {
		return benchResult{}, err
	}
	defer func() { _ = e.Close() }()

	var ready bool
	server := e.NewPeer(engine.Callbacks{
		OnHandshakeAck: func(int) { ready = true },
	})
	client := e.NewPeer(engine.Callbacks{})
	client.SetTransferMode(a.cfg.TransferMode())

	if err := server.CreateServer(a.cfg.Port, 1); err != nil {
		return benchResult{}, err
	}
	if err := client.CreateClient("127.0.0.1", a.cfg.Port); err != nil {
		return benchResult{}, err
	}

	bar := progressbar.NewOptions(count,
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription("receiving"),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	payload := make([]byte, size)
	res := benchResult{}
	var start time.Time

	err = pollLoop(ctx, e, a.cfg.PollInterval, func() (bool, error) {
		if !ready {
			return false, nil
		}

		if res.Sent < count {
			if start.IsZero() {
				start = time.Now()
			}
			for ; res.Sent < count; res.Sent++ {
				if err := client.PutPacket(payload); err != nil {
					return false, err
				}
			}
		}

		for server.AvailablePacketCount() > 0 {
			if _, _, err := server.GetPacket(); err != nil {
				return false, err
			}
			res.Received++
			_ = bar.Add(1)
		}
		return res.Received >= count, nil
	})
	if !start.IsZero() {
		res.Elapsed = time.Since(start)
	}
	_ = bar.Finish()

	if err != nil {
		return res, err
	}
	if !ready {
		return res, fmt.Errorf("%w: handshake did not complete", peer.ErrCantConnect)
	}
	return res, nil
}
