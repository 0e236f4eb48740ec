// Package cli implements the peerlink command: a relay server, an
// interactive client and a loopback benchmark.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peerlink/internal/config"
	"github.com/rudransh-shrivastava/peerlink/internal/engine"
	"github.com/rudransh-shrivastava/peerlink/internal/logger"
)

type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func NewRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "peerlink",
		Short:         "peer-oriented multiplayer transport",
		Long:          `peerlink runs peers with small integer ids over a quic, webrtc or in-memory transport`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ./peerlink.yaml)")
	pf.String("backend", "quic", "transport backend: quic, webrtc or mem")
	pf.String("mode", "reliable", "transfer mode: reliable, unreliable or unreliable_ordered")
	pf.Duration("poll-interval", 10*time.Millisecond, "delay between polls")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.Bool("no-color", false, "disable coloured log output")
	pf.String("history", "", "sqlite file recording session events")

	rootCmd.AddCommand(newServeCommand(a))
	rootCmd.AddCommand(newConnectCommand(a))
	rootCmd.AddCommand(newBenchCommand(a))
	return rootCmd
}

func Execute(ctx context.Context) {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}

	level, _ := logger.ParseLevel(cfg.Log.Level)
	handler := logger.NewPrettyHandler(cmd.ErrOrStderr(), level)
	if !cfg.Log.Color {
		handler = handler.WithoutColor()
	}

	a.cfg = cfg
	a.logger = slog.New(handler)
	return nil
}

func (a *app) newEngine() (*engine.Engine, error) {
	return engine.New(engine.Config{
		Backend: a.cfg.Backend,
		Logger:  a.logger,
	})
}

// pollLoop polls e every interval until step reports done or ctx ends. A
// cancelled context is a normal way to stop and is not an error.
func pollLoop(ctx context.Context, e *engine.Engine, interval time.Duration, step func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		e.Poll()
		done, err := step()
		if err != nil || done {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
