package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/attache-ai/attache/internal/lifecycle"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background expiry sweeper until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt := mustRuntime()
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := &lifecycle.Sweeper{
		Manager:  rt.manager,
		Sessions: rt.sessions,
		Interval: time.Duration(rt.cfg.VectorStore.CleanupIntervalSeconds) * time.Second,
		Logger:   rt.logger,
	}
	rt.manager.SetKick(sweeper.Kick)

	rt.logger.Info("sweeper running",
		"interval", sweeper.Interval.String(),
		"state", rt.stateDir,
		"provider", rt.cfg.Provider.Name)

	// first pass right away instead of waiting out the first tick
	sweeper.Kick()

	err := sweeper.Run(ctx)
	if errors.Is(err, context.Canceled) {
		rt.logger.Info("sweeper stopped")
		return nil
	}
	return err
}
