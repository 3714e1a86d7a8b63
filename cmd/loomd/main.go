// Command loomd starts a loom HTTP/1.1 server: a positional port argument,
// flags for worker count, ready-queue policy and recv timeout, matching the
// root-command-plus-flags shape of moby-moby's dockerd entrypoint.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/loomhttp/loom/internal/server"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := server.DefaultConfig()
	log := logrus.New()

	cmd := &cobra.Command{
		Use:   "loomd <port>",
		Short: "loomd runs an event-driven HTTP/1.1 server on a cooperative scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.Wrapf(err, "loomd: invalid port %q", args[0])
			}
			cfg.Port = port
			return run(cmd.Context(), cfg, log.WithField("component", "loomd"))
		},
	}

	cmd.Flags().IntVar(&cfg.Workers, "workers", cfg.Workers, "number of event-loop workers")
	cmd.Flags().StringVar(&cfg.Policy, "policy", cfg.Policy, "ready-queue policy: lifo or fifo")
	cmd.Flags().DurationVar(&cfg.RecvTimeout, "recv-timeout", cfg.RecvTimeout, "idle recv timeout per connection")
	cmd.Flags().IntVar(&cfg.MaxConnsPerWorker, "max-conns-per-worker", cfg.MaxConnsPerWorker, "0 means unbounded")
	cmd.Flags().StringVar(&cfg.PublicRoot, "public", cfg.PublicRoot, "directory served as static content")

	return cmd
}

func run(ctx context.Context, cfg server.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, log)
	if err != nil {
		log.WithError(err).Error("loomd: failed to construct server")
		return err
	}

	log.WithFields(logrus.Fields{
		"port":         cfg.Port,
		"workers":      cfg.Workers,
		"policy":       cfg.Policy,
		"recv_timeout": cfg.RecvTimeout.String(),
	}).Info("loomd: starting")

	start := time.Now()
	err = srv.Run(ctx)
	log.WithField("uptime", time.Since(start).String()).Info("loomd: stopped")
	return err
}
