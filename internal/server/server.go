package server

import (
	"context"
	"strings"

	"github.com/loomhttp/loom/internal/connection"
	"github.com/loomhttp/loom/internal/coro"
	"github.com/loomhttp/loom/internal/errs"
	"github.com/loomhttp/loom/internal/eventloop"
	"github.com/loomhttp/loom/internal/handler"
	"github.com/loomhttp/loom/internal/netutil"
	"github.com/loomhttp/loom/internal/static"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Server is the assembled worker pool: a fixed set of workers, a
// dispatcher fanning accepted connections across them, and the listener
// the acceptor goroutine drains. Constructed once at startup; the acceptor
// holds the only reference, no hidden singletons beyond this value.
type Server struct {
	cfg      Config
	log      *logrus.Entry
	workers  []*eventloop.Worker
	dispatch *eventloop.Dispatcher
	pipeline *handler.Pipeline
}

func parsePolicy(name string) coro.Policy {
	if strings.EqualFold(name, "fifo") {
		return coro.PolicyFIFO
	}
	return coro.PolicyLIFO
}

// New constructs a Server: one eventloop.Worker per cfg.Workers, a
// round-robin Dispatcher over them, and the static-file handler pipeline
// rooted at cfg.PublicRoot. It does not bind the listening socket or start
// any goroutines (that is Run's job), so construction failures (bad
// PublicRoot, epoll_create1 failure) are reported without any cleanup-of-
// partially-started-workers complexity.
func New(cfg Config, log *logrus.Entry) (*Server, error) {
	fs, err := static.NewFileServer(cfg.PublicRoot)
	if err != nil {
		return nil, errors.Wrap(err, "server: static file server")
	}
	pipeline := handler.NewPipeline(fs.Serve, handler.URIDecodeMiddleware)

	policy := parsePolicy(cfg.Policy)
	workers := make([]*eventloop.Worker, cfg.Workers)
	for i := range workers {
		w, err := eventloop.NewWorker(i, policy, cfg.MaxConnsPerWorker, log)
		if err != nil {
			for _, started := range workers[:i] {
				started.Close()
			}
			return nil, errors.Wrapf(errs.Fatal, "server: worker %d init: %v", i, err)
		}
		workers[i] = w
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		workers:  workers,
		dispatch: eventloop.NewDispatcher(workers),
		pipeline: pipeline,
	}, nil
}

// Run binds the listening socket, starts every worker's event loop and the
// acceptor under one errgroup, and blocks until ctx is cancelled or any
// goroutine returns an error. On return every worker and the listener have
// been closed, so the caller can exit 0 on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := netutil.Listen(s.cfg.Port)
	if err != nil {
		return errors.Wrapf(errs.Fatal, "server: listen on port %d: %v", s.cfg.Port, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, w := range s.workers {
		w := w
		g.Go(func() error {
			return w.Run(func(worker *eventloop.Worker, fd int) func(co *coro.Coroutine) {
				return connection.Entry(worker, fd, s.pipeline, s.cfg.RecvTimeout, s.log)
			})
		})
	}

	g.Go(func() error {
		return netutil.AcceptLoop(ln, s.dispatch.Dispatch, s.log)
	})

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down")
		if err := ln.Close(); err != nil {
			s.log.WithError(err).Warn("server: listener close failed")
		}
		for _, w := range s.workers {
			if err := w.Close(); err != nil {
				s.log.WithError(err).Warn("server: worker close failed")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
