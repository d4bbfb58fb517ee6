package command

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"sitecache/internal/metrics"
	"sitecache/internal/proxy"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the site listeners, the admin server and the worker",
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	stack, err := proxy.NewBuilder(cfg, logger).Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Error("close stack", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	for _, l := range stack.Listeners {
		l := l
		g.Go(func() error {
			logger.Info("listening", "listener", l.Name, "address", l.Server.Addr, "tls", l.TLS.Enabled)
			var err error
			if l.TLS.Enabled {
				err = l.Server.ListenAndServeTLS(l.TLS.CertFile, l.TLS.KeyFile)
			} else {
				err = l.Server.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		logger.Info("admin listening", "address", stack.Admin.Address())
		return stack.Admin.Start(gctx)
	})

	// A worker that fails to start still passes requests to the network.
	g.Go(func() error {
		if err := stack.Worker.Start(gctx); err != nil {
			logger.Error("worker start failed", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for _, l := range stack.Listeners {
			if err := l.Server.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", "listener", l.Name, "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}
