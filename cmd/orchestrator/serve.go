package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codeagent/internal/api"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with the agents from the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "http listen address override")
	return cmd
}

func runServe(cmd *cobra.Command, opts *options) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		a.close(stopCtx)
	}()
	if err := a.start(ctx); err != nil {
		return err
	}

	handlerOpts := api.Options{
		Metrics: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		Logger:  a.logger,
	}
	if a.store != nil {
		handlerOpts.Decisions = a.store
	}
	addr := firstNonEmpty(opts.addr, a.cfg.Addr())
	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(a.coord, handlerOpts),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("codeagent started",
			zap.String("addr", addr),
			zap.Strings("agents", a.cfg.AgentIDs()),
			zap.Bool("audit", a.store != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
