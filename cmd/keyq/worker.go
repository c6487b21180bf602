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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-keyq/v1/config"
	"github.com/mirkobrombin/go-keyq/v1/metrics"
	"github.com/mirkobrombin/go-keyq/v1/presets"
)

func newWorkerCommand(opts *options) *cobra.Command {
	var trace bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume jobs from the distributed job log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.cfg.Backend != config.BackendDistributed {
				return fmt.Errorf("worker needs the %s backend, got %s", config.BackendDistributed, opts.cfg.Backend)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if trace {
				shutdown, err := setupTracing()
				if err != nil {
					return err
				}
				defer shutdown()
			}
			srv := serveMetrics(opts)

			stack, err := presets.New(opts.cfg, builtinRegistry(opts.logger), opts.logger)
			if err != nil {
				return err
			}
			runErr := stack.Worker.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if srv != nil {
				if err := srv.Shutdown(shutdownCtx); err != nil {
					opts.logger.Error().Err(err).Msg("error shutting down metrics server")
				}
			}
			return errors.Join(runErr, stack.Close(shutdownCtx))
		},
	}
	cmd.Flags().BoolVar(&trace, "trace", false, "print spans to stdout")
	return cmd
}

func setupTracing() (func(), error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return func() { _ = tp.Shutdown(context.Background()) }, nil
}

func serveMetrics(opts *options) *http.Server {
	if opts.cfg.Metrics.Addr == "" {
		return nil
	}
	reg := metrics.NewRegistry()
	metrics.RegisterQueueMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: opts.cfg.Metrics.Addr, Handler: mux}
	go func() {
		opts.logger.Info().Str("address", srv.Addr).Msg("starting metrics server")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			opts.logger.Error().Err(err).Msg("metrics server failure")
		} else {
			opts.logger.Info().Msg("stopped metrics server")
		}
	}()
	return srv
}
