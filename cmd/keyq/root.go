package main

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-keyq/v1/config"
	"github.com/mirkobrombin/go-keyq/v1/queue"
)

type options struct {
	configPath string
	cfg        *config.Config
	logger     zerolog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "keyq",
		Short:         "Per-key serialized task execution",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = setupLogging(cfg.Log)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "optional config file (yaml, json or toml)")
	root.AddCommand(newWorkerCommand(opts))
	root.AddCommand(newEnqueueCommand(opts))
	root.AddCommand(newDemoCommand(opts))
	root.AddCommand(newBenchCommand(opts))
	return root
}

func setupLogging(cfg config.LogConfig) zerolog.Logger {
	zerolog.SetGlobalLevel(translateToZerologLevel(cfg.Level))
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log.Logger
}

func translateToZerologLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	}
	return zerolog.InfoLevel
}

// builtinRegistry holds the handlers every keyq process knows.
func builtinRegistry(logger zerolog.Logger) *queue.Registry {
	reg := queue.NewRegistry()
	reg.MustRegister("log", func(ctx context.Context, payload []byte) error {
		key, _ := queue.KeyFromContext(ctx)
		logger.Info().Str("key", key).Str("payload", string(payload)).Msg("log task")
		return nil
	})
	reg.MustRegister("sleep", sleepHandler)
	return reg
}
