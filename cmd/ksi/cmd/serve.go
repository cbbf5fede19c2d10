package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/durapensa/ksi"
	"github.com/durapensa/ksi/config"
	"github.com/durapensa/ksi/logging"
	"github.com/durapensa/ksi/orchestration"
	"github.com/durapensa/ksi/provider"
	"github.com/durapensa/ksi/provider/anthropic"
	"github.com/durapensa/ksi/provider/openai"
	"github.com/durapensa/ksi/runstore"
	"github.com/durapensa/ksi/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ksi daemon",
	Long:  "Starts the event router and exposes it over the configured unix socket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if socketPath != "" {
			cfg.Daemon.SocketPath = socketPath
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	k := ksi.New(func(o *ksi.Options) {
		o.Store = store
		o.AsyncTransformDeadline = cfg.Orchestrator.AsyncTransformDeadline
		o.TransformGCInterval = cfg.Orchestrator.TransformGCInterval
		o.Logger = logger
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	k.Start(ctx)

	if backend := buildBackend(cfg); backend != nil {
		bridge, err := provider.NewBridge(k.Router(), backend, func(o *provider.BridgeOptions) {
			o.Timeout = cfg.Completion.Timeout
			o.Logger = logger
		})
		if err != nil {
			return err
		}
		defer bridge.Detach()
		logger.Info("completion provider attached", "provider", backend.Info().Provider)
	}

	if cfg.Redis.Enabled {
		bridge := transport.NewRedisBridge(k.Router(), &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, func(o *transport.RedisBridgeOptions) {
			o.Namespaces = cfg.Redis.Namespaces
			o.Logger = logger
		})
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("start redis bridge: %w", err)
		}
		defer bridge.Close()
	}

	srv := transport.NewServer(k.Router(), cfg.Daemon.SocketPath, func(o *transport.ServerOptions) {
		o.Logger = logger
	})
	defer srv.Close()
	return srv.Serve(ctx)
}

func buildStore(cfg *config.Config) (orchestration.Store, func() error, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := runstore.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return runstore.NewInMemoryStore(), nil, nil
	}
}

func buildBackend(cfg *config.Config) provider.Backend {
	switch cfg.Completion.Provider {
	case "anthropic":
		return anthropic.New(func(o *anthropic.Options) {
			if cfg.Completion.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Completion.Model)
			}
			o.MaxTokens = cfg.Completion.MaxTokens
		})
	case "openai":
		return openai.New(func(o *openai.Options) {
			if cfg.Completion.Model != "" {
				o.Model = cfg.Completion.Model
			}
			o.MaxCompletionTokens = cfg.Completion.MaxTokens
		})
	default:
		return nil
	}
}
