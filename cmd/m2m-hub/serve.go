package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/m2m/config"
	"github.com/sage-x-project/m2m/hub"
	"github.com/sage-x-project/m2m/internal/logger"
	"github.com/sage-x-project/m2m/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub's control channel and HTTP endpoints",
	RunE:  runServe,
}

var (
	serveConfigPath         string
	servePort               int
	serveStore              string
	serveTrustClientAddress bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to a YAML or JSON config file")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config/env)")
	serveCmd.Flags().StringVar(&serveStore, "store", "", "Registry backend: memory or postgres (overrides config)")
	serveCmd.Flags().BoolVar(&serveTrustClientAddress, "trust-client-address", false, "Honor the agent-declared address verbatim instead of the observed IP (development only)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadHubConfig(serveConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveStore != "" {
		cfg.Store = config.StoreBackend(serveStore)
	}
	if serveTrustClientAddress {
		cfg.TrustClientAddress = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.NewDefaultLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []registry.Option{registry.WithLogger(log)}
	if cfg.TrustClientAddress {
		opts = append(opts, registry.WithTrustClientAddress(true))
	}

	h := hub.New(fmt.Sprintf(":%d", cfg.Port), store, opts...)
	log.Info("starting hub", logger.Int("port", cfg.Port), logger.String("store", string(cfg.Store)))
	return h.ListenAndServe(ctx)
}

func openStore(ctx context.Context, cfg *config.HubConfig) (registry.Store, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		store, err := registry.NewPostgresStore(ctx, registry.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Name,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, func() { store.Close() }, nil
	case config.StoreMemory, "":
		return registry.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}
