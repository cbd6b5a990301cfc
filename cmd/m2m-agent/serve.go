package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/m2m/agent"
	"github.com/sage-x-project/m2m/config"
	"github.com/sage-x-project/m2m/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bind the local listener and register with the hub",
	RunE:  runServe,
}

var (
	serveConfigPath   string
	servePort         int
	serveHub          string
	serveAddress      string
	serveCapabilities string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to a YAML or JSON config file")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Local listen port (overrides config/env)")
	serveCmd.Flags().StringVar(&serveHub, "hub", "", "Hub control-channel URL, e.g. ws://host:port/ws (overrides config)")
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "Address declared to the hub (the hub keeps only its port unless it trusts client addresses)")
	serveCmd.Flags().StringVar(&serveCapabilities, "capabilities", "", "Comma-separated list of advertised capabilities")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgentConfig(serveConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveHub != "" {
		cfg.Hub = serveHub
	}
	if serveAddress != "" {
		cfg.Address = serveAddress
	}
	if serveCapabilities != "" {
		cfg.Capabilities = strings.Split(serveCapabilities, ",")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.NewDefaultLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := agent.New(*cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	defer rt.Stop()

	go logIncomingMessages(rt, log)

	log.Info("starting agent", logger.Int("port", cfg.Port), logger.String("hub", cfg.Hub))
	if err := rt.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logIncomingMessages(rt *agent.Runtime, log logger.Logger) {
	for msg := range rt.Messages() {
		log.Info("message received",
			logger.String("from", msg.From),
			logger.String("type", msg.Type),
			logger.String("correlationId", msg.CorrelationID))
	}
}
