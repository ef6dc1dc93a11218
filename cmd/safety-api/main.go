// Package main provides the safety API entry point: the HTTP server and
// its operational subcommands.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/config"
)

const serviceName = "safety-api"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// devSecret signs tokens in development when JWT_SECRET is unset.
const devSecret = "medsafe-development-secret"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          serviceName,
		Short:        "Medication safety and prescription lifecycle API",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(topicsCmd())
	root.AddCommand(tokenCmd())
	return root
}

// setup loads configuration and builds the process logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.With(zap.String("service", serviceName)), nil
}

func jwtSecret(cfg *config.Config, logger *zap.Logger) string {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret
	}
	logger.Warn("JWT_SECRET not set, using the development secret")
	return devSecret
}
