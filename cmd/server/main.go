package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/tutorlink-realtime/internal/app"
	"github.com/vovakirdan/tutorlink-realtime/internal/auth"
	"github.com/vovakirdan/tutorlink-realtime/internal/config"
	applog "github.com/vovakirdan/tutorlink-realtime/internal/log"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "tutorlink-realtime",
		Short:         "Realtime messaging and notification gateway for TutorLink",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and builds the process logger from it.
func loadConfig() (*config.Config, *zerolog.Logger, error) {
	bootLogger := applog.NewWithWriter(os.Stderr, "info", "console")
	cfg, path, err := config.Load(bootLogger, configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := applog.New(cfg.Log.Level, cfg.Log.Format)
	logger.Debug().Str("path", path).Msg("config loaded")
	return &cfg, logger, nil
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			logger.Info().Str("addr", cfg.Server.Addr).Bool("embedded_worker", cfg.Worker.Embedded).Msg("starting tutorlink realtime server")
			if err := application.Run(ctx); err != nil {
				return fmt.Errorf("server exited with error: %w", err)
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run persistence consumers against the shared work queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.AMQP.URL == "" {
				return fmt.Errorf("amqp.url is required for a standalone worker")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return application.RunWorker(ctx)
		},
	}
}

func tokenCmd() *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := auth.GenerateToken(&auth.JWTConfig{
				Secret:   []byte(cfg.Auth.JWTSecret),
				Issuer:   cfg.Auth.JWTIssuer,
				Audience: cfg.Auth.JWTAudience,
				TTL:      cfg.Auth.TokenTTL,
			}, userID, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID placed in the sub claim")
	cmd.Flags().StringVar(&role, "role", "student", "role claim")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
