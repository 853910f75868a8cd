// Command steward runs the steward coordinator and talks to a running one.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/steward/config"
	"github.com/GoCodeAlone/steward/internal/version"
	"github.com/GoCodeAlone/steward/server"
)

const defaultServer = "http://localhost:9090"

var (
	cfgFile   string
	envFile   string
	serverURL string
	authToken string
)

var rootCmd = &cobra.Command{
	Use:           "steward",
	Short:         "Coordinate LLM worker agents over a conversation task graph",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "steward server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("STEWARD_TOKEN"), "bearer token (or $STEWARD_TOKEN)")

	rootCmd.AddCommand(serveCmd, tokenCmd, versionCmd)
	rootCmd.AddCommand(clientCommands()...)
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(envFile); err != nil {
		return nil, err
	}
	if cfgFile == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(cfgFile)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the steward server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogLevel)
		logger.Info("starting steward", "version", version.Version, "commit", version.Commit)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		errCh := make(chan error, 1)
		go func() { errCh <- a.server.Start() }()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
			logger.Info("shutting down")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return a.server.Stop(shutdownCtx)
	},
}

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue a bearer token signed with the configured secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := server.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, args[0], tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", server.DefaultTokenTTL, "token lifetime")
}

func newClient() *Client {
	return &Client{
		BaseURL:    strings.TrimRight(serverURL, "/"),
		Token:      authToken,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}
