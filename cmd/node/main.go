package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cvmnode/cvmnode/internal/apikey"
	"github.com/cvmnode/cvmnode/internal/config"
	"github.com/cvmnode/cvmnode/internal/node"
	"github.com/cvmnode/cvmnode/internal/statestore"
)

var (
	cfgFile     string
	withRestAPI bool
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "node",
	Short: "cvmnode - permissioned execute-then-consensus contract node",
	RunE:  runStart,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "node.toml", "config file path")
	rootCmd.Flags().BoolVar(&withRestAPI, "with-rest-api", true, "serve the REST and admin ingresses (disable for a consensus-only replica)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("cvmnode v0.1.0")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize node data directory and stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := statestore.Open(cfg.State)
		if err != nil {
			return fmt.Errorf("failed to initialize state store: %w", err)
		}
		defer store.Close()

		keys, err := apikey.Open(cfg.RestAPI.KeyStorePath)
		if err != nil {
			return fmt.Errorf("failed to initialize api-key store: %w", err)
		}
		defer keys.Close()

		fmt.Printf("Initialized node: %s\n", cfg.Node.NodeID)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("State store: %s (%s)\n", cfg.State.DBConnection, cfg.State.DBType)
		fmt.Printf("API-key store: %s\n", cfg.RestAPI.KeyStorePath)

		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := statestore.Open(cfg.State)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer store.Close()

		keys, err := apikey.Open(cfg.RestAPI.KeyStorePath)
		if err != nil {
			return fmt.Errorf("failed to open api-key store: %w", err)
		}
		defer keys.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		root, err := store.Root(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state root: %w", err)
		}

		fmt.Printf("Node ID: %s\n", cfg.Node.NodeID)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Container mode: %s\n", cfg.Container.ContainerMode)
		fmt.Printf("State root: %s\n", root)
		fmt.Printf("Issued API keys: %d\n", len(keys.List()))

		return nil
	},
}

// portConflictError distinguishes a listener bind failure from any
// other boot error, so main can map it to exit code 2 per spec.md §6.
type portConflictError struct{ err error }

func (e *portConflictError) Error() string { return e.err.Error() }
func (e *portConflictError) Unwrap() error { return e.err }

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)}))

	n, err := node.New(cfg, withRestAPI, logger)
	if err != nil {
		return fmt.Errorf("failed to build node: %w", err)
	}

	if err := n.Start(); err != nil {
		if isAddrInUse(err) {
			return &portConflictError{err: err}
		}
		return fmt.Errorf("failed to start node: %w", err)
	}

	fmt.Printf("Node %s is running. Press Ctrl+C to stop.\n", cfg.Node.NodeID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-n.Fatal():
		fmt.Printf("\nFatal error, shutting down: %v\n", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := n.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}

	fmt.Println("Node stopped")
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var pc *portConflictError
		if errors.As(err, &pc) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
