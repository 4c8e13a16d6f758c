package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthropics/governance-core/internal/config"
	"github.com/anthropics/governance-core/internal/governor"
	"github.com/anthropics/governance-core/internal/ipc"
	"github.com/anthropics/governance-core/internal/logging"
)

// envConfig names the environment variable consulted when --config is unset.
const envConfig = "GOVCORE_CONFIG"

var configCandidates = []string{"config.yaml", "config.yml", "config.json"}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "govcore",
		Short:         "Reactive governance and stability core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file (env "+envConfig+")")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the governance core and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, path)
		},
	}

	check := &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if path == "" {
				path = "built-in defaults"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config OK (%s): %d engines, listen %s\n", path, len(cfg.Engines), cfg.ListenAddr)
			return nil
		},
	}

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "govcore %s (commit=%s, built=%s)\n", version, commit, date)
		},
	}

	root.AddCommand(serve, check, ver)
	root.RunE = serve.RunE
	return root
}

// resolveConfigPath picks the config file: the flag, then GOVCORE_CONFIG,
// then a config file next to the executable or in the working directory.
// An empty result means run on defaults.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	dirs = append(dirs, ".")
	for _, dir := range dirs {
		for _, name := range configCandidates {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

func loadConfig(flagPath string) (*config.Config, string, error) {
	path := resolveConfigPath(flagPath)
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func runServe(parent context.Context, cfg *config.Config, path string) error {
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gov, err := governor.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := gov.Start(ctx); err != nil {
		return err
	}

	srv := ipc.NewServer(ipc.NewHandler(gov), cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("governance core listening", "url", listenURL(cfg.ListenAddr), "config", path, "version", version)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err.Error())
	}
	if err := gov.Shutdown(shutdownCtx); err != nil {
		logger.Warn("governor shutdown", "error", err.Error())
	}
	return serveErr
}

// listenURL turns a listen address such as ":9810" into a clickable URL.
func listenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
