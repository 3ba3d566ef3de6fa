// Package main provides the mindtree CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/mindtree/pkg/backup"
	"github.com/orneryd/mindtree/pkg/config"
	"github.com/orneryd/mindtree/pkg/logging"
	"github.com/orneryd/mindtree/pkg/mindtree"
	"github.com/orneryd/mindtree/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// defaultConfigFile is picked up from the working directory when neither
// --config nor MINDTREE_CONFIG is set.
const defaultConfigFile = "mindtree.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the state shared by all subcommands: the loaded config and the
// logger built from it.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *log.Logger
	logFile    io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "mindtree",
		Short: "mindtree - persistent ordered mind-map trees over a property graph",
		Long: `mindtree stores mind maps as ordered trees in a property graph.

Features:
  • Ordered children and cross references between any two nodes
  • Trash with restore, including the references into a removed subtree
  • Memory, BadgerDB, SQLite and Postgres storage
  • Full-text search and an HTTP JSON API
  • Backups to a directory or S3

Nodes are addressed by path: the child positions from the root joined
with "/", e.g. "0/2". An empty path is the root.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logFile != nil {
				return a.logFile.Close()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (YAML or TOML); default ./mindtree.yaml if present")
	flags.String("engine", "", "Storage engine: memory, badger, sqlite or postgres")
	flags.String("data-dir", "", "Data directory")
	flags.String("dsn", "", "Database DSN for sqlite or postgres")
	flags.String("verify", "", "Invariant verification: off, log or strict")
	flags.String("log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Skip config loading.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mindtree v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file and create an empty tree",
		RunE:  a.runInit,
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  a.runServe,
	}
	serveCmd.Flags().String("address", "", "Address to bind to")
	serveCmd.Flags().Int("port", 0, "HTTP port")
	serveCmd.Flags().Duration("backup-interval", 0, "Back up the tree periodically (0 disables)")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(a.treeCommands()...)
	rootCmd.AddCommand(a.backupCommand())
	return rootCmd
}

// setup loads the config and builds the logger.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	path := a.configPath
	if path == "" {
		path = os.Getenv("MINDTREE_CONFIG")
	}
	if path == "" && cmd.Name() != "init" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	a.configPath = path

	var err error
	if path != "" && fileExists(path) {
		a.cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	} else {
		a.cfg = config.LoadFromEnv()
	}

	flags := cmd.Flags()
	overrides := []struct {
		flag string
		dst  *string
	}{
		{"engine", &a.cfg.Storage.Engine},
		{"data-dir", &a.cfg.Storage.DataDir},
		{"dsn", &a.cfg.Storage.DSN},
		{"verify", &a.cfg.Tree.Verify},
		{"log-level", &a.cfg.Logging.Level},
	}
	for _, o := range overrides {
		if flags.Changed(o.flag) {
			*o.dst, _ = flags.GetString(o.flag)
		}
	}

	out, closer, err := logOutput(a.cfg.Logging.Output)
	if err != nil {
		return err
	}
	a.logFile = closer
	a.logger, err = logging.New(out, logging.Options{
		Level:     a.cfg.Logging.Level,
		Format:    a.cfg.Logging.Format,
		Timestamp: true,
	})
	if err != nil {
		return err
	}
	cmd.SetContext(logging.WithLogger(cmd.Context(), a.logger))
	a.logger.Debug("loaded config", "file", path, "config", a.cfg.String())
	return nil
}

func logOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// open opens the tree. One-shot commands keep the trash so that a later
// "restore" still finds it.
func (a *app) open(ctx context.Context) (*mindtree.DB, error) {
	db, err := mindtree.Open(ctx, a.cfg, mindtree.Options{Logger: a.logger, KeepTrash: true})
	if err != nil {
		return nil, fmt.Errorf("opening tree: %w", err)
	}
	return db, nil
}

func (a *app) runInit(cmd *cobra.Command, args []string) error {
	path := a.configPath
	if path == "" {
		path = defaultConfigFile
	}
	force, _ := cmd.Flags().GetBool("force")
	if fileExists(path) && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	// A CLI tree is only useful if it persists.
	if !cmd.Flags().Changed("engine") && a.cfg.Storage.Engine == config.EngineMemory {
		a.cfg.Storage.Engine = config.EngineBadger
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(a.cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	header := []byte("# mindtree configuration\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	db, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	root := db.Store.Root()
	if err := db.Close(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized %s tree in %s\n", a.cfg.Storage.Engine, a.cfg.Storage.DataDir)
	fmt.Fprintf(out, "   Config: %s\n", path)
	fmt.Fprintf(out, "   Root:   %s\n", root)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, `  1. Add a node:        mindtree add "Groceries"`)
	fmt.Fprintln(out, "  2. Start the server:  mindtree serve")
	return nil
}

func (a *app) runServe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("address") {
		a.cfg.Server.Address, _ = flags.GetString("address")
	}
	if flags.Changed("port") {
		a.cfg.Server.Port, _ = flags.GetInt("port")
	}
	interval, _ := flags.GetDuration("backup-interval")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The server owns the process, so the trash is emptied on shutdown.
	db, err := mindtree.Open(ctx, a.cfg, mindtree.Options{Logger: a.logger})
	if err != nil {
		return fmt.Errorf("opening tree: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			a.logger.Error("close failed", "err", err)
		}
	}()

	srvConfig := server.DefaultConfig()
	srvConfig.Address = a.cfg.Server.Address
	srvConfig.Port = a.cfg.Server.Port
	srvConfig.ReadTimeout = a.cfg.Server.ReadTimeout
	srvConfig.WriteTimeout = a.cfg.Server.WriteTimeout

	srv, err := server.New(server.Deps{
		Model:    db.Model,
		Manager:  db.Manager,
		Search:   db.Worker,
		Gatherer: db.Registry,
		Logger:   a.logger,
	}, srvConfig)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "mindtree v%s is ready\n", version)
	fmt.Fprintf(out, "  • HTTP API:  http://%s/api\n", srv.Addr())
	fmt.Fprintf(out, "  • Health:    http://%s/health\n", srv.Addr())
	fmt.Fprintf(out, "  • Metrics:   http://%s/metrics\n", srv.Addr())
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)
	if interval > 0 {
		g.Go(func() error { return a.backupLoop(gctx, db, interval) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stopping server: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintln(out, "Server stopped gracefully")
	return nil
}

// backupLoop writes a backup every interval until ctx ends. Failures are
// logged and retried on the next tick.
func (a *app) backupLoop(ctx context.Context, db *mindtree.DB, interval time.Duration) error {
	sink, err := backup.Open(ctx, a.cfg.Backup)
	if err != nil {
		return fmt.Errorf("opening backup sink: %w", err)
	}
	opts := backup.Options{Prefix: a.cfg.Backup.Prefix, Compress: a.cfg.Backup.Compress, Logger: a.logger}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := backup.Backup(ctx, db.Engine, sink, opts); err != nil && ctx.Err() == nil {
				a.logger.Error("periodic backup failed", "err", err)
			}
		}
	}
}
