package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"placesadmin/internal/api"
	"placesadmin/internal/config"
	"placesadmin/internal/logging"
	"placesadmin/internal/mirror"
	"placesadmin/internal/places"
	"placesadmin/internal/reconcile"
	"placesadmin/internal/shell"
	"placesadmin/internal/simulate"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "placesadmin",
	Short: "Web administration console for a facilities directory",
	Long: `placesadmin mirrors a remote facilities directory (Building -> Floor ->
Section -> Desk/Room) managed through an interactive command shell, and
serves a web console over the local mirror.

The remote shell has no per-command exit codes or output framing; the
command channel adds both and the reconciliation engine keeps the mirror
consistent with what the remote system actually contains.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// system bundles the wired components every subcommand needs.
type system struct {
	cfg     config.Config
	channel *shell.Channel
	client  *places.Client
	store   *mirror.Store
	engine  *reconcile.Engine
}

func buildSystem() (*system, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := logging.Initialize(".", logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
	}); err != nil {
		return nil, err
	}

	var launcher shell.Launcher
	if cfg.Simulation.Enabled {
		script := simulate.CampusScript()
		if cfg.Simulation.FixturePath != "" {
			script, err = simulate.LoadFixture(cfg.Simulation.FixturePath)
			if err != nil {
				return nil, err
			}
		}
		launcher = simulate.Launcher(script)
		logger.Info("simulation mode enabled, remote shell not used")
	} else {
		launcher = shell.CommandLauncher(cfg.Shell.Command, cfg.Shell.Args...)
	}

	channel, err := shell.New(shell.Options{
		Launcher:       launcher,
		EchoDirective:  cfg.Shell.EchoDirective,
		DefaultTimeout: cfg.Shell.CommandTimeout,
		RestartBackoff: cfg.Shell.RestartBackoff,
	})
	if err != nil {
		return nil, err
	}

	client := places.NewClient(channel, places.ClientOptions{
		ConnectCommand: cfg.Shell.ConnectCommand,
		CommandTimeout: cfg.Shell.CommandTimeout,
	})

	store, err := mirror.New(cfg.Mirror.DatabasePath)
	if err != nil {
		return nil, err
	}

	return &system{
		cfg:     cfg,
		channel: channel,
		client:  client,
		store:   store,
		engine:  reconcile.New(client, store),
	}, nil
}

func (s *system) close() {
	_ = s.channel.Close()
	_ = s.store.Close()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin console HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := buildSystem()
		if err != nil {
			return err
		}
		defer sys.close()

		watcher, err := config.NewWatcher(configPath)
		if err == nil {
			if err := watcher.Start(); err != nil {
				logger.Warn("config watcher failed to start", zap.Error(err))
			} else {
				defer watcher.Stop()
			}
		}

		server := api.NewServer(sys.client, sys.engine, sys.store, sys.channel, logger)
		httpSrv := &http.Server{
			Addr:              sys.cfg.HTTP.ListenAddr,
			Handler:           server.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("admin console listening", zap.String("addr", sys.cfg.HTTP.ListenAddr))
			errCh <- httpSrv.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(ctx)
		}
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one mirror reconciliation and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := buildSystem()
		if err != nil {
			return err
		}
		defer sys.close()

		report, err := sys.engine.Refresh(cmd.Context())
		if report != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(report)
		}
		return err
	},
}

var hierarchyCmd = &cobra.Command{
	Use:   "hierarchy",
	Short: "Fetch the remote hierarchy and print it as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := buildSystem()
		if err != nil {
			return err
		}
		defer sys.close()

		tree, err := sys.client.Hierarchy(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tree)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "placesadmin.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(hierarchyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
