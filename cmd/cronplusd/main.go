// Command cronplusd runs the cronplus file-automation daemon.
// Grounded on the teacher's cmd/cronplusd/main.go wiring (config load,
// bbolt state store, manager, control server, signal-based graceful
// shutdown), rebuilt on spf13/cobra in place of the bare flag package
// so the CLI can offer both `serve` and `validate`.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cronplus/cronplus/internal/config"
	"github.com/cronplus/cronplus/internal/control"
	"github.com/cronplus/cronplus/internal/manager"
	"github.com/cronplus/cronplus/internal/observability"
	"github.com/cronplus/cronplus/internal/store"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "cronplusd",
		Short:   "cronplus file-automation daemon",
		Version: version,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newValidateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	var logLevel string
	var controlAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the daemon, watching configured directories and executing pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel, controlAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "examples/config.json", "path to config JSON file")
	cmd.Flags().StringVar(&logLevel, "log-level", observability.EnvLogLevel("info"), "log level: debug|info|warn|error")
	cmd.Flags().StringVar(&controlAddr, "control-addr", "127.0.0.1:8080", "control API listen address")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "validate [config path]",
		Short: "parse and strictly validate a config file without starting the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.NewLogger(logLevel)
			defer logger.Sync() //nolint:errcheck
			cfg, err := config.Load(args[0], logger)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			fmt.Printf("ok: %d task(s) valid\n", len(cfg.Tasks))
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	return cmd
}

// daemonControl implements control.Control, bridging the HTTP surface
// to the config loader and the running manager.
type daemonControl struct {
	logger  *zap.SugaredLogger
	mgr     *manager.Manager
	cfgPath string
	cfg     *config.Config
}

func (c *daemonControl) Reload(ctx context.Context) error {
	cfg, err := config.Load(c.cfgPath, c.logger)
	if err != nil {
		return err
	}
	c.cfg = cfg
	return c.mgr.ApplyConfig(ctx, cfg)
}

func (c *daemonControl) GetConfig() any {
	return c.cfg
}

func (c *daemonControl) ApplyConfig(ctx context.Context, raw []byte) error {
	cfg, err := config.Parse(raw, c.logger)
	if err != nil {
		return err
	}
	if err := config.Save(c.cfgPath, cfg); err != nil {
		return err
	}
	c.cfg = cfg
	return c.mgr.ApplyConfig(ctx, cfg)
}

func (c *daemonControl) TasksSnapshot() any {
	return c.mgr.TasksSnapshot()
}

func runServe(configPath, logLevel, controlAddr string) error {
	logger := observability.NewLogger(logLevel)
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Errorw("failed to load config", "path", configPath, "error", err)
		return err
	}
	logger.Infow("config loaded", "tasks", len(cfg.Tasks), "version", cfg.Version)

	st, err := store.Open(cfg.Runtime.StateDbPath)
	if err != nil {
		logger.Errorw("failed to open state store", "path", cfg.Runtime.StateDbPath, "error", err)
		return err
	}
	defer st.Close()

	mgr := manager.New(logger, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.ApplyConfig(ctx, cfg); err != nil {
		logger.Errorw("failed to apply config", "error", err)
		return err
	}
	logger.Infow("task supervisors started")

	ctrl := &daemonControl{logger: logger, mgr: mgr, cfgPath: configPath, cfg: cfg}
	ctrlSrv := control.New(logger, ctrl, controlAddr)
	if err := ctrlSrv.Start(ctx); err != nil {
		logger.Errorw("failed to start control server", "addr", controlAddr, "error", err)
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infow("signal received, shutting down", "signal", sig.String())

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = ctrlSrv.Shutdown(shCtx)

	cancel()
	if err := mgr.StopAll(); err != nil {
		logger.Warnw("some supervisors did not stop cleanly", "error", err)
	}

	logger.Infow("shutdown complete")
	return nil
}
