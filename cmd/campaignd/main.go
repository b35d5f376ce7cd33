package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"campaignd/internal/app"
	logx "campaignd/pkg/logx"
	"campaignd/pkg/systemd"
)

// stopTimeout bounds the whole shutdown; individual steps have tighter caps.
const stopTimeout = 90 * time.Second

var (
	cfgPath string
	envFile string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "campaignd",
		Short:         "Multi-account broadcast campaign daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(envFile)
		},
		RunE: runServe,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (missing is fine)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the daemon (default)",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Parse and validate the config, then exit",
			Args:  cobra.NoArgs,
			RunE:  runCheckConfig,
		},
		&cobra.Command{
			Use:   "import <file>",
			Short: "Load owners, accounts, targets and plans from a YAML seed file",
			Args:  cobra.ExactArgs(1),
			RunE:  runImport,
		},
	)
	return root
}

// loadEnv does not override variables already set in the environment.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return err
	}

	_, _ = systemd.Ready()
	_, _ = systemd.Status("serving on " + a.HTTPAddr())
	go func() { _ = systemd.Watchdog(ctx) }()

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.ReasonForSignal(sig)
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func runCheckConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := app.CheckConfig(cfgPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config ok: storage=%s http=%s\n", orDefault(cfg.Storage.Driver, "memory"), orDefault(cfg.HTTP.Addr, "127.0.0.1:8080"))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	seed, err := app.LoadSeed(args[0])
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfgPath, logx.NewConsole("WARN"))
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := app.ImportSeed(cmd.Context(), st, seed)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d owners: %d accounts, %d targets, %d plans\n",
		stats.Owners, stats.Accounts, stats.Targets, stats.Plans)
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
