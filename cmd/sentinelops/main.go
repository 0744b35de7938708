// Package main provides the sentinelops binary entry point.
// SentinelOps orchestrates multi-agent cloud security incident response:
// it drives each incident through detection, analysis, remediation,
// approval and notification, with a hash-chained audit log of every
// decision.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
	"github.com/cdgtlmda/SentinelOps-sub002/orchestration"
)

const (
	version = "1.0.0"
	appName = "sentinelops"
)

// errAuditVerification distinguishes a broken audit chain from other
// startup failures so operators can alert on the exit code.
var errAuditVerification = errors.New("audit chain verification failed")

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errAuditVerification) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Cloud security incident response orchestrator",
		Long: `SentinelOps coordinates detection, analysis, remediation and
communication agents over a message bus. Each incident runs through a
guarded workflow state machine; every state change, approval decision
and dispatched action lands in a tamper-evident audit log before it is
committed.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(serveCmd(&configPath))
	cmd.AddCommand(verifyAuditCmd(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, version)
		},
	})
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*configPath)
		},
	}
}

func verifyAuditCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-audit",
		Short: "Recompute the persisted audit chain and exit",
		Long: `Rebuilds every hash in the stored audit log and compares it
against the recorded chain. Exits 2 if any entry was removed, reordered
or altered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return verifyAudit(*configPath)
		},
	}
}

func serve(configPath string) error {
	cfg, err := core.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := core.NewProductionLogger(cfg.Logging, cfg.Name)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := orchestration.NewRuntime(ctx, *cfg, logger)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}

	// Refuse to start on top of a tampered audit log.
	if err := rt.VerifyAudit(ctx); err != nil {
		return fmt.Errorf("%w: %v", errAuditVerification, err)
	}

	admin := newAdminServer(rt, logger)
	if err := admin.Start(); err != nil {
		return fmt.Errorf("starting admin server: %w", err)
	}

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	admin.SetReady(true)
	logger.Info("Orchestrator started", map[string]interface{}{
		"operation":  "startup",
		"version":    version,
		"store":      cfg.Store.Provider,
		"bus":        cfg.Bus.Provider,
		"admin_port": cfg.Admin.Port,
	})

	<-ctx.Done()
	logger.Info("Shutdown signal received", map[string]interface{}{
		"operation": "shutdown",
	})
	admin.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
	defer shutdownCancel()

	var firstErr error
	if err := rt.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if err := admin.Stop(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("shutdown: %w", firstErr)
	}
	logger.Info("Shutdown complete", map[string]interface{}{
		"operation": "shutdown",
	})
	return nil
}

func verifyAudit(configPath string) error {
	cfg, err := core.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	// Verification never publishes; force the in-process bus so the run
	// does not depend on broker availability.
	cfg.Bus = core.BusConfig{Provider: "memory"}
	logger := core.NewProductionLogger(cfg.Logging, cfg.Name)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := orchestration.NewRuntime(ctx, *cfg, logger)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}
	defer func() { _ = rt.Shutdown(ctx) }()

	if err := rt.VerifyAudit(ctx); err != nil {
		return fmt.Errorf("%w: %v", errAuditVerification, err)
	}
	fmt.Println("audit chain verified")
	return nil
}
