// Package main provides syncctl, the operator CLI for the tracker sync engine.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/huangang/featurehub/internal/config"
	"github.com/huangang/featurehub/internal/lock"
	"github.com/huangang/featurehub/internal/mention"
	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/services"
	"github.com/huangang/featurehub/internal/services/syncengine"
	"github.com/huangang/featurehub/internal/tracker"
	"github.com/huangang/featurehub/internal/vault"
	"github.com/huangang/featurehub/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "Operate the featurehub tracker sync engine",
	Long: `syncctl runs reconciliation outside the server process and helps
operators prepare integration credentials.

It reads the same config.yaml and environment variables as the server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [feature-id]",
	Short: "Run one reconciliation sweep, or reconcile a single feature",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReconcile,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show synced, conflicting and stale feature counts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var encryptTokenCmd = &cobra.Command{
	Use:   "encrypt-token [token]",
	Short: "Seal a tracker token with the configured master key",
	Long: `Encrypt a personal access token the way the server stores it. The
token is read from stdin when no argument is given, which keeps it out of
shell history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEncryptToken,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(encryptTokenCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Init(cfg.Log.Level)
	return cfg, nil
}

// newEngine wires the orchestrator and scheduler against the configured
// database. The DB locker is always used so the CLI and a running server
// exclude each other even when the server uses Redis for its task queue.
func newEngine(cfg *config.Config) (*syncengine.Orchestrator, *syncengine.Scheduler, error) {
	db, err := models.Open(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := models.Migrate(db); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	tokenVault, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		return nil, nil, err
	}
	registry := tracker.NewRegistry(tokenVault, tracker.Options{
		CallTimeout:       cfg.Sync.CallTimeout(),
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		Burst:             cfg.Sync.Burst,
	})

	var locker lock.Locker = lock.NewDBLocker(db)
	orchestrator := syncengine.NewOrchestrator(db, registry, mention.NewTranslator(services.NewUserDirectory(db)), locker, syncengine.Options{
		LockTTL: cfg.Sync.LockTTL(),
	})
	return orchestrator, syncengine.NewScheduler(orchestrator, locker, cfg.Sync.Schedule, 0), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orchestrator, scheduler, err := newEngine(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	if len(args) == 1 {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil || id == 0 {
			return fmt.Errorf("invalid feature id %q", args[0])
		}
		result, err := orchestrator.ReconcileFeature(ctx, uint(id))
		if err != nil {
			return fmt.Errorf("reconcile feature %d: %w", id, err)
		}
		return printJSON(cmd, result)
	}

	summary, err := scheduler.RunSweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if err := printJSON(cmd, summary); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d feature(s) failed to reconcile", summary.Failed)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orchestrator, _, err := newEngine(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	status, err := orchestrator.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd, status)
}

func runEncryptToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tokenVault, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		return err
	}

	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		if scanner.Scan() {
			token = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read token: %w", err)
		}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}

	sealed, err := tokenVault.Encrypt(token)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), sealed)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
