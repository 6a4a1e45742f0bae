package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/kapp/pkg/config"
	"github.com/cuemby/kapp/pkg/log"
	"github.com/cuemby/kapp/pkg/metrics"
	"github.com/cuemby/kapp/pkg/service"
	"github.com/cuemby/kapp/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfg = config.Default()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kapp",
	Short: "KAPP - Knowledge-Asset Publishing Pipeline",
	Long: `KAPP accepts content submissions and reliably publishes them to a
decentralized knowledge graph network using a pool of leased signing
wallets, retrying transient failures without ever publishing the same
asset twice.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kapp version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	config.BindFlags(rootCmd, cfg)
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(walletsCmd)
	rootCmd.AddCommand(queueCmd)

	walletsCmd.AddCommand(walletsAddCmd)
	walletsCmd.AddCommand(walletsListCmd)

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queuePauseCmd)
	queueCmd.AddCommand(queueResumeCmd)
	queueCmd.AddCommand(queueRetryFailedCmd)
	queueCmd.AddCommand(queueClearCompletedCmd)
	queueCmd.AddCommand(queueClearFailedCmd)

	walletsAddCmd.Flags().String("blockchain", "otp:2043", "blockchain identifier for the new wallet")
	walletsAddCmd.Flags().String("secret-file", "", "read the wallet's signing secret from this file")

	submitCmd.Flags().String("from-file", "", "read content from this file")
	submitCmd.Flags().String("from-literal", "", "use this literal string as content")
	submitCmd.Flags().Bool("from-stdin", false, "read content from stdin")
	submitCmd.Flags().String("source", "cli", "source system attributed to this submission")
	submitCmd.Flags().Int("priority", 50, "0-100, higher is scheduled first")
	submitCmd.Flags().String("privacy", string(types.PrivacyPrivate), "private or public")
}

func initLogging() {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kapp worker pool, queue poller, and health monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		svc.Start(ctx)

		metrics.SetVersion(Version)
		metrics.RegisterComponent("postgres", true, "connected")
		metrics.RegisterComponent("redis", true, "connected")
		metrics.RegisterComponent("jobqueue", true, "ready")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		mux.Handle("/dashboard", svc.DashboardHandler())

		httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server error: %w", err)
			}
		}()
		fmt.Printf("kapp serving on %s (metrics, health, dashboard)\n", cfg.HTTPAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("shutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)

		if err := svc.Stop(); err != nil {
			return fmt.Errorf("stop service: %w", err)
		}
		fmt.Println("shutdown complete")
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Register a new content asset for publication (local debug submission)",
	RunE: func(cmd *cobra.Command, args []string) error {
		fromFile, _ := cmd.Flags().GetString("from-file")
		fromLiteral, _ := cmd.Flags().GetString("from-literal")
		fromStdin, _ := cmd.Flags().GetBool("from-stdin")
		source, _ := cmd.Flags().GetString("source")
		priority, _ := cmd.Flags().GetInt("priority")
		privacy, _ := cmd.Flags().GetString("privacy")

		var content []byte
		var err error
		switch {
		case fromFile != "":
			content, err = os.ReadFile(fromFile)
		case fromLiteral != "":
			content = []byte(fromLiteral)
		case fromStdin:
			content, err = io.ReadAll(os.Stdin)
		default:
			return fmt.Errorf("must specify one of: --from-file, --from-literal, or --from-stdin")
		}
		if err != nil {
			return fmt.Errorf("read content: %w", err)
		}

		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		defer svc.Close()

		asset, err := svc.Register(cmd.Context(), types.RegisterInput{
			Content:  content,
			Source:   source,
			Priority: priority,
			Privacy:  types.Privacy(privacy),
		})
		if err != nil {
			return fmt.Errorf("register asset: %w", err)
		}

		fmt.Printf("Asset registered: id=%d status=%s\n", asset.ID, asset.Status)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show an asset's current lifecycle state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		defer svc.Close()

		asset, err := svc.Assets.Get(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("get asset: %w", err)
		}
		if asset == nil {
			return fmt.Errorf("asset %d not found", id)
		}

		fmt.Printf("ID:          %d\n", asset.ID)
		fmt.Printf("Status:      %s\n", asset.Status)
		fmt.Printf("Source:      %s\n", asset.Source)
		fmt.Printf("Attempts:    %d/%d\n", asset.AttemptCount, asset.MaxAttempts)
		fmt.Printf("Retries:     %d\n", asset.RetryCount)
		if asset.UAL != "" {
			fmt.Printf("UAL:         %s\n", asset.UAL)
		}
		if asset.LastError != "" {
			fmt.Printf("Last error:  %s\n", asset.LastError)
		}
		return nil
	},
}

var walletsCmd = &cobra.Command{
	Use:   "wallets",
	Short: "Manage the signing wallet pool",
}

var walletsAddCmd = &cobra.Command{
	Use:   "add ADDRESS",
	Short: "Register a new signing wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address := args[0]
		blockchain, _ := cmd.Flags().GetString("blockchain")
		secretFile, _ := cmd.Flags().GetString("secret-file")
		if secretFile == "" {
			return fmt.Errorf("--secret-file is required")
		}
		secret, err := os.ReadFile(secretFile)
		if err != nil {
			return fmt.Errorf("read secret file: %w", err)
		}

		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		defer svc.Close()

		wallet, err := svc.Wallets.AddWallet(cmd.Context(), address, blockchain, secret)
		if err != nil {
			return fmt.Errorf("add wallet: %w", err)
		}
		fmt.Printf("Wallet added: id=%d address=%s blockchain=%s\n", wallet.ID, wallet.Address, wallet.Blockchain)
		return nil
	},
}

var walletsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show wallet pool utilization",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		defer svc.Close()

		stats, err := svc.Wallets.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("wallet stats: %w", err)
		}
		fmt.Printf("%-10s %-10s %-10s %s\n", "TOTAL", "AVAILABLE", "IN USE", "AVG USES")
		fmt.Println(strings.Repeat("-", 45))
		fmt.Printf("%-10d %-10d %-10d %.1f\n", stats.Total, stats.Available, stats.InUse, stats.AvgUses)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the publish job queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		defer svc.Close()

		stats, err := svc.Queue.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("queue stats: %w", err)
		}
		fmt.Printf("%-10s %-10s %-10s %s\n", "WAITING", "ACTIVE", "COMPLETED", "FAILED")
		fmt.Println(strings.Repeat("-", 45))
		fmt.Printf("%-10d %-10d %-10d %d\n", stats.Waiting, stats.Active, stats.Completed, stats.Failed)
		return nil
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause dequeuing; in-flight jobs keep running",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		defer svc.Close()
		if err := svc.Queue.Pause(cmd.Context()); err != nil {
			return fmt.Errorf("pause queue: %w", err)
		}
		fmt.Println("queue paused")
		return nil
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume dequeuing",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		defer svc.Close()
		if err := svc.Queue.Resume(cmd.Context()); err != nil {
			return fmt.Errorf("resume queue: %w", err)
		}
		fmt.Println("queue resumed")
		return nil
	},
}

var queueRetryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Re-queue every permanently failed asset with retryCount reset to zero",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		defer svc.Close()

		n, err := svc.Assets.RetryFailed(cmd.Context(), types.RetryFailedFilter{})
		if err != nil {
			return fmt.Errorf("retry failed assets: %w", err)
		}
		fmt.Printf("%d asset(s) re-queued\n", n)
		return nil
	},
}

var queueClearCompletedCmd = &cobra.Command{
	Use:   "clear-completed",
	Short: "Drop the completed-job set",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		defer svc.Close()

		n, err := svc.Queue.ClearCompleted(cmd.Context())
		if err != nil {
			return fmt.Errorf("clear completed jobs: %w", err)
		}
		fmt.Printf("%d completed job(s) cleared\n", n)
		return nil
	},
}

var queueClearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Drop the failed-job set",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		defer svc.Close()

		n, err := svc.Queue.ClearFailed(cmd.Context())
		if err != nil {
			return fmt.Errorf("clear failed jobs: %w", err)
		}
		fmt.Printf("%d failed job(s) cleared\n", n)
		return nil
	},
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid asset id %q", s)
	}
	return id, nil
}
