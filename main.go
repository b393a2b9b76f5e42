package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"uptrack/config"
	"uptrack/db"
	"uptrack/events"
	"uptrack/model"
	"uptrack/notify"
	"uptrack/pkg/logger"
	"uptrack/probe"
	"uptrack/rollup"
	"uptrack/scheduler"
	"uptrack/server"
)

const (
	rollupRunAt = "00:15"
	pruneRunAt  = "03:00"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "uptrack",
	Short: "HTTP(S) uptime monitoring core",
	Long:  "Schedules endpoint checks, tracks up/down incidents, notifies subscribers and aggregates daily uptime stats.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var (
	rollupDays int
	rollupDate string
)

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Recompute daily uptime rollups",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := bootstrap(); err != nil {
			return err
		}
		defer db.Close()

		if rollupDate != "" {
			date, err := time.ParseInLocation("2006-01-02", rollupDate, time.Local)
			if err != nil {
				return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
			}
			written, err := rollup.ComputeDate(db.DB, date, time.Local)
			if err != nil {
				return err
			}
			logger.Info("Rollup recomputed", zap.String("date", rollupDate), zap.Int("written", written))
			return nil
		}

		if err := rollup.ComputeDays(db.DB, rollupDays, time.Local); err != nil {
			return err
		}
		logger.Info("Rollups recomputed", zap.Int("days", rollupDays))
		return nil
	},
}

var dispatchLimit int

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch due checks once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := bootstrap(); err != nil {
			return err
		}
		defer db.Close()

		dispatcher := notify.NewDispatcher(db.DB)
		sched := newScheduler(dispatcher, events.NopBus{})
		defer dispatcher.Wait()

		if dispatchLimit > 0 {
			return sched.TickLimit(cmd.Context(), dispatchLimit)
		}
		return sched.Tick(cmd.Context())
	},
}

var pruneDays int

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete checks older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := bootstrap(); err != nil {
			return err
		}
		defer db.Close()

		days := pruneDays
		if days <= 0 {
			days = config.GlobalConfig.Retention.CheckDays
		}
		deleted, err := db.PruneChecks(db.DB, days)
		if err != nil {
			return err
		}
		logger.Info("Old checks pruned", zap.Int64("deleted", deleted), zap.Int("retentionDays", days))
		return nil
	},
}

var testModeCmd = &cobra.Command{
	Use:   "testmode on|off",
	Short: "Toggle the global test mode flag (suppresses all outbound checks)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := bootstrap(); err != nil {
			return err
		}
		defer db.Close()

		switch args[0] {
		case "on":
			return db.SetTestMode(db.DB, true)
		case "off":
			return db.SetTestMode(db.DB, false)
		default:
			return fmt.Errorf("argument must be on or off, got %q", args[0])
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")

	rollupCmd.Flags().IntVar(&rollupDays, "days", 1, "Recompute this many trailing days")
	rollupCmd.Flags().StringVar(&rollupDate, "date", "", "Recompute one explicit date (YYYY-MM-DD)")
	dispatchCmd.Flags().IntVar(&dispatchLimit, "limit", 0, "Override the per-run dispatch cap")
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "Retention window override in days")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rollupCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(testModeCmd)
}

func bootstrap() error {
	if err := config.Load(configPath); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(config.GlobalConfig.Log.Level); err != nil {
		return err
	}
	if err := db.Init(config.GlobalConfig.Database.Path); err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	return nil
}

func newScheduler(dispatcher *notify.Dispatcher, bus events.Bus) *scheduler.Scheduler {
	executor := probe.NewExecutor(
		probe.WithUserAgent(config.GlobalConfig.Probe.UserAgent),
		probe.WithConnectTimeout(time.Duration(config.GlobalConfig.Probe.ConnectTimeout)*time.Second),
	)
	return scheduler.New(db.DB, executor, dispatcher, bus,
		scheduler.WithDispatchLimit(config.GlobalConfig.Scheduler.DispatchLimit),
		scheduler.WithWorkers(config.GlobalConfig.Scheduler.Workers),
	)
}

func runServe() error {
	if err := bootstrap(); err != nil {
		return err
	}
	defer logger.Sync()

	// Seed the runtime test-mode flag from config only on first boot.
	if v, err := db.GetSetting(db.DB, db.SettingTestMode); err == nil && v == "" {
		if err := db.SetTestMode(db.DB, config.GlobalConfig.Scheduler.TestMode); err != nil {
			logger.Error("Failed to seed test mode flag", zap.Error(err))
		}
	}

	dispatcher := notify.NewDispatcher(db.DB)
	srv := server.New(db.DB)
	sched := newScheduler(dispatcher, srv.Bus())
	srv.SetScheduler(sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backfill must never block or abort startup.
	go func() {
		if err := rollup.Backfill(db.DB, time.Local); err != nil {
			logger.Error("Rollup backfill failed", zap.Error(err))
		}
	}()

	go sched.Run(ctx, scheduler.DefaultTickInterval)
	go runDailyJobs(ctx)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.GlobalConfig.Server.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info("Server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	dispatcher.Wait()
	db.Close()
	logger.Info("Server exiting")
	return nil
}

// runDailyJobs fires the nightly rollup batch, the per-user timezone
// recompute sweep and the retention prune at fixed local times. Each job
// tracks its next due time and fires on the first tick at or past it, so
// a tick drifting over a minute boundary cannot skip a day's run.
func runDailyJobs(ctx context.Context) {
	rollupNext := nextRunAfter(time.Now(), rollupRunAt)
	pruneNext := nextRunAfter(time.Now(), pruneRunAt)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if !now.Before(rollupNext) {
				rollupNext = nextRunAfter(now, rollupRunAt)
				if err := rollup.ComputeDays(db.DB, 1, time.Local); err != nil {
					logger.Error("Nightly rollup failed", zap.Error(err))
				}
				recomputeUserRollups()
			}
			if !now.Before(pruneNext) {
				pruneNext = nextRunAfter(now, pruneRunAt)
				deleted, err := db.PruneChecks(db.DB, config.GlobalConfig.Retention.CheckDays)
				if err != nil {
					logger.Error("Check pruning failed", zap.Error(err))
				} else if deleted > 0 {
					logger.Info("Old checks pruned", zap.Int64("deleted", deleted))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// nextRunAfter returns the next occurrence of the "15:04" wall-clock time
// strictly after now, in now's location.
func nextRunAfter(now time.Time, clock string) time.Time {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return now.AddDate(0, 0, 1)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func recomputeUserRollups() {
	var users []model.User
	if err := db.DB.Where("timezone <> ''").Find(&users).Error; err != nil {
		logger.Error("Failed to load users for timezone recompute", zap.Error(err))
		return
	}
	for i := range users {
		if err := rollup.RecomputeUser(db.DB, &users[i]); err != nil {
			logger.Error("Timezone rollup recompute failed",
				zap.Uint("userID", users[i].ID), zap.Error(err))
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
