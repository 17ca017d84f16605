// Command ingest is the keirin data ingestion CLI.
//
// Usage:
//
//	keirin-ingest monthly --start-date 2024-01-01 --end-date 2024-01-31
//	keirin-ingest cups --start-date 2024-01-01 --end-date 2024-01-31
//	keirin-ingest racecards --start-date 2024-01-10 --end-date 2024-01-12 --cup 2024101121
//	keirin-ingest odds --start-date 2024-01-10 --end-date 2024-01-12 --force
//	keirin-ingest results --start-date 2024-01-10 --end-date 2024-01-12 --venue 21
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ymatsuda/keirin-data/internal/config"
	"github.com/ymatsuda/keirin-data/internal/db"
	"github.com/ymatsuda/keirin-data/internal/pipeline"
	"github.com/ymatsuda/keirin-data/internal/provider/winticket"
	"github.com/ymatsuda/keirin-data/internal/provider/yenjoy"
	"github.com/ymatsuda/keirin-data/internal/store"
	"github.com/ymatsuda/keirin-data/internal/throttle"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:   "keirin-ingest",
		Short: "Keirin race data ingestion CLI",
	}

	root.PersistentFlags().String("config", "", "Path to the YAML config file")
	root.PersistentFlags().String("start-date", "", "Range start (YYYY-MM-DD, default today)")
	root.PersistentFlags().String("end-date", "", "Range end (YYYY-MM-DD, default start)")

	root.AddCommand(monthlyCmd())
	root.AddCommand(cupsCmd())
	root.AddCommand(racecardsCmd())
	root.AddCommand(oddsCmd())
	root.AddCommand(resultsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// monthly command
// --------------------------------------------------------------------------

func monthlyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monthly",
		Short: "Fetch monthly listings: regions, venues, cups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, func(ctx context.Context, deps *stageDeps) error {
				u := pipeline.NewMonthly(deps.api, deps.store, logger)
				start := time.Now()
				summary, cupIDs := u.Run(ctx, deps.startDate, deps.endDate)
				reportSummary("monthly", &summary, start)
				logger.Info("cups touched", "count", len(cupIDs))
				return exitStatus(&summary)
			})
		},
	}
}

// --------------------------------------------------------------------------
// cups command
// --------------------------------------------------------------------------

func cupsCmd() *cobra.Command {
	var cupID string
	cmd := &cobra.Command{
		Use:   "cups",
		Short: "Fetch cup details: schedules and races",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, func(ctx context.Context, deps *stageDeps) error {
				cupIDs := []string{cupID}
				if cupID == "" {
					var err error
					cupIDs, err = deps.store.CupIDsForRange(ctx,
						deps.startDate.Format("2006-01-02"), deps.endDate.Format("2006-01-02"))
					if err != nil {
						return fmt.Errorf("list cups: %w", err)
					}
				}

				u := pipeline.NewCupDetail(deps.api, deps.store, deps.limiter,
					requestInterval(deps.cfg), deps.cfg.CupDetail.MaxWorkers, logger)
				start := time.Now()
				summary := u.Run(ctx, cupIDs)
				reportSummary("cups", &summary, start)
				return exitStatus(&summary)
			})
		},
	}
	cmd.Flags().StringVar(&cupID, "cup", "", "Process a single cup ID instead of the date range")
	return cmd
}

// --------------------------------------------------------------------------
// racecards command
// --------------------------------------------------------------------------

func racecardsCmd() *cobra.Command {
	var cupID string
	var force bool
	cmd := &cobra.Command{
		Use:   "racecards",
		Short: "Fetch race cards: players, entries, records, line predictions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, func(ctx context.Context, deps *stageDeps) error {
				refs, err := raceRefs(ctx, deps, cupID)
				if err != nil {
					return err
				}

				u := pipeline.NewRaceCardStage(deps.api, deps.store, deps.limiter,
					secondsDuration(deps.cfg.RaceCard.RateLimitWait), deps.cfg.RaceCard.MaxWorkers, logger)
				start := time.Now()
				summary := u.Run(ctx, refs, force)
				reportSummary("racecards", &summary, start)
				return exitStatus(&summary)
			})
		},
	}
	cmd.Flags().StringVar(&cupID, "cup", "", "Restrict to one cup ID")
	cmd.Flags().BoolVar(&force, "force", false, "Refetch races already finished upstream")
	return cmd
}

// --------------------------------------------------------------------------
// odds command
// --------------------------------------------------------------------------

func oddsCmd() *cobra.Command {
	var cupID string
	var force bool
	cmd := &cobra.Command{
		Use:   "odds",
		Short: "Fetch odds for all seven bet types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, func(ctx context.Context, deps *stageDeps) error {
				refs, err := raceRefs(ctx, deps, cupID)
				if err != nil {
					return err
				}

				u := pipeline.NewOddsStage(deps.api, deps.store, deps.limiter,
					secondsDuration(deps.cfg.Odds.RateLimitWait), deps.cfg.Odds.MaxWorkers, logger)
				start := time.Now()
				summary := u.Run(ctx, refs, force)
				reportSummary("odds", &summary, start)
				return exitStatus(&summary)
			})
		},
	}
	cmd.Flags().StringVar(&cupID, "cup", "", "Restrict to one cup ID")
	cmd.Flags().BoolVar(&force, "force", false, "Bypass the finished/history gates")
	return cmd
}

// --------------------------------------------------------------------------
// results command
// --------------------------------------------------------------------------

func resultsCmd() *cobra.Command {
	var venueID string
	var force bool
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Scrape result pages: results, comments, lap positions, inspection reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, func(ctx context.Context, deps *stageDeps) error {
				html := yenjoy.NewClient(deps.cfg.HTML.BaseURL, deps.cfg.HTML.RetryCount, logger)
				backoff := throttle.NewBackoff(deps.cfg.HTML.RetryCount, 3*time.Second, 60*time.Second, 2)
				u := pipeline.NewResultsStage(html, deps.store,
					deps.cfg.Results.MaxWorkers, secondsDuration(deps.cfg.HTML.RateLimitWait), backoff, logger)
				start := time.Now()
				summary := u.Run(ctx, deps.startDate, deps.endDate, venueID, force)
				reportSummary("results", &summary, start)
				return exitStatus(&summary)
			})
		},
	}
	cmd.Flags().StringVar(&venueID, "venue", "", "Restrict to one venue ID")
	cmd.Flags().BoolVar(&force, "force", false, "Reprocess races already marked processed")
	return cmd
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

// stageDeps bundles what every stage needs: config, the store over the DB
// pool, the JSON API client, the shared limiter and the resolved date range.
type stageDeps struct {
	cfg       *config.Config
	store     *store.Store
	api       *winticket.Client
	limiter   *throttle.Limiter
	startDate time.Time
	endDate   time.Time
}

// runStage handles config loading, DB connection, date parsing and context
// cancellation, then hands off to the stage body.
func runStage(cmd *cobra.Command, fn func(ctx context.Context, deps *stageDeps) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	startDate, endDate, err := dateRange(cmd)
	if err != nil {
		return err
	}

	accessor, err := db.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer accessor.Close()

	deps := &stageDeps{
		cfg:       cfg,
		store:     store.New(accessor, logger),
		api:       winticket.NewClient(cfg.API.BaseURL, requestInterval(cfg), cfg.API.RetryCount, logger),
		limiter:   throttle.NewLimiter(cfg.API.Jitter),
		startDate: startDate,
		endDate:   endDate,
	}
	return fn(ctx, deps)
}

func dateRange(cmd *cobra.Command) (time.Time, time.Time, error) {
	startStr, _ := cmd.Flags().GetString("start-date")
	endStr, _ := cmd.Flags().GetString("end-date")

	start := time.Now().UTC().Truncate(24 * time.Hour)
	if startStr != "" {
		var err error
		start, err = time.Parse("2006-01-02", startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse --start-date: %w", err)
		}
	}

	end := start
	if endStr != "" {
		var err error
		end, err = time.Parse("2006-01-02", endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse --end-date: %w", err)
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end-date precedes --start-date")
	}
	return start, end, nil
}

func raceRefs(ctx context.Context, deps *stageDeps, cupID string) ([]store.RaceRef, error) {
	refs, err := deps.store.RaceRefsForRange(ctx,
		deps.startDate.Format("2006-01-02"), deps.endDate.Format("2006-01-02"), cupID)
	if err != nil {
		return nil, fmt.Errorf("list races: %w", err)
	}
	return refs, nil
}

func requestInterval(cfg *config.Config) time.Duration {
	return secondsDuration(cfg.API.RequestInterval)
}

func secondsDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func reportSummary(stage string, summary *pipeline.Summary, start time.Time) {
	logger.Info(stage+" finished",
		"duration", time.Since(start).Round(time.Second),
		"summary", summary.String())
	for _, e := range summary.Errors {
		logger.Error(stage+" error", "error", e)
	}
}

// exitStatus maps the stage summary to the process exit: success iff at
// least one race reached a terminal-good state or there was nothing to do.
func exitStatus(summary *pipeline.Summary) error {
	if summary.Success() {
		return nil
	}
	return fmt.Errorf("stage failed: %s", summary.String())
}
