package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ymatsuda/keirin-data/internal/model"
	"github.com/ymatsuda/keirin-data/internal/parser"
	"github.com/ymatsuda/keirin-data/internal/provider/yenjoy"
	"github.com/ymatsuda/keirin-data/internal/store"
	"github.com/ymatsuda/keirin-data/internal/throttle"
)

type resultsHTML interface {
	ResultURL(cupStart time.Time, venueID string, raceDate time.Time, raceNumber int) string
	GetHTML(ctx context.Context, url string) yenjoy.FetchResult
}

type resultsStore interface {
	RacesForResults(ctx context.Context, startDate, endDate, venueID string, force bool) ([]store.ResultCandidate, error)
	EntriesByRace(ctx context.Context, raceID string) (map[string]string, error)
	SaveRaceResultData(ctx context.Context, data *store.RaceResultData) error
	UpsertLapDataStatus(ctx context.Context, raceID string, processed bool) error
	UpdateStepStatusBatch(ctx context.Context, raceIDs []string, step int, status string) error
}

// ResultsStage is the fifth stage: it scrapes the result pages of finished
// races, reconciles scraped rider names against the stored entries and saves
// results, comments, lap positions and inspection reports.
type ResultsStage struct {
	html          resultsHTML
	store         resultsStore
	workers       int
	rateLimitWait time.Duration
	backoff       *throttle.Backoff
	logger        *slog.Logger
	sleep         func(context.Context, time.Duration) error

	// processing guards against the same race entering two batches when
	// overlapping runs share a store.
	mu         sync.Mutex
	processing map[string]bool
}

// NewResultsStage creates the HTML-results updater. rateLimitWait is the
// pause between fetch batches; backoff (optional) slows the stage down when
// the HTML source keeps failing.
func NewResultsStage(html resultsHTML, store resultsStore, workers int, rateLimitWait time.Duration, backoff *throttle.Backoff, logger *slog.Logger) *ResultsStage {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &ResultsStage{
		html: html, store: store, workers: workers,
		rateLimitWait: rateLimitWait, backoff: backoff, logger: logger,
		sleep:      sleepCtx,
		processing: map[string]bool{},
	}
}

// Run scrapes result pages for finished races in the date range, optionally
// narrowed to one venue. Races whose lap_data_status row is already processed
// are skipped unless force is set.
func (r *ResultsStage) Run(ctx context.Context, startDate, endDate time.Time, venueID string, force bool) Summary {
	var summary Summary

	candidates, err := r.store.RacesForResults(ctx,
		startDate.Format("2006-01-02"), endDate.Format("2006-01-02"), venueID, force)
	if err != nil {
		summary.AddErrorf("query result candidates: %v", err)
		return summary
	}
	summary.Inputs = len(candidates)
	if len(candidates) == 0 {
		r.logger.Info("no races awaiting results", "start", startDate.Format("2006-01-02"),
			"end", endDate.Format("2006-01-02"))
		return summary
	}

	for start := 0; start < len(candidates); start += r.workers {
		end := start + r.workers
		if end > len(candidates) {
			end = len(candidates)
		}
		summary.Add(r.processBatch(ctx, candidates[start:end]))

		if end < len(candidates) && r.rateLimitWait > 0 {
			if err := r.sleep(ctx, r.rateLimitWait); err != nil {
				summary.AddErrorf("inter-batch wait: %v", err)
				break
			}
		}
	}

	r.logger.Info("results stage done", "summary", summary.String())
	return summary
}

func (r *ResultsStage) processBatch(ctx context.Context, batch []store.ResultCandidate) Summary {
	var summary Summary

	accepted := make([]store.ResultCandidate, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for _, c := range batch {
		if !r.acquire(c.RaceID) {
			r.logger.Warn("race already being processed, skipping", "race_id", c.RaceID)
			continue
		}
		accepted = append(accepted, c)
		ids = append(ids, c.RaceID)
	}
	defer func() {
		for _, id := range ids {
			r.release(id)
		}
	}()
	if len(accepted) == 0 {
		return summary
	}

	if err := r.store.UpdateStepStatusBatch(ctx, ids, model.StepResults, model.StepProcessing); err != nil {
		summary.Failed = len(accepted)
		summary.AddErrorf("mark batch processing: %v", err)
		return summary
	}

	var mu sync.Mutex
	var completed, dataNotAvailable, failed []string
	var wg sync.WaitGroup

	for _, candidate := range accepted {
		candidate := candidate
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := r.processRace(ctx, candidate)

			mu.Lock()
			summary.Attempted++
			switch outcome {
			case outcomeSaved:
				completed = append(completed, candidate.RaceID)
			case outcomeEmpty:
				dataNotAvailable = append(dataNotAvailable, candidate.RaceID)
			case outcomeFailed:
				failed = append(failed, candidate.RaceID)
				summary.AddErrorf("race %s: %v", candidate.RaceID, err)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	r.sweepResults(ctx, completed, model.StepCompleted, &summary)
	r.sweepResults(ctx, dataNotAvailable, model.StepDataNotAvailable, &summary)
	r.sweepResults(ctx, failed, model.StepFailed, &summary)

	summary.Completed += len(completed)
	summary.DataNotAvailable += len(dataNotAvailable)
	summary.Failed += len(failed)
	return summary
}

func (r *ResultsStage) sweepResults(ctx context.Context, ids []string, status string, summary *Summary) {
	if len(ids) == 0 {
		return
	}
	if err := r.store.UpdateStepStatusBatch(ctx, ids, model.StepResults, status); err != nil {
		summary.AddErrorf("sweep %s: %v", status, err)
	}
}

func (r *ResultsStage) processRace(ctx context.Context, c store.ResultCandidate) (raceOutcome, error) {
	cupStart, err := time.Parse("2006-01-02", c.CupStart)
	if err != nil {
		return outcomeFailed, fmt.Errorf("cup start date %q: %w", c.CupStart, err)
	}
	raceDate, err := time.Parse("2006-01-02", c.RaceDate)
	if err != nil {
		return outcomeFailed, fmt.Errorf("race date %q: %w", c.RaceDate, err)
	}

	url := r.html.ResultURL(cupStart, c.VenueID, raceDate, c.RaceNumber)
	fetch := r.html.GetHTML(ctx, url)
	if !fetch.Success {
		if r.backoff != nil {
			r.backoff.WaitBeforeRetry(ctx, "result_page")
		}
		return outcomeFailed, fmt.Errorf("fetch %s: %w", url, fetch.Err)
	}
	if r.backoff != nil {
		r.backoff.Reset("result_page")
	}

	parsed := parser.ParseResultPage(c.RaceID, fetch.Content, r.logger)

	if parsed.ParseError {
		if err := r.store.UpsertLapDataStatus(ctx, c.RaceID, false); err != nil {
			r.logger.Warn("lap data status update failed", "race_id", c.RaceID, "error", err)
		}
		return outcomeFailed, fmt.Errorf("parse error on %s", url)
	}

	if parsed.IsEmpty {
		// The page exists but carries no data yet (or ever). Terminal for
		// this race unless a forced rerun revisits it.
		if err := r.store.UpsertLapDataStatus(ctx, c.RaceID, true); err != nil {
			r.logger.Warn("lap data status update failed", "race_id", c.RaceID, "error", err)
		}
		return outcomeEmpty, nil
	}

	entries, err := r.store.EntriesByRace(ctx, c.RaceID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("load entries: %w", err)
	}
	reconcilePlayers(parsed, entries)

	data := &store.RaceResultData{
		RaceID:            c.RaceID,
		Results:           parsed.Results,
		Comment:           parsed.Comment,
		InspectionReports: parsed.InspectionReports,
		LapPositions:      parsed.LapPositions,
	}
	if err := r.store.SaveRaceResultData(ctx, data); err != nil {
		if statusErr := r.store.UpsertLapDataStatus(ctx, c.RaceID, false); statusErr != nil {
			r.logger.Warn("lap data status update failed", "race_id", c.RaceID, "error", statusErr)
		}
		return outcomeFailed, fmt.Errorf("save results: %w", err)
	}

	if err := r.store.UpsertLapDataStatus(ctx, c.RaceID, true); err != nil {
		r.logger.Warn("lap data status update failed", "race_id", c.RaceID, "error", err)
	}
	return outcomeSaved, nil
}

// reconcilePlayers fills player ids on scraped rows. Results resolve through
// their bracket number; inspection reports go reported-name → bracket (via
// the result rows) → player id.
func reconcilePlayers(parsed *parser.Parsed, entries map[string]string) {
	nameToBracket := make(map[string]int, len(parsed.Results))
	for i := range parsed.Results {
		result := &parsed.Results[i]
		if playerID, ok := entries[strconv.Itoa(result.BracketNumber)]; ok {
			id := playerID
			result.PlayerID = &id
		}
		if result.PlayerName != nil {
			nameToBracket[stripSpaces(*result.PlayerName)] = result.BracketNumber
		}
	}

	for i := range parsed.InspectionReports {
		report := &parsed.InspectionReports[i]
		name := stripReportRank(report.Player)
		bracket, ok := nameToBracket[name]
		if !ok {
			continue
		}
		if playerID, ok := entries[strconv.Itoa(bracket)]; ok {
			id := playerID
			report.PlayerID = &id
		}
	}
}

func stripSpaces(s string) string {
	return strings.NewReplacer(" ", "", "　", "").Replace(s)
}

// stripReportRank removes the trailing "(rank)" the inspection prose appends
// to rider names. Both ASCII and full-width parentheses occur.
func stripReportRank(s string) string {
	if i := strings.IndexAny(s, "(（"); i >= 0 {
		s = s[:i]
	}
	return stripSpaces(s)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *ResultsStage) acquire(raceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processing[raceID] {
		return false
	}
	r.processing[raceID] = true
	return true
}

func (r *ResultsStage) release(raceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processing, raceID)
}
