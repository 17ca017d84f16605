package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ymatsuda/keirin-data/internal/model"
	"github.com/ymatsuda/keirin-data/internal/provider/winticket"
	"github.com/ymatsuda/keirin-data/internal/store"
	"github.com/ymatsuda/keirin-data/internal/throttle"
)

// raceBatchSize bounds how many races share one processing-marker update and
// one final status sweep.
const raceBatchSize = 50

type raceCardAPI interface {
	RaceCard(ctx context.Context, cupID string, scheduleIndex, raceNumber int) (*winticket.RaceCardResponse, error)
}

type raceCardStore interface {
	GetRaceStatuses(ctx context.Context, raceIDs []string) (map[string]string, error)
	SaveRaceCard(ctx context.Context, card *store.RaceCard) error
	UpdateStepStatusBatch(ctx context.Context, raceIDs []string, step int, status string) error
}

// RaceCardStage is the third stage: per race it fetches players, entries,
// records and the line prediction. Finished races are skipped and marked
// completed without an API call.
type RaceCardStage struct {
	api           raceCardAPI
	store         raceCardStore
	limiter       *throttle.Limiter
	rateLimitWait time.Duration
	workers       int
	logger        *slog.Logger
}

// NewRaceCardStage creates the race-cards updater.
func NewRaceCardStage(api raceCardAPI, store raceCardStore, limiter *throttle.Limiter, rateLimitWait time.Duration, workers int, logger *slog.Logger) *RaceCardStage {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &RaceCardStage{
		api: api, store: store, limiter: limiter,
		rateLimitWait: rateLimitWait, workers: workers, logger: logger,
	}
}

// Run processes the races in batches of raceBatchSize. Unless force is set,
// races already finished upstream are marked completed without fetching.
func (r *RaceCardStage) Run(ctx context.Context, refs []store.RaceRef, force bool) Summary {
	summary := Summary{Inputs: len(refs)}
	if len(refs) == 0 {
		return summary
	}

	pending, skipped, err := r.gate(ctx, refs, force)
	if err != nil {
		summary.Failed = len(refs)
		summary.AddErrorf("race status gating: %v", err)
		return summary
	}

	// Skipped-finished races become completed without any API call.
	if len(skipped) > 0 {
		if err := r.store.UpdateStepStatusBatch(ctx, skipped, model.StepRaceCard, model.StepCompleted); err != nil {
			summary.Failed += len(skipped)
			summary.AddErrorf("mark skipped races completed: %v", err)
		} else {
			summary.Completed += len(skipped)
		}
	}

	for start := 0; start < len(pending); start += raceBatchSize {
		end := start + raceBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		summary.Add(r.processBatch(ctx, batch))
	}

	r.logger.Info("race card stage done", "summary", summary.String())
	return summary
}

// gate splits refs into races to fetch and finished races to skip. Races
// without a status row proceed with a warning.
func (r *RaceCardStage) gate(ctx context.Context, refs []store.RaceRef, force bool) (pending []store.RaceRef, skipped []string, err error) {
	if force {
		return refs, nil, nil
	}

	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.RaceID
	}
	statuses, err := r.store.GetRaceStatuses(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	for _, ref := range refs {
		status, ok := statuses[ref.RaceID]
		if !ok {
			r.logger.Warn("race has no status row, processing anyway", "race_id", ref.RaceID)
			pending = append(pending, ref)
			continue
		}
		if model.FinishedRaceStatuses[status] {
			skipped = append(skipped, ref.RaceID)
			continue
		}
		pending = append(pending, ref)
	}
	return pending, skipped, nil
}

func (r *RaceCardStage) processBatch(ctx context.Context, batch []store.RaceRef) Summary {
	var summary Summary

	ids := make([]string, len(batch))
	for i, ref := range batch {
		ids[i] = ref.RaceID
	}
	if err := r.store.UpdateStepStatusBatch(ctx, ids, model.StepRaceCard, model.StepProcessing); err != nil {
		summary.Failed = len(batch)
		summary.AddErrorf("mark batch processing: %v", err)
		return summary
	}

	perCallWait := r.rateLimitWait / time.Duration(r.workers)

	workers := r.workers
	if workers > len(batch) {
		workers = len(batch)
	}

	ch := make(chan store.RaceRef, len(batch))
	for _, ref := range batch {
		ch <- ref
	}
	close(ch)

	var mu sync.Mutex
	var completed, failed []string
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range ch {
				err := r.processRace(ctx, ref, perCallWait)

				mu.Lock()
				summary.Attempted++
				if err != nil {
					failed = append(failed, ref.RaceID)
					summary.AddErrorf("race %s: %v", ref.RaceID, err)
				} else {
					completed = append(completed, ref.RaceID)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(completed) > 0 {
		if err := r.store.UpdateStepStatusBatch(ctx, completed, model.StepRaceCard, model.StepCompleted); err != nil {
			summary.AddErrorf("mark batch completed: %v", err)
			failed = append(failed, completed...)
			completed = nil
		}
	}
	if len(failed) > 0 {
		if err := r.store.UpdateStepStatusBatch(ctx, failed, model.StepRaceCard, model.StepFailed); err != nil {
			summary.AddErrorf("mark batch failed: %v", err)
		}
	}
	summary.Completed += len(completed)
	summary.Failed += len(failed)
	return summary
}

func (r *RaceCardStage) processRace(ctx context.Context, ref store.RaceRef, wait time.Duration) error {
	if r.limiter != nil && wait > 0 {
		if err := r.limiter.Wait(ctx, "race_card", wait); err != nil {
			return err
		}
	}

	resp, err := r.api.RaceCard(ctx, ref.CupID, ref.ScheduleIndex, ref.RaceNumber)
	if err != nil {
		return err
	}

	card := r.transform(ref.RaceID, resp)
	return r.store.SaveRaceCard(ctx, card)
}

func (r *RaceCardStage) transform(raceID string, resp *winticket.RaceCardResponse) *store.RaceCard {
	card := &store.RaceCard{RaceID: raceID}

	for _, p := range resp.Players {
		card.Players = append(card.Players, model.Player{
			RaceID:     raceID,
			PlayerID:   p.ID,
			Name:       model.NilIfEmpty(p.Name),
			Class:      intFromFlexible(p.Class),
			Group:      intFromFlexible(p.Group),
			Prefecture: model.NilIfEmpty(p.Prefecture),
			Term:       intFromFlexible(p.Term),
			RegionID:   model.NilIfEmpty(p.RegionID),
			Yomi:       model.NilIfEmpty(p.Yomi),
			Birthday:   model.FormatBirthday(p.Birthday),
			Age:        intFromFlexible(p.Age),
			Gender:     model.GenderCode(string(p.Gender)),
		})
	}

	for _, e := range resp.Entries {
		card.Entries = append(card.Entries, model.Entry{
			RaceID:                  raceID,
			Number:                  int(e.Number),
			Absent:                  model.Bool01(bool(e.Absent)),
			PlayerID:                model.NilIfEmpty(e.PlayerID),
			BracketNumber:           intFromFlexible(e.BracketNumber),
			PlayerCurrentTermClass:  intFromFlexible(e.PlayerCurrentTermClass),
			PlayerCurrentTermGroup:  intFromFlexible(e.PlayerCurrentTermGroup),
			PlayerPreviousTermClass: intFromFlexible(e.PlayerPreviousTermClass),
			PlayerPreviousTermGroup: intFromFlexible(e.PlayerPreviousTermGroup),
			HasPreviousClassGroup:   model.Bool01(bool(e.HasPreviousClassGroup)),
		})
	}

	for _, rec := range resp.Records {
		card.Records = append(card.Records, model.PlayerRecord{
			RaceID:               raceID,
			PlayerID:             rec.PlayerID,
			GearRatio:            floatFromFlexible(rec.GearRatio),
			GearRatioStr:         model.NilIfEmpty(rec.GearRatioStr),
			Style:                model.NilIfEmpty(string(rec.Style)),
			RacePoint:            floatFromFlexible(rec.RacePoint),
			RacePointStr:         model.NilIfEmpty(rec.RacePointStr),
			Comment:              model.NilIfEmpty(rec.Comment),
			PredictionMark:       intFromFlexible(rec.PredictionMark),
			FirstRate:            floatFromFlexible(rec.FirstRate),
			SecondRate:           floatFromFlexible(rec.SecondRate),
			ThirdRate:            floatFromFlexible(rec.ThirdRate),
			HasModifiedGearRatio: model.Bool01(bool(rec.HasModifiedGearRatio)),
			ModifiedGearRatio:    floatFromFlexible(rec.ModifiedGearRatio),
			ModifiedGearRatioStr: model.NilIfEmpty(rec.ModifiedGearRatioStr),
			PreviousCupID:        model.NilIfEmpty(rec.PreviousCupID),
		})
	}

	if resp.LinePrediction != nil {
		formation := ComposeLineFormation(resp.LinePrediction.Lines)
		card.LinePrediction = &model.LinePrediction{
			RaceID:        raceID,
			LineType:      model.NilIfEmpty(resp.LinePrediction.LineType),
			LineFormation: model.NilIfEmpty(formation),
		}
	}
	return card
}
