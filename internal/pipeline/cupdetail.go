package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ymatsuda/keirin-data/internal/model"
	"github.com/ymatsuda/keirin-data/internal/provider/winticket"
	"github.com/ymatsuda/keirin-data/internal/throttle"
)

type cupDetailAPI interface {
	CupDetail(ctx context.Context, cupID string) (*winticket.CupDetailResponse, error)
}

type cupDetailStore interface {
	SaveCupDetail(ctx context.Context, schedules []model.Schedule, races []model.Race) error
	UpdateStepStatusBatch(ctx context.Context, raceIDs []string, step int, status string) error
}

// CupDetail is the second stage: for each cup it fetches schedules and races
// and upserts them, seeding race_status rows as a side effect.
type CupDetail struct {
	api      cupDetailAPI
	store    cupDetailStore
	limiter  *throttle.Limiter
	interval time.Duration
	workers  int
	logger   *slog.Logger
}

// NewCupDetail creates the cup-details updater. workers bounds the pool;
// interval spaces the per-worker API calls through the shared limiter.
func NewCupDetail(api cupDetailAPI, store cupDetailStore, limiter *throttle.Limiter, interval time.Duration, workers int, logger *slog.Logger) *CupDetail {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &CupDetail{
		api: api, store: store, limiter: limiter,
		interval: interval, workers: workers, logger: logger,
	}
}

// Run processes the cups through a bounded worker pool. One cup's failure
// does not abort the rest.
func (c *CupDetail) Run(ctx context.Context, cupIDs []string) Summary {
	summary := Summary{Inputs: len(cupIDs)}
	if len(cupIDs) == 0 {
		return summary
	}

	workers := c.workers
	if workers > len(cupIDs) {
		workers = len(cupIDs)
	}

	ch := make(chan string, len(cupIDs))
	for _, id := range cupIDs {
		ch <- id
	}
	close(ch)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cupID := range ch {
				err := c.processCup(ctx, cupID)

				mu.Lock()
				summary.Attempted++
				if err != nil {
					summary.Failed++
					summary.AddErrorf("cup %s: %v", cupID, err)
				} else {
					summary.Completed++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	c.logger.Info("cup detail stage done", "summary", summary.String())
	return summary
}

func (c *CupDetail) processCup(ctx context.Context, cupID string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "cup_detail", c.interval); err != nil {
			return err
		}
	}

	detail, err := c.api.CupDetail(ctx, cupID)
	if err != nil {
		return err
	}

	schedules := make([]model.Schedule, 0, len(detail.Schedules))
	validSchedules := make(map[string]bool, len(detail.Schedules))
	for _, s := range detail.Schedules {
		if s.ID == "" {
			continue
		}
		validSchedules[s.ID] = true
		schedules = append(schedules, model.Schedule{
			ID:             s.ID,
			CupID:          cupID,
			Date:           s.Date,
			DayNumber:      int(s.Day),
			Index:          int(s.Index),
			EntriesUnfixed: model.Bool01(bool(s.EntriesUnfixed)),
		})
	}

	races := make([]model.Race, 0, len(detail.Races))
	raceIDs := make([]string, 0, len(detail.Races))
	for _, r := range detail.Races {
		races = append(races, c.transformRace(cupID, r, validSchedules))
		if r.ID != "" {
			raceIDs = append(raceIDs, r.ID)
		}
	}

	if err := c.store.SaveCupDetail(ctx, schedules, races); err != nil {
		return err
	}
	if err := c.store.UpdateStepStatusBatch(ctx, raceIDs, model.StepCupDetail, model.StepCompleted); err != nil {
		return err
	}

	c.logger.Info("cup detail saved", "cup_id", cupID,
		"schedules", len(schedules), "races", len(races))
	return nil
}

func (c *CupDetail) transformRace(cupID string, r winticket.Race, validSchedules map[string]bool) model.Race {
	race := model.Race{
		ID:                  r.ID,
		CupID:               cupID,
		Number:              int(r.Number),
		Class:               model.NilIfEmpty(r.Class),
		RaceType:            model.NilIfEmpty(r.RaceType),
		RaceType3:           model.NilIfEmpty(r.RaceType3),
		Cancel:              model.Bool01(bool(r.Cancel)),
		CancelReason:        model.NilIfEmpty(r.CancelReason),
		Weather:             model.NilIfEmpty(r.Weather),
		WindSpeed:           floatFromFlexible(r.WindSpeed),
		Distance:            intFromFlexible(r.Distance),
		LapCount:            intFromFlexible(r.Lap),
		EntriesCount:        intFromFlexible(r.EntriesNumber),
		IsGradeRace:         model.Bool01(bool(r.IsGradeRace)),
		HasDigestVideo:      model.Bool01(bool(r.HasDigestVideo)),
		DigestVideo:         model.NilIfEmpty(r.DigestVideo),
		DigestVideoProvider: model.NilIfEmpty(r.DigestVideoProvider),
	}

	status := int(r.Status)
	race.Status = &status

	if r.ScheduleID != "" && validSchedules[r.ScheduleID] {
		id := r.ScheduleID
		race.ScheduleID = &id
	} else if r.ScheduleID != "" {
		c.logger.Warn("race references unknown schedule, storing null",
			"race_id", r.ID, "cup_id", cupID, "schedule_id", r.ScheduleID)
	}

	race.StartAt = c.parseRaceTime(r.ID, "startAt", string(r.StartAt))
	race.CloseAt = c.parseRaceTime(r.ID, "closeAt", string(r.CloseAt))
	race.DecidedAt = c.parseRaceTime(r.ID, "decidedAt", string(r.DecidedAt))
	return race
}

func (c *CupDetail) parseRaceTime(raceID, field, value string) *int64 {
	ts, err := model.ParseUnixTime(value)
	if err != nil {
		c.logger.Warn("unparseable race timestamp, storing null",
			"race_id", raceID, "field", field, "value", value)
		return nil
	}
	return ts
}
