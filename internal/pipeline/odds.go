package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ymatsuda/keirin-data/internal/model"
	"github.com/ymatsuda/keirin-data/internal/provider/winticket"
	"github.com/ymatsuda/keirin-data/internal/store"
	"github.com/ymatsuda/keirin-data/internal/throttle"
)

// betType describes one of the seven markets: its table, the type code used
// when the API omits one, whether the combination is order-insensitive, and
// how to pull its items off the response.
type betType struct {
	table       string
	defaultType int
	symmetric   bool
	items       func(*winticket.OddsResponse) []winticket.OddsItem
}

var betTypes = []betType{
	{"odds_exacta", 6, false, func(o *winticket.OddsResponse) []winticket.OddsItem { return o.Exacta }},
	{"odds_quinella", 7, true, func(o *winticket.OddsResponse) []winticket.OddsItem { return o.Quinella }},
	{"odds_quinella_place", 5, true, func(o *winticket.OddsResponse) []winticket.OddsItem { return o.QuinellaPlace }},
	{"odds_trifecta", 8, false, func(o *winticket.OddsResponse) []winticket.OddsItem { return o.Trifecta }},
	{"odds_trio", 9, true, func(o *winticket.OddsResponse) []winticket.OddsItem { return o.Trio }},
	{"odds_bracket_exacta", 1, false, func(o *winticket.OddsResponse) []winticket.OddsItem { return o.BracketExacta }},
	{"odds_bracket_quinella", 2, true, func(o *winticket.OddsResponse) []winticket.OddsItem { return o.BracketQuinella }},
}

type oddsAPI interface {
	Odds(ctx context.Context, cupID string, scheduleIndex, raceNumber int) (*winticket.OddsResponse, error)
}

type oddsStore interface {
	GetRaceStatuses(ctx context.Context, raceIDs []string) (map[string]string, error)
	HasOddsHistory(ctx context.Context, raceIDs []string) (map[string]bool, error)
	SaveRaceOdds(ctx context.Context, raceID string, byTable map[string][]model.Odds, status *model.OddsStatus) error
	UpdateStepStatusBatch(ctx context.Context, raceIDs []string, step int, status string) error
}

// OddsStage is the fourth stage: per race it fetches all seven bet-type
// markets and the odds metadata. Odds keep moving until post time, so a race
// is only marked completed once it is finished upstream.
type OddsStage struct {
	api           oddsAPI
	store         oddsStore
	limiter       *throttle.Limiter
	rateLimitWait time.Duration
	workers       int
	logger        *slog.Logger
}

// NewOddsStage creates the odds updater.
func NewOddsStage(api oddsAPI, store oddsStore, limiter *throttle.Limiter, rateLimitWait time.Duration, workers int, logger *slog.Logger) *OddsStage {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &OddsStage{
		api: api, store: store, limiter: limiter,
		rateLimitWait: rateLimitWait, workers: workers, logger: logger,
	}
}

// raceOutcome is a worker's verdict on one race, folded into the final sweep.
type raceOutcome int

const (
	outcomeSaved raceOutcome = iota
	outcomeEmpty
	outcomeFailed
)

// Run processes the races in batches. Gating: a finished race with no prior
// odds history is skipped (nothing will ever arrive); a finished race with
// history gets one final overwrite; an unfinished race is always refreshed
// but never marked completed. force bypasses all gates.
func (o *OddsStage) Run(ctx context.Context, refs []store.RaceRef, force bool) Summary {
	summary := Summary{Inputs: len(refs)}
	if len(refs) == 0 {
		return summary
	}

	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.RaceID
	}

	statuses, err := o.store.GetRaceStatuses(ctx, ids)
	if err != nil {
		summary.Failed = len(refs)
		summary.AddErrorf("race status gating: %v", err)
		return summary
	}
	history, err := o.store.HasOddsHistory(ctx, ids)
	if err != nil {
		summary.Failed = len(refs)
		summary.AddErrorf("odds history gating: %v", err)
		return summary
	}

	finished := func(raceID string) bool {
		return model.FinishedRaceStatuses[statuses[raceID]]
	}

	var pending []store.RaceRef
	for _, ref := range refs {
		if !force && finished(ref.RaceID) && !history[ref.RaceID] {
			o.logger.Debug("finished race without odds history, skipping", "race_id", ref.RaceID)
			continue
		}
		pending = append(pending, ref)
	}

	for start := 0; start < len(pending); start += raceBatchSize {
		end := start + raceBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		summary.Add(o.processBatch(ctx, pending[start:end], finished))
	}

	o.logger.Info("odds stage done", "summary", summary.String())
	return summary
}

func (o *OddsStage) processBatch(ctx context.Context, batch []store.RaceRef, finished func(string) bool) Summary {
	var summary Summary

	ids := make([]string, len(batch))
	for i, ref := range batch {
		ids[i] = ref.RaceID
	}
	if err := o.store.UpdateStepStatusBatch(ctx, ids, model.StepOdds, model.StepProcessing); err != nil {
		summary.Failed = len(batch)
		summary.AddErrorf("mark batch processing: %v", err)
		return summary
	}

	perCallWait := o.rateLimitWait / time.Duration(o.workers)

	workers := o.workers
	if workers > len(batch) {
		workers = len(batch)
	}

	ch := make(chan store.RaceRef, len(batch))
	for _, ref := range batch {
		ch <- ref
	}
	close(ch)

	var mu sync.Mutex
	outcomes := make(map[string]raceOutcome, len(batch))
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range ch {
				outcome, err := o.processRace(ctx, ref, perCallWait)

				mu.Lock()
				summary.Attempted++
				outcomes[ref.RaceID] = outcome
				if err != nil {
					summary.AddErrorf("race %s: %v", ref.RaceID, err)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Final sweep. Saved races only complete once the race itself is
	// finished; unfinished races stay processing so later runs refresh them.
	var completed, noData, failed []string
	for raceID, outcome := range outcomes {
		switch outcome {
		case outcomeSaved:
			if finished(raceID) {
				completed = append(completed, raceID)
			}
		case outcomeEmpty:
			noData = append(noData, raceID)
		case outcomeFailed:
			failed = append(failed, raceID)
		}
	}

	if err := o.sweep(ctx, completed, model.StepCompleted, &summary); err == nil {
		summary.Completed += len(completed)
	}
	if err := o.sweep(ctx, noData, model.StepNoData, &summary); err == nil {
		summary.NoData += len(noData)
	}
	if err := o.sweep(ctx, failed, model.StepFailed, &summary); err == nil {
		summary.Failed += len(failed)
	}
	return summary
}

func (o *OddsStage) sweep(ctx context.Context, ids []string, status string, summary *Summary) error {
	if len(ids) == 0 {
		return nil
	}
	if err := o.store.UpdateStepStatusBatch(ctx, ids, model.StepOdds, status); err != nil {
		summary.AddErrorf("sweep %s: %v", status, err)
		return err
	}
	return nil
}

func (o *OddsStage) processRace(ctx context.Context, ref store.RaceRef, wait time.Duration) (raceOutcome, error) {
	if o.limiter != nil && wait > 0 {
		if err := o.limiter.Wait(ctx, "odds", wait); err != nil {
			return outcomeFailed, err
		}
	}

	resp, err := o.api.Odds(ctx, ref.CupID, ref.ScheduleIndex, ref.RaceNumber)
	if err != nil {
		return outcomeFailed, err
	}

	status := o.transformStatus(ref.RaceID, resp)

	if resp.Empty() {
		// Still record the metadata row so the update history is visible.
		if err := o.store.SaveRaceOdds(ctx, ref.RaceID, nil, status); err != nil {
			return outcomeFailed, err
		}
		return outcomeEmpty, nil
	}

	byTable := make(map[string][]model.Odds, len(betTypes))
	for _, bt := range betTypes {
		items := bt.items(resp)
		if len(items) == 0 {
			continue
		}
		rows := make([]model.Odds, 0, len(items))
		for _, item := range items {
			rows = append(rows, transformOddsItem(ref.RaceID, item, bt))
		}
		byTable[bt.table] = rows
	}

	if err := o.store.SaveRaceOdds(ctx, ref.RaceID, byTable, status); err != nil {
		return outcomeFailed, err
	}
	return outcomeSaved, nil
}

func transformOddsItem(raceID string, item winticket.OddsItem, bt betType) model.Odds {
	typeCode := bt.defaultType
	if item.Type != nil {
		typeCode = int(*item.Type)
	}
	return model.Odds{
		RaceID:          raceID,
		Key:             oddsKey(item.Combination(), bt.symmetric),
		Odds:            floatFromFlexible(item.Odds),
		OddsStr:         model.NilIfEmpty(string(item.OddsStr)),
		MinOdds:         floatFromFlexible(item.MinOdds),
		MinOddsStr:      model.NilIfEmpty(string(item.MinOddsStr)),
		MaxOdds:         floatFromFlexible(item.MaxOdds),
		MaxOddsStr:      model.NilIfEmpty(string(item.MaxOddsStr)),
		PopularityOrder: intFromFlexible(item.PopularityOrder),
		UnitPrice:       intFromFlexible(item.UnitPrice),
		PayoffUnitPrice: intFromFlexible(item.PayoffUnitPrice),
		Absent:          model.Bool01(bool(item.Absent)),
		Type:            typeCode,
	}
}

// oddsKey joins the combination with "-". Symmetric markets (quinella, trio,
// quinella place, bracket quinella) sort ascending so 2-1 and 1-2 land on the
// same row; ordered markets preserve the combination order.
func oddsKey(combination []int, symmetric bool) string {
	nums := append([]int(nil), combination...)
	if symmetric {
		sort.Ints(nums)
	}
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "-")
}

func (o *OddsStage) transformStatus(raceID string, resp *winticket.OddsResponse) *model.OddsStatus {
	status := &model.OddsStatus{
		RaceID:                      raceID,
		ExactaPayoffStatus:          intFromFlexible(resp.ExactaPayoffStatus),
		QuinellaPayoffStatus:        intFromFlexible(resp.QuinellaPayoffStatus),
		QuinellaPlacePayoffStatus:   intFromFlexible(resp.QuinellaPlacePayoffStatus),
		TrifectaPayoffStatus:        intFromFlexible(resp.TrifectaPayoffStatus),
		TrioPayoffStatus:            intFromFlexible(resp.TrioPayoffStatus),
		BracketExactaPayoffStatus:   intFromFlexible(resp.BracketExactaPayoffStatus),
		BracketQuinellaPayoffStatus: intFromFlexible(resp.BracketQuinellaPayoffStatus),
		IsAggregated:                model.Bool01(bool(resp.IsAggregated)),
		OddsDelayed:                 model.Bool01(bool(resp.OddsDelayed)),
		FinalOdds:                   model.Bool01(bool(resp.FinalOdds)),
	}

	ts, err := model.ParseUnixTime(resp.UpdatedAt)
	if err != nil {
		o.logger.Warn("unparseable odds updatedAt, storing null",
			"race_id", raceID, "value", resp.UpdatedAt)
	} else {
		status.OddsUpdatedAtTimestamp = ts
	}
	return status
}

// intFromFlexible and floatFromFlexible unwrap the API's optional numerics.
// A nil means the field was absent upstream and stays NULL; a present zero
// is kept as zero.
func intFromFlexible(n *winticket.Int) *int {
	if n == nil {
		return nil
	}
	v := int(*n)
	return &v
}

func floatFromFlexible(f *winticket.Float) *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	return &v
}
