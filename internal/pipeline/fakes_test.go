package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ymatsuda/keirin-data/internal/model"
	"github.com/ymatsuda/keirin-data/internal/provider/winticket"
	"github.com/ymatsuda/keirin-data/internal/provider/yenjoy"
	"github.com/ymatsuda/keirin-data/internal/store"
)

// fakeStore is an in-memory double for the store interfaces every stage
// consumes. Step status updates are recorded as an ordered transition log so
// tests can assert "processing before completed".
type fakeStore struct {
	mu sync.Mutex

	regions []model.Region
	venues  []model.Venue
	cups    []model.Cup

	schedules []model.Schedule
	races     []model.Race

	cards []*store.RaceCard

	oddsByRace   map[string]map[string][]model.Odds
	oddsStatuses map[string]*model.OddsStatus

	results   []*store.RaceResultData
	lapStatus map[string]bool

	raceStatuses map[string]string
	oddsHistory  map[string]bool
	entries      map[string]map[string]string
	candidates   []store.ResultCandidate

	transitions []string // "race:step:status"
	stepStatus  map[string]string

	saveMonthErr error
	saveCupErr   error
	saveCardErr  error
}

func wint(n int) *winticket.Int {
	v := winticket.Int(n)
	return &v
}

func wfloat(f float64) *winticket.Float {
	v := winticket.Float(f)
	return &v
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		oddsByRace:   map[string]map[string][]model.Odds{},
		oddsStatuses: map[string]*model.OddsStatus{},
		lapStatus:    map[string]bool{},
		raceStatuses: map[string]string{},
		oddsHistory:  map[string]bool{},
		entries:      map[string]map[string]string{},
		stepStatus:   map[string]string{},
	}
}

func (f *fakeStore) SaveMonth(_ context.Context, regions []model.Region, venues []model.Venue, cups []model.Cup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveMonthErr != nil {
		return f.saveMonthErr
	}
	f.regions = append(f.regions, regions...)
	f.venues = append(f.venues, venues...)
	f.cups = append(f.cups, cups...)
	return nil
}

func (f *fakeStore) SaveCupDetail(_ context.Context, schedules []model.Schedule, races []model.Race) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveCupErr != nil {
		return f.saveCupErr
	}
	f.schedules = append(f.schedules, schedules...)
	f.races = append(f.races, races...)
	return nil
}

func (f *fakeStore) SaveRaceCard(_ context.Context, card *store.RaceCard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveCardErr != nil {
		return f.saveCardErr
	}
	f.cards = append(f.cards, card)
	return nil
}

func (f *fakeStore) SaveRaceOdds(_ context.Context, raceID string, byTable map[string][]model.Odds, status *model.OddsStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(byTable) > 0 {
		f.oddsByRace[raceID] = byTable
	}
	f.oddsStatuses[raceID] = status
	return nil
}

func (f *fakeStore) SaveRaceResultData(_ context.Context, data *store.RaceResultData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, data)
	return nil
}

func (f *fakeStore) UpsertLapDataStatus(_ context.Context, raceID string, processed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lapStatus[raceID] = processed
	return nil
}

func (f *fakeStore) UpdateStepStatusBatch(_ context.Context, raceIDs []string, step int, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range raceIDs {
		f.transitions = append(f.transitions, fmt.Sprintf("%s:%d:%s", id, step, status))
		f.stepStatus[fmt.Sprintf("%s:%d", id, step)] = status
	}
	return nil
}

func (f *fakeStore) GetRaceStatuses(_ context.Context, raceIDs []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for _, id := range raceIDs {
		if s, ok := f.raceStatuses[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeStore) HasOddsHistory(_ context.Context, raceIDs []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for _, id := range raceIDs {
		if f.oddsHistory[id] {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeStore) RacesForResults(_ context.Context, _, _, _ string, _ bool) ([]store.ResultCandidate, error) {
	return f.candidates, nil
}

func (f *fakeStore) EntriesByRace(_ context.Context, raceID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[raceID], nil
}

// finalStatus returns the last stepN_status written for a race.
func (f *fakeStore) finalStatus(raceID string, step int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stepStatus[fmt.Sprintf("%s:%d", raceID, step)]
}

// fakeAPI cans responses for the JSON API interfaces and counts calls.
type fakeAPI struct {
	mu sync.Mutex

	month    *winticket.Month
	monthErr error

	cupDetails map[string]*winticket.CupDetailResponse

	raceCard      *winticket.RaceCardResponse
	raceCardErr   error
	raceCardCalls int

	odds      *winticket.OddsResponse
	oddsErr   error
	oddsCalls int
}

func (f *fakeAPI) Month(_ context.Context, _ time.Time) (*winticket.Month, error) {
	if f.monthErr != nil {
		return nil, f.monthErr
	}
	return f.month, nil
}

func (f *fakeAPI) CupDetail(_ context.Context, cupID string) (*winticket.CupDetailResponse, error) {
	resp, ok := f.cupDetails[cupID]
	if !ok {
		return nil, fmt.Errorf("no cup %s", cupID)
	}
	return resp, nil
}

func (f *fakeAPI) RaceCard(_ context.Context, _ string, _, _ int) (*winticket.RaceCardResponse, error) {
	f.mu.Lock()
	f.raceCardCalls++
	f.mu.Unlock()
	if f.raceCardErr != nil {
		return nil, f.raceCardErr
	}
	return f.raceCard, nil
}

func (f *fakeAPI) Odds(_ context.Context, _ string, _, _ int) (*winticket.OddsResponse, error) {
	f.mu.Lock()
	f.oddsCalls++
	f.mu.Unlock()
	if f.oddsErr != nil {
		return nil, f.oddsErr
	}
	return f.odds, nil
}

// fakeHTML serves canned result pages keyed by URL.
type fakeHTML struct {
	mu    sync.Mutex
	pages map[string]string
	calls int
}

func (f *fakeHTML) ResultURL(cupStart time.Time, venueID string, raceDate time.Time, raceNumber int) string {
	return fmt.Sprintf("/result/%s/%s/%s/%s/%d",
		cupStart.Format("200601"), venueID,
		cupStart.Format("20060102"), raceDate.Format("20060102"), raceNumber)
}

func (f *fakeHTML) GetHTML(_ context.Context, url string) yenjoy.FetchResult {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	page, ok := f.pages[url]
	if !ok {
		return yenjoy.FetchResult{StatusCode: 404, Err: fmt.Errorf("no page %s", url)}
	}
	return yenjoy.FetchResult{Success: true, Content: page, StatusCode: 200}
}
