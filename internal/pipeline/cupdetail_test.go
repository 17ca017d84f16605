package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymatsuda/keirin-data/internal/model"
	"github.com/ymatsuda/keirin-data/internal/provider/winticket"
)

func TestCupDetailSavesSchedulesAndRaces(t *testing.T) {
	api := &fakeAPI{cupDetails: map[string]*winticket.CupDetailResponse{
		"c1": {
			Cup: winticket.Cup{ID: "c1"},
			Schedules: []winticket.Schedule{
				{ID: "s1", Date: "2024-01-10", Day: 1, Index: 1},
			},
			Races: []winticket.Race{{
				ID: "race1", ScheduleID: "s1", Number: 7,
				StartAt: "2024-01-10T10:00:00Z", Status: 1, Distance: wint(1600),
			}},
		},
	}}
	st := newFakeStore()

	u := NewCupDetail(api, st, nil, 0, 1, nil)
	summary := u.Run(context.Background(), []string{"c1"})

	assert.Equal(t, 1, summary.Completed)
	require.Len(t, st.schedules, 1)
	assert.Equal(t, "c1", st.schedules[0].CupID)

	require.Len(t, st.races, 1)
	race := st.races[0]
	require.NotNil(t, race.ScheduleID)
	assert.Equal(t, "s1", *race.ScheduleID)
	require.NotNil(t, race.StartAt)
	assert.Equal(t, time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC).Unix(), *race.StartAt)
	require.NotNil(t, race.Status)
	assert.Equal(t, 1, *race.Status)

	assert.Equal(t, model.StepCompleted, st.finalStatus("race1", model.StepCupDetail))
}

func TestCupDetailNullsUnknownScheduleID(t *testing.T) {
	api := &fakeAPI{cupDetails: map[string]*winticket.CupDetailResponse{
		"c1": {
			Cup:       winticket.Cup{ID: "c1"},
			Schedules: []winticket.Schedule{{ID: "s1"}},
			Races:     []winticket.Race{{ID: "race1", ScheduleID: "sX", Number: 1}},
		},
	}}
	st := newFakeStore()

	u := NewCupDetail(api, st, nil, 0, 1, nil)
	summary := u.Run(context.Background(), []string{"c1"})

	assert.Equal(t, 1, summary.Completed, "an unknown schedule reference does not fail the cup")
	require.Len(t, st.races, 1)
	assert.Nil(t, st.races[0].ScheduleID)
}

func TestCupDetailOneFailureDoesNotAbortBatch(t *testing.T) {
	api := &fakeAPI{cupDetails: map[string]*winticket.CupDetailResponse{
		"good": {Cup: winticket.Cup{ID: "good"}, Races: []winticket.Race{{ID: "r1"}}},
	}}
	st := newFakeStore()

	u := NewCupDetail(api, st, nil, 0, 2, nil)
	summary := u.Run(context.Background(), []string{"missing", "good"})

	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "missing")
}

func TestCupDetailCalmWindStoredAsZero(t *testing.T) {
	api := &fakeAPI{cupDetails: map[string]*winticket.CupDetailResponse{
		"c1": {
			Cup:   winticket.Cup{ID: "c1"},
			Races: []winticket.Race{{ID: "r1", Number: 1, WindSpeed: wfloat(0)}},
		},
	}}
	st := newFakeStore()

	u := NewCupDetail(api, st, nil, 0, 1, nil)
	u.Run(context.Background(), []string{"c1"})

	require.Len(t, st.races, 1)
	race := st.races[0]
	require.NotNil(t, race.WindSpeed)
	assert.Equal(t, 0.0, *race.WindSpeed, "calm is 0, not NULL")
	assert.Nil(t, race.Distance, "absent fields stay NULL")
}

func TestCupDetailZeroDateStoresNull(t *testing.T) {
	api := &fakeAPI{cupDetails: map[string]*winticket.CupDetailResponse{
		"c1": {
			Cup:   winticket.Cup{ID: "c1"},
			Races: []winticket.Race{{ID: "r1", DecidedAt: "0000-00-00 00:00:00"}},
		},
	}}
	st := newFakeStore()

	u := NewCupDetail(api, st, nil, 0, 1, nil)
	u.Run(context.Background(), []string{"c1"})

	require.Len(t, st.races, 1)
	assert.Nil(t, st.races[0].DecidedAt)
}
