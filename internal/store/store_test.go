package store

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymatsuda/keirin-data/internal/config"
	"github.com/ymatsuda/keirin-data/internal/db"
	"github.com/ymatsuda/keirin-data/internal/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	accessor := db.NewWithDB(sqlx.NewDb(raw, "mysql"), config.DefaultLockOrder, nil)
	return New(accessor, nil), mock
}

func TestUpsertSQLMultiRow(t *testing.T) {
	got := upsertSQL("regions", []string{"id", "name"}, 2, []string{"name"})
	want := "INSERT INTO regions (id, name) VALUES (?,?),(?,?) " +
		"ON DUPLICATE KEY UPDATE name = VALUES(name)"
	assert.Equal(t, want, got)
}

func TestUpsertSQLKeepExisting(t *testing.T) {
	got := upsertSQL("race_status", []string{"race_id"}, 1, nil)
	want := "INSERT INTO race_status (race_id) VALUES (?) " +
		"ON DUPLICATE KEY UPDATE race_id = race_id"
	assert.Equal(t, want, got)
}

func TestSaveMonthWritesTablesInLockOrder(t *testing.T) {
	s, mock := newMockStore(t)

	// regions before venues before cups, one transaction around all three.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO regions").
		WithArgs("1", "北日本").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO venues").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO cups").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveMonth(context.Background(),
		[]model.Region{{ID: "1", Name: "北日本"}},
		[]model.Venue{{ID: "21", Name: "函館"}},
		[]model.Cup{{ID: "2024101121", Name: "函館ミッドナイト"}},
	)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMonthSkipsRowsWithoutID(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO regions").
		WithArgs("1", "北日本").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveMonth(context.Background(),
		[]model.Region{{ID: "", Name: "dropped"}, {ID: "1", Name: "北日本"}},
		nil, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCupDetailKeepsExistingRaceStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO schedules").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO races").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO race_status \(race_id\) VALUES \(\?\) ` +
		`ON DUPLICATE KEY UPDATE race_id = race_id`).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveCupDetail(context.Background(),
		[]model.Schedule{{ID: "s1", CupID: "c1"}},
		[]model.Race{{ID: "r1", CupID: "c1"}},
	)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRaceCardSkipsEntriesOutOfRange(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entries").
		WithArgs("r1", 7, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveRaceCard(context.Background(), &RaceCard{
		RaceID: "r1",
		Entries: []model.Entry{
			{RaceID: "r1", Number: 0},
			{RaceID: "r1", Number: 7},
			{RaceID: "r1", Number: 10},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStepStatusBatchLocksEachRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT race_id FROM race_status WHERE race_id = \? FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"race_id"}).AddRow("r1"))
	mock.ExpectExec(`UPDATE race_status SET step4_status = \?, last_updated = NOW\(\)`).
		WithArgs("completed", "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT race_id FROM race_status WHERE race_id = \? FOR UPDATE`).
		WithArgs("r2").
		WillReturnRows(sqlmock.NewRows([]string{"race_id"}).AddRow("r2"))
	mock.ExpectExec(`UPDATE race_status SET step4_status = \?, last_updated = NOW\(\)`).
		WithArgs("completed", "r2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpdateStepStatusBatch(context.Background(),
		[]string{"r1", "r2"}, model.StepOdds, model.StepCompleted)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStepStatusBatchSkipsMissingRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT race_id FROM race_status WHERE race_id = \? FOR UPDATE`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"race_id"}))
	mock.ExpectCommit()

	err := s.UpdateStepStatusBatch(context.Background(),
		[]string{"ghost"}, model.StepResults, model.StepFailed)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStepStatusBatchStoresFullDataNotAvailable(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT race_id FROM race_status WHERE race_id = \? FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"race_id"}).AddRow("r1"))
	mock.ExpectExec(`UPDATE race_status SET step5_status = \?`).
		WithArgs("data_not_available", "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpdateStepStatusBatch(context.Background(),
		[]string{"r1"}, model.StepResults, model.StepDataNotAvailable)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStepStatusBatchRejectsUnknownStep(t *testing.T) {
	s, _ := newMockStore(t)
	err := s.UpdateStepStatusBatch(context.Background(), []string{"r1"}, 1, model.StepCompleted)
	assert.Error(t, err)
}

func TestGetRaceStatusesOmitsNullStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, status FROM races WHERE id IN`).
		WithArgs("r1", "r2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
			AddRow("r1", 3).
			AddRow("r2", nil))

	got, err := s.GetRaceStatuses(context.Background(), []string{"r1", "r2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"r1": "3"}, got)
}

func TestRacesForResultsGatesOnProcessedUnlessForced(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`LEFT JOIN lap_data_status .+ AND \(l\.race_id IS NULL OR l\.is_processed = 0\)`).
		WithArgs("2024-01-01", "2024-01-31", "21").
		WillReturnRows(sqlmock.NewRows(
			[]string{"race_id", "race_number", "race_date", "cup_start", "venue_id"}).
			AddRow("r1", 7, "2024-01-10", "2024-01-09", "21"))

	got, err := s.RacesForResults(context.Background(), "2024-01-01", "2024-01-31", "21", false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RaceID)
	assert.Equal(t, 7, got[0].RaceNumber)
}

func TestRacesForResultsForceIgnoresProcessedGate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`WHERE s\.date BETWEEN \? AND \?\s+AND r\.status = 3\s+ORDER BY`).
		WithArgs("2024-01-01", "2024-01-31").
		WillReturnRows(sqlmock.NewRows(
			[]string{"race_id", "race_number", "race_date", "cup_start", "venue_id"}))

	_, err := s.RacesForResults(context.Background(), "2024-01-01", "2024-01-31", "", true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntriesByRaceBuildsBracketMap(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT bracket_number, player_id FROM entries WHERE race_id = \?`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"bracket_number", "player_id"}).
			AddRow(1, "10001").
			AddRow(5, "10005").
			AddRow(nil, "orphan"))

	got, err := s.EntriesByRace(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "10001", "5": "10005"}, got)
}

func TestHasOddsHistory(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT race_id FROM odds_statuses WHERE race_id IN`).
		WithArgs("r1", "r2").
		WillReturnRows(sqlmock.NewRows([]string{"race_id"}).AddRow("r1"))

	got, err := s.HasOddsHistory(context.Background(), []string{"r1", "r2"})
	require.NoError(t, err)
	assert.True(t, got["r1"])
	assert.False(t, got["r2"])
}

func TestSaveRaceResultDataTruncatesInspectionPlayer(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO race_comments").
		WithArgs("r1", "接戦").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO inspection_reports").
		WithArgs("r1", "西岡拓朗(1", sqlmock.AnyArg(), "強い風でした").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	comment := "接戦"
	err := s.SaveRaceResultData(context.Background(), &RaceResultData{
		RaceID:  "r1",
		Comment: &comment,
		InspectionReports: []model.InspectionReport{
			{RaceID: "r1", Player: "西岡拓朗(1着)", Comment: "強い風でした"},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRaceOddsWritesOnlyPresentTables(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO odds_exacta").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO odds_statuses").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	byTable := map[string][]model.Odds{
		"odds_exacta": {{RaceID: "r1", Key: "1-2", Type: 6}},
	}
	err := s.SaveRaceOdds(context.Background(), "r1", byTable,
		&model.OddsStatus{RaceID: "r1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLapDataStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lap_data_status").
		WithArgs("r1", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpsertLapDataStatus(context.Background(), "r1", true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
