package store

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/ymatsuda/keirin-data/internal/model"
)

// SaveCupDetail upserts one cup's schedules and races and seeds race_status
// rows, all inside a single transaction in lock order. Existing race_status
// rows are left untouched so reruns never reset pipeline progress.
func (s *Store) SaveCupDetail(ctx context.Context, schedules []model.Schedule, races []model.Race) error {
	raceIDs := make([]string, 0, len(races))
	for _, r := range races {
		if r.ID != "" {
			raceIDs = append(raceIDs, r.ID)
		}
	}

	return s.writeInLockOrder(ctx, []tableWriter{
		{"schedules", func(tx *sqlx.Tx) error { return s.saveSchedules(ctx, tx, schedules) }},
		{"races", func(tx *sqlx.Tx) error { return s.saveRaces(ctx, tx, races) }},
		{"race_status", func(tx *sqlx.Tx) error { return s.ensureRaceStatusRows(ctx, tx, raceIDs) }},
	})
}

func (s *Store) saveSchedules(ctx context.Context, ex sqlx.ExtContext, schedules []model.Schedule) error {
	cols := []string{
		"id", "cup_id", "date", "day_number", "schedule_index", "entries_unfixed",
	}
	rows := make([][]interface{}, 0, len(schedules))
	for _, sc := range schedules {
		if sc.ID == "" {
			s.logger.Warn("skipping schedule without id", "cup_id", sc.CupID)
			continue
		}
		rows = append(rows, []interface{}{
			sc.ID, sc.CupID, sc.Date, sc.DayNumber, sc.Index, sc.EntriesUnfixed,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.execUpsert(ctx, ex, "schedules", cols, cols[1:], rows)
}

func (s *Store) saveRaces(ctx context.Context, ex sqlx.ExtContext, races []model.Race) error {
	cols := []string{
		"id", "cup_id", "schedule_id", "number", "class", "race_type",
		"race_type3", "start_at", "close_at", "decided_at", "status",
		"cancel", "cancel_reason", "weather", "wind_speed", "distance",
		"lap_count", "entries_count", "is_grade_race", "has_digest_video",
		"digest_video", "digest_video_provider",
	}
	rows := make([][]interface{}, 0, len(races))
	for _, r := range races {
		if r.ID == "" {
			s.logger.Warn("skipping race without id", "cup_id", r.CupID)
			continue
		}
		rows = append(rows, []interface{}{
			r.ID, r.CupID, r.ScheduleID, r.Number, r.Class, r.RaceType,
			r.RaceType3, r.StartAt, r.CloseAt, r.DecidedAt, r.Status,
			r.Cancel, r.CancelReason, r.Weather, r.WindSpeed, r.Distance,
			r.LapCount, r.EntriesCount, r.IsGradeRace, r.HasDigestVideo,
			r.DigestVideo, r.DigestVideoProvider,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.execUpsert(ctx, ex, "races", cols, cols[1:], rows)
}

// ensureRaceStatusRows inserts pending race_status rows; rows that already
// exist keep their step columns.
func (s *Store) ensureRaceStatusRows(ctx context.Context, ex sqlx.ExtContext, raceIDs []string) error {
	rows := make([][]interface{}, 0, len(raceIDs))
	for _, id := range raceIDs {
		rows = append(rows, []interface{}{id})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.execUpsert(ctx, ex, "race_status", []string{"race_id"}, nil, rows)
}

// RaceRef identifies a race by the coordinates the API endpoints address it
// with.
type RaceRef struct {
	RaceID        string `db:"race_id"`
	CupID         string `db:"cup_id"`
	ScheduleIndex int    `db:"schedule_index"`
	RaceNumber    int    `db:"race_number"`
}

// RaceRefsForRange lists races whose schedule date falls in the range,
// optionally narrowed to one cup. Feeds the race-card and odds stages.
func (s *Store) RaceRefsForRange(ctx context.Context, startDate, endDate, cupID string) ([]RaceRef, error) {
	query := `
		SELECT r.id AS race_id, r.cup_id AS cup_id,
		       s.schedule_index AS schedule_index, r.number AS race_number
		FROM races r
		JOIN schedules s ON s.id = r.schedule_id
		WHERE s.date BETWEEN ? AND ?`
	args := []interface{}{startDate, endDate}
	if cupID != "" {
		query += " AND r.cup_id = ?"
		args = append(args, cupID)
	}
	query += " ORDER BY s.date, r.number"

	var out []RaceRef
	if err := s.db.Select(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// CupIDsForRange lists cups whose duration intersects the range.
func (s *Store) CupIDsForRange(ctx context.Context, startDate, endDate string) ([]string, error) {
	var ids []string
	err := s.db.Select(ctx, &ids,
		"SELECT id FROM cups WHERE start_date <= ? AND end_date >= ? ORDER BY start_date, id",
		endDate, startDate)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// raceStatusRow is the gating projection of a races row.
type raceStatusRow struct {
	ID     string        `db:"id"`
	Status sql.NullInt64 `db:"status"`
}

// GetRaceStatuses returns races.status for each id present in the table,
// stringified for comparison with FinishedRaceStatuses. Races with a NULL
// status are omitted.
func (s *Store) GetRaceStatuses(ctx context.Context, raceIDs []string) (map[string]string, error) {
	if len(raceIDs) == 0 {
		return map[string]string{}, nil
	}
	placeholders, args := inClause(raceIDs)
	var rows []raceStatusRow
	err := s.db.Select(ctx, &rows,
		"SELECT id, status FROM races WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		if r.Status.Valid {
			out[r.ID] = strconv.FormatInt(r.Status.Int64, 10)
		}
	}
	return out, nil
}
