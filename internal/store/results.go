package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ymatsuda/keirin-data/internal/model"
)

// RaceResultData bundles everything a parsed result page yields for one race.
type RaceResultData struct {
	RaceID            string
	Results           []model.RaceResult
	Comment           *string
	InspectionReports []model.InspectionReport
	LapPositions      map[string][]model.LapIcon
}

// SaveRaceResultData writes one race's results, comment, lap positions and
// inspection reports in a single transaction, tables in lock order.
func (s *Store) SaveRaceResultData(ctx context.Context, data *RaceResultData) error {
	return s.writeInLockOrder(ctx, []tableWriter{
		{"race_results", func(tx *sqlx.Tx) error { return s.saveRaceResults(ctx, tx, data.Results) }},
		{"race_comments", func(tx *sqlx.Tx) error { return s.saveRaceComment(ctx, tx, data.RaceID, data.Comment) }},
		{"lap_positions", func(tx *sqlx.Tx) error { return s.saveLapPositions(ctx, tx, data.RaceID, data.LapPositions) }},
		{"inspection_reports", func(tx *sqlx.Tx) error {
			return s.saveInspectionReports(ctx, tx, data.InspectionReports)
		}},
	})
}

func (s *Store) saveRaceResults(ctx context.Context, ex sqlx.ExtContext, results []model.RaceResult) error {
	cols := []string{
		"race_id", "bracket_number", "rank", "rank_text", "mark",
		"player_name", "player_id", "age", "prefecture", "period", "class",
		"diff", "time", "last_lap_time", "winning_technique", "symbols",
		"win_factor", "personal_status",
	}
	rows := make([][]interface{}, 0, len(results))
	for _, r := range results {
		if r.RaceID == "" || r.BracketNumber < 1 || r.BracketNumber > 9 {
			s.logger.Warn("skipping result row without valid key",
				"race_id", r.RaceID, "bracket", r.BracketNumber)
			continue
		}
		rows = append(rows, []interface{}{
			r.RaceID, r.BracketNumber, r.Rank, r.RankText, r.Mark,
			r.PlayerName, r.PlayerID, r.Age, r.Prefecture, r.Period, r.Class,
			r.Diff, r.Time, r.LastLapTime, r.WinningTechnique, r.Symbols,
			r.WinFactor, r.PersonalStatus,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.execUpsert(ctx, ex, "race_results", cols, cols[2:], rows)
}

func (s *Store) saveRaceComment(ctx context.Context, ex sqlx.ExtContext, raceID string, comment *string) error {
	if comment == nil || raceID == "" {
		return nil
	}
	cols := []string{"race_id", "comment"}
	rows := [][]interface{}{{raceID, *comment}}
	return s.execUpsert(ctx, ex, "race_comments", cols, cols[1:], rows)
}

// saveLapPositions serializes each present section to its JSON column. The
// wire format is an array of [bracket, name, x, y, has_arrow] tuples.
func (s *Store) saveLapPositions(ctx context.Context, ex sqlx.ExtContext, raceID string, sections map[string][]model.LapIcon) error {
	if raceID == "" || len(sections) == 0 {
		return nil
	}
	pos := model.LapPosition{RaceID: raceID}
	for column, icons := range sections {
		data, err := json.Marshal(icons)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", column, err)
		}
		text := string(data)
		switch column {
		case model.SectionShuukai:
			pos.Shuukai = &text
		case model.SectionAkaban:
			pos.Akaban = &text
		case model.SectionDasho:
			pos.Dasho = &text
		case model.SectionHS:
			pos.HS = &text
		case model.SectionBS:
			pos.BS = &text
		default:
			s.logger.Warn("unknown lap section, dropping", "section", column, "race_id", raceID)
		}
	}

	cols := []string{
		"race_id", "lap_shuukai", "lap_akaban", "lap_dasho", "lap_hs", "lap_bs",
	}
	rows := [][]interface{}{{
		pos.RaceID, pos.Shuukai, pos.Akaban, pos.Dasho, pos.HS, pos.BS,
	}}
	return s.execUpsert(ctx, ex, "lap_positions", cols, cols[1:], rows)
}

func (s *Store) saveInspectionReports(ctx context.Context, ex sqlx.ExtContext, reports []model.InspectionReport) error {
	cols := []string{"race_id", "player", "player_id", "comment"}
	rows := make([][]interface{}, 0, len(reports))
	for _, r := range reports {
		if r.RaceID == "" {
			s.logger.Warn("skipping inspection report without race id")
			continue
		}
		// The player column is 6 chars wide; identical prefixes within a
		// race collide and the later row wins the upsert.
		player := model.TruncateRunes(r.Player, model.InspectionPlayerMaxLen)
		rows = append(rows, []interface{}{r.RaceID, player, r.PlayerID, r.Comment})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.execUpsert(ctx, ex, "inspection_reports", cols, cols[2:], rows)
}

// UpsertLapDataStatus records whether a race's result page was processed.
func (s *Store) UpsertLapDataStatus(ctx context.Context, raceID string, processed bool) error {
	cols := []string{"race_id", "is_processed", "last_checked_at"}
	rows := [][]interface{}{{raceID, boolInt(processed), time.Now().UTC()}}
	return s.db.InTransaction(ctx, func(tx *sqlx.Tx) error {
		return s.execUpsert(ctx, tx, "lap_data_status", cols, cols[1:], rows)
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ResultCandidate is a race eligible for the results stage, with the fields
// needed to build its result-page URL.
type ResultCandidate struct {
	RaceID     string `db:"race_id"`
	RaceNumber int    `db:"race_number"`
	RaceDate   string `db:"race_date"`
	CupStart   string `db:"cup_start"`
	VenueID    string `db:"venue_id"`
}

// RacesForResults finds finished races in the date range (optionally
// filtered by venue) that have no processed lap_data_status row. force
// ignores the processed gate.
func (s *Store) RacesForResults(ctx context.Context, startDate, endDate string, venueID string, force bool) ([]ResultCandidate, error) {
	query := `
		SELECT r.id AS race_id, r.number AS race_number,
		       DATE_FORMAT(s.date, '%Y-%m-%d') AS race_date,
		       DATE_FORMAT(c.start_date, '%Y-%m-%d') AS cup_start,
		       c.venue_id AS venue_id
		FROM races r
		JOIN schedules s ON s.id = r.schedule_id
		JOIN cups c ON c.id = r.cup_id
		LEFT JOIN lap_data_status l ON l.race_id = r.id
		WHERE s.date BETWEEN ? AND ?
		  AND r.status = 3`
	args := []interface{}{startDate, endDate}

	if venueID != "" {
		query += " AND c.venue_id = ?"
		args = append(args, venueID)
	}
	if !force {
		query += " AND (l.race_id IS NULL OR l.is_processed = 0)"
	}
	query += " ORDER BY s.date, r.number"

	var out []ResultCandidate
	if err := s.db.Select(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// entryRow is the reconciliation projection of an entries row.
type entryRow struct {
	BracketNumber *int    `db:"bracket_number"`
	PlayerID      *string `db:"player_id"`
}

// EntriesByRace returns the bracket-number → player-id map used to resolve
// scraped names into player ids.
func (s *Store) EntriesByRace(ctx context.Context, raceID string) (map[string]string, error) {
	var rows []entryRow
	err := s.db.Select(ctx, &rows,
		"SELECT bracket_number, player_id FROM entries WHERE race_id = ?", raceID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		if r.BracketNumber != nil && r.PlayerID != nil {
			out[fmt.Sprintf("%d", *r.BracketNumber)] = *r.PlayerID
		}
	}
	return out, nil
}
