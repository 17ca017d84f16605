package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ymatsuda/keirin-data/internal/model"
)

// RaceCard is the four DB shapes a race-card fetch transforms into.
type RaceCard struct {
	RaceID         string
	Players        []model.Player
	Entries        []model.Entry
	Records        []model.PlayerRecord
	LinePrediction *model.LinePrediction
}

// SaveRaceCard writes one race's players, entries, records and line
// prediction in a single transaction, tables in lock order.
func (s *Store) SaveRaceCard(ctx context.Context, card *RaceCard) error {
	return s.writeInLockOrder(ctx, []tableWriter{
		{"players", func(tx *sqlx.Tx) error { return s.savePlayers(ctx, tx, card.Players) }},
		{"entries", func(tx *sqlx.Tx) error { return s.saveEntries(ctx, tx, card.Entries) }},
		{"player_records", func(tx *sqlx.Tx) error { return s.savePlayerRecords(ctx, tx, card.Records) }},
		{"line_predictions", func(tx *sqlx.Tx) error { return s.saveLinePrediction(ctx, tx, card.LinePrediction) }},
	})
}

func (s *Store) savePlayers(ctx context.Context, ex sqlx.ExtContext, players []model.Player) error {
	cols := []string{
		"race_id", "player_id", "name", "class", "player_group", "prefecture",
		"term", "region_id", "yomi", "birthday", "age", "gender",
	}
	rows := make([][]interface{}, 0, len(players))
	for _, p := range players {
		if p.RaceID == "" || p.PlayerID == "" {
			s.logger.Warn("skipping player row without key", "race_id", p.RaceID, "player_id", p.PlayerID)
			continue
		}
		rows = append(rows, []interface{}{
			p.RaceID, p.PlayerID, p.Name, p.Class, p.Group, p.Prefecture,
			p.Term, p.RegionID, p.Yomi, p.Birthday, p.Age, p.Gender,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.execUpsert(ctx, ex, "players", cols, cols[2:], rows)
}

func (s *Store) saveEntries(ctx context.Context, ex sqlx.ExtContext, entries []model.Entry) error {
	cols := []string{
		"race_id", "number", "absent", "player_id", "bracket_number",
		"player_current_term_class", "player_current_term_group",
		"player_previous_term_class", "player_previous_term_group",
		"has_previous_class_group",
	}
	rows := make([][]interface{}, 0, len(entries))
	for _, e := range entries {
		if e.RaceID == "" || e.Number < 1 || e.Number > 9 {
			s.logger.Warn("skipping entry row without valid key", "race_id", e.RaceID, "number", e.Number)
			continue
		}
		rows = append(rows, []interface{}{
			e.RaceID, e.Number, e.Absent, e.PlayerID, e.BracketNumber,
			e.PlayerCurrentTermClass, e.PlayerCurrentTermGroup,
			e.PlayerPreviousTermClass, e.PlayerPreviousTermGroup,
			e.HasPreviousClassGroup,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.execUpsert(ctx, ex, "entries", cols, cols[2:], rows)
}

func (s *Store) savePlayerRecords(ctx context.Context, ex sqlx.ExtContext, records []model.PlayerRecord) error {
	cols := []string{
		"race_id", "player_id", "gear_ratio", "gear_ratio_str", "style",
		"race_point", "race_point_str", "comment", "prediction_mark",
		"first_rate", "second_rate", "third_rate", "has_modified_gear_ratio",
		"modified_gear_ratio", "modified_gear_ratio_str", "previous_cup_id",
	}
	rows := make([][]interface{}, 0, len(records))
	for _, r := range records {
		if r.RaceID == "" || r.PlayerID == "" {
			s.logger.Warn("skipping record row without key", "race_id", r.RaceID, "player_id", r.PlayerID)
			continue
		}
		rows = append(rows, []interface{}{
			r.RaceID, r.PlayerID, r.GearRatio, r.GearRatioStr, r.Style,
			r.RacePoint, r.RacePointStr, r.Comment, r.PredictionMark,
			r.FirstRate, r.SecondRate, r.ThirdRate, r.HasModifiedGearRatio,
			r.ModifiedGearRatio, r.ModifiedGearRatioStr, r.PreviousCupID,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.execUpsert(ctx, ex, "player_records", cols, cols[2:], rows)
}

func (s *Store) saveLinePrediction(ctx context.Context, ex sqlx.ExtContext, pred *model.LinePrediction) error {
	if pred == nil || pred.RaceID == "" {
		return nil
	}
	cols := []string{"race_id", "line_type", "line_formation"}
	rows := [][]interface{}{{pred.RaceID, pred.LineType, pred.LineFormation}}
	return s.execUpsert(ctx, ex, "line_predictions", cols, cols[1:], rows)
}
