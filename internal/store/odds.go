package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ymatsuda/keirin-data/internal/model"
)

// oddsTables lists the per-bet-type tables in write order.
var oddsTables = []string{
	"odds_exacta", "odds_quinella", "odds_quinella_place", "odds_trifecta",
	"odds_trio", "odds_bracket_exacta", "odds_bracket_quinella",
}

// SaveRaceOdds writes one race's odds across all bet-type tables plus its
// odds_statuses row in a single transaction, tables in lock order. Bet types
// missing from byTable are not touched.
func (s *Store) SaveRaceOdds(ctx context.Context, raceID string, byTable map[string][]model.Odds, status *model.OddsStatus) error {
	writers := make([]tableWriter, 0, len(byTable)+1)
	for _, table := range oddsTables {
		rows, ok := byTable[table]
		if !ok {
			continue
		}
		table, rows := table, rows
		writers = append(writers, tableWriter{table, func(tx *sqlx.Tx) error {
			return s.saveOddsRows(ctx, tx, table, rows)
		}})
	}
	writers = append(writers, tableWriter{"odds_statuses", func(tx *sqlx.Tx) error {
		return s.saveOddsStatus(ctx, tx, status)
	}})
	return s.writeInLockOrder(ctx, writers)
}

func (s *Store) saveOddsRows(ctx context.Context, ex sqlx.ExtContext, table string, odds []model.Odds) error {
	cols := []string{
		"race_id", "odds_key", "odds", "odds_str", "min_odds", "min_odds_str",
		"max_odds", "max_odds_str", "popularity_order", "unit_price",
		"payoff_unit_price", "absent", "type",
	}
	rows := make([][]interface{}, 0, len(odds))
	for _, o := range odds {
		if o.RaceID == "" || o.Key == "" {
			s.logger.Warn("skipping odds row without key", "table", table, "race_id", o.RaceID)
			continue
		}
		rows = append(rows, []interface{}{
			o.RaceID, o.Key, o.Odds, o.OddsStr, o.MinOdds, o.MinOddsStr,
			o.MaxOdds, o.MaxOddsStr, o.PopularityOrder, o.UnitPrice,
			o.PayoffUnitPrice, o.Absent, o.Type,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.execUpsert(ctx, ex, table, cols, cols[2:], rows)
}

func (s *Store) saveOddsStatus(ctx context.Context, ex sqlx.ExtContext, status *model.OddsStatus) error {
	if status == nil || status.RaceID == "" {
		return nil
	}
	cols := []string{
		"race_id", "exacta_payoff_status", "quinella_payoff_status",
		"quinella_place_payoff_status", "trifecta_payoff_status",
		"trio_payoff_status", "bracket_exacta_payoff_status",
		"bracket_quinella_payoff_status", "is_aggregated",
		"odds_updated_at_timestamp", "odds_delayed", "final_odds",
	}
	rows := [][]interface{}{{
		status.RaceID, status.ExactaPayoffStatus, status.QuinellaPayoffStatus,
		status.QuinellaPlacePayoffStatus, status.TrifectaPayoffStatus,
		status.TrioPayoffStatus, status.BracketExactaPayoffStatus,
		status.BracketQuinellaPayoffStatus, status.IsAggregated,
		status.OddsUpdatedAtTimestamp, status.OddsDelayed, status.FinalOdds,
	}}
	return s.execUpsert(ctx, ex, "odds_statuses", cols, cols[1:], rows)
}

// HasOddsHistory reports which of the races already have an odds_statuses
// row, i.e. a prior odds update.
func (s *Store) HasOddsHistory(ctx context.Context, raceIDs []string) (map[string]bool, error) {
	if len(raceIDs) == 0 {
		return map[string]bool{}, nil
	}
	placeholders, args := inClause(raceIDs)
	var ids []string
	err := s.db.Select(ctx, &ids,
		"SELECT race_id FROM odds_statuses WHERE race_id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
