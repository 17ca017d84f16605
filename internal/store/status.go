package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ymatsuda/keirin-data/internal/model"
)

// UpdateStepStatusBatch sets the given step column for every race in one
// transaction. Each race_status row is locked with SELECT … FOR UPDATE before
// the write so concurrent stages serialize on the row rather than deadlock.
// Races without a race_status row are logged and skipped.
func (s *Store) UpdateStepStatusBatch(ctx context.Context, raceIDs []string, step int, status string) error {
	if len(raceIDs) == 0 {
		return nil
	}
	column, ok := model.StepColumn(step)
	if !ok {
		return fmt.Errorf("no status column for step %d", step)
	}
	status = model.TruncateRunes(status, model.StepStatusMaxLen)

	return s.db.InTransaction(ctx, func(tx *sqlx.Tx) error {
		for _, raceID := range raceIDs {
			var locked []string
			err := s.db.SelectForUpdate(ctx, tx, &locked,
				"SELECT race_id FROM race_status WHERE race_id = ?", raceID)
			if err != nil {
				return fmt.Errorf("lock race_status %s: %w", raceID, err)
			}
			if len(locked) == 0 {
				s.logger.Warn("race_status row missing, skipping status update",
					"race_id", raceID, "step", step, "status", status)
				continue
			}
			_, err = tx.ExecContext(ctx,
				"UPDATE race_status SET "+column+" = ?, last_updated = NOW() WHERE race_id = ?",
				status, raceID)
			if err != nil {
				return fmt.Errorf("update race_status %s: %w", raceID, err)
			}
		}
		return nil
	})
}
