package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ymatsuda/keirin-data/internal/model"
)

// SaveMonth upserts one month's regions, venues and cups inside a single
// transaction, writing the three tables in lock order.
func (s *Store) SaveMonth(ctx context.Context, regions []model.Region, venues []model.Venue, cups []model.Cup) error {
	return s.writeInLockOrder(ctx, []tableWriter{
		{"regions", func(tx *sqlx.Tx) error { return s.saveRegions(ctx, tx, regions) }},
		{"venues", func(tx *sqlx.Tx) error { return s.saveVenues(ctx, tx, venues) }},
		{"cups", func(tx *sqlx.Tx) error { return s.saveCups(ctx, tx, cups) }},
	})
}

func (s *Store) saveRegions(ctx context.Context, ex sqlx.ExtContext, regions []model.Region) error {
	cols := []string{"id", "name"}
	rows := make([][]interface{}, 0, len(regions))
	for _, r := range regions {
		if r.ID == "" {
			s.logger.Warn("skipping region without id", "name", r.Name)
			continue
		}
		rows = append(rows, []interface{}{r.ID, r.Name})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.execUpsert(ctx, ex, "regions", cols, []string{"name"}, rows)
}

func (s *Store) saveVenues(ctx context.Context, ex sqlx.ExtContext, venues []model.Venue) error {
	cols := []string{
		"id", "name", "name1", "address", "phone_number", "website_url",
		"bank_feature", "track_straight_distance", "track_angle_center",
		"track_angle_straight", "home_width", "back_width", "center_width",
		"region_id",
	}
	rows := make([][]interface{}, 0, len(venues))
	for _, v := range venues {
		if v.ID == "" {
			s.logger.Warn("skipping venue without id", "name", v.Name)
			continue
		}
		rows = append(rows, []interface{}{
			v.ID, v.Name, v.Name1, v.Address, v.PhoneNumber, v.WebsiteURL,
			v.BankFeature, v.TrackStraightDistance, v.TrackAngleCenter,
			v.TrackAngleStraight, v.HomeWidth, v.BackWidth, v.CenterWidth,
			v.RegionID,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.execUpsert(ctx, ex, "venues", cols, cols[1:], rows)
}

func (s *Store) saveCups(ctx context.Context, ex sqlx.ExtContext, cups []model.Cup) error {
	cols := []string{
		"id", "name", "start_date", "end_date", "duration", "grade",
		"venue_id", "labels", "players_unfixed",
	}
	rows := make([][]interface{}, 0, len(cups))
	for _, c := range cups {
		if c.ID == "" {
			s.logger.Warn("skipping cup without id", "name", c.Name)
			continue
		}
		rows = append(rows, []interface{}{
			c.ID, c.Name, c.StartDate, c.EndDate, c.Duration, c.Grade,
			c.VenueID, c.Labels, c.PlayersUnfixed,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.execUpsert(ctx, ex, "cups", cols, cols[1:], rows)
}
