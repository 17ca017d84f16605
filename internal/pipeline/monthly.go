package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ymatsuda/keirin-data/internal/model"
	"github.com/ymatsuda/keirin-data/internal/provider/winticket"
)

type monthAPI interface {
	Month(ctx context.Context, date time.Time) (*winticket.Month, error)
}

type monthStore interface {
	SaveMonth(ctx context.Context, regions []model.Region, venues []model.Venue, cups []model.Cup) error
}

// Monthly is the first stage: it walks the months covering a date range,
// fetches each monthly listing and upserts regions, venues and cups.
type Monthly struct {
	api    monthAPI
	store  monthStore
	logger *slog.Logger
}

// NewMonthly creates the monthly-listings updater.
func NewMonthly(api monthAPI, store monthStore, logger *slog.Logger) *Monthly {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monthly{api: api, store: store, logger: logger}
}

// Run fetches every month intersecting [startDate, endDate] and saves one
// transaction per month. Regions, venues and cups repeated across months are
// saved once; cups are kept only when their own date span intersects the
// range. Returns the stage summary and the cup ids touched.
func (m *Monthly) Run(ctx context.Context, startDate, endDate time.Time) (Summary, []string) {
	var summary Summary

	seenRegions := map[string]bool{}
	seenVenues := map[string]bool{}
	seenCups := map[string]bool{}
	var cupIDs []string

	for month := firstOfMonth(startDate); !month.After(endDate); month = month.AddDate(0, 1, 0) {
		summary.Inputs++
		summary.Attempted++

		m.logger.Info("fetching monthly listing", "month", month.Format("2006-01"))
		listing, err := m.api.Month(ctx, month)
		if err != nil {
			summary.Failed++
			summary.AddErrorf("fetch month %s: %v", month.Format("2006-01"), err)
			continue
		}

		var regions []model.Region
		for _, r := range listing.Regions {
			if seenRegions[r.ID] {
				continue
			}
			seenRegions[r.ID] = true
			regions = append(regions, model.Region{ID: r.ID, Name: r.Name})
		}

		var venues []model.Venue
		for _, v := range listing.Venues {
			if seenVenues[v.ID] {
				continue
			}
			seenVenues[v.ID] = true
			venues = append(venues, transformVenue(v))
		}

		var cups []model.Cup
		for _, c := range listing.Cups {
			if seenCups[c.ID] {
				continue
			}
			if !rangesIntersect(c.StartDate, c.EndDate, startDate, endDate) {
				continue
			}
			seenCups[c.ID] = true
			cups = append(cups, transformCup(c))
			cupIDs = append(cupIDs, c.ID)
		}

		if err := m.store.SaveMonth(ctx, regions, venues, cups); err != nil {
			summary.Failed++
			summary.AddErrorf("save month %s: %v", month.Format("2006-01"), err)
			continue
		}
		summary.Completed++
		m.logger.Info("monthly listing saved", "month", month.Format("2006-01"),
			"regions", len(regions), "venues", len(venues), "cups", len(cups))
	}

	m.logger.Info("monthly stage done", "summary", summary.String(), "cups", len(cupIDs))
	return summary, cupIDs
}

func transformVenue(v winticket.Venue) model.Venue {
	return model.Venue{
		ID:                    v.ID,
		Name:                  v.Name,
		Name1:                 model.NilIfEmpty(v.Name1),
		Address:               model.NilIfEmpty(v.Address),
		PhoneNumber:           model.NilIfEmpty(v.PhoneNumber),
		WebsiteURL:            model.NilIfEmpty(v.WebsiteURL),
		BankFeature:           model.NilIfEmpty(v.BankFeature),
		TrackStraightDistance: floatFromFlexible(v.TrackStraightDistance),
		TrackAngleCenter:      floatFromFlexible(v.TrackAngleCenter),
		TrackAngleStraight:    floatFromFlexible(v.TrackAngleStraight),
		HomeWidth:             floatFromFlexible(v.HomeWidth),
		BackWidth:             floatFromFlexible(v.BackWidth),
		CenterWidth:           floatFromFlexible(v.CenterWidth),
		RegionID:              model.NilIfEmpty(v.RegionID),
	}
}

func transformCup(c winticket.Cup) model.Cup {
	return model.Cup{
		ID:             c.ID,
		Name:           c.Name,
		StartDate:      c.StartDate,
		EndDate:        c.EndDate,
		Duration:       int(c.Duration),
		Grade:          int(c.Grade),
		VenueID:        model.NilIfEmpty(c.VenueID),
		Labels:         strings.Join(c.Labels, ","),
		PlayersUnfixed: model.Bool01(bool(c.PlayersUnfixed)),
	}
}

// rangesIntersect reports whether the cup's [start, end] dates overlap the
// requested range. Unparseable cup dates keep the cup rather than drop data.
func rangesIntersect(cupStart, cupEnd string, rangeStart, rangeEnd time.Time) bool {
	cs, err1 := time.Parse("2006-01-02", cupStart)
	ce, err2 := time.Parse("2006-01-02", cupEnd)
	if err1 != nil || err2 != nil {
		return true
	}
	return !cs.After(rangeEnd) && !ce.Before(rangeStart)
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
