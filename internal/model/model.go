// Package model holds the database-shaped entities shared by the savers and
// the stage updaters, plus the coercion rules that normalize upstream
// payloads (timestamps, booleans, gender codes) into column values.
package model

import "encoding/json"

// Region is an administrative region, the root of the reference hierarchy.
type Region struct {
	ID   string
	Name string
}

// Venue is a velodrome with its bank characteristics.
type Venue struct {
	ID                    string
	Name                  string
	Name1                 *string
	Address               *string
	PhoneNumber           *string
	WebsiteURL            *string
	BankFeature           *string
	TrackStraightDistance *float64
	TrackAngleCenter      *float64
	TrackAngleStraight    *float64
	HomeWidth             *float64
	BackWidth             *float64
	CenterWidth           *float64
	RegionID              *string
}

// Cup is a multi-day race meet at one venue.
type Cup struct {
	ID             string
	Name           string
	StartDate      string
	EndDate        string
	Duration       int
	Grade          int
	VenueID        *string
	Labels         string // comma-joined label set
	PlayersUnfixed int
}

// Schedule is one day of a cup.
type Schedule struct {
	ID             string
	CupID          string
	Date           string
	DayNumber      int
	Index          int
	EntriesUnfixed int
}

// Race is a single race within a schedule. ScheduleID stays NULL when the
// upstream references a schedule the cup payload did not contain.
type Race struct {
	ID                  string
	CupID               string
	ScheduleID          *string
	Number              int
	Class               *string
	RaceType            *string
	RaceType3           *string
	StartAt             *int64
	CloseAt             *int64
	DecidedAt           *int64
	Status              *int
	Cancel              int
	CancelReason        *string
	Weather             *string
	WindSpeed           *float64
	Distance            *int
	LapCount            *int
	EntriesCount        *int
	IsGradeRace         int
	HasDigestVideo      int
	DigestVideo         *string
	DigestVideoProvider *string
}

// Player is a rider snapshot as of a race (composite key race_id, player_id).
type Player struct {
	RaceID     string
	PlayerID   string
	Name       *string
	Class      *int
	Group      *int
	Prefecture *string
	Term       *int
	RegionID   *string
	Yomi       *string
	Birthday   *string // YYYY-MM-DD
	Age        *int
	Gender     int // 0 unknown, 1 male, 2 female
}

// Entry is a starting slot, keyed by (race_id, number 1..9).
type Entry struct {
	RaceID                  string
	Number                  int
	Absent                  int
	PlayerID                *string
	BracketNumber           *int
	PlayerCurrentTermClass  *int
	PlayerCurrentTermGroup  *int
	PlayerPreviousTermClass *int
	PlayerPreviousTermGroup *int
	HasPreviousClassGroup   int
}

// PlayerRecord is a rider's statistics for a race.
type PlayerRecord struct {
	RaceID               string
	PlayerID             string
	GearRatio            *float64
	GearRatioStr         *string
	Style                *string
	RacePoint            *float64
	RacePointStr         *string
	Comment              *string
	PredictionMark       *int
	FirstRate            *float64
	SecondRate           *float64
	ThirdRate            *float64
	HasModifiedGearRatio int
	ModifiedGearRatio    *float64
	ModifiedGearRatioStr *string
	PreviousCupID        *string
}

// LinePrediction is the predicted line formation for a race.
type LinePrediction struct {
	RaceID        string
	LineType      *string
	LineFormation *string
}

// Odds is one combination row for any of the seven bet-type tables. Table
// selection and key canonicalization happen in the odds updater.
type Odds struct {
	RaceID          string
	Key             string
	Odds            *float64
	OddsStr         *string
	MinOdds         *float64
	MinOddsStr      *string
	MaxOdds         *float64
	MaxOddsStr      *string
	PopularityOrder *int
	UnitPrice       *int
	PayoffUnitPrice *int
	Absent          int
	Type            int
}

// OddsStatus is the per-race odds metadata row.
type OddsStatus struct {
	RaceID                      string
	ExactaPayoffStatus          *int
	QuinellaPayoffStatus        *int
	QuinellaPlacePayoffStatus   *int
	TrifectaPayoffStatus        *int
	TrioPayoffStatus            *int
	BracketExactaPayoffStatus   *int
	BracketQuinellaPayoffStatus *int
	IsAggregated                int
	OddsUpdatedAtTimestamp      *int64
	OddsDelayed                 int
	FinalOdds                   int
}

// RaceResult is one finishing-order row scraped from the result page.
// PlayerID is filled in by reconciling PlayerName against the race's entries;
// unresolved names leave it NULL.
type RaceResult struct {
	RaceID           string
	BracketNumber    int
	Rank             *int
	RankText         *string
	Mark             *string
	PlayerName       *string
	PlayerID         *string
	Age              *int
	Prefecture       *string
	Period           *string
	Class            *string
	Diff             *string
	Time             *float64
	LastLapTime      *string
	WinningTechnique *string
	Symbols          *string
	WinFactor        *string
	PersonalStatus   *string
}

// LapIcon is one rider's position marker within a track-section snapshot.
// It serializes to the compact [bracket, name, x, y, has_arrow] tuple the
// lap_positions columns store.
type LapIcon struct {
	Bracket  int
	Name     string
	X        int
	Y        int
	HasArrow bool
}

// MarshalJSON emits the 5-tuple array wire format.
func (l LapIcon) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{l.Bracket, l.Name, l.X, l.Y, l.HasArrow})
}

// UnmarshalJSON reads the 5-tuple array wire format.
func (l *LapIcon) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw[0], &l.Bracket); err != nil {
			return err
		}
	}
	if len(raw) > 1 {
		if err := json.Unmarshal(raw[1], &l.Name); err != nil {
			return err
		}
	}
	if len(raw) > 2 {
		if err := json.Unmarshal(raw[2], &l.X); err != nil {
			return err
		}
	}
	if len(raw) > 3 {
		if err := json.Unmarshal(raw[3], &l.Y); err != nil {
			return err
		}
	}
	if len(raw) > 4 {
		if err := json.Unmarshal(raw[4], &l.HasArrow); err != nil {
			return err
		}
	}
	return nil
}

// Track sections captured on the result page, in display order.
const (
	SectionShuukai = "lap_shuukai" // 周回
	SectionAkaban  = "lap_akaban"  // 赤板
	SectionDasho   = "lap_dasho"   // 打鐘
	SectionHS      = "lap_hs"
	SectionBS      = "lap_bs"
)

// LapPosition holds the five section snapshots as JSON column values.
// Sections the page did not render stay NULL.
type LapPosition struct {
	RaceID  string
	Shuukai *string
	Akaban  *string
	Dasho   *string
	HS      *string
	BS      *string
}

// InspectionReport is a post-race rider comment. Player is the reported name
// with "(rank)" preserved, spaces removed, truncated to the column width.
type InspectionReport struct {
	RaceID   string
	Player   string
	PlayerID *string
	Comment  string
}

// InspectionPlayerMaxLen is the width of inspection_reports.player.
const InspectionPlayerMaxLen = 6
