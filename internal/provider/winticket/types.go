package winticket

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// The API is loose with scalar types: booleans arrive as true or "true",
// numbers as 7 or "7". The flexible types below absorb both shapes so the
// transformation layer only sees Go values.

// Bool accepts JSON booleans and "true"/"false" strings.
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("true")):
		*b = true
	case bytes.Equal(data, []byte("false")), bytes.Equal(data, []byte("null")):
		*b = false
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = Bool(strings.EqualFold(strings.TrimSpace(s), "true") || s == "1")
	}
	return nil
}

// Int accepts JSON numbers and numeric strings. Null and empty map to 0.
type Int int

func (n *Int) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*n = 0
			return nil
		}
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		*n = Int(v)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Int(f)
	return nil
}

// Float accepts JSON numbers and numeric strings. Null and empty map to 0.
type Float float64

func (f *Float) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return err
		}
		*f = Float(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Str accepts strings and bare numbers.
type Str string

func (s *Str) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = Str(v)
		return nil
	}
	*s = Str(data)
	return nil
}

// --------------------------------------------------------------------------
// Monthly listing
// --------------------------------------------------------------------------

// MonthResponse wraps the monthly listing. Month is nil when the response
// lacks the month key entirely, which is a shape violation; a present but
// empty month is a valid listing.
type MonthResponse struct {
	Month *Month `json:"month"`
}

type Month struct {
	Regions []Region `json:"regions"`
	Venues  []Venue  `json:"venues"`
	Cups    []Cup    `json:"cups"`
}

type Region struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Numeric fields that may legitimately be zero are pointers: a nil means the
// upstream omitted the field (stored as NULL), a pointer to 0 is a real zero.
type Venue struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Name1                 string `json:"name1"`
	Address               string `json:"address"`
	PhoneNumber           string `json:"phoneNumber"`
	WebsiteURL            string `json:"websiteUrl"`
	BankFeature           string `json:"bankFeature"`
	TrackStraightDistance *Float `json:"trackStraightDistance"`
	TrackAngleCenter      *Float `json:"trackAngleCenter"`
	TrackAngleStraight    *Float `json:"trackAngleStraight"`
	HomeWidth             *Float `json:"homeWidth"`
	BackWidth             *Float `json:"backWidth"`
	CenterWidth           *Float `json:"centerWidth"`
	RegionID              string `json:"regionId"`
}

type Cup struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	StartDate      string   `json:"startDate"`
	EndDate        string   `json:"endDate"`
	Duration       Int      `json:"duration"`
	Grade          Int      `json:"grade"`
	VenueID        string   `json:"venueId"`
	Labels         []string `json:"labels"`
	PlayersUnfixed Bool     `json:"playersUnfixed"`
}

// --------------------------------------------------------------------------
// Cup detail
// --------------------------------------------------------------------------

type CupDetailResponse struct {
	Cup       Cup        `json:"cup"`
	Schedules []Schedule `json:"schedules"`
	Races     []Race     `json:"races"`
}

type Schedule struct {
	ID             string `json:"id"`
	Date           string `json:"date"`
	Day            Int    `json:"day"`
	Index          Int    `json:"index"`
	EntriesUnfixed Bool   `json:"entriesUnfixed"`
}

type Race struct {
	ID                  string `json:"id"`
	ScheduleID          string `json:"scheduleId"`
	Number              Int    `json:"number"`
	Class               string `json:"class"`
	RaceType            string `json:"raceType"`
	RaceType3           string `json:"raceType3"`
	StartAt             Str    `json:"startAt"`
	CloseAt             Str    `json:"closeAt"`
	DecidedAt           Str    `json:"decidedAt"`
	Status              Int    `json:"status"`
	Cancel              Bool   `json:"cancel"`
	CancelReason        string `json:"cancelReason"`
	Weather             string `json:"weather"`
	WindSpeed           *Float `json:"windSpeed"`
	Distance            *Int   `json:"distance"`
	Lap                 *Int   `json:"lap"`
	EntriesNumber       *Int   `json:"entriesNumber"`
	IsGradeRace         Bool   `json:"isGradeRace"`
	HasDigestVideo      Bool   `json:"hasDigestVideo"`
	DigestVideo         string `json:"digestVideo"`
	DigestVideoProvider string `json:"digestVideoProvider"`
}

// --------------------------------------------------------------------------
// Race card
// --------------------------------------------------------------------------

type RaceCardResponse struct {
	Players        []PlayerInfo    `json:"players"`
	Entries        []EntryInfo     `json:"entries"`
	Records        []RecordInfo    `json:"records"`
	LinePrediction *LinePrediction `json:"linePrediction"`
}

type PlayerInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Class      *Int   `json:"class"`
	Group      *Int   `json:"group"`
	Prefecture string `json:"prefecture"`
	Term       *Int   `json:"term"`
	RegionID   string `json:"regionId"`
	Yomi       string `json:"yomi"`
	Birthday   string `json:"birthday"`
	Age        *Int   `json:"age"`
	Gender     Str    `json:"gender"`
}

type EntryInfo struct {
	Number                  Int    `json:"number"`
	RaceID                  string `json:"raceId"`
	Absent                  Bool   `json:"absent"`
	PlayerID                string `json:"playerId"`
	BracketNumber           *Int   `json:"bracketNumber"`
	PlayerCurrentTermClass  *Int   `json:"playerCurrentTermClass"`
	PlayerCurrentTermGroup  *Int   `json:"playerCurrentTermGroup"`
	PlayerPreviousTermClass *Int   `json:"playerPreviousTermClass"`
	PlayerPreviousTermGroup *Int   `json:"playerPreviousTermGroup"`
	HasPreviousClassGroup   Bool   `json:"hasPreviousClassGroup"`
}

type RecordInfo struct {
	PlayerID             string `json:"playerId"`
	GearRatio            *Float `json:"gearRatio"`
	GearRatioStr         string `json:"gearRatioStr"`
	Style                Str    `json:"style"`
	RacePoint            *Float `json:"racePoint"`
	RacePointStr         string `json:"racePointStr"`
	Comment              string `json:"comment"`
	PredictionMark       *Int   `json:"predictionMark"`
	FirstRate            *Float `json:"firstRate"`
	SecondRate           *Float `json:"secondRate"`
	ThirdRate            *Float `json:"thirdRate"`
	HasModifiedGearRatio Bool   `json:"hasModifiedGearRatio"`
	ModifiedGearRatio    *Float `json:"modifiedGearRatio"`
	ModifiedGearRatioStr string `json:"modifiedGearRatioStr"`
	PreviousCupID        string `json:"previousCupId"`
}

type LinePrediction struct {
	LineType string      `json:"lineType"`
	Lines    []LineGroup `json:"lines"`
}

// LineGroup is either a singleton ({numbers:[n]}) or a list of entries.
type LineGroup struct {
	Numbers []int       `json:"numbers"`
	Entries []LineEntry `json:"entries"`
}

type LineEntry struct {
	Numbers []int `json:"numbers"`
}

// --------------------------------------------------------------------------
// Odds
// --------------------------------------------------------------------------

type OddsResponse struct {
	Exacta          []OddsItem `json:"exacta"`
	Quinella        []OddsItem `json:"quinella"`
	QuinellaPlace   []OddsItem `json:"quinellaPlace"`
	Trifecta        []OddsItem `json:"trifecta"`
	Trio            []OddsItem `json:"trio"`
	BracketExacta   []OddsItem `json:"bracketExacta"`
	BracketQuinella []OddsItem `json:"bracketQuinella"`

	UpdatedAt    string `json:"updatedAt"`
	IsAggregated Bool   `json:"isAggregated"`
	OddsDelayed  Bool   `json:"oddsDelayed"`
	FinalOdds    Bool   `json:"finalOdds"`

	ExactaPayoffStatus          *Int `json:"exactaPayoffStatus"`
	QuinellaPayoffStatus        *Int `json:"quinellaPayoffStatus"`
	QuinellaPlacePayoffStatus   *Int `json:"quinellaPlacePayoffStatus"`
	TrifectaPayoffStatus        *Int `json:"trifectaPayoffStatus"`
	TrioPayoffStatus            *Int `json:"trioPayoffStatus"`
	BracketExactaPayoffStatus   *Int `json:"bracketExactaPayoffStatus"`
	BracketQuinellaPayoffStatus *Int `json:"bracketQuinellaPayoffStatus"`
}

// Empty reports whether no bet-type array carries any combination. Such a
// response is valid upstream output for races without aggregated odds.
func (o *OddsResponse) Empty() bool {
	return len(o.Exacta) == 0 && len(o.Quinella) == 0 && len(o.QuinellaPlace) == 0 &&
		len(o.Trifecta) == 0 && len(o.Trio) == 0 &&
		len(o.BracketExacta) == 0 && len(o.BracketQuinella) == 0
}

type OddsItem struct {
	Key             []int  `json:"key"`
	Numbers         []int  `json:"numbers"`
	Brackets        []int  `json:"brackets"`
	Odds            *Float `json:"odds"`
	OddsStr         Str    `json:"oddsStr"`
	MinOdds         *Float `json:"minOdds"`
	MinOddsStr      Str    `json:"minOddsStr"`
	MaxOdds         *Float `json:"maxOdds"`
	MaxOddsStr      Str    `json:"maxOddsStr"`
	Type            *Int   `json:"type"`
	PopularityOrder *Int   `json:"popularityOrder"`
	UnitPrice       *Int   `json:"unitPrice"`
	PayoffUnitPrice *Int   `json:"payoffUnitPrice"`
	Absent          Bool   `json:"absent"`
}

// Combination returns whichever of key/numbers/brackets the item carries.
func (i OddsItem) Combination() []int {
	switch {
	case len(i.Key) > 0:
		return i.Key
	case len(i.Numbers) > 0:
		return i.Numbers
	default:
		return i.Brackets
	}
}
