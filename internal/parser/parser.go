// Package parser extracts race results, lap-position snapshots, the race
// comment and post-race inspection reports from a result page. It never
// touches the database; player-identity reconciliation is layered on top by
// the results stage.
package parser

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ymatsuda/keirin-data/internal/model"
)

// rankFell is stored when the rank cell carries the 落 (fell) marker.
const rankFell = 99

// sectionColumns maps the section labels on the page to lap_positions
// columns.
var sectionColumns = map[string]string{
	"周回": model.SectionShuukai,
	"赤板": model.SectionAkaban,
	"打鐘": model.SectionDasho,
	"HS": model.SectionHS,
	"BS": model.SectionBS,
}

// reportPattern splits the inspection prose into per-rider reports:
// 【Name(rank)】「content」 with quotes, or 【Name(rank)】content without.
var reportPattern = regexp.MustCompile(`【([^】]+)】\s*(?:「([^」]*)」|([^【]+))`)

// Parsed is everything one result page yields. IsEmpty is true when no
// section produced a row; ParseError is true when any section failed, in
// which case the page must not be treated as data_not_available.
type Parsed struct {
	RaceID            string
	Results           []model.RaceResult
	Comment           *string
	InspectionReports []model.InspectionReport
	LapPositions      map[string][]model.LapIcon
	ProblematicRows   []string
	IsEmpty           bool
	ParseError        bool
}

// ParseResultPage extracts the four sections from a result page.
func ParseResultPage(raceID, html string, logger *slog.Logger) *Parsed {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Parsed{RaceID: raceID, LapPositions: map[string][]model.LapIcon{}}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		logger.Warn("result page is not parseable html", "race_id", raceID, "error", err)
		p.ParseError = true
		return p
	}

	if err := p.extractResults(doc); err != nil {
		logger.Warn("result table extraction failed", "race_id", raceID, "error", err)
		p.ParseError = true
	}
	if err := p.extractComment(doc); err != nil {
		logger.Warn("race comment extraction failed", "race_id", raceID, "error", err)
		p.ParseError = true
	}
	if err := p.extractLapPositions(doc); err != nil {
		logger.Warn("lap position extraction failed", "race_id", raceID, "error", err)
		p.ParseError = true
	}
	if err := p.extractInspectionReports(doc); err != nil {
		logger.Warn("inspection report extraction failed", "race_id", raceID, "error", err)
		p.ParseError = true
	}

	p.IsEmpty = len(p.Results) == 0 && p.Comment == nil &&
		len(p.LapPositions) == 0 && len(p.InspectionReports) == 0
	return p
}

// extractResults reads the finishing-order table: the table whose header row
// starts with the rank (着) and bracket (車番) columns. Cell order is
// rank, bracket, mark, name, age, prefecture, period, class, diff,
// last lap time, winning technique, symbols, win factor, personal status.
func (p *Parsed) extractResults(doc *goquery.Document) error {
	table := findResultTable(doc)
	if table == nil {
		return nil
	}

	var rowErr error
	table.Find("tbody tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		text := func(i int) string { return strings.TrimSpace(cells.Eq(i).Text()) }

		bracket, err := strconv.Atoi(text(1))
		if err != nil {
			html, _ := goquery.OuterHtml(row)
			p.ProblematicRows = append(p.ProblematicRows, html)
			return
		}

		result := model.RaceResult{
			RaceID:        p.RaceID,
			BracketNumber: bracket,
		}

		rankText := text(0)
		if rankText != "" {
			result.RankText = &rankText
			if rankText == "落" {
				rank := rankFell
				result.Rank = &rank
			} else if rank, err := strconv.Atoi(rankText); err == nil {
				result.Rank = &rank
			}
		}

		result.Mark = model.NilIfEmpty(text(2))
		result.PlayerName = model.NilIfEmpty(text(3))
		if age, err := strconv.Atoi(text(4)); err == nil {
			result.Age = &age
		}
		result.Prefecture = model.NilIfEmpty(text(5))
		result.Period = model.NilIfEmpty(text(6))
		result.Class = model.NilIfEmpty(text(7))
		result.Diff = model.NilIfEmpty(text(8))

		if lap := text(9); lap != "" {
			result.LastLapTime = &lap
			if f, err := strconv.ParseFloat(lap, 64); err == nil {
				result.Time = &f
			}
		}
		result.WinningTechnique = model.NilIfEmpty(text(10))
		result.Symbols = model.NilIfEmpty(text(11))
		result.WinFactor = model.NilIfEmpty(text(12))
		result.PersonalStatus = model.NilIfEmpty(text(13))

		p.Results = append(p.Results, result)
	})
	return rowErr
}

// findResultTable picks the table whose header carries the rank and bracket
// columns.
func findResultTable(doc *goquery.Document) *goquery.Selection {
	var found *goquery.Selection
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		header := table.Find("thead, tr").First().Text()
		if strings.Contains(header, "着") && strings.Contains(header, "車番") {
			found = table
			return false
		}
		return true
	})
	return found
}

// extractComment takes the first non-empty text inside the payouts table
// footer.
func (p *Parsed) extractComment(doc *goquery.Document) error {
	doc.Find("table tfoot").EachWithBreak(func(_ int, foot *goquery.Selection) bool {
		if text := strings.TrimSpace(foot.Text()); text != "" {
			p.Comment = &text
			return false
		}
		return true
	})
	return nil
}

// extractLapPositions reads the five track-section snapshots. Each section
// container carries a label (周回, 赤板, 打鐘, HS, BS) and bike-icon elements
// whose classes encode bracket and coordinates: bikeno-N, x-N, y-N, plus the
// arrow class when the rider's marker carries a movement arrow. Sections
// with no icons are omitted.
func (p *Parsed) extractLapPositions(doc *goquery.Document) error {
	doc.Find(".lap-data").Each(func(_ int, section *goquery.Selection) {
		label := strings.TrimSpace(section.Find(".lap-name").First().Text())
		column, ok := sectionColumns[label]
		if !ok {
			return
		}

		var icons []model.LapIcon
		section.Find(".bike-icon").Each(func(_ int, icon *goquery.Selection) {
			parsed, ok := parseBikeIcon(icon)
			if ok {
				icons = append(icons, parsed)
			}
		})
		if len(icons) > 0 {
			p.LapPositions[column] = icons
		}
	})
	return nil
}

// parseBikeIcon decodes one rider marker from its CSS classes and text.
// Arrow detection looks at the icon element itself only; pages that put the
// arrow class on a wrapper are not recognized.
func parseBikeIcon(icon *goquery.Selection) (model.LapIcon, bool) {
	classes, _ := icon.Attr("class")
	var out model.LapIcon
	haveBracket := false

	for _, class := range strings.Fields(classes) {
		switch {
		case strings.HasPrefix(class, "bikeno-"):
			if n, err := strconv.Atoi(class[len("bikeno-"):]); err == nil {
				out.Bracket = n
				haveBracket = true
			}
		case strings.HasPrefix(class, "x-"):
			if n, err := strconv.Atoi(class[len("x-"):]); err == nil {
				out.X = n
			}
		case strings.HasPrefix(class, "y-"):
			if n, err := strconv.Atoi(class[len("y-"):]); err == nil {
				out.Y = n
			}
		case class == "arrow":
			out.HasArrow = true
		}
	}

	name := strings.TrimSpace(icon.Find(".racer-name").First().Text())
	if name == "" {
		name = strings.TrimSpace(icon.Text())
	}
	out.Name = name
	return out, haveBracket
}

// extractInspectionReports splits the post-race report prose into per-rider
// rows. The reported name keeps its "(rank)" suffix with spaces removed.
// Text that does not match the delimiter pattern becomes a single report.
func (p *Parsed) extractInspectionReports(doc *goquery.Document) error {
	doc.Find(".result-kensya-report-text").Each(func(_ int, block *goquery.Selection) {
		text := strings.TrimSpace(block.Text())
		if text == "" {
			return
		}

		matches := reportPattern.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			p.InspectionReports = append(p.InspectionReports, model.InspectionReport{
				RaceID:  p.RaceID,
				Comment: text,
			})
			return
		}

		for _, m := range matches {
			name := strings.ReplaceAll(m[1], " ", "")
			name = strings.ReplaceAll(name, "　", "")
			comment := m[2]
			if comment == "" {
				comment = strings.TrimSpace(m[3])
			}
			p.InspectionReports = append(p.InspectionReports, model.InspectionReport{
				RaceID:  p.RaceID,
				Player:  name,
				Comment: comment,
			})
		}
	})
	return nil
}

// String summarizes the parse outcome for logging.
func (p *Parsed) String() string {
	return fmt.Sprintf("results=%d laps=%d reports=%d comment=%t empty=%t error=%t",
		len(p.Results), len(p.LapPositions), len(p.InspectionReports),
		p.Comment != nil, p.IsEmpty, p.ParseError)
}
