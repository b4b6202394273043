// Package analysis computes seasonal averages and year-over-year trends for
// a single station series.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/civil"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/observation"
)

// DaysPerYear is the fixed year length used for the analysis window. Leap
// days are not compensated, so a 4-year window ends one day short of the
// same calendar date.
const DaysPerYear = 365

var (
	ErrNoData       = errors.New("no data")
	ErrNoValidData  = errors.New("no valid data")
	ErrInvalidYears = errors.New("years must be at least 1")
)

// Season is one of the four fixed three-month buckets.
type Season string

const (
	Spring Season = "spring"
	Summer Season = "summer"
	Autumn Season = "autumn"
	Winter Season = "winter"
)

// Seasons lists the buckets in report order.
var Seasons = []Season{Spring, Summer, Autumn, Winter}

// SeasonOf maps a month to its season. December, January and February are
// winter whatever the year.
func SeasonOf(m time.Month) Season {
	switch m {
	case time.March, time.April, time.May:
		return Spring
	case time.June, time.July, time.August:
		return Summer
	case time.September, time.October, time.November:
		return Autumn
	default:
		return Winter
	}
}

// SeriesSource is the query the analyzer needs.
type SeriesSource interface {
	Series(ctx context.Context, river, station string, r observation.Range) ([]observation.SeriesPoint, error)
}

type SeasonAverage struct {
	Season   Season  `json:"season"`
	AvgLevel float64 `json:"avg_level"`
	AvgFlow  float64 `json:"avg_flow"`
	Count    int     `json:"count"`
}

// YearTrend is the mean of one calendar year. The change fields are set for
// every year except the first.
type YearTrend struct {
	Year        int      `json:"year"`
	AvgLevel    float64  `json:"avg_level"`
	AvgFlow     float64  `json:"avg_flow"`
	Count       int      `json:"count"`
	LevelDelta  *float64 `json:"level_delta,omitempty"`
	LevelPct    *float64 `json:"level_pct,omitempty"`
	FlowDelta   *float64 `json:"flow_delta,omitempty"`
	FlowPct     *float64 `json:"flow_pct,omitempty"`
	LevelChange string   `json:"level_change,omitempty"`
	FlowChange  string   `json:"flow_change,omitempty"`
}

type Result struct {
	River        string          `json:"river_name"`
	Station      string          `json:"station_name"`
	Years        int             `json:"years"`
	Start        civil.Date      `json:"start_date"`
	End          civil.Date      `json:"end_date"`
	ValidCount   int             `json:"valid_data_count"`
	WindowCount  int             `json:"window_data_count"`
	Seasons      []SeasonAverage `json:"seasonal_data"`
	YearlyTrends []YearTrend     `json:"yearly_trends"`
}

// Analyze loads the full series of river/station and runs Compute on it.
func Analyze(ctx context.Context, src SeriesSource, river, station string, years int) (Result, error) {
	if years < 1 {
		return Result{}, fmt.Errorf("%w: got %d", ErrInvalidYears, years)
	}
	series, err := src.Series(ctx, river, station, observation.Range{})
	if err != nil {
		return Result{}, fmt.Errorf("load series: %w", err)
	}
	return Compute(river, station, series, years)
}

// Compute runs the seasonal and yearly aggregation over series.
func Compute(river, station string, series []observation.SeriesPoint, years int) (Result, error) {
	if years < 1 {
		return Result{}, fmt.Errorf("%w: got %d", ErrInvalidYears, years)
	}
	if len(series) == 0 {
		return Result{}, fmt.Errorf("%w for %s - %s", ErrNoData, river, station)
	}

	valid := make([]observation.SeriesPoint, 0, len(series))
	for _, p := range series {
		if p.WaterLevel > 0 && p.FlowRate > 0 {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return Result{}, fmt.Errorf("%w for %s - %s", ErrNoValidData, river, station)
	}

	end := valid[0].Date
	for _, p := range valid[1:] {
		if p.Date.After(end) {
			end = p.Date
		}
	}
	start := end.AddDays(-DaysPerYear * years)

	res := Result{
		River:        river,
		Station:      station,
		Years:        years,
		Start:        start,
		End:          end,
		ValidCount:   len(valid),
		Seasons:      make([]SeasonAverage, 0, len(Seasons)),
		YearlyTrends: make([]YearTrend, 0),
	}

	window := observation.Range{Start: &start, End: &end}.Filter(valid)
	res.WindowCount = len(window)

	buckets := make(map[Season]*accumulator, len(Seasons))
	for _, p := range window {
		s := SeasonOf(p.Date.Month)
		if buckets[s] == nil {
			buckets[s] = &accumulator{}
		}
		buckets[s].add(p)
	}
	for _, s := range Seasons {
		acc := buckets[s]
		if acc == nil {
			continue
		}
		res.Seasons = append(res.Seasons, SeasonAverage{
			Season:   s,
			AvgLevel: Round2(acc.meanLevel()),
			AvgFlow:  Round2(acc.meanFlow()),
			Count:    acc.n,
		})
	}

	if years >= 2 {
		res.YearlyTrends = yearlyTrends(valid)
	}
	return res, nil
}

// yearlyTrends groups every valid point by calendar year.
func yearlyTrends(valid []observation.SeriesPoint) []YearTrend {
	byYear := make(map[int]*accumulator)
	for _, p := range valid {
		acc := byYear[p.Date.Year]
		if acc == nil {
			acc = &accumulator{}
			byYear[p.Date.Year] = acc
		}
		acc.add(p)
	}
	yearList := make([]int, 0, len(byYear))
	for y := range byYear {
		yearList = append(yearList, y)
	}
	sort.Ints(yearList)

	trends := make([]YearTrend, 0, len(yearList))
	var prev *accumulator
	for _, y := range yearList {
		acc := byYear[y]
		level, flow := acc.meanLevel(), acc.meanFlow()
		trend := YearTrend{
			Year:     y,
			AvgLevel: Round2(level),
			AvgFlow:  Round2(flow),
			Count:    acc.n,
		}
		if prev != nil {
			ld, lp := Change(prev.meanLevel(), level)
			fd, fp := Change(prev.meanFlow(), flow)
			trend.LevelDelta, trend.LevelPct = ptr(Round2(ld)), ptr(round1(lp))
			trend.FlowDelta, trend.FlowPct = ptr(Round2(fd)), ptr(round1(fp))
			trend.LevelChange = FormatChange(ld, lp)
			trend.FlowChange = FormatChange(fd, fp)
		}
		trends = append(trends, trend)
		prev = acc
	}
	return trends
}

// Change returns the signed difference cur-prev and its percentage of prev.
// The percentage is 0 when prev is exactly 0.
func Change(prev, cur float64) (delta, pct float64) {
	delta = cur - prev
	if prev != 0 {
		pct = delta / prev * 100
	}
	return delta, pct
}

// FormatChange renders a change as "+2.00(+20.0%)".
func FormatChange(delta, pct float64) string {
	return fmt.Sprintf("%+.2f(%+.1f%%)", delta, pct)
}

// Round2 rounds half away from zero to two decimals.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

func ptr(v float64) *float64 { return &v }

type accumulator struct {
	n     int
	level float64
	flow  float64
}

func (a *accumulator) add(p observation.SeriesPoint) {
	a.n++
	a.level += p.WaterLevel
	a.flow += p.FlowRate
}

func (a *accumulator) meanLevel() float64 { return a.level / float64(a.n) }
func (a *accumulator) meanFlow() float64  { return a.flow / float64(a.n) }
