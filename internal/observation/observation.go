// Package observation defines the daily river gauge reading and the calendar
// helpers shared by the store, the ingestion pipeline and the analyzer.
package observation

import (
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
)

// DateLayout is the on-disk and on-wire form of a calendar day.
const DateLayout = "2006-01-02"

var (
	// ErrInvalidObservation is returned by Validate.
	ErrInvalidObservation = errors.New("invalid observation")
	// ErrInvalidRange is returned when a date range has start after end.
	ErrInvalidRange = errors.New("invalid date range")
)

// Observation is one reading of one station on one calendar day.
type Observation struct {
	River      string     `json:"river_name"`
	Station    string     `json:"station_name"`
	Date       civil.Date `json:"date"`
	WaterLevel float64    `json:"water_level"`
	FlowRate   float64    `json:"flow_rate"`
}

// DateInt returns the YYYYMMDD integer form of the observation date.
func (o Observation) DateInt() int {
	return DateInt(o.Date)
}

// Validate checks the identity fields of the observation.
func (o Observation) Validate() error {
	if strings.TrimSpace(o.River) == "" {
		return fmt.Errorf("%w: empty river name", ErrInvalidObservation)
	}
	if strings.TrimSpace(o.Station) == "" {
		return fmt.Errorf("%w: empty station name", ErrInvalidObservation)
	}
	if !o.Date.IsValid() {
		return fmt.Errorf("%w: invalid date %q", ErrInvalidObservation, o.Date.String())
	}
	return nil
}

// SeriesPoint is a single element of a station series.
type SeriesPoint struct {
	Date       civil.Date `json:"date"`
	WaterLevel float64    `json:"water_level"`
	FlowRate   float64    `json:"flow_rate"`
}

// ParseDate parses a strict YYYY-MM-DD calendar day.
func ParseDate(s string) (civil.Date, error) {
	d, err := civil.ParseDate(strings.TrimSpace(s))
	if err != nil {
		return civil.Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

// DateInt converts a date to its YYYYMMDD integer form.
func DateInt(d civil.Date) int {
	return d.Year*10000 + int(d.Month)*100 + d.Day
}

// Range is an inclusive, optionally open-ended date interval.
type Range struct {
	Start *civil.Date
	End   *civil.Date
}

// ParseRange builds a Range from optional YYYY-MM-DD strings. Empty strings
// leave the corresponding bound open.
func ParseRange(start, end string) (Range, error) {
	var r Range
	if start != "" {
		d, err := ParseDate(start)
		if err != nil {
			return Range{}, fmt.Errorf("%w: start: %v", ErrInvalidRange, err)
		}
		r.Start = &d
	}
	if end != "" {
		d, err := ParseDate(end)
		if err != nil {
			return Range{}, fmt.Errorf("%w: end: %v", ErrInvalidRange, err)
		}
		r.End = &d
	}
	return r, r.Validate()
}

// Validate reports start > end as an error instead of an empty result.
func (r Range) Validate() error {
	if r.Start != nil && r.End != nil && r.Start.After(*r.End) {
		return fmt.Errorf("%w: start date %s is after end date %s", ErrInvalidRange, r.Start, r.End)
	}
	return nil
}

// Contains reports whether d falls within the range.
func (r Range) Contains(d civil.Date) bool {
	if r.Start != nil && d.Before(*r.Start) {
		return false
	}
	if r.End != nil && d.After(*r.End) {
		return false
	}
	return true
}

// Key renders the range for cache keys and logs.
func (r Range) Key() string {
	var start, end string
	if r.Start != nil {
		start = r.Start.String()
	}
	if r.End != nil {
		end = r.End.String()
	}
	return start + ".." + end
}

// Filter returns the points of series that fall within the range.
func (r Range) Filter(series []SeriesPoint) []SeriesPoint {
	out := make([]SeriesPoint, 0, len(series))
	for _, p := range series {
		if r.Contains(p.Date) {
			out = append(out, p)
		}
	}
	return out
}
