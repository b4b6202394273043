package ingest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/models"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/observation"
)

// AbsentMarker is the placeholder the upstream service sends for "no reading".
const AbsentMarker = "--"

var (
	// ErrAbsentReading means the field carried AbsentMarker.
	ErrAbsentReading = errors.New("absent reading")
	// ErrInvalidReading means the field was missing or not a finite number.
	ErrInvalidReading = errors.New("invalid reading")
)

// ParseReading converts a raw level or flow field to a number.
func ParseReading(f models.FieldValue) (float64, error) {
	if !f.Present {
		return 0, fmt.Errorf("%w: missing", ErrInvalidReading)
	}
	if f.Invalid {
		return 0, fmt.Errorf("%w: %s is not a string or number", ErrInvalidReading, f.Raw)
	}
	raw := strings.TrimSpace(f.Raw)
	if raw == AbsentMarker {
		return 0, ErrAbsentReading
	}
	if raw == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidReading)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidReading, f.Raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not finite", ErrInvalidReading, f.Raw)
	}
	return v, nil
}

// BuildObservation turns one station detail of the file for date into an
// observation. The absent marker on either field wins over parse errors so a
// detail like Z="--", Q="x" is reported as absent.
func BuildObservation(date civil.Date, d models.StationDetail) (observation.Observation, error) {
	if isAbsent(d.Level) || isAbsent(d.Flow) {
		return observation.Observation{}, ErrAbsentReading
	}
	level, err := ParseReading(d.Level)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("level: %w", err)
	}
	flow, err := ParseReading(d.Flow)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("flow: %w", err)
	}

	obs := observation.Observation{
		River:      d.River,
		Station:    d.Station,
		Date:       date,
		WaterLevel: level,
		FlowRate:   flow,
	}
	if err := obs.Validate(); err != nil {
		return observation.Observation{}, err
	}
	return obs, nil
}

func isAbsent(f models.FieldValue) bool {
	return f.Present && !f.Invalid && strings.TrimSpace(f.Raw) == AbsentMarker
}

// SkippedDetail is a station detail that produced no observation.
type SkippedDetail struct {
	System string
	Detail models.StationDetail
	Err    error
}

// BuildObservations flattens every river system of a file.
func BuildObservations(date civil.Date, systems []models.RiverSystem) ([]observation.Observation, []SkippedDetail) {
	var (
		out     []observation.Observation
		skipped []SkippedDetail
	)
	for _, sys := range systems {
		for _, d := range sys.Details {
			obs, err := BuildObservation(date, d)
			if err != nil {
				skipped = append(skipped, SkippedDetail{System: sys.Name, Detail: d, Err: err})
				continue
			}
			out = append(out, obs)
		}
	}
	return out, skipped
}
