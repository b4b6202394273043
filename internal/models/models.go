// Package models holds the typed form of a daily river data file.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEnvelope marks a file whose top-level shape is not
// data.river_data[].river_detail[].
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope models the JSON payload returned by the river list service and
// stored verbatim as river_data_<date>.json.
type Envelope struct {
	Code    *int          `json:"code"`
	Message string        `json:"message,omitempty"`
	Data    *EnvelopeData `json:"data"`
}

// EnvelopeData wraps the river system list.
type EnvelopeData struct {
	RiverData []RiverSystem `json:"river_data"`
}

// RiverSystem groups the stations of one river basin.
type RiverSystem struct {
	Name    string          `json:"river_system"`
	Details []StationDetail `json:"river_detail"`
}

// StationDetail is one station reading inside a river system. River and
// Station come from the "river" and "river_name" keys respectively; a
// non-string name decodes as empty so only this detail is dropped.
type StationDetail struct {
	River   string     `json:"-"`
	Station string     `json:"-"`
	Level   FieldValue `json:"Z"`
	Flow    FieldValue `json:"Q"`
}

type stationDetailJSON struct {
	River   json.RawMessage `json:"river"`
	Station json.RawMessage `json:"river_name"`
	Level   FieldValue      `json:"Z"`
	Flow    FieldValue      `json:"Q"`
}

func (d *StationDetail) UnmarshalJSON(data []byte) error {
	var raw stationDetailJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = StationDetail{
		River:   looseString(raw.River),
		Station: looseString(raw.Station),
		Level:   raw.Level,
		Flow:    raw.Flow,
	}
	return nil
}

func (d StationDetail) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		River   string     `json:"river"`
		Station string     `json:"river_name"`
		Level   FieldValue `json:"Z"`
		Flow    FieldValue `json:"Q"`
	}{d.River, d.Station, d.Level, d.Flow})
}

func looseString(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return ""
	}
	return s
}

// FieldValue is a raw reading field. The upstream service sends strings,
// occasionally bare numbers; both are kept in string form. Anything else
// (booleans, objects, arrays) is kept verbatim and flagged Invalid.
type FieldValue struct {
	Raw     string
	Present bool
	Invalid bool
}

// UnmarshalJSON accepts any JSON value. It never fails so that one odd
// field costs a single detail rather than the whole file.
func (f *FieldValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = FieldValue{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			*f = FieldValue{Raw: s, Present: true}
			return nil
		}
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FieldValue{Raw: n.String(), Present: true}
		return nil
	}
	*f = FieldValue{Raw: string(data), Present: true, Invalid: true}
	return nil
}

// MarshalJSON writes the raw string form, or null when absent.
func (f FieldValue) MarshalJSON() ([]byte, error) {
	if !f.Present {
		return []byte("null"), nil
	}
	return json.Marshal(f.Raw)
}

func (f FieldValue) String() string {
	if !f.Present {
		return "<missing>"
	}
	return f.Raw
}

// Decode parses raw file bytes into an Envelope. Only syntax errors are
// reported here; shape is checked by RiverSystems.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// RiverSystems returns data.river_data, or ErrInvalidEnvelope when either
// level is missing.
func (e Envelope) RiverSystems() ([]RiverSystem, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidEnvelope)
	}
	if e.Data.RiverData == nil {
		return nil, fmt.Errorf("%w: missing data.river_data", ErrInvalidEnvelope)
	}
	return e.Data.RiverData, nil
}

// OK reports whether the upstream service answered with code 0.
func (e Envelope) OK() bool {
	return e.Code != nil && *e.Code == 0
}
