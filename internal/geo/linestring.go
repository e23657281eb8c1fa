// Package geo defines the minimal GeoJSON shape the route client and store
// round-trip: a LineString geometry, longitude first.
package geo

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Point is a (lon, lat) pair, GeoJSON coordinate order.
type Point [2]float64

func (p Point) Lon() float64 { return p[0] }
func (p Point) Lat() float64 { return p[1] }

// LineString is a GeoJSON LineString geometry: {"type":"LineString","coordinates":[[lon,lat], …]}.
type LineString struct {
	Coordinates []Point
}

type lineStringJSON struct {
	Type        string  `json:"type"`
	Coordinates []Point `json:"coordinates"`
}

func (l LineString) MarshalJSON() ([]byte, error) {
	return json.Marshal(lineStringJSON{Type: "LineString", Coordinates: l.Coordinates})
}

func (l *LineString) UnmarshalJSON(data []byte) error {
	var raw lineStringJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type != "" && raw.Type != "LineString" {
		return fmt.Errorf("geo: unexpected geometry type %q", raw.Type)
	}
	l.Coordinates = raw.Coordinates
	return nil
}

// Value implements driver.Valuer so a LineString can be written straight
// into a jsonb column.
func (l LineString) Value() (driver.Value, error) {
	if len(l.Coordinates) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner, reading a jsonb column back into a LineString.
func (l *LineString) Scan(src interface{}) error {
	if src == nil {
		*l = LineString{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("geo: cannot scan %T into LineString", src)
	}
	if len(b) == 0 {
		*l = LineString{}
		return nil
	}
	return json.Unmarshal(b, l)
}

// Empty reports whether the geometry has no coordinates.
func (l LineString) Empty() bool { return len(l.Coordinates) == 0 }
