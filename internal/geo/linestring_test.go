package geo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineStringJSONRoundTrip(t *testing.T) {
	ls := LineString{Coordinates: []Point{{-43.2, -22.9}, {-43.1, -22.8}}}

	body, err := json.Marshal(ls)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"LineString","coordinates":[[-43.2,-22.9],[-43.1,-22.8]]}`, string(body))

	var out LineString
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, ls.Coordinates, out.Coordinates)
}

func TestLineStringUnmarshalRejectsWrongType(t *testing.T) {
	var out LineString
	err := out.UnmarshalJSON([]byte(`{"type":"Point","coordinates":[1,2]}`))
	assert.Error(t, err)
}

func TestLineStringValueAndScanRoundTrip(t *testing.T) {
	ls := LineString{Coordinates: []Point{{1, 2}, {3, 4}}}

	v, err := ls.Value()
	require.NoError(t, err)
	require.IsType(t, "", v)

	var scanned LineString
	require.NoError(t, scanned.Scan([]byte(v.(string))))
	assert.Equal(t, ls.Coordinates, scanned.Coordinates)
}

func TestLineStringValueEmptyIsNil(t *testing.T) {
	var ls LineString
	v, err := ls.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestLineStringScanNilResetsCoordinates(t *testing.T) {
	ls := LineString{Coordinates: []Point{{1, 2}}}
	require.NoError(t, ls.Scan(nil))
	assert.True(t, ls.Empty())
}

func TestPointAccessors(t *testing.T) {
	p := Point{-43.2, -22.9}
	assert.Equal(t, -43.2, p.Lon())
	assert.Equal(t, -22.9, p.Lat())
}
