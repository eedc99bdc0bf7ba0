package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCoordinates(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		locale Locale
		lat    float64
		lon    float64
	}{
		{"decimal pair", "49.2317, 17.4279", LocaleEnglish, 49.2317, 17.4279},
		{"decimal no comma", "49.2317 17.4279", LocaleEnglish, 49.2317, 17.4279},
		{"negative decimal", "-33.8688, 151.2093", LocaleEnglish, -33.8688, 151.2093},
		{"decimal comma", "49,2317 17,4279", LocaleCzech, 49.2317, 17.4279},
		{"english letters", "49.2317N 17.4279E", LocaleEnglish, 49.2317, 17.4279},
		{"english south west", "33.8688S 70.6693W", LocaleEnglish, -33.8688, -70.6693},
		{"swapped order", "17.4279E, 49.2317N", LocaleEnglish, 49.2317, 17.4279},
		{"dms english", `49°13'54.12"N 17°25'40.44"E`, LocaleEnglish, 49.2317, 17.4279},
		{"czech sever vychod", "49.2317S 17.4279V", LocaleCzech, 49.2317, 17.4279},
		{"czech jih zapad", "10.5J 20.25Z", LocaleCzech, -10.5, -20.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseCoordinates(tt.input, tt.locale)
			require.NoError(t, err)
			assert.InDelta(t, tt.lat, p.Lat, 1e-4)
			assert.InDelta(t, tt.lon, p.Lon, 1e-4)
		})
	}
}

func TestParseCoordinatesSLetterDependsOnLocale(t *testing.T) {
	en, err := ParseCoordinates("49.5S 17.5E", LocaleEnglish)
	require.NoError(t, err)
	assert.Equal(t, -49.5, en.Lat)

	_, err = ParseCoordinates("49.5S 17.5E", LocaleCzech)
	assert.ErrorIs(t, err, ErrInvalidCoordinates, "E is not a Czech hemisphere letter")

	cs, err := ParseCoordinates("49.5S 17.5V", LocaleCzech)
	require.NoError(t, err)
	assert.Equal(t, 49.5, cs.Lat)
}

func TestParseCoordinatesErrors(t *testing.T) {
	for _, input := range []string{"", "49.2", "1 2 3", "49N 50S", "95, 10"} {
		_, err := ParseCoordinates(input, LocaleEnglish)
		assert.Error(t, err, input)
	}
	_, err := ParseCoordinates("49, 17", Locale("de"))
	assert.Error(t, err)
}

func TestParseLocale(t *testing.T) {
	l, err := ParseLocale("CZ")
	require.NoError(t, err)
	assert.Equal(t, LocaleCzech, l)

	l, err = ParseLocale("")
	require.NoError(t, err)
	assert.Equal(t, LocaleEnglish, l)

	_, err = ParseLocale("xx")
	assert.Error(t, err)
}

func TestGeoPointValidate(t *testing.T) {
	assert.NoError(t, GeoPoint{Lat: 49.23, Lon: 17.42}.Validate())
	assert.ErrorIs(t, GeoPoint{Lat: 91}.Validate(), ErrLatitudeRange)
	assert.ErrorIs(t, GeoPoint{Lon: -181}.Validate(), ErrLongitudeRange)
}
