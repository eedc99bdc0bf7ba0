package geo

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Locale selects the hemisphere letters accepted by ParseCoordinates.
// The letter 'S' means south in English and north (sever) in Czech, so the
// locale is always explicit and never guessed from the input.
type Locale string

const (
	LocaleEnglish Locale = "en"
	LocaleCzech   Locale = "cs"
)

var ErrInvalidCoordinates = errors.New("invalid coordinates")

type hemisphere struct {
	latitude bool
	sign     float64
}

var hemispheres = map[Locale]map[rune]hemisphere{
	LocaleEnglish: {
		'N': {latitude: true, sign: 1},
		'S': {latitude: true, sign: -1},
		'E': {latitude: false, sign: 1},
		'W': {latitude: false, sign: -1},
	},
	LocaleCzech: {
		'S': {latitude: true, sign: 1},  // sever
		'J': {latitude: true, sign: -1}, // jih
		'V': {latitude: false, sign: 1}, // vychod
		'Z': {latitude: false, sign: -1},
	},
}

// degrees, optional minutes and seconds, optional hemisphere letter
var componentRe = regexp.MustCompile(`(?i)(-?\d+(?:[.,]\d+)?)\s*°?\s*(?:(\d+(?:[.,]\d+)?)\s*['′’]\s*)?(?:(\d+(?:[.,]\d+)?)\s*(?:"|″|”|'')\s*)?([a-z])?`)

type component struct {
	value  float64
	letter rune
}

// ParseLocale maps a config string to a Locale
func ParseLocale(s string) (Locale, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "en", "english":
		return LocaleEnglish, nil
	case "cs", "cz", "czech":
		return LocaleCzech, nil
	default:
		return "", fmt.Errorf("unknown coordinate locale: %s", s)
	}
}

// ParseCoordinates parses "lat, lon" in decimal or DMS notation.
// Accepted forms include "49.2317, 17.4279", "49.2317N 17.4279E" and
// `49°13'54.1"N 17°25'40.4"E`. A comma directly between digits is read as a
// decimal comma.
func ParseCoordinates(s string, locale Locale) (GeoPoint, error) {
	letters, ok := hemispheres[locale]
	if !ok {
		return GeoPoint{}, fmt.Errorf("unknown coordinate locale: %s", locale)
	}

	matches := componentRe.FindAllStringSubmatch(strings.TrimSpace(s), -1)
	if len(matches) != 2 {
		return GeoPoint{}, fmt.Errorf("%w: expected 2 components in %q, found %d", ErrInvalidCoordinates, s, len(matches))
	}

	var parts [2]component
	for i, m := range matches {
		c, err := parseComponent(m)
		if err != nil {
			return GeoPoint{}, fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
		}
		parts[i] = c
	}

	var lat, lon float64
	var haveLat, haveLon bool
	for i, c := range parts {
		if c.letter == 0 {
			if i == 0 {
				lat, haveLat = c.value, true
			} else {
				lon, haveLon = c.value, true
			}
			continue
		}
		h, ok := letters[c.letter]
		if !ok {
			return GeoPoint{}, fmt.Errorf("%w: hemisphere %q not valid for locale %s", ErrInvalidCoordinates, c.letter, locale)
		}
		if h.latitude {
			if haveLat {
				return GeoPoint{}, fmt.Errorf("%w: two latitude components in %q", ErrInvalidCoordinates, s)
			}
			lat, haveLat = h.sign*c.value, true
		} else {
			if haveLon {
				return GeoPoint{}, fmt.Errorf("%w: two longitude components in %q", ErrInvalidCoordinates, s)
			}
			lon, haveLon = h.sign*c.value, true
		}
	}
	if !haveLat || !haveLon {
		return GeoPoint{}, fmt.Errorf("%w: missing latitude or longitude in %q", ErrInvalidCoordinates, s)
	}

	return NewGeoPoint(lat, lon)
}

func parseComponent(m []string) (component, error) {
	deg, err := parseNumber(m[1])
	if err != nil {
		return component{}, err
	}
	neg := deg < 0 || strings.HasPrefix(m[1], "-")
	if neg {
		deg = -deg
	}

	value := deg
	if m[2] != "" {
		minutes, err := parseNumber(m[2])
		if err != nil {
			return component{}, err
		}
		if minutes >= 60 {
			return component{}, fmt.Errorf("minutes out of range: %s", m[2])
		}
		value += minutes / 60
	}
	if m[3] != "" {
		seconds, err := parseNumber(m[3])
		if err != nil {
			return component{}, err
		}
		if seconds >= 60 {
			return component{}, fmt.Errorf("seconds out of range: %s", m[3])
		}
		value += seconds / 3600
	}
	if neg {
		value = -value
	}

	c := component{value: value}
	if m[4] != "" {
		c.letter = []rune(strings.ToUpper(m[4]))[0]
		if neg {
			return component{}, fmt.Errorf("negative value with hemisphere letter %q", m[4])
		}
	}
	return c, nil
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
}
