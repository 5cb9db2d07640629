// Package parser turns the textual output of the sound server's tools into the
// audio model. Parsing is defensive: decoration and unknown fields are ignored.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"appvol/internal/audio"
)

// ErrMalformed is matched by every *ParseError.
var ErrMalformed = errors.New("malformed output")

// ParseError reports output that carries no usable value.
type ParseError struct {
	What   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.What, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrMalformed }

var numberToken = regexp.MustCompile(`(\d+(?:\.\d+)?|\.\d+)(\s*%)?`)

// ParseLevel parses one volume token: "45%" is a percentage, "0.45" a fraction.
// A bare integer above 1 ("45") is read as a percentage. The result is clamped
// to [0,1].
func ParseLevel(token string) (float64, error) {
	tok := strings.TrimSpace(token)
	m := numberToken.FindStringSubmatch(tok)
	if m == nil || m[0] != tok {
		return 0, &ParseError{What: "level", Reason: fmt.Sprintf("%q is not a number or percentage", token)}
	}
	return levelFromMatch(m)
}

func levelFromMatch(m []string) (float64, error) {
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, &ParseError{What: "level", Reason: err.Error()}
	}
	isPercent := m[2] != "" || (v > 1 && !strings.Contains(m[1], "."))
	if isPercent {
		v /= 100
	}
	return audio.Clamp(v), nil
}

// ParseSystemVolume extracts the sink volume from a query such as
// "Volume: 0.45" or "Volume: 0.45 [MUTED]". The first numeric token wins.
func ParseSystemVolume(text string) (audio.SystemVolume, error) {
	m := numberToken.FindStringSubmatch(text)
	if m == nil {
		return audio.SystemVolume{}, &ParseError{What: "system volume", Reason: fmt.Sprintf("no numeric token in %q", strings.TrimSpace(text))}
	}
	v, err := levelFromMatch(m)
	if err != nil {
		return audio.SystemVolume{}, err
	}
	return audio.SystemVolume{
		Volume: v,
		Muted:  strings.Contains(strings.ToUpper(text), "[MUTED]"),
	}, nil
}
