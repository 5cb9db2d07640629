// Package audio holds the live model of the sound server: the default sink volume
// and the per-application streams, plus the Store that reconciles polled
// snapshots with optimistic user edits.
package audio

import (
	"cmp"
	"fmt"
	"math"
	"time"

	"github.com/samber/lo"
)

// UnknownName is the display name used for streams that report no application name.
const UnknownName = "(unknown)"

// SystemVolume is the default sink's gain in [0,1].
//
// Mute is kept as a separate flag; a muted sink keeps its volume value.
type SystemVolume struct {
	Volume float64 `json:"volume"`
	Muted  bool    `json:"muted"`
}

// StreamID is the opaque identifier the sound server assigns to a stream.
type StreamID string

// StreamRecord is one active per-application stream (sink input).
type StreamRecord struct {
	ID     StreamID `json:"id"`
	Name   string   `json:"name"`
	Volume float64  `json:"volume"`
	Muted  bool     `json:"muted"`
}

// Snapshot is one poll's view of the sound server.
// CapturedAt is taken before the queries are issued.
type Snapshot struct {
	System     SystemVolume
	Streams    []StreamRecord
	CapturedAt time.Time
}

// Clamp bounds v to [0,1]. NaN becomes 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return lo.Clamp(v, 0, 1)
}

// CompareIDs orders ids for display: numeric-looking ids sort numerically
// (shorter first), everything else lexically.
func CompareIDs(a, b StreamID) int {
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}

// Target names the entity a control operation applies to.
type Target struct {
	System bool
	ID     StreamID
}

// SystemTarget addresses the default sink.
func SystemTarget() Target { return Target{System: true} }

// StreamTarget addresses one stream.
func StreamTarget(id StreamID) Target { return Target{ID: id} }

func (t Target) String() string {
	if t.System {
		return "system"
	}
	return fmt.Sprintf("stream(%s)", t.ID)
}

// Field selects which value of an entity an optimistic write touched.
type Field int

const (
	FieldVolume Field = iota
	FieldMute
)

func (f Field) String() string {
	switch f {
	case FieldVolume:
		return "volume"
	case FieldMute:
		return "mute"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}
