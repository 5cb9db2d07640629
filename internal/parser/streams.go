package parser

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"appvol/internal/audio"
)

// Reduction selects how a per-channel volume collapses to one scalar.
//
// This is lossy: control commands re-expand the scalar to every channel, so an
// unbalanced stream becomes balanced after the first adjustment.
type Reduction string

const (
	// ReduceFirst takes the first channel's value.
	ReduceFirst Reduction = "first"
	// ReduceMean takes the arithmetic mean of all channels.
	ReduceMean Reduction = "mean"
)

// ParseReduction validates a configured reduction name. Empty selects ReduceFirst.
func ParseReduction(s string) (Reduction, error) {
	switch Reduction(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReduceFirst:
		return ReduceFirst, nil
	case ReduceMean:
		return ReduceMean, nil
	default:
		return "", fmt.Errorf("invalid channel reduction %q (must be %q or %q)", s, ReduceFirst, ReduceMean)
	}
}

// Reduce collapses channel values according to r.
func (r Reduction) Reduce(channels []float64) float64 {
	if len(channels) == 0 {
		return 0
	}
	if r == ReduceMean {
		return lo.Mean(channels)
	}
	return channels[0]
}

// Options tune ParseStreams.
type Options struct {
	Reduction Reduction
}

// Warning describes one stream block that was skipped or repaired.
type Warning struct {
	StreamID audio.StreamID
	Line     int
	Reason   string
}

func (w Warning) String() string {
	if w.StreamID == "" {
		return fmt.Sprintf("line %d: %s", w.Line, w.Reason)
	}
	return fmt.Sprintf("stream %s (line %d): %s", w.StreamID, w.Line, w.Reason)
}

// Listing is the result of ParseStreams.
type Listing struct {
	Streams  []audio.StreamRecord
	Warnings []Warning
}

var (
	// "Sink Input #42"; the prefix is localized by pactl so only the "#id" suffix is fixed.
	blockHeader  = regexp.MustCompile(`^\S.*#(\d+)\s*$`)
	percentToken = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
)

const nameProperty = "application.name"

type block struct {
	id        audio.StreamID
	line      int
	name      string
	volume    string
	hasVolume bool
	muted     bool
}

// ParseStreams parses a stream listing ("pactl list sink-inputs").
//
// One malformed block never discards the others: blocks without a usable
// volume are skipped and reported as warnings. Empty output means no streams.
func ParseStreams(text string, opts Options) (Listing, error) {
	reduction := opts.Reduction
	if reduction == "" {
		reduction = ReduceFirst
	}

	var (
		blocks []*block
		cur    *block
	)
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Text()
		if m := blockHeader.FindStringSubmatch(raw); m != nil {
			cur = &block{id: audio.StreamID(m[1]), line: lineNo}
			blocks = append(blocks, cur)
			continue
		}
		if cur == nil {
			continue
		}
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "Volume:"):
			if !cur.hasVolume {
				cur.volume = strings.TrimSpace(strings.TrimPrefix(line, "Volume:"))
				cur.hasVolume = true
			}
		case strings.HasPrefix(line, "Mute:"):
			v := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "Mute:")))
			cur.muted = v == "yes" || v == "true" || v == "1"
		default:
			if key, value, ok := strings.Cut(line, " = "); ok && strings.TrimSpace(key) == nameProperty {
				cur.name = unquote(value)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Listing{}, &ParseError{What: "stream listing", Reason: err.Error()}
	}

	if len(blocks) == 0 {
		if strings.TrimSpace(text) != "" {
			return Listing{}, &ParseError{What: "stream listing", Reason: "no stream header found"}
		}
		return Listing{Streams: []audio.StreamRecord{}}, nil
	}

	out := Listing{Streams: make([]audio.StreamRecord, 0, len(blocks))}
	seen := make(map[audio.StreamID]struct{}, len(blocks))
	for _, b := range blocks {
		if _, dup := seen[b.id]; dup {
			out.Warnings = append(out.Warnings, Warning{StreamID: b.id, Line: b.line, Reason: "duplicate stream id, keeping the first block"})
			continue
		}
		if !b.hasVolume {
			out.Warnings = append(out.Warnings, Warning{StreamID: b.id, Line: b.line, Reason: "missing volume"})
			continue
		}
		channels, err := channelLevels(b.volume)
		if err != nil {
			out.Warnings = append(out.Warnings, Warning{StreamID: b.id, Line: b.line, Reason: err.Error()})
			continue
		}
		seen[b.id] = struct{}{}

		name := b.name
		if name == "" {
			name = audio.UnknownName
		}
		out.Streams = append(out.Streams, audio.StreamRecord{
			ID:     b.id,
			Name:   name,
			Volume: audio.Clamp(reduction.Reduce(channels)),
			Muted:  b.muted,
		})
	}
	return out, nil
}

// channelLevels extracts the per-channel percentages of a volume field, e.g.
// "front-left: 45875 /  70% / -9.29 dB,   front-right: 45875 /  70% / -9.29 dB"
// or the short form "70% / 70%".
func channelLevels(field string) ([]float64, error) {
	matches := percentToken.FindAllStringSubmatch(field, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no percentage in volume %q", field)
	}
	return lo.Map(matches, func(m []string, _ int) float64 {
		v, _ := strconv.ParseFloat(m[1], 64)
		return v / 100
	}), nil
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if s, err := strconv.Unquote(v); err == nil {
		return s
	}
	return strings.Trim(v, `"`)
}
