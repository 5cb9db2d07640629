// Package soundserver holds the command-line conventions used to query and
// control the sound server. Each command is an argv template whose placeholders
// are expanded per call.
package soundserver

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"appvol/internal/audio"
)

// Placeholders recognised inside template arguments.
const (
	PlaceholderID       = "{id}"
	PlaceholderPercent  = "{percent}"
	PlaceholderFraction = "{fraction}"
	PlaceholderMute     = "{mute}"
)

// Commands is the set of argv templates for one sound server setup.
type Commands struct {
	SystemVolumeQuery []string `yaml:"system_volume_query"`
	SystemVolumeSet   []string `yaml:"system_volume_set"`
	SystemMuteSet     []string `yaml:"system_mute_set"`
	StreamListQuery   []string `yaml:"stream_list_query"`
	StreamVolumeSet   []string `yaml:"stream_volume_set"`
	StreamMuteSet     []string `yaml:"stream_mute_set"`
}

// Defaults targets PipeWire (wpctl) for the sink and pactl for sink inputs.
func Defaults() Commands {
	return Commands{
		SystemVolumeQuery: []string{"wpctl", "get-volume", "@DEFAULT_AUDIO_SINK@"},
		SystemVolumeSet:   []string{"wpctl", "set-volume", "@DEFAULT_AUDIO_SINK@", PlaceholderPercent},
		SystemMuteSet:     []string{"wpctl", "set-mute", "@DEFAULT_AUDIO_SINK@", PlaceholderMute},
		StreamListQuery:   []string{"pactl", "list", "sink-inputs"},
		StreamVolumeSet:   []string{"pactl", "set-sink-input-volume", PlaceholderID, PlaceholderPercent},
		StreamMuteSet:     []string{"pactl", "set-sink-input-mute", PlaceholderID, PlaceholderMute},
	}
}

// Validate checks that every template has a program name.
func (c Commands) Validate() error {
	for name, tmpl := range map[string][]string{
		"system_volume_query": c.SystemVolumeQuery,
		"system_volume_set":   c.SystemVolumeSet,
		"system_mute_set":     c.SystemMuteSet,
		"stream_list_query":   c.StreamListQuery,
		"stream_volume_set":   c.StreamVolumeSet,
		"stream_mute_set":     c.StreamMuteSet,
	} {
		if len(tmpl) == 0 || strings.TrimSpace(tmpl[0]) == "" {
			return fmt.Errorf("commands.%s must name a program", name)
		}
	}
	if !hasPlaceholder(c.StreamVolumeSet, PlaceholderID) || !hasPlaceholder(c.StreamMuteSet, PlaceholderID) {
		return errors.New("stream commands must contain the {id} placeholder")
	}
	return nil
}

func hasPlaceholder(tmpl []string, p string) bool {
	for _, arg := range tmpl {
		if strings.Contains(arg, p) {
			return true
		}
	}
	return false
}

// Invocation is one expanded command.
type Invocation struct {
	Name string
	Args []string
}

func (i Invocation) String() string {
	return strings.Join(append([]string{i.Name}, i.Args...), " ")
}

// Vars are the values substituted into a template.
type Vars struct {
	ID     audio.StreamID
	Volume float64
	Muted  bool
}

// Quantize clamps v and rounds it to the 0.01 step that both {percent} and
// {fraction} carry, so a value sent to the sound server is exactly the value
// it will report back.
func Quantize(v float64) float64 {
	return math.Round(audio.Clamp(v)*100) / 100
}

// FormatPercent renders v as an integer percentage ("70%").
func FormatPercent(v float64) string {
	return fmt.Sprintf("%d%%", int(math.Round(Quantize(v)*100)))
}

// FormatFraction renders v with two decimals ("0.70").
func FormatFraction(v float64) string {
	return fmt.Sprintf("%.2f", Quantize(v))
}

// Expand substitutes vars into tmpl.
func Expand(tmpl []string, vars Vars) (Invocation, error) {
	if len(tmpl) == 0 {
		return Invocation{}, errors.New("empty command template")
	}
	mute := "0"
	if vars.Muted {
		mute = "1"
	}
	r := strings.NewReplacer(
		PlaceholderID, string(vars.ID),
		PlaceholderPercent, FormatPercent(vars.Volume),
		PlaceholderFraction, FormatFraction(vars.Volume),
		PlaceholderMute, mute,
	)
	args := make([]string, 0, len(tmpl)-1)
	for _, a := range tmpl[1:] {
		args = append(args, r.Replace(a))
	}
	return Invocation{Name: tmpl[0], Args: args}, nil
}

// SystemQuery returns the sink volume query.
func (c Commands) SystemQuery() (Invocation, error) {
	return Expand(c.SystemVolumeQuery, Vars{})
}

// StreamsQuery returns the sink-input listing query.
func (c Commands) StreamsQuery() (Invocation, error) {
	return Expand(c.StreamListQuery, Vars{})
}

// VolumeSet returns the control command setting target's volume.
func (c Commands) VolumeSet(target audio.Target, volume float64) (Invocation, error) {
	if target.System {
		return Expand(c.SystemVolumeSet, Vars{Volume: volume})
	}
	return Expand(c.StreamVolumeSet, Vars{ID: target.ID, Volume: volume})
}

// MuteSet returns the control command setting target's mute flag.
func (c Commands) MuteSet(target audio.Target, muted bool) (Invocation, error) {
	if target.System {
		return Expand(c.SystemMuteSet, Vars{Muted: muted})
	}
	return Expand(c.StreamMuteSet, Vars{ID: target.ID, Muted: muted})
}
