// Package display is the display collaborator of the pitch pipeline. It turns
// the ordered estimate stream into display points, streams them to websocket
// clients and renders them on a terminal.
//
// None of this feeds back into decoding: smoothing here only affects what a
// viewer sees.
package display

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
)

// Defaults for [Settings].
const (
	DefaultStepsPerDisplay     = 2
	DefaultConfidenceThreshold = 0.5
	DefaultHistory             = 10 * time.Second
	DefaultTargetColor         = "#90ee90"
	DefaultLabelColor          = "#ffffff"
)

// Range is an inclusive frequency interval in Hz.
type Range struct {
	Min float64 `json:"min" msgpack:"min"`
	Max float64 `json:"max" msgpack:"max"`
}

// Contains reports whether hz lies within r.
func (r Range) Contains(hz float64) bool { return hz >= r.Min && hz <= r.Max }

// normalized lifts Max to Min+1 when the bounds are inverted or equal.
func (r Range) normalized() Range {
	if r.Min >= r.Max {
		r.Max = r.Min + 1
	}
	return r
}

// Settings controls aggregation. They can be swapped at runtime.
type Settings struct {
	// StepsPerDisplay is how many consecutive estimates make up one point.
	StepsPerDisplay int `json:"steps_per_display" msgpack:"steps_per_display"`

	// ConfidenceThreshold is the minimum confidence for an estimate to count.
	ConfidenceThreshold float64 `json:"confidence_threshold" msgpack:"confidence_threshold"`

	// DisplayRange bounds the frequencies that are averaged and plotted.
	DisplayRange Range `json:"display_range" msgpack:"display_range"`

	// TargetRange is the band the speaker is aiming for.
	TargetRange Range `json:"target_range" msgpack:"target_range"`

	// History is how much plot history is retained.
	History time.Duration `json:"history" msgpack:"history"`

	// TargetColor and LabelColor are hex colours for renderers.
	TargetColor string `json:"target_color" msgpack:"target_color"`
	LabelColor  string `json:"label_color" msgpack:"label_color"`
}

// DefaultSettings returns the settings the application starts with.
func DefaultSettings() Settings {
	return Settings{
		StepsPerDisplay:     DefaultStepsPerDisplay,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		DisplayRange:        Range{Min: 50, Max: 500},
		TargetRange:         Range{Min: 185, Max: 300},
		History:             DefaultHistory,
		TargetColor:         DefaultTargetColor,
		LabelColor:          DefaultLabelColor,
	}
}

// Validate reports every invalid field.
func (s Settings) Validate() error {
	var errs []error
	if s.StepsPerDisplay <= 0 {
		errs = append(errs, fmt.Errorf("steps_per_display %d must be positive", s.StepsPerDisplay))
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 || math.IsNaN(s.ConfidenceThreshold) {
		errs = append(errs, fmt.Errorf("confidence_threshold %v must be in [0, 1]", s.ConfidenceThreshold))
	}
	if s.DisplayRange.Min < 0 {
		errs = append(errs, fmt.Errorf("display_range min %v must not be negative", s.DisplayRange.Min))
	}
	if s.TargetRange.Min < 0 {
		errs = append(errs, fmt.Errorf("target_range min %v must not be negative", s.TargetRange.Min))
	}
	if s.History < 0 {
		errs = append(errs, fmt.Errorf("history %v must not be negative", s.History))
	}
	return errors.Join(errs...)
}

func (s Settings) normalized() Settings {
	s.DisplayRange = s.DisplayRange.normalized()
	s.TargetRange = s.TargetRange.normalized()
	if s.History == 0 {
		s.History = DefaultHistory
	}
	if s.TargetColor == "" {
		s.TargetColor = DefaultTargetColor
	}
	if s.LabelColor == "" {
		s.LabelColor = DefaultLabelColor
	}
	return s
}

// Zone classifies a point against the target range.
type Zone string

const (
	ZoneNone   Zone = ""
	ZoneBelow  Zone = "below"
	ZoneTarget Zone = "target"
	ZoneAbove  Zone = "above"
)

// Classify returns the zone of hz relative to r. NaN has no zone.
func Classify(hz float64, r Range) Zone {
	switch {
	case math.IsNaN(hz):
		return ZoneNone
	case hz < r.Min:
		return ZoneBelow
	case hz > r.Max:
		return ZoneAbove
	default:
		return ZoneTarget
	}
}

// Point is one aggregated display sample.
type Point struct {
	// Index is the frame index of the last estimate in the group.
	Index int64

	// Time is the stream position of that estimate.
	Time time.Duration

	// FrequencyHz is the mean of the qualifying estimates, NaN when none
	// qualified.
	FrequencyHz float64

	// Confidence is the mean confidence of the qualifying estimates.
	Confidence float64

	// Voiced is how many estimates of the group qualified.
	Voiced int

	// LastValidHz is the most recent non-NaN FrequencyHz, NaN before the
	// first one.
	LastValidHz float64

	// Zone classifies FrequencyHz against the target range.
	Zone Zone
}

// Valid reports whether the point carries a frequency.
func (p Point) Valid() bool { return !math.IsNaN(p.FrequencyHz) }

// Aggregator groups estimates into display points. It is safe for
// concurrent use: the pipeline adds estimates while HTTP handlers read
// history and swap settings.
type Aggregator struct {
	mu        sync.Mutex
	settings  Settings
	pending   int
	sumHz     float64
	sumConf   float64
	voiced    int
	lastValid float64
	history   []Point
}

// NewAggregator validates s and returns an empty aggregator.
func NewAggregator(s Settings) (*Aggregator, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("display: %w", err)
	}
	return &Aggregator{settings: s.normalized(), lastValid: math.NaN()}, nil
}

// Settings returns the active settings.
func (a *Aggregator) Settings() Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// SetSettings swaps the settings. A partially filled group is discarded so
// no point mixes two configurations. History is kept.
func (a *Aggregator) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("display: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings = s.normalized()
	a.resetGroup()
	return nil
}

// Add folds e into the current group. It returns the finished point and true
// once StepsPerDisplay estimates have been added.
func (a *Aggregator) Add(e pitch.Estimate) (Point, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.settings
	if e.Confidence >= s.ConfidenceThreshold && !math.IsNaN(e.FrequencyHz) && s.DisplayRange.Contains(e.FrequencyHz) {
		a.sumHz += e.FrequencyHz
		a.sumConf += e.Confidence
		a.voiced++
	}
	a.pending++
	if a.pending < s.StepsPerDisplay {
		return Point{}, false
	}

	p := Point{Index: e.Index, Time: e.Time, FrequencyHz: math.NaN(), Voiced: a.voiced}
	if a.voiced > 0 {
		p.FrequencyHz = a.sumHz / float64(a.voiced)
		p.Confidence = a.sumConf / float64(a.voiced)
		a.lastValid = p.FrequencyHz
	}
	p.LastValidHz = a.lastValid
	p.Zone = Classify(p.FrequencyHz, s.TargetRange)
	a.resetGroup()

	a.history = append(a.history, p)
	a.trimLocked(p.Time - s.History)
	return p, true
}

// History returns the retained points, oldest first.
func (a *Aggregator) History() []Point {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Point, len(a.history))
	copy(out, a.history)
	return out
}

// LastValid returns the most recent valid frequency and whether one exists.
func (a *Aggregator) LastValid() (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastValid, !math.IsNaN(a.lastValid)
}

// Reset clears the group, history and last valid frequency. Used when the
// capture device changes.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetGroup()
	a.history = nil
	a.lastValid = math.NaN()
}

func (a *Aggregator) resetGroup() {
	a.pending, a.voiced = 0, 0
	a.sumHz, a.sumConf = 0, 0
}

func (a *Aggregator) trimLocked(cutoff time.Duration) {
	i := 0
	for i < len(a.history) && a.history[i].Time < cutoff {
		i++
	}
	if i > 0 {
		a.history = append(a.history[:0], a.history[i:]...)
	}
}
