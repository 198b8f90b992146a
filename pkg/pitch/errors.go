package pitch

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration matches every [ConfigurationError].
	ErrConfiguration = errors.New("pitch: configuration error")

	// ErrNumericAnomaly matches every [NumericAnomalyError].
	ErrNumericAnomaly = errors.New("pitch: numeric anomaly")
)

// ConfigurationError reports a shape mismatch, malformed weights or an
// invalid setting. It is detected at construction time and is fatal: the
// pipeline never starts.
type ConfigurationError struct {
	Component string
	Reason    string
}

// Configf builds a [ConfigurationError] for component.
func Configf(component, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Component: component, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("pitch: %s: %s", e.Component, e.Reason)
}

// Is reports whether target is [ErrConfiguration].
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// NumericAnomalyError reports a NaN or infinity in a layer output. The frame
// that produced it is discarded; the session continues.
type NumericAnomalyError struct {
	Layer int    // position in the layer stack
	Name  string // layer name from the weights
	Index int    // flat element index
	Value float32
}

func (e *NumericAnomalyError) Error() string {
	return fmt.Sprintf("pitch: non-finite value %v at element %d of layer %d (%s)", e.Value, e.Index, e.Layer, e.Name)
}

// Is reports whether target is [ErrNumericAnomaly].
func (e *NumericAnomalyError) Is(target error) bool { return target == ErrNumericAnomaly }
