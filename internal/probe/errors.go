package probe

import "errors"

// ErrUnavailable means the measurement binary could not be invoked at
// all (missing, not executable).
var ErrUnavailable = errors.New("measurement tool not available")

// ErrOutputInvalid means the tool ran but its output could not be parsed.
var ErrOutputInvalid = errors.New("measurement tool output invalid")

// MeasurementError means the tool ran and reported that the measurement
// itself failed (server refused, timed out, ...). Diagnostic is the
// tool's own single-line message, already sanitized.
type MeasurementError struct {
	Diagnostic string
}

func (e *MeasurementError) Error() string {
	if e.Diagnostic == "" {
		return "measurement failed"
	}
	return e.Diagnostic
}

// FailureText maps an adapter error onto the human-readable analysis
// that gets recorded on the measurement.
func FailureText(err error) string {
	switch {
	case errors.Is(err, ErrUnavailable):
		return "Measurement could not be performed (binary tool not available)."
	case errors.Is(err, ErrOutputInvalid):
		return "Received something, but could not parse the response."
	default:
		var merr *MeasurementError
		if errors.As(err, &merr) {
			return merr.Diagnostic
		}
		return "Measurement could not be performed."
	}
}
