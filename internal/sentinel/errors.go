package sentinel

import (
	"errors"
	"fmt"
)

var (
	// ErrUnfittedModel is returned when scoring before Fit has succeeded.
	ErrUnfittedModel = errors.New("sentinel: model must be fitted before detection")
	// ErrInsufficientData is returned when Fit receives no usable training rows.
	ErrInsufficientData = errors.New("sentinel: insufficient training data")
)

// FeatureShapeError reports a feature vector whose width does not match the
// fitted feature count.
type FeatureShapeError struct {
	Row      int
	Expected int
	Got      int
}

func (e *FeatureShapeError) Error() string {
	return fmt.Sprintf("sentinel: row %d has %d features, expected %d", e.Row, e.Got, e.Expected)
}

// ConfigurationError reports an invalid ensemble, ladder or slot configuration.
// It is raised at construction time and is not recoverable.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sentinel: invalid %s: %s", e.Field, e.Reason)
}
