package verification

import (
	"errors"
	"fmt"
)

var (
	// ErrFaceMismatch is matched by *MismatchError.
	ErrFaceMismatch = errors.New("face does not match the enrolled profile")
	// ErrLowQuality means an embedding scored under the configured minimum.
	ErrLowQuality = errors.New("embedding quality too low")
	// ErrInvalidRequest marks caller mistakes such as a missing student id.
	ErrInvalidRequest = errors.New("invalid request")
)

// MismatchError reports how close a rejected capture came.
type MismatchError struct {
	Similarity float64
	Threshold  float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: similarity %.3f below threshold %.3f", ErrFaceMismatch, e.Similarity, e.Threshold)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrFaceMismatch
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
