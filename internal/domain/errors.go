package domain

import (
	"errors"
	"fmt"
	"time"
)

// DataIntegrityError marks detected corruption in a raw record or snapshot.
// It is fatal for the affected query: the step is excluded, never patched.
type DataIntegrityError struct {
	Source SourceType
	Symbol string
	Reason string
}

// Error implements error.
func (e *DataIntegrityError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("data integrity violation in %s: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("data integrity violation in %s/%s: %s", e.Source, e.Symbol, e.Reason)
}

// NewAvailabilityError builds the canonical availability-before-event error.
func NewAvailabilityError(source SourceType, symbol string, event, availability time.Time) *DataIntegrityError {
	return &DataIntegrityError{
		Source: source,
		Symbol: symbol,
		Reason: fmt.Sprintf("availability_time %s precedes event_time %s",
			availability.UTC().Format(time.RFC3339), event.UTC().Format(time.RFC3339)),
	}
}

// IsDataIntegrity reports whether err is a DataIntegrityError.
func IsDataIntegrity(err error) bool {
	var die *DataIntegrityError
	return errors.As(err, &die)
}

// LearnerUpdateError wraps a failed or timed-out policy learner call.
// The update cycle is discarded and retried at the next cadence.
type LearnerUpdateError struct {
	Cause error
}

// Error implements error.
func (e *LearnerUpdateError) Error() string {
	return fmt.Sprintf("policy learner update failed: %v", e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *LearnerUpdateError) Unwrap() error { return e.Cause }

// ErrObservationGap marks a step where required data for the next
// observation has not arrived. The step is excluded from training.
var ErrObservationGap = errors.New("data gap: next observation unavailable")

// ErrUpdateInFlight is returned when an update cycle is already running.
// The caller defers the trigger; at most one deferred trigger is kept.
var ErrUpdateInFlight = errors.New("policy update already in flight")

// ErrCheckpointFinal is returned on an attempt to change a checkpoint's
// status after it left pending. Checkpoints are write-once.
var ErrCheckpointFinal = errors.New("checkpoint status already finalized")
