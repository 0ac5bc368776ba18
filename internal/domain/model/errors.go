package model

import (
	"errors"
	"fmt"
)

// ErrValidation is the sentinel wrapped by every ValidationError, so
// callers can test with errors.Is without caring about the detail.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a malformed candidate or interaction. These are
// rejected outright and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validate checks the minimum shape required to attempt resolution: a
// candidate must carry at least one identifying field.
func (c *ContactCandidate) Validate() error {
	if c.Source == "" {
		return &ValidationError{Field: "source", Reason: "must not be empty"}
	}
	if c.Email == "" && c.Phone == "" && c.FullName == "" && c.LastName == "" && c.LinkedInURL == "" {
		return &ValidationError{Field: "candidate", Reason: "no identifying field (email, phone, name, or profile url)"}
	}
	if c.ObservedAt.IsZero() {
		return &ValidationError{Field: "observed_at", Reason: "must be set"}
	}
	return nil
}

// Validate checks an interaction before it is folded into the running
// relationship state.
func (i *Interaction) Validate() error {
	if i.IdentityRef == "" {
		return &ValidationError{Field: "identity_ref", Reason: "must not be empty"}
	}
	switch i.Type {
	case InteractionMeeting, InteractionCall, InteractionEmail, InteractionNote:
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown interaction type %q", i.Type)}
	}
	if i.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurred_at", Reason: "must be set"}
	}
	return nil
}
