// Package model contains domain models passed between layers.
package model

import "time"

// Source identifies the provider a contact observation came from.
type Source string

// Known record sources, ordered roughly by default trust.
const (
	SourceManual   Source = "manual"
	SourceLinkedIn Source = "linkedin"
	SourceCalendar Source = "calendar"
	SourceEmail    Source = "email"
	SourceImport   Source = "import"
	SourceUnknown  Source = "unknown"
)

// CalendarMeta carries calendar-specific observation context.
type CalendarMeta struct {
	EventID       string
	Organizer     bool
	AttendeeCount int
}

// EmailMeta carries email-header observation context.
type EmailMeta struct {
	MessageID string
	Header    string // From, To, Cc
	ThreadID  string
}

// LinkedInMeta carries professional-network observation context.
type LinkedInMeta struct {
	ProfileURL string
	Headline   string
}

// ManualMeta carries direct-entry observation context.
type ManualMeta struct {
	EnteredBy string
	Note      string
}

// SourceMeta is a tagged variant: at most one arm is non-nil, and it must
// match the candidate's Source. Replaces the loosely-typed metadata blobs
// the providers emit.
type SourceMeta struct {
	Calendar *CalendarMeta
	Email    *EmailMeta
	LinkedIn *LinkedInMeta
	Manual   *ManualMeta
}

// ContactCandidate is a raw-ish contact record from one provider.
// Candidates are transient: they exist only for the duration of a
// resolution pass and are never persisted as-is.
type ContactCandidate struct {
	Source      Source
	FullName    string
	FirstName   string
	LastName    string
	Email       string
	Phone       string
	Company     string
	Title       string
	LinkedInURL string
	Tags        []string
	Meta        SourceMeta
	ObservedAt  time.Time
}

// Interaction is an atomic, immutable event between the user and an
// identity: a meeting, a call, an email exchange, or a manual note.
type Interaction struct {
	ID          string
	IdentityRef string
	Type        InteractionType
	OccurredAt  time.Time
	DurationMin int
	Inbound     bool
}

// InteractionType classifies an interaction for weighting.
type InteractionType string

// Interaction types, heaviest first.
const (
	InteractionMeeting InteractionType = "meeting"
	InteractionCall    InteractionType = "call"
	InteractionEmail   InteractionType = "email"
	InteractionNote    InteractionType = "note"
)
