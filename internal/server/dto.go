package server

import (
	"afternote/internal/domain"
	"afternote/internal/engine"
)

// Request payloads

type AttestRequest struct {
	SubjectID           string `json:"subject_id" minLength:"1"`
	VerificationMethod  string `json:"verification_method" enum:"death_certificate,medical_report,official_document,other"`
	DateOfDeath         string `json:"date_of_death" example:"2024-05-30"`
	PlaceOfDeath        string `json:"place_of_death,omitempty"`
	Notes               string `json:"notes,omitempty"`
	EvidenceRef         string `json:"evidence_ref,omitempty"`
	ConfirmVerification bool   `json:"confirm_verification"`
}

type ScheduleRequest struct {
	SubjectID            string `json:"subject_id" minLength:"1"`
	ScheduledDate        string `json:"scheduled_date" example:"2024-07-01T00:00:00Z"`
	AutoResolveAfterDays int    `json:"auto_resolve_after_days,omitempty" minimum:"0"`
}

type CloseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type StatusResponse struct {
	Found         bool            `json:"found"`
	Verification  *domain.Episode `json:"verification,omitempty"`
	VerifiedCount int             `json:"verified_count"`
	RequiredCount int             `json:"required_count"`
}

type PendingResponse struct {
	Items []domain.Episode `json:"items"`
}

type NotifyResponse struct {
	Queued int `json:"queued"`
}

type RetryReleaseResponse struct {
	EpisodeID            string `json:"episode_id"`
	ReleasedMessageCount int    `json:"released_message_count"`
	Notifications        int    `json:"notifications"`
}

type SweepResponse struct {
	engine.SweepResult
	Errors []string `json:"errors,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SubjectID  string `json:"subject_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}
