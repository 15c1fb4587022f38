// Package adapters holds one delivery client per downstream trust/verification/ledger
// system, plus the registry resolving target identifiers to adapter instances.
package adapters

import (
	"context"
	"encoding/json"
)

// Payload is the common envelope-derived body shared by every target. Target-specific
// fields are added by each adapter and never leak back into the outbox.
type Payload struct {
	EnvelopeID      string          `json:"envelopeId"`
	CaseID          string          `json:"caseId"`
	TimelineEntryID *string         `json:"timelineEntryId,omitempty"`
	OwnerID         string          `json:"ownerId"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	ContentHash     string          `json:"contentHash"`
	SourceMetadata  json.RawMessage `json:"sourceMetadata,omitempty"`
	ChittyIDs       []string        `json:"chittyIds,omitempty"`
	Version         int             `json:"version"`
	Status          string          `json:"status"`
	VisibilityScope string          `json:"visibilityScope"`
	CreatedAt       string          `json:"createdAt"`
	CreatedBy       string          `json:"createdBy"`
}

// Result is the normalized outcome of one delivery call. Transport-level failures
// carry StatusCode 0; application failures carry the HTTP status.
type Result struct {
	Success    bool
	StatusCode int
	ExternalID string
	Message    string
	RawBody    string
}

// Adapter delivers an envelope payload to one downstream target.
type Adapter interface {
	Target() string
	Deliver(ctx context.Context, p Payload) (Result, error)
}
