package server

import (
	"encoding/json"

	"docketline/internal/domain"
)

// Request payloads

type CreateCaseRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type CreateEnvelopeRequest struct {
	ID              *string        `json:"id,omitempty"`
	CaseID          string         `json:"case_id"`
	TimelineEntryID *string        `json:"timeline_entry_id,omitempty"`
	OwnerID         *string        `json:"owner_id,omitempty"`
	Title           string         `json:"title"`
	Description     *string        `json:"description,omitempty"`
	ContentHash     string         `json:"content_hash"`
	SourceMetadata  map[string]any `json:"source_metadata,omitempty"`
	ChittyIDs       []string       `json:"chitty_ids,omitempty"`
	VisibilityScope string         `json:"visibility_scope" enum:"attorney_only,case_team,public_record"`
}

type SetEnvelopeStatusRequest struct {
	Status string `json:"status" enum:"created,submitted,approved,rejected"`
}

type CreatePolicyRequest struct {
	ID              *string  `json:"id,omitempty"`
	VisibilityScope string   `json:"visibility_scope"`
	EvidenceStatus  string   `json:"evidence_status"`
	Targets         []string `json:"targets"`
	Active          *bool    `json:"active,omitempty"`
}

type SetPolicyActiveRequest struct {
	Active bool `json:"active"`
}

type GrantParticipantRequest struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions"`
}

type SetOverrideRequest struct {
	ActorID     string `json:"actor_id"`
	CanView     bool   `json:"can_view"`
	CanComment  bool   `json:"can_comment"`
	CanAnnotate bool   `json:"can_annotate"`
	CanApprove  bool   `json:"can_approve"`
}

// Response payloads

type CaseResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status" enum:"open,closed"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type EnvelopeResponse struct {
	ID              string         `json:"id"`
	CaseID          string         `json:"case_id"`
	TimelineEntryID *string        `json:"timeline_entry_id,omitempty"`
	OwnerID         string         `json:"owner_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	ContentHash     string         `json:"content_hash"`
	SourceMetadata  map[string]any `json:"source_metadata,omitempty"`
	ChittyIDs       []string       `json:"chitty_ids,omitempty"`
	Version         int            `json:"version"`
	Status          string         `json:"status" enum:"created,submitted,approved,rejected"`
	VisibilityScope string         `json:"visibility_scope"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	CreatedBy       string         `json:"created_by"`
}

type PolicyResponse struct {
	ID              string   `json:"id"`
	VisibilityScope string   `json:"visibility_scope"`
	EvidenceStatus  string   `json:"evidence_status"`
	Targets         []string `json:"targets"`
	IsActive        bool     `json:"is_active"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type DistributionResponse struct {
	ID             string  `json:"id"`
	EnvelopeID     string  `json:"envelope_id"`
	Target         string  `json:"target"`
	Status         string  `json:"status" enum:"pending,dispatched,failed"`
	PayloadHash    string  `json:"payload_hash"`
	RetryCount     int     `json:"retry_count"`
	DispatchedAt   *string `json:"dispatched_at,omitempty" format:"date-time"`
	AcknowledgedAt *string `json:"acknowledged_at,omitempty" format:"date-time"`
	ExternalID     *string `json:"external_id,omitempty"`
	ErrorLog       *string `json:"error_log,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type OutboundMessageResponse struct {
	ID             string          `json:"id"`
	DistributionID string          `json:"distribution_id"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status" enum:"pending,dispatching,delivered,failed"`
	AttemptCount   int             `json:"attempt_count"`
	LastAttemptAt  *string         `json:"last_attempt_at,omitempty" format:"date-time"`
	DeliveredAt    *string         `json:"delivered_at,omitempty" format:"date-time"`
	ErrorLog       *string         `json:"error_log,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
}

type PermissionsResponse struct {
	EnvelopeID  string `json:"envelope_id"`
	ActorID     string `json:"actor_id"`
	CanView     bool   `json:"can_view"`
	CanComment  bool   `json:"can_comment"`
	CanAnnotate bool   `json:"can_annotate"`
	CanApprove  bool   `json:"can_approve"`
}

type TargetsResponse struct {
	EnvelopeID string   `json:"envelope_id"`
	Targets    []string `json:"targets"`
}

type DispatchRunResponse struct {
	Materialized int `json:"materialized"`
	Processed    int `json:"processed"`
	Delivered    int `json:"delivered"`
	Retried      int `json:"retried"`
	Exhausted    int `json:"exhausted"`
	Skipped      int `json:"skipped"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mappers

func caseResponse(c domain.Case) CaseResponse {
	return CaseResponse{
		ID:          c.ID,
		Title:       c.Title,
		Status:      c.Status,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
	}
}

func mapCases(items []domain.Case) []CaseResponse {
	res := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		res = append(res, caseResponse(c))
	}
	return res
}

func envelopeResponse(e domain.Envelope) EnvelopeResponse {
	resp := EnvelopeResponse{
		ID:              e.ID,
		CaseID:          e.CaseID,
		TimelineEntryID: e.TimelineEntryID,
		OwnerID:         e.OwnerID,
		Title:           e.Title,
		Description:     e.Description,
		ContentHash:     e.ContentHash,
		Version:         e.Version,
		Status:          e.Status,
		VisibilityScope: e.VisibilityScope,
		CreatedAt:       e.CreatedAt,
		CreatedBy:       e.CreatedBy,
	}
	if e.SourceMetadata != "" {
		_ = json.Unmarshal([]byte(e.SourceMetadata), &resp.SourceMetadata)
	}
	if e.ChittyIDsJSON != nil && *e.ChittyIDsJSON != "" {
		_ = json.Unmarshal([]byte(*e.ChittyIDsJSON), &resp.ChittyIDs)
	}
	return resp
}

func mapEnvelopes(items []domain.Envelope) []EnvelopeResponse {
	res := make([]EnvelopeResponse, 0, len(items))
	for _, e := range items {
		res = append(res, envelopeResponse(e))
	}
	return res
}

func policyResponse(p domain.RoutingPolicy) PolicyResponse {
	return PolicyResponse{
		ID:              p.ID,
		VisibilityScope: p.VisibilityScope,
		EvidenceStatus:  p.EvidenceStatus,
		Targets:         p.Targets,
		IsActive:        p.IsActive,
		CreatedAt:       p.CreatedAt,
	}
}

func mapPolicies(items []domain.RoutingPolicy) []PolicyResponse {
	res := make([]PolicyResponse, 0, len(items))
	for _, p := range items {
		res = append(res, policyResponse(p))
	}
	return res
}

func distributionResponse(d domain.Distribution) DistributionResponse {
	return DistributionResponse{
		ID:             d.ID,
		EnvelopeID:     d.EnvelopeID,
		Target:         d.Target,
		Status:         d.Status,
		PayloadHash:    d.PayloadHash,
		RetryCount:     d.RetryCount,
		DispatchedAt:   d.DispatchedAt,
		AcknowledgedAt: d.AcknowledgedAt,
		ExternalID:     d.ExternalID,
		ErrorLog:       d.ErrorLog,
		CreatedAt:      d.CreatedAt,
	}
}

func mapDistributions(items []domain.Distribution) []DistributionResponse {
	res := make([]DistributionResponse, 0, len(items))
	for _, d := range items {
		res = append(res, distributionResponse(d))
	}
	return res
}

func messageResponse(m domain.OutboundMessage) OutboundMessageResponse {
	resp := OutboundMessageResponse{
		ID:             m.ID,
		DistributionID: m.DistributionID,
		Status:         m.Status,
		AttemptCount:   m.AttemptCount,
		LastAttemptAt:  m.LastAttemptAt,
		DeliveredAt:    m.DeliveredAt,
		ErrorLog:       m.ErrorLog,
		CreatedAt:      m.CreatedAt,
	}
	if json.Valid([]byte(m.Payload)) {
		resp.Payload = json.RawMessage(m.Payload)
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CaseID:     e.CaseID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &resp.Payload)
	}
	return resp
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
