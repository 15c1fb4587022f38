package domain

type Case struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status" enum:"open,closed"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Envelope struct {
	ID              string  `json:"id"`
	CaseID          string  `json:"case_id"`
	TimelineEntryID *string `json:"timeline_entry_id,omitempty"`
	OwnerID         string  `json:"owner_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	ContentHash     string  `json:"content_hash"`
	SourceMetadata  string  `json:"source_metadata,omitempty"`
	ChittyIDsJSON   *string `json:"chitty_ids_json,omitempty"`
	Version         int     `json:"version"`
	Status          string  `json:"status" enum:"created,submitted,approved,rejected"`
	VisibilityScope string  `json:"visibility_scope"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	CreatedBy       string  `json:"created_by"`
}

type RoutingPolicy struct {
	ID              string   `json:"id"`
	VisibilityScope string   `json:"visibility_scope"`
	EvidenceStatus  string   `json:"evidence_status"`
	Targets         []string `json:"targets"`
	IsActive        bool     `json:"is_active"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type Distribution struct {
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

type OutboundMessage struct {
	ID             string  `json:"id"`
	DistributionID string  `json:"distribution_id"`
	Payload        string  `json:"payload"`
	Status         string  `json:"status" enum:"pending,dispatching,delivered,failed"`
	AttemptCount   int     `json:"attempt_count"`
	LastAttemptAt  *string `json:"last_attempt_at,omitempty" format:"date-time"`
	DeliveredAt    *string `json:"delivered_at,omitempty" format:"date-time"`
	ResponseBody   *string `json:"response_body,omitempty"`
	ErrorLog       *string `json:"error_log,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Participant struct {
	EnvelopeID  string   `json:"envelope_id"`
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type VisibilityOverride struct {
	EnvelopeID  string `json:"envelope_id"`
	ActorID     string `json:"actor_id"`
	CanView     bool   `json:"can_view"`
	CanComment  bool   `json:"can_comment"`
	CanAnnotate bool   `json:"can_annotate"`
	CanApprove  bool   `json:"can_approve"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Permissions is an actor's effective capability set on a single envelope.
type Permissions struct {
	CanView     bool `json:"can_view"`
	CanComment  bool `json:"can_comment"`
	CanAnnotate bool `json:"can_annotate"`
	CanApprove  bool `json:"can_approve"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
