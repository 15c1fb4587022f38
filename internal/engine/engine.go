package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"docketline/internal/adapters"
	"docketline/internal/config"
	"docketline/internal/domain"
	"docketline/internal/engine/access"
	"docketline/internal/events"
	"docketline/internal/repo"
	"docketline/internal/routing"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Notifier *events.Notifier
	Access   access.Service
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Notifier: events.NewNotifier(),
		Access:   access.Service{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateCase registers the owning case aggregate for envelopes.
func (e Engine) CreateCase(ctx context.Context, id, title, description, actorID string) (domain.Case, error) {
	if title == "" {
		return domain.Case{}, errors.New("title is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	c := domain.Case{
		ID:          id,
		Title:       title,
		Status:      "open",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.Case{}, fmt.Errorf("insert case: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "case.created", c.ID, "case", c.ID, actorID, events.EventPayload{"status": c.Status}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// EnvelopeCreateOptions are parameters for ingesting an evidence envelope.
type EnvelopeCreateOptions struct {
	ID              string
	CaseID          string
	TimelineEntryID string
	OwnerID         string
	Title           string
	Description     string
	ContentHash     string
	SourceMetadata  string
	ChittyIDs       []string
	VisibilityScope string
	ActorID         string
}

func (e Engine) CreateEnvelope(ctx context.Context, opts EnvelopeCreateOptions) (domain.Envelope, error) {
	if e.Config == nil {
		return domain.Envelope{}, errors.New("config not loaded")
	}
	if opts.CaseID == "" {
		return domain.Envelope{}, errors.New("case is required")
	}
	if opts.Title == "" {
		return domain.Envelope{}, errors.New("title is required")
	}
	if opts.ContentHash == "" {
		return domain.Envelope{}, errors.New("content hash is required")
	}
	if opts.VisibilityScope == "" {
		return domain.Envelope{}, errors.New("visibility scope is required")
	}
	if opts.OwnerID == "" {
		opts.OwnerID = opts.ActorID
	}
	if _, err := e.Repo.GetCase(ctx, opts.CaseID); err != nil {
		return domain.Envelope{}, err
	}
	if opts.SourceMetadata != "" {
		if err := validateJSON(opts.SourceMetadata); err != nil {
			return domain.Envelope{}, fmt.Errorf("source metadata: %w", err)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	chittyIDs, err := marshalStringSlice(opts.ChittyIDs)
	if err != nil {
		return domain.Envelope{}, err
	}
	env := domain.Envelope{
		ID:              id,
		CaseID:          opts.CaseID,
		TimelineEntryID: optionalString(opts.TimelineEntryID),
		OwnerID:         opts.OwnerID,
		Title:           opts.Title,
		Description:     opts.Description,
		ContentHash:     opts.ContentHash,
		SourceMetadata:  opts.SourceMetadata,
		ChittyIDsJSON:   chittyIDs,
		Version:         1,
		Status:          "created",
		VisibilityScope: opts.VisibilityScope,
		CreatedAt:       now,
		CreatedBy:       opts.ActorID,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Envelope{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEnvelope(ctx, tx, env); err != nil {
		return domain.Envelope{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, env.OwnerID, now); err != nil {
		return domain.Envelope{}, err
	}
	ownerTags := []string{access.TagView, access.TagComment, access.TagAnnotate, access.TagApprove}
	if err := e.Repo.UpsertParticipant(ctx, tx, env.ID, env.OwnerID, ownerTags, now); err != nil {
		return domain.Envelope{}, err
	}
	if err := e.Events.Append(ctx, tx, "envelope.created", env.CaseID, "envelope", env.ID, opts.ActorID, events.EventPayload{
		"title":            env.Title,
		"visibility_scope": env.VisibilityScope,
	}); err != nil {
		return domain.Envelope{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

func ensureEnvelopeTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case "created":
		if newStatus == "submitted" {
			return nil
		}
	case "submitted":
		if newStatus == "approved" || newStatus == "rejected" {
			return nil
		}
	case "rejected":
		if newStatus == "submitted" {
			return nil
		}
	}
	return fmt.Errorf("invalid envelope status transition %s -> %s", oldStatus, newStatus)
}

// SetEnvelopeStatus advances the envelope lifecycle. Approval requires the actor's
// resolved approve capability unless forced.
func (e Engine) SetEnvelopeStatus(ctx context.Context, id, status, actorID string, force bool) (domain.Envelope, error) {
	env, err := e.Repo.GetEnvelope(ctx, id)
	if err != nil {
		return env, err
	}
	if err := ensureEnvelopeTransition(env.Status, status, force); err != nil {
		return env, err
	}
	if status == "approved" && !force {
		perms, err := e.Access.Resolve(ctx, id, actorID)
		if err != nil {
			return env, err
		}
		if !perms.CanApprove {
			return env, access.ForbiddenError{Capability: access.TagApprove}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return env, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEnvelopeStatus(ctx, tx, id, status); err != nil {
		return env, err
	}
	if err := e.Events.Append(ctx, tx, "envelope.status", env.CaseID, "envelope", id, actorID, events.EventPayload{
		"from": env.Status,
		"to":   status,
	}); err != nil {
		return env, err
	}
	if err := tx.Commit(); err != nil {
		return env, err
	}
	env.Status = status
	return env, nil
}

// SupersedeEnvelope bumps the envelope version. The prior content is never deleted;
// already-materialized outbound payloads keep their frozen snapshot.
func (e Engine) SupersedeEnvelope(ctx context.Context, id, actorID string) (domain.Envelope, error) {
	env, err := e.Repo.GetEnvelope(ctx, id)
	if err != nil {
		return env, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return env, err
	}
	defer tx.Rollback()
	if err := e.Repo.BumpEnvelopeVersion(ctx, tx, id); err != nil {
		return env, err
	}
	if err := e.Events.Append(ctx, tx, "envelope.superseded", env.CaseID, "envelope", id, actorID, events.EventPayload{
		"from_version": env.Version,
		"to_version":   env.Version + 1,
	}); err != nil {
		return env, err
	}
	if err := tx.Commit(); err != nil {
		return env, err
	}
	env.Version++
	return env, nil
}

// SeedRoutingPolicies inserts the config's routing rules when the table is empty.
func (e Engine) SeedRoutingPolicies(ctx context.Context, actorID string) (int, error) {
	if e.Config == nil {
		return 0, errors.New("config not loaded")
	}
	existing, err := e.Repo.ListRoutingPolicies(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	count := 0
	for _, rule := range e.Config.Routing.Policies {
		p := domain.RoutingPolicy{
			ID:              uuid.New().String(),
			VisibilityScope: rule.Scope,
			EvidenceStatus:  rule.Status,
			Targets:         rule.Targets,
			IsActive:        rule.Active == nil || *rule.Active,
			CreatedAt:       now,
		}
		if err := e.Repo.InsertRoutingPolicy(ctx, tx, p); err != nil {
			return 0, err
		}
		if err := e.Events.Append(ctx, tx, "policy.seeded", "", "routing_policy", p.ID, actorID, events.EventPayload{
			"scope":   p.VisibilityScope,
			"status":  p.EvidenceStatus,
			"targets": p.Targets,
		}); err != nil {
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// CreateRoutingPolicy adds one policy row.
func (e Engine) CreateRoutingPolicy(ctx context.Context, p domain.RoutingPolicy, actorID string) (domain.RoutingPolicy, error) {
	if p.VisibilityScope == "" || p.EvidenceStatus == "" {
		return p, errors.New("scope and status required")
	}
	if len(p.Targets) == 0 {
		return p, errors.New("at least one target required")
	}
	if e.Config != nil {
		for _, target := range p.Targets {
			if _, ok := e.Config.Targets[target]; !ok {
				return p, fmt.Errorf("unknown target %s", target)
			}
		}
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRoutingPolicy(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "policy.created", "", "routing_policy", p.ID, actorID, events.EventPayload{
		"scope":   p.VisibilityScope,
		"status":  p.EvidenceStatus,
		"targets": p.Targets,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// ResolveTargets computes the routed target set for an envelope without side effects.
func (e Engine) ResolveTargets(ctx context.Context, env domain.Envelope) ([]string, error) {
	policies, err := e.Repo.ActiveRoutingPolicies(ctx, env.VisibilityScope, env.Status)
	if err != nil {
		return nil, err
	}
	return routing.Resolve(env, policies), nil
}

// RequestDispatch resolves routing targets for the envelope and records one pending
// distribution per target that does not already have one. Re-calling is idempotent:
// the (envelope, target) pair is the idempotency boundary for routing decisions.
// A routing miss creates nothing and is not an error.
func (e Engine) RequestDispatch(ctx context.Context, envelopeID, actorID string) ([]domain.Distribution, error) {
	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	targets, err := e.ResolveTargets(ctx, env)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		log.Printf("dispatch: no active routing policy for envelope %s (%s/%s)", env.ID, env.VisibilityScope, env.Status)
		return nil, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	hash := PayloadHash(env)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	var created []domain.Distribution
	for _, target := range targets {
		exists, err := e.Repo.DistributionExists(ctx, tx, env.ID, target)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		d := domain.Distribution{
			ID:          uuid.New().String(),
			EnvelopeID:  env.ID,
			Target:      target,
			Status:      "pending",
			PayloadHash: hash,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertDistribution(ctx, tx, d); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "distribution.created", env.CaseID, "distribution", d.ID, actorID, events.EventPayload{
			"envelope_id": env.ID,
			"target":      target,
		}); err != nil {
			return nil, err
		}
		created = append(created, d)
	}
	// The requested event names every resolved target, not only newly created
	// distributions, so replays of the same request stay observable.
	if err := e.Events.Append(ctx, tx, events.TypeDispatchRequested, env.CaseID, "envelope", env.ID, actorID, events.EventPayload{
		"targets": targets,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Notifier.Publish(events.DispatchEvent{
		Type:       events.TypeDispatchRequested,
		EnvelopeID: env.ID,
		ActorID:    actorID,
		Detail:     map[string]any{"targets": targets},
	})
	return created, nil
}

// MaterializeOutboundMessages snapshots the envelope payload for every pending
// distribution that lacks a message. The snapshot is taken exactly once so later
// envelope mutation cannot change an in-flight payload.
func (e Engine) MaterializeOutboundMessages(ctx context.Context) (int, error) {
	pending, err := e.Repo.PendingDistributionsWithoutMessage(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, d := range pending {
		env, err := e.Repo.GetEnvelope(ctx, d.EnvelopeID)
		if err != nil {
			return count, err
		}
		payload, err := json.Marshal(BuildPayload(env))
		if err != nil {
			return count, fmt.Errorf("snapshot envelope %s: %w", env.ID, err)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return count, err
		}
		exists, err := e.Repo.OutboundMessageExists(ctx, tx, d.ID)
		if err != nil {
			tx.Rollback()
			return count, err
		}
		if exists {
			tx.Rollback()
			continue
		}
		m := domain.OutboundMessage{
			ID:             uuid.New().String(),
			DistributionID: d.ID,
			Payload:        string(payload),
			Status:         "pending",
			CreatedAt:      e.now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertOutboundMessage(ctx, tx, m); err != nil {
			tx.Rollback()
			return count, err
		}
		if err := tx.Commit(); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ResolvePermissions returns the actor's effective capability set on the envelope.
func (e Engine) ResolvePermissions(ctx context.Context, envelopeID, actorID string) (domain.Permissions, error) {
	if _, err := e.Repo.GetEnvelope(ctx, envelopeID); err != nil {
		return domain.Permissions{}, err
	}
	return e.Access.Resolve(ctx, envelopeID, actorID)
}

// GrantParticipant stores a participant permission-tag list for the envelope.
func (e Engine) GrantParticipant(ctx context.Context, envelopeID, actorID string, tags []string, grantedBy string) error {
	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		switch tag {
		case access.TagView, access.TagComment, access.TagAnnotate, access.TagApprove:
		default:
			return fmt.Errorf("unknown permission tag %s", tag)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.UpsertParticipant(ctx, tx, envelopeID, actorID, tags, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "participant.granted", env.CaseID, "envelope", envelopeID, grantedBy, events.EventPayload{
		"actor_id":    actorID,
		"permissions": tags,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetVisibilityOverride stores an all-or-nothing capability override.
func (e Engine) SetVisibilityOverride(ctx context.Context, o domain.VisibilityOverride, setBy string) error {
	env, err := e.Repo.GetEnvelope(ctx, o.EnvelopeID)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, o.ActorID, now); err != nil {
		return err
	}
	if err := e.Repo.UpsertVisibilityOverride(ctx, tx, o.EnvelopeID, o.ActorID, o.CanView, o.CanComment, o.CanAnnotate, o.CanApprove, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "override.set", env.CaseID, "envelope", o.EnvelopeID, setBy, events.EventPayload{
		"actor_id":     o.ActorID,
		"can_view":     o.CanView,
		"can_comment":  o.CanComment,
		"can_annotate": o.CanAnnotate,
		"can_approve":  o.CanApprove,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearVisibilityOverride removes an override so participant grants apply again.
func (e Engine) ClearVisibilityOverride(ctx context.Context, envelopeID, actorID, clearedBy string) error {
	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteVisibilityOverride(ctx, tx, envelopeID, actorID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "override.cleared", env.CaseID, "envelope", envelopeID, clearedBy, events.EventPayload{
		"actor_id": actorID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// BuildPayload maps an envelope to the common wire payload shared by all targets.
func BuildPayload(env domain.Envelope) adapters.Payload {
	p := adapters.Payload{
		EnvelopeID:      env.ID,
		CaseID:          env.CaseID,
		TimelineEntryID: env.TimelineEntryID,
		OwnerID:         env.OwnerID,
		Title:           env.Title,
		Description:     env.Description,
		ContentHash:     env.ContentHash,
		Version:         env.Version,
		Status:          env.Status,
		VisibilityScope: env.VisibilityScope,
		CreatedAt:       env.CreatedAt,
		CreatedBy:       env.CreatedBy,
	}
	if env.SourceMetadata != "" {
		p.SourceMetadata = json.RawMessage(env.SourceMetadata)
	}
	if env.ChittyIDsJSON != nil && *env.ChittyIDsJSON != "" {
		_ = json.Unmarshal([]byte(*env.ChittyIDsJSON), &p.ChittyIDs)
	}
	return p
}

// PayloadHash digests the stable envelope subset used for distribution dedup
// debugging. Observability only, not an integrity check.
func PayloadHash(env domain.Envelope) string {
	parts := []string{
		env.ID,
		env.CaseID,
		env.Title,
		env.Description,
		env.ContentHash,
		strconv.Itoa(env.Version),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// --- helpers ---

func validateJSON(in string) error {
	var tmp any
	if err := json.Unmarshal([]byte(in), &tmp); err != nil {
		return err
	}
	return nil
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
