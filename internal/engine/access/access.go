// Package access resolves an actor's effective capabilities on an evidence envelope.
package access

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"docketline/internal/domain"
)

// Permission tags accepted on participant grants.
const (
	TagView     = "view"
	TagComment  = "comment"
	TagAnnotate = "annotate"
	TagApprove  = "approve"
)

// ForbiddenError indicates the actor lacks a capability on the envelope.
type ForbiddenError struct {
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

// Service resolves effective permissions backed by SQL.
type Service struct {
	DB *sql.DB
}

// Resolve returns the actor's capability set on one envelope. Resolution order,
// first match wins: an explicit visibility override is used verbatim; otherwise a
// participant record's tag list maps to the four booleans; otherwise everything is
// denied. An override and a participant record are never merged.
func (s Service) Resolve(ctx context.Context, envelopeID, actorID string) (domain.Permissions, error) {
	var v, c, a, p int
	err := s.DB.QueryRowContext(ctx, `SELECT can_view, can_comment, can_annotate, can_approve
FROM visibility_overrides WHERE envelope_id=? AND actor_id=?`, envelopeID, actorID).Scan(&v, &c, &a, &p)
	if err == nil {
		return domain.Permissions{
			CanView:     v != 0,
			CanComment:  c != 0,
			CanAnnotate: a != 0,
			CanApprove:  p != 0,
		}, nil
	}
	if err != sql.ErrNoRows {
		return domain.Permissions{}, err
	}

	var tagsJSON string
	err = s.DB.QueryRowContext(ctx, `SELECT permissions_json FROM participants WHERE envelope_id=? AND actor_id=?`,
		envelopeID, actorID).Scan(&tagsJSON)
	if err == sql.ErrNoRows {
		return domain.Permissions{}, nil
	}
	if err != nil {
		return domain.Permissions{}, err
	}
	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return domain.Permissions{}, fmt.Errorf("participant permissions: %w", err)
	}
	return FromTags(tags), nil
}

// FromTags maps a participant permission-tag list to the capability booleans.
func FromTags(tags []string) domain.Permissions {
	var perms domain.Permissions
	for _, tag := range tags {
		switch tag {
		case TagView:
			perms.CanView = true
		case TagComment:
			perms.CanComment = true
		case TagAnnotate:
			perms.CanAnnotate = true
		case TagApprove:
			perms.CanApprove = true
		}
	}
	return perms
}
