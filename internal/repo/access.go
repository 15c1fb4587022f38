package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

// UpsertParticipant grants an actor a permission-tag list on one envelope.
func (r Repo) UpsertParticipant(ctx context.Context, tx *sql.Tx, envelopeID, actorID string, permissions []string, now string) error {
	tags, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO participants(envelope_id, actor_id, permissions_json, created_at) VALUES (?,?,?,?)
ON CONFLICT(envelope_id, actor_id) DO UPDATE SET permissions_json=excluded.permissions_json`,
		envelopeID, actorID, string(tags), now)
	return err
}

func (r Repo) GetParticipantPermissions(ctx context.Context, envelopeID, actorID string) ([]string, error) {
	var tagsJSON string
	err := r.DB.QueryRowContext(ctx, `SELECT permissions_json FROM participants WHERE envelope_id=? AND actor_id=?`,
		envelopeID, actorID).Scan(&tagsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return nil, fmt.Errorf("participant permissions: %w", err)
	}
	return tags, nil
}

func (r Repo) ListParticipants(ctx context.Context, envelopeID string) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id, permissions_json FROM participants WHERE envelope_id=?`, envelopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]string{}
	for rows.Next() {
		var actorID, tagsJSON string
		if err := rows.Scan(&actorID, &tagsJSON); err != nil {
			return nil, err
		}
		var tags []string
		if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
			return nil, fmt.Errorf("participant permissions: %w", err)
		}
		res[actorID] = tags
	}
	return res, rows.Err()
}

// UpsertVisibilityOverride stores an all-or-nothing capability override. Once a row
// exists it wins outright over any participant grant for the same pair.
func (r Repo) UpsertVisibilityOverride(ctx context.Context, tx *sql.Tx, envelopeID, actorID string, canView, canComment, canAnnotate, canApprove bool, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO visibility_overrides(envelope_id, actor_id, can_view, can_comment, can_annotate, can_approve, created_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(envelope_id, actor_id) DO UPDATE SET can_view=excluded.can_view, can_comment=excluded.can_comment, can_annotate=excluded.can_annotate, can_approve=excluded.can_approve`,
		envelopeID, actorID, boolToInt(canView), boolToInt(canComment), boolToInt(canAnnotate), boolToInt(canApprove), now)
	return err
}

func (r Repo) DeleteVisibilityOverride(ctx context.Context, tx *sql.Tx, envelopeID, actorID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM visibility_overrides WHERE envelope_id=? AND actor_id=?`, envelopeID, actorID)
	return err
}

func (r Repo) GetVisibilityOverride(ctx context.Context, envelopeID, actorID string) (canView, canComment, canAnnotate, canApprove bool, err error) {
	var v, c, a, p int
	err = r.DB.QueryRowContext(ctx, `SELECT can_view, can_comment, can_annotate, can_approve FROM visibility_overrides WHERE envelope_id=? AND actor_id=?`,
		envelopeID, actorID).Scan(&v, &c, &a, &p)
	if err == sql.ErrNoRows {
		return false, false, false, false, ErrNotFound
	}
	if err != nil {
		return false, false, false, false, err
	}
	return v != 0, c != 0, a != 0, p != 0, nil
}
