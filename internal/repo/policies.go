package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"docketline/internal/domain"
)

func (r Repo) InsertRoutingPolicy(ctx context.Context, tx *sql.Tx, p domain.RoutingPolicy) error {
	targets, err := json.Marshal(p.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO routing_policies(id,visibility_scope,evidence_status,targets_json,is_active,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.VisibilityScope, p.EvidenceStatus, string(targets), boolToInt(p.IsActive), p.CreatedAt)
	return err
}

func (r Repo) SetRoutingPolicyActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE routing_policies SET is_active=? WHERE id=?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveRoutingPolicies returns every active policy matching the scope/status pair.
func (r Repo) ActiveRoutingPolicies(ctx context.Context, visibilityScope, evidenceStatus string) ([]domain.RoutingPolicy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,visibility_scope,evidence_status,targets_json,is_active,created_at
FROM routing_policies WHERE visibility_scope=? AND evidence_status=? AND is_active=1 ORDER BY created_at ASC, id ASC`,
		visibilityScope, evidenceStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoutingPolicies(rows)
}

func (r Repo) ListRoutingPolicies(ctx context.Context) ([]domain.RoutingPolicy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,visibility_scope,evidence_status,targets_json,is_active,created_at
FROM routing_policies ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoutingPolicies(rows)
}

func collectRoutingPolicies(rows *sql.Rows) ([]domain.RoutingPolicy, error) {
	var res []domain.RoutingPolicy
	for rows.Next() {
		var p domain.RoutingPolicy
		var targetsJSON string
		var active int
		if err := rows.Scan(&p.ID, &p.VisibilityScope, &p.EvidenceStatus, &targetsJSON, &active, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(targetsJSON), &p.Targets); err != nil {
			return nil, fmt.Errorf("policy %s targets: %w", p.ID, err)
		}
		p.IsActive = active != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
