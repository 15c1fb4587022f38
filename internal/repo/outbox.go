package repo

import (
	"context"
	"database/sql"
	"strings"

	"docketline/internal/domain"
)

const distributionColumns = `id,envelope_id,target,status,payload_hash,retry_count,dispatched_at,acknowledged_at,external_id,error_log,created_at`

func scanDistribution(scan func(dest ...any) error) (domain.Distribution, error) {
	var d domain.Distribution
	var dispatchedAt, acknowledgedAt, externalID, errorLog sql.NullString
	err := scan(&d.ID, &d.EnvelopeID, &d.Target, &d.Status, &d.PayloadHash, &d.RetryCount,
		&dispatchedAt, &acknowledgedAt, &externalID, &errorLog, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if dispatchedAt.Valid {
		d.DispatchedAt = &dispatchedAt.String
	}
	if acknowledgedAt.Valid {
		d.AcknowledgedAt = &acknowledgedAt.String
	}
	if externalID.Valid {
		d.ExternalID = &externalID.String
	}
	if errorLog.Valid {
		d.ErrorLog = &errorLog.String
	}
	return d, nil
}

func (r Repo) InsertDistribution(ctx context.Context, tx *sql.Tx, d domain.Distribution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO distributions(`+distributionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.EnvelopeID, d.Target, d.Status, d.PayloadHash, d.RetryCount,
		nullableStringPtr(d.DispatchedAt), nullableStringPtr(d.AcknowledgedAt),
		nullableStringPtr(d.ExternalID), nullableStringPtr(d.ErrorLog), d.CreatedAt)
	return err
}

// DistributionExists reports whether a (envelope, target) pair already has a row.
// The UNIQUE constraint backs this as the routing-decision idempotency boundary.
func (r Repo) DistributionExists(ctx context.Context, tx *sql.Tx, envelopeID, target string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM distributions WHERE envelope_id=? AND target=? LIMIT 1`, envelopeID, target)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) GetDistribution(ctx context.Context, id string) (domain.Distribution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+distributionColumns+` FROM distributions WHERE id=?`, id)
	return scanDistribution(row.Scan)
}

type DistributionFilters struct {
	EnvelopeID string
	Target     string
	Status     string
	Limit      int
}

func (r Repo) ListDistributions(ctx context.Context, f DistributionFilters) ([]domain.Distribution, error) {
	var clauses []string
	var args []any
	if f.EnvelopeID != "" {
		clauses = append(clauses, "envelope_id=?")
		args = append(args, f.EnvelopeID)
	}
	if f.Target != "" {
		clauses = append(clauses, "target=?")
		args = append(args, f.Target)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + distributionColumns + ` FROM distributions ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// PendingDistributionsWithoutMessage returns pending distributions lacking an outbound message.
func (r Repo) PendingDistributionsWithoutMessage(ctx context.Context) ([]domain.Distribution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+distributionColumns+` FROM distributions d
WHERE d.status='pending' AND NOT EXISTS (SELECT 1 FROM outbound_messages m WHERE m.distribution_id=d.id)
ORDER BY d.created_at ASC, d.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) MarkDistributionDispatched(ctx context.Context, tx *sql.Tx, id, dispatchedAt, acknowledgedAt string, externalID *string, retryCount int) error {
	_, err := tx.ExecContext(ctx, `UPDATE distributions SET status='dispatched', dispatched_at=?, acknowledged_at=?, external_id=?, retry_count=?, error_log=NULL WHERE id=?`,
		dispatchedAt, acknowledgedAt, nullableStringPtr(externalID), retryCount, id)
	return err
}

func (r Repo) MarkDistributionFailed(ctx context.Context, tx *sql.Tx, id, errorLog string, retryCount int) error {
	_, err := tx.ExecContext(ctx, `UPDATE distributions SET status='failed', error_log=?, retry_count=? WHERE id=?`,
		errorLog, retryCount, id)
	return err
}

func (r Repo) CountDistributionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM distributions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const outboundMessageColumns = `id,distribution_id,payload,status,attempt_count,last_attempt_at,delivered_at,response_body,error_log,created_at`

func scanOutboundMessage(scan func(dest ...any) error) (domain.OutboundMessage, error) {
	var m domain.OutboundMessage
	var lastAttemptAt, deliveredAt, responseBody, errorLog sql.NullString
	err := scan(&m.ID, &m.DistributionID, &m.Payload, &m.Status, &m.AttemptCount,
		&lastAttemptAt, &deliveredAt, &responseBody, &errorLog, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if lastAttemptAt.Valid {
		m.LastAttemptAt = &lastAttemptAt.String
	}
	if deliveredAt.Valid {
		m.DeliveredAt = &deliveredAt.String
	}
	if responseBody.Valid {
		m.ResponseBody = &responseBody.String
	}
	if errorLog.Valid {
		m.ErrorLog = &errorLog.String
	}
	return m, nil
}

func (r Repo) InsertOutboundMessage(ctx context.Context, tx *sql.Tx, m domain.OutboundMessage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO outbound_messages(`+outboundMessageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.DistributionID, m.Payload, m.Status, m.AttemptCount,
		nullableStringPtr(m.LastAttemptAt), nullableStringPtr(m.DeliveredAt),
		nullableStringPtr(m.ResponseBody), nullableStringPtr(m.ErrorLog), m.CreatedAt)
	return err
}

// OutboundMessageExists reports whether the distribution already has a message row.
func (r Repo) OutboundMessageExists(ctx context.Context, tx *sql.Tx, distributionID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM outbound_messages WHERE distribution_id=? LIMIT 1`, distributionID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) GetOutboundMessage(ctx context.Context, id string) (domain.OutboundMessage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+outboundMessageColumns+` FROM outbound_messages WHERE id=?`, id)
	return scanOutboundMessage(row.Scan)
}

func (r Repo) GetOutboundMessageByDistribution(ctx context.Context, distributionID string) (domain.OutboundMessage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+outboundMessageColumns+` FROM outbound_messages WHERE distribution_id=?`, distributionID)
	return scanOutboundMessage(row.Scan)
}

// ProcessableMessages lists messages eligible for a dispatch pass: pending ones plus
// dispatching rows left behind by a crashed pass.
func (r Repo) ProcessableMessages(ctx context.Context, limit int) ([]domain.OutboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+outboundMessageColumns+` FROM outbound_messages
WHERE status IN ('pending','dispatching') ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboundMessage
	for rows.Next() {
		m, err := scanOutboundMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ClaimOutboundMessage moves a message to dispatching, spending one attempt before
// any network call so a crash mid-call is accounted for on recovery. The attempt
// count doubles as an optimistic concurrency token: a racing pass that read the same
// row loses the conditional update and must skip the message.
func (r Repo) ClaimOutboundMessage(ctx context.Context, id string, expectedAttempts int, lastAttemptAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE outbound_messages
SET status='dispatching', attempt_count=attempt_count+1, last_attempt_at=?
WHERE id=? AND status IN ('pending','dispatching') AND attempt_count=?`,
		lastAttemptAt, id, expectedAttempts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) MarkMessageDelivered(ctx context.Context, tx *sql.Tx, id, deliveredAt, responseBody string) error {
	_, err := tx.ExecContext(ctx, `UPDATE outbound_messages SET status='delivered', delivered_at=?, response_body=?, error_log=NULL WHERE id=?`,
		deliveredAt, nullable(responseBody), id)
	return err
}

// MarkMessageRetryable puts a failed attempt back in the pending pool.
func (r Repo) MarkMessageRetryable(ctx context.Context, tx *sql.Tx, id, errorLog string) error {
	_, err := tx.ExecContext(ctx, `UPDATE outbound_messages SET status='pending', error_log=? WHERE id=?`,
		errorLog, id)
	return err
}

func (r Repo) MarkMessageFailed(ctx context.Context, tx *sql.Tx, id, errorLog string) error {
	_, err := tx.ExecContext(ctx, `UPDATE outbound_messages SET status='failed', error_log=? WHERE id=?`,
		errorLog, id)
	return err
}
