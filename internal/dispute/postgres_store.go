package dispute

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

const constraintOneOpen = "disputes_one_open_per_engagement"

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, engagement_id, opened_by, reason, status, resolved_by, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.EngagementID, d.OpenedBy, d.Reason, string(d.Status),
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt), d.CreatedAt, d.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraintOneOpen {
		return ErrDisputeAlreadyOpen
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

// GetOpenByEngagement always reads the primary; the gate must never act on
// a stale view.
func (p *PostgresStore) GetOpenByEngagement(ctx context.Context, engagementID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE engagement_id = $1 AND status = 'open'`, engagementID)
	return scanDispute(row)
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, status Status, resolvedBy string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolved_by = $2, resolved_at = $3, updated_at = $3
		WHERE id = $4 AND status = 'open'`,
		string(status), resolvedBy, at, id,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrDisputeNotFound
	}
	return ErrDisputeNotOpen
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM disputes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func scanDispute(row *sql.Row) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.EngagementID, &d.OpenedBy, &d.Reason, &status,
		&resolvedBy, &resolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
