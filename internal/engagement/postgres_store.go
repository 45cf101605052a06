package engagement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/gigescrow/internal/escrow"
)

// PostgresStore persists engagements in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed engagement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Engagement) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO engagements (id, employer_id, worker_id, title, escrow_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.EmployerID, e.WorkerID, e.Title, string(e.EscrowStatus), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Engagement, error) {
	e := &Engagement{}
	var (
		status    string
		completed sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, employer_id, worker_id, title, escrow_status, completion_requested_at, created_at, updated_at
		FROM engagements WHERE id = $1`, id,
	).Scan(&e.ID, &e.EmployerID, &e.WorkerID, &e.Title, &status, &completed, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.EscrowStatus = escrow.Status(status)
	if completed.Valid {
		t := completed.Time
		e.CompletionRequestedAt = &t
	}
	return e, nil
}

// SetEscrowStatus keeps an existing completion time when none is given.
func (p *PostgresStore) SetEscrowStatus(ctx context.Context, id string, status escrow.Status, completionRequestedAt *time.Time, at time.Time) error {
	var completed sql.NullTime
	if completionRequestedAt != nil {
		completed = sql.NullTime{Time: *completionRequestedAt, Valid: true}
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE engagements
		SET escrow_status = $1,
		    completion_requested_at = COALESCE($2, completion_requested_at),
		    updated_at = $3
		WHERE id = $4`,
		string(status), completed, at, id,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
