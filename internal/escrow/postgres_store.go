package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// Constraint names from migrations/00002_payment_intents.sql.
const (
	constraintPrimaryKey = "payment_intents_pkey"
	constraintOneLive    = "payment_intents_one_live_per_engagement"
)

// PostgresStore persists payment intents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed intent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const intentColumns = `reference, engagement_id, payer_id, payee_id, payer_email,
		       amount, currency, description, provider, provider_transaction_ref,
		       redirect_url, status, resolution, version,
		       completion_requested_at, resolved_at, expires_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, in *PaymentIntent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_intents (
			reference, engagement_id, payer_id, payee_id, payer_email,
			amount, currency, description, provider, provider_transaction_ref,
			redirect_url, status, resolution, version,
			completion_requested_at, resolved_at, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19
		)`,
		in.Reference, in.EngagementID, in.PayerID, nullString(in.PayeeID), in.PayerEmail,
		in.Amount, in.Currency, nullString(in.Description), in.Provider, nullString(in.ProviderTransactionRef),
		nullString(in.RedirectURL), string(in.Status), nullString(in.Resolution), in.Version,
		nullTime(in.CompletionRequestedAt), nullTime(in.ResolvedAt), in.ExpiresAt, in.CreatedAt, in.UpdatedAt,
	)
	return mapUniqueViolation(err)
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case constraintOneLive:
		return ErrActiveIntent
	case constraintPrimaryKey:
		return ErrDuplicateReference
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, reference string) (*PaymentIntent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1`, reference)

	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	return in, err
}

func (p *PostgresStore) GetActiveByEngagement(ctx context.Context, engagementID string) (*PaymentIntent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE engagement_id = $1 AND status = ANY($2)
		LIMIT 1`, engagementID, pq.Array(statusStrings(liveStatuses)))

	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	return in, err
}

// CompareAndSwap writes in with one conditional UPDATE guarded by expected.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, in *PaymentIntent, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_intents SET
			status = $1, resolution = $2, version = $3,
			provider_transaction_ref = $4, completion_requested_at = $5,
			resolved_at = $6, updated_at = $7
		WHERE reference = $8 AND status = $9`,
		string(in.Status), nullString(in.Resolution), in.Version,
		nullString(in.ProviderTransactionRef), nullTime(in.CompletionRequestedAt),
		nullTime(in.ResolvedAt), in.UpdatedAt,
		in.Reference, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_intents WHERE reference = $1)`, in.Reference,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrIntentNotFound
	}
	return ErrConcurrentModification
}

func (p *PostgresStore) ListReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*PaymentIntent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE status = 'completion_requested'
		  AND completion_requested_at < $1
		ORDER BY completion_requested_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanIntents(rows)
}

func (p *PostgresStore) CountReleasable(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM payment_intents
		WHERE status = 'completion_requested'
		  AND completion_requested_at < $1`, cutoff).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListByEngagement(ctx context.Context, engagementID string, limit int) ([]*PaymentIntent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE engagement_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, engagementID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanIntents(rows)
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(s scanner) (*PaymentIntent, error) {
	in := &PaymentIntent{}
	var (
		payeeID       sql.NullString
		description   sql.NullString
		providerTxRef sql.NullString
		redirectURL   sql.NullString
		status        string
		resolution    sql.NullString
		completionAt  sql.NullTime
		resolvedAt    sql.NullTime
	)

	err := s.Scan(
		&in.Reference, &in.EngagementID, &in.PayerID, &payeeID, &in.PayerEmail,
		&in.Amount, &in.Currency, &description, &in.Provider, &providerTxRef,
		&redirectURL, &status, &resolution, &in.Version,
		&completionAt, &resolvedAt, &in.ExpiresAt, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	in.Status = Status(status)
	in.PayeeID = payeeID.String
	in.Description = description.String
	in.ProviderTransactionRef = providerTxRef.String
	in.RedirectURL = redirectURL.String
	in.Resolution = resolution.String
	if completionAt.Valid {
		in.CompletionRequestedAt = &completionAt.Time
	}
	if resolvedAt.Valid {
		in.ResolvedAt = &resolvedAt.Time
	}
	return in, nil
}

func scanIntents(rows *sql.Rows) ([]*PaymentIntent, error) {
	var result []*PaymentIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, in)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
