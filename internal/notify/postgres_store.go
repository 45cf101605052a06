package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// PostgresSubscriptionStore persists webhook subscriptions in PostgreSQL.
type PostgresSubscriptionStore struct {
	db *sql.DB
}

// NewPostgresSubscriptionStore creates a PostgreSQL-backed subscription store.
func NewPostgresSubscriptionStore(db *sql.DB) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{db: db}
}

const subscriptionColumns = `id, owner_id, url, secret, kinds, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	kindsJSON, err := json.Marshal(sub.Kinds)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, owner_id, url, secret, kinds, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.OwnerID, sub.URL, sub.Secret, kindsJSON, sub.Active, sub.CreatedAt,
	)
	return err
}

func (p *PostgresSubscriptionStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresSubscriptionStore) ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE owner_id = $1
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresSubscriptionStore) Update(ctx context.Context, sub *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET
			active = $1,
			last_success = $2,
			last_error = $3,
			consecutive_failures = $4
		WHERE id = $5`,
		sub.Active, sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures, sub.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresSubscriptionStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var (
		kindsJSON   []byte
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	if err := s.Scan(
		&sub.ID, &sub.OwnerID, &sub.URL, &sub.Secret, &kindsJSON,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(kindsJSON, &sub.Kinds); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

var _ SubscriptionStore = (*PostgresSubscriptionStore)(nil)
var _ SubscriptionStore = (*MemorySubscriptionStore)(nil)
