package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"cryptopay/internal/common/database"
	"cryptopay/internal/common/money"
	"cryptopay/internal/invoice/domain"
)

// Postgres implements Store using PostgreSQL.
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a new PostgreSQL store.
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

const invoiceColumns = `
	id, amount_minor, unit, network, purpose, min_confirmations, memo,
	state, failure_reason, destination, last_observation, watch_cancelled_at,
	created_at, expires_at, updated_at`

// CreateInvoice inserts a new invoice.
func (s *Postgres) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	query := `
		INSERT INTO invoices (
			id, amount_minor, unit, network, purpose, min_confirmations, memo,
			state, failure_reason, destination_key, destination, last_observation,
			created_at, expires_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	dest, err := json.Marshal(inv.Destination)
	if err != nil {
		return fmt.Errorf("marshal destination: %w", err)
	}
	obs, err := marshalObservation(inv.LastObservation)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, query,
		inv.ID, inv.Required.Minor, inv.Required.Unit, inv.Network, inv.Purpose, inv.MinConfirmations, inv.Memo,
		inv.State, inv.FailureReason, inv.Destination.Key(), dest, obs,
		inv.CreatedAt, inv.ExpiresAt, inv.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("create invoice %s: %w", inv.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create invoice %s: %w", inv.ID, err)
	}
	return nil
}

// GetInvoice retrieves an invoice by ID.
func (s *Postgres) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`

	inv, err := scanInvoice(s.db.QueryRow(ctx, query, id))
	if database.IsNotFound(err) {
		return nil, fmt.Errorf("get invoice %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", id, err)
	}
	return inv, nil
}

// SaveObservation replaces the latest observation.
func (s *Postgres) SaveObservation(ctx context.Context, id string, obs domain.Observation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}

	tag, err := s.db.Exec(ctx, `UPDATE invoices SET last_observation = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("save observation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save observation %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// AppendTransitions updates the invoice state and appends to its log in one
// transaction.
func (s *Postgres) AppendTransitions(ctx context.Context, inv *domain.Invoice, ts []domain.Transition) error {
	obs, err := marshalObservation(inv.LastObservation)
	if err != nil {
		return err
	}

	return database.Retry(ctx, 3, func() error {
		return s.db.WithTxOptions(ctx, database.Serializable, func(tx pgx.Tx) error {
			return appendTransitions(ctx, tx, inv, ts, obs)
		})
	})
}

func appendTransitions(ctx context.Context, tx pgx.Tx, inv *domain.Invoice, ts []domain.Transition, obs []byte) error {
	var last int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM invoice_transitions WHERE invoice_id = $1
	`, inv.ID).Scan(&last)
	if err != nil {
		return fmt.Errorf("read last transition: %w", err)
	}

	batch := &pgx.Batch{}
	for i, t := range ts {
		if t.Seq != last+i+1 {
			return fmt.Errorf("append transitions %s: seq %d: %w", inv.ID, t.Seq, ErrSequence)
		}
		batch.Queue(`
			INSERT INTO invoice_transitions (invoice_id, seq, from_state, to_state, cause, at, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, inv.ID, t.Seq, t.From, t.To, t.Trigger, t.At, t.Detail)
	}
	batch.Queue(`
		UPDATE invoices SET
			state = $2, failure_reason = $3,
			last_observation = COALESCE($4, last_observation), updated_at = $5
		WHERE id = $1
	`, inv.ID, inv.State, inv.FailureReason, obs, inv.UpdatedAt)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		switch {
		case database.IsUniqueViolation(err):
			return fmt.Errorf("append transitions %s: %w", inv.ID, ErrSequence)
		case database.IsForeignKeyViolation(err):
			return fmt.Errorf("append transitions %s: %w", inv.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("append transitions %s: %w", inv.ID, err)
	}
	return nil
}

// ListTransitions returns the transition log of an invoice.
func (s *Postgres) ListTransitions(ctx context.Context, id string) ([]domain.Transition, error) {
	if _, err := s.GetInvoice(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT seq, from_state, to_state, cause, at, detail
		FROM invoice_transitions
		WHERE invoice_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list transitions %s: %w", id, err)
	}
	defer rows.Close()

	var ts []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.Seq, &t.From, &t.To, &t.Trigger, &t.At, &t.Detail); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.At = t.At.UTC()
		ts = append(ts, t)
	}
	return ts, rows.Err()
}

// CancelWatch marks an open invoice as no longer watched.
func (s *Postgres) CancelWatch(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE invoices SET watch_cancelled_at = $2, updated_at = $2
		WHERE id = $1 AND watch_cancelled_at IS NULL AND state IN ('pending', 'verifying')
	`, id, at)
	if err != nil {
		return fmt.Errorf("cancel watch %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetInvoice(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListOpen lists invoices that are pending or verifying.
func (s *Postgres) ListOpen(ctx context.Context) ([]*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE state IN ('pending', 'verifying') AND watch_cancelled_at IS NULL
		ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list open invoices: %w", err)
	}
	defer rows.Close()

	var out []*domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var inv domain.Invoice
	var minor int64
	var unit string
	var dest, obs []byte

	err := row.Scan(
		&inv.ID, &minor, &unit, &inv.Network, &inv.Purpose, &inv.MinConfirmations, &inv.Memo,
		&inv.State, &inv.FailureReason, &dest, &obs, &inv.WatchCancelledAt,
		&inv.CreatedAt, &inv.ExpiresAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Required = money.New(minor, money.Unit(unit))
	if err := json.Unmarshal(dest, &inv.Destination); err != nil {
		return nil, fmt.Errorf("unmarshal destination: %w", err)
	}
	if len(obs) > 0 {
		var o domain.Observation
		if err := json.Unmarshal(obs, &o); err != nil {
			return nil, fmt.Errorf("unmarshal observation: %w", err)
		}
		inv.LastObservation = &o
	}
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.ExpiresAt = inv.ExpiresAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	if inv.WatchCancelledAt != nil {
		at := inv.WatchCancelledAt.UTC()
		inv.WatchCancelledAt = &at
	}
	return &inv, nil
}

func marshalObservation(obs *domain.Observation) ([]byte, error) {
	if obs == nil {
		return nil, nil
	}
	data, err := json.Marshal(obs)
	if err != nil {
		return nil, fmt.Errorf("marshal observation: %w", err)
	}
	return data, nil
}

var _ Store = (*Postgres)(nil)
