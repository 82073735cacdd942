package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists escrow records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createEscrowTableSQL = `
CREATE TABLE IF NOT EXISTS escrow_records (
    id TEXT PRIMARY KEY,
    agreement_ref TEXT NOT NULL UNIQUE,
    agreement JSONB NOT NULL,
    locked_amount BIGINT NOT NULL,
    status TEXT NOT NULL,
    contract_ref TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createEscrowTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Create(ctx context.Context, record *Record) error {
	agreement, err := json.Marshal(record.Agreement)
	if err != nil {
		return fmt.Errorf("marshal agreement: %w", err)
	}

	ts := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO escrow_records (id, agreement_ref, agreement, locked_amount, status, contract_ref, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, '', '', $6, $6)
`, record.ID, record.AgreementRef(), agreement, record.LockedAmount, string(record.Status), ts)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAgreementExists
		}
		return err
	}
	record.CreatedAt = ts
	record.UpdatedAt = ts
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, agreement, locked_amount, status, contract_ref, last_error, created_at, updated_at
FROM escrow_records
WHERE id = $1
`, id)
	return scanRecord(row)
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	query := `
SELECT id, agreement, locked_amount, status, contract_ref, last_error, created_at, updated_at
FROM escrow_records
`
	args := []any{}
	if filter.Status != "" {
		query += "WHERE status = $1\n"
		args = append(args, string(filter.Status))
	}
	query += "ORDER BY created_at, id"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, id string, to Status, from ...Status) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE escrow_records
SET status = $2, updated_at = NOW()
WHERE id = $1 AND status = ANY($3)
`, id, string(to), statusStrings(eligibleFrom(to, from)))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.classifyMiss(ctx, id)
	}
	return nil
}

func (p *PostgresStore) SetReleased(ctx context.Context, id, contractRef string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE escrow_records
SET status = $2, contract_ref = $3, last_error = '', updated_at = NOW()
WHERE id = $1 AND status = $4
`, id, string(StatusDepositReturned), contractRef, string(StatusReturningDeposit))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.classifyMiss(ctx, id)
	}
	return nil
}

func (p *PostgresStore) SetReturnFailed(ctx context.Context, id, cause string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE escrow_records
SET status = $2, last_error = $3, updated_at = NOW()
WHERE id = $1 AND status = $4
`, id, string(StatusPendingReturn), cause, string(StatusReturningDeposit))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.classifyMiss(ctx, id)
	}
	return nil
}

// classifyMiss distinguishes a missing record from a compare-and-set loss.
func (p *PostgresStore) classifyMiss(ctx context.Context, id string) error {
	var status string
	err := p.pool.QueryRow(ctx, `SELECT status FROM escrow_records WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record    Record
		agreement []byte
		status    string
	)
	err := row.Scan(&record.ID, &agreement, &record.LockedAmount, &status, &record.ContractRef, &record.LastError, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(agreement, &record.Agreement); err != nil {
		return nil, fmt.Errorf("unmarshal agreement: %w", err)
	}
	record.Status = Status(status)
	return &record, nil
}

func statusStrings(set []Status) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
