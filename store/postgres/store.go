// Package postgres implements store.Store on PostgreSQL.
//
// Reads outside a unit of work and migrations go through Grove ORM. Units
// of work run on a pgx pool at SERIALIZABLE isolation: vault rows are
// locked with SELECT ... FOR UPDATE, projections carry a version column
// for optimistic checks, and serialization failures, deadlocks and unique
// violations are reported as treasury.ErrTransactionConflict so that the
// engine retries them.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/treasury"
	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/idempotency"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/store"
	"github.com/xraph/treasury/vault"
)

// compile-time interface check
var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*tx)(nil)
)

// PostgreSQL error codes that mean "try again".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db   *grove.DB
	pg   *pgdriver.PgDB
	pool *pgxpool.Pool
}

// New creates a PostgreSQL store. db and pool must point at the same
// database.
func New(db *grove.DB, pool *pgxpool.Pool) *Store {
	return &Store{
		db:   db,
		pg:   pgdriver.Unwrap(db),
		pool: pool,
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("treasury/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("treasury/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the pool and the grove connection.
func (s *Store) Close() error {
	s.pool.Close()
	return s.db.Close()
}

// ==================== Unit of work ====================

// RunInTx implements store.Store.
func (s *Store) RunInTx(ctx context.Context, fn store.TxFunc) error {
	ptx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer ptx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(ctx, &tx{tx: ptx}); err != nil {
		return classify(err)
	}
	return classify(ptx.Commit(ctx))
}

// classify maps retryable PostgreSQL failures to ErrTransactionConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
			return fmt.Errorf("%w: %s (%s)", treasury.ErrTransactionConflict, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

type tx struct {
	tx pgx.Tx
}

// ==================== Vaults ====================

func (t *tx) GetVault(ctx context.Context, vaultID vault.ID) (*vault.Vault, error) {
	m := new(vaultModel)
	err := t.tx.QueryRow(ctx,
		`SELECT `+vaultColumns+` FROM treasury_vaults WHERE id = $1 FOR UPDATE`,
		string(vaultID),
	).Scan(m.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, treasury.ErrVaultNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromVaultModel(m), nil
}

func (t *tx) PutVault(ctx context.Context, v *vault.Vault) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if v.Version == 0 {
		tag, err = t.tx.Exec(ctx, `
INSERT INTO treasury_vaults (`+vaultColumns+`)
VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`,
			string(v.ID), string(v.Kind), v.Available, v.Locked, v.Sequence,
			v.Frozen, v.FrozenReason, v.CreatedAt, v.UpdatedAt,
		)
	} else {
		tag, err = t.tx.Exec(ctx, `
UPDATE treasury_vaults
SET available = $1, locked = $2, sequence = $3, version = version + 1,
    frozen = $4, frozen_reason = $5, updated_at = $6
WHERE id = $7 AND version = $8`,
			v.Available, v.Locked, v.Sequence,
			v.Frozen, v.FrozenReason, v.UpdatedAt,
			string(v.ID), v.Version,
		)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: vault %s moved past version %d", treasury.ErrTransactionConflict, v.ID, v.Version)
	}
	v.Version++
	return nil
}

// ==================== Ledger ====================

func (t *tx) AppendEntries(ctx context.Context, entries ...*entry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO treasury_entries (`+entryColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, toEntryModel(e).args()...)
	}
	br := t.tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close() //nolint:errcheck // the Exec error is the one to report
			return err
		}
	}
	return br.Close()
}

func (t *tx) EntriesByTransaction(ctx context.Context, txnID id.TransactionID) ([]*entry.Entry, error) {
	return t.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM treasury_entries WHERE transaction_id = $1 ORDER BY created_at, id`,
		txnID.String(),
	)
}

func (t *tx) EntriesAfter(ctx context.Context, vaultID vault.ID, afterSequence int64) ([]*entry.Entry, error) {
	return t.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM treasury_entries WHERE vault_id = $1 AND sequence > $2 ORDER BY sequence`,
		string(vaultID), afterSequence,
	)
}

func (t *tx) queryEntries(ctx context.Context, query string, args ...any) ([]*entry.Entry, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*entry.Entry, 0)
	for rows.Next() {
		m := new(entryModel)
		if err := rows.Scan(m.dest()...); err != nil {
			return nil, err
		}
		e, err := fromEntryModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ==================== Idempotency ====================

func (t *tx) GetIdempotency(ctx context.Context, key string) (*idempotency.Record, error) {
	m := new(idempotencyModel)
	err := t.tx.QueryRow(ctx,
		`SELECT key, operation, fingerprint, result, created_at FROM treasury_idempotency WHERE key = $1`,
		key,
	).Scan(&m.Key, &m.Operation, &m.Fingerprint, &m.Result, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, treasury.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromIdempotencyModel(m), nil
}

// PutIdempotency relies on the primary key: a concurrent insert of the same
// key fails with a unique violation, which classify turns into a conflict.
func (t *tx) PutIdempotency(ctx context.Context, rec *idempotency.Record) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO treasury_idempotency (key, operation, fingerprint, result, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		rec.Key, string(rec.Operation), rec.Fingerprint, rec.Result, rec.CreatedAt,
	)
	return classify(err)
}

// ==================== Payouts ====================

func (t *tx) GetPayout(ctx context.Context, requestID string) (*payout.Request, error) {
	var data []byte
	err := t.tx.QueryRow(ctx,
		`SELECT data FROM treasury_payouts WHERE request_id = $1 FOR UPDATE`, requestID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, treasury.ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromPayoutData(data)
}

func (t *tx) PutPayout(ctx context.Context, p *payout.Request) error {
	m, err := toPayoutModel(p)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO treasury_payouts (request_id, creator_id, vault_id, state, data, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (request_id) DO UPDATE
SET state = EXCLUDED.state, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		m.RequestID, m.CreatorID, m.VaultID, m.State, m.Data, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

// ==================== Refunds ====================

func (t *tx) GetRefund(ctx context.Context, requestID string) (*refund.Request, error) {
	var data []byte
	err := t.tx.QueryRow(ctx,
		`SELECT data FROM treasury_refunds WHERE request_id = $1`, requestID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, treasury.ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRefundData(data)
}

func (t *tx) PutRefund(ctx context.Context, r *refund.Request) error {
	m, err := toRefundModel(r)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO treasury_refunds
    (request_id, original_transaction_id, spender_vault_id, state, decided_at, data, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (request_id) DO UPDATE
SET state = EXCLUDED.state, decided_at = EXCLUDED.decided_at, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		m.RequestID, m.OriginalTransactionID, m.SpenderVaultID, m.State, m.DecidedAt, m.Data, m.CreatedAt, m.UpdatedAt,
	)
	return classify(err)
}

func (t *tx) AppliedRefundFor(ctx context.Context, originalTxnID id.TransactionID) (*refund.Request, error) {
	var data []byte
	err := t.tx.QueryRow(ctx,
		`SELECT data FROM treasury_refunds WHERE original_transaction_id = $1 AND state = $2`,
		originalTxnID.String(), string(refund.StateApplied),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, treasury.ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRefundData(data)
}

func (t *tx) CountAppliedRefunds(ctx context.Context, spender vault.ID, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
SELECT COUNT(*) FROM treasury_refunds
WHERE spender_vault_id = $1 AND state = $2 AND decided_at >= $3`,
		string(spender), string(refund.StateApplied), since,
	).Scan(&n)
	return n, err
}

func (t *tx) PutReceivable(ctx context.Context, r *refund.Receivable) error {
	m := toReceivableModel(r)
	_, err := t.tx.Exec(ctx, `
INSERT INTO treasury_receivables
    (id, vault_id, refund_request_id, refund_transaction_id, original_transaction_id, amount, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.VaultID, m.RefundRequestID, m.RefundTransactionID, m.OriginalTransactionID, m.Amount, m.Status, m.CreatedAt,
	)
	return err
}

// ==================== Checkpoints ====================

func (t *tx) GetCheckpoint(ctx context.Context, vaultID vault.ID) (*audit.Checkpoint, error) {
	m := new(checkpointModel)
	err := t.tx.QueryRow(ctx,
		`SELECT vault_id, sequence, available, locked, at FROM treasury_checkpoints WHERE vault_id = $1`,
		string(vaultID),
	).Scan(&m.VaultID, &m.Sequence, &m.Available, &m.Locked, &m.At)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, treasury.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromCheckpointModel(m), nil
}

func (t *tx) PutCheckpoint(ctx context.Context, cp *audit.Checkpoint) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO treasury_checkpoints (vault_id, sequence, available, locked, at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (vault_id) DO UPDATE
SET sequence = EXCLUDED.sequence, available = EXCLUDED.available, locked = EXCLUDED.locked, at = EXCLUDED.at`,
		string(cp.VaultID), cp.Sequence, cp.Available, cp.Locked, cp.At,
	)
	return err
}

// ==================== Read-only projections ====================

func (s *Store) GetVault(ctx context.Context, vaultID vault.ID) (*vault.Vault, error) {
	m := new(vaultModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", string(vaultID)).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, treasury.ErrVaultNotFound
		}
		return nil, err
	}
	return fromVaultModel(m), nil
}

func (s *Store) ListVaults(ctx context.Context) ([]*vault.Vault, error) {
	var models []vaultModel
	if err := s.pg.NewSelect(&models).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	result := make([]*vault.Vault, len(models))
	for i := range models {
		result[i] = fromVaultModel(&models[i])
	}
	return result, nil
}

func (s *Store) ListEntries(ctx context.Context, vaultID vault.ID, opts entry.ListOpts) ([]*entry.Entry, error) {
	var models []entryModel
	q := s.pg.NewSelect(&models).
		Where("vault_id = $1", string(vaultID)).
		Where("sequence > $2", opts.AfterSequence)

	argIdx := 2
	if !opts.Start.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at >= $%d", argIdx), opts.Start)
	}
	if !opts.End.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at < $%d", argIdx), opts.End)
	}
	q = q.OrderExpr("sequence ASC").Limit(opts.PageSize() + 1)

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*entry.Entry, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) GetPayout(ctx context.Context, requestID string) (*payout.Request, error) {
	m := new(payoutModel)
	err := s.pg.NewSelect(m).
		Where("request_id = $1", requestID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, treasury.ErrPayoutNotFound
		}
		return nil, err
	}
	return fromPayoutData(m.Data)
}

func (s *Store) GetRefund(ctx context.Context, requestID string) (*refund.Request, error) {
	m := new(refundModel)
	err := s.pg.NewSelect(m).
		Where("request_id = $1", requestID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, treasury.ErrRefundNotFound
		}
		return nil, err
	}
	return fromRefundData(m.Data)
}

func (s *Store) ListReceivables(ctx context.Context, status refund.ReceivableStatus) ([]*refund.Receivable, error) {
	var models []receivableModel
	q := s.pg.NewSelect(&models)
	if status != "" {
		q = q.Where("status = $1", string(status))
	}
	if err := q.OrderExpr("created_at ASC").Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*refund.Receivable, len(models))
	for i := range models {
		r, err := fromReceivableModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// ==================== Audit reports ====================

func (s *Store) SaveReport(ctx context.Context, r *audit.Report) error {
	m, err := toReportModel(r)
	if err != nil {
		return err
	}
	_, err = s.pg.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) LatestReport(ctx context.Context) (*audit.Report, error) {
	m := new(reportModel)
	err := s.pg.NewSelect(m).
		OrderExpr("completed_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, treasury.ErrNotFound
		}
		return nil, err
	}
	return fromReportModel(m)
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
