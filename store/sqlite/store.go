// Package sqlite implements store.Store on SQLite.
//
// Reads outside a unit of work and migrations go through Grove ORM. Units
// of work run on a database/sql connection opened with OpenConn, which
// starts every transaction with BEGIN IMMEDIATE: SQLite then admits one
// writer at a time, so a unit of work never observes a concurrent write.
// Busy and lock timeouts as well as unique violations are reported as
// treasury.ErrTransactionConflict so that the engine retries them.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

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

// BusyTimeout is how long a writer waits for the database lock before the
// unit of work fails with a conflict.
const BusyTimeout = 5 * time.Second

// Store implements store.Store using SQLite.
type Store struct {
	db   *grove.DB
	sdb  *sqlitedriver.SqliteDB
	conn *sql.DB
}

// New creates a SQLite store. db and conn must point at the same database
// file; conn is usually obtained from OpenConn.
func New(db *grove.DB, conn *sql.DB) *Store {
	return &Store{
		db:   db,
		sdb:  sqlitedriver.Unwrap(db),
		conn: conn,
	}
}

// OpenConn opens the database/sql handle used for units of work. path is a
// file path or ":memory:". The pool holds a single connection, which is
// what SQLite's one-writer model allows anyway and keeps an in-memory
// database alive between transactions.
func OpenConn(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		path, BusyTimeout.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("treasury/sqlite: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("treasury/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("treasury/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks both connections.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return err
	}
	return s.db.Ping(ctx)
}

// Close closes both connections.
func (s *Store) Close() error {
	return errors.Join(s.conn.Close(), s.db.Close())
}

// ==================== Unit of work ====================

// RunInTx implements store.Store.
func (s *Store) RunInTx(ctx context.Context, fn store.TxFunc) error {
	stx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer stx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(ctx, &tx{tx: stx}); err != nil {
		return classify(err)
	}
	return classify(stx.Commit())
}

// classify maps retryable SQLite failures to ErrTransactionConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		code := sqlErr.Code()
		switch {
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED,
			code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", treasury.ErrTransactionConflict, sqlErr.Error())
		}
	}
	return err
}

type tx struct {
	tx *sql.Tx
}

// ==================== Vaults ====================

func (t *tx) GetVault(ctx context.Context, vaultID vault.ID) (*vault.Vault, error) {
	m := new(vaultModel)
	err := t.tx.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM treasury_vaults WHERE id = ?`,
		string(vaultID),
	).Scan(m.dest()...)
	if isNoRows(err) {
		return nil, treasury.ErrVaultNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromVaultModel(m), nil
}

func (t *tx) PutVault(ctx context.Context, v *vault.Vault) error {
	var (
		res sql.Result
		err error
	)
	if v.Version == 0 {
		res, err = t.tx.ExecContext(ctx, `
INSERT INTO treasury_vaults (`+vaultColumns+`)
VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
			string(v.ID), string(v.Kind), v.Available, v.Locked, v.Sequence,
			v.Frozen, v.FrozenReason, toNanos(v.CreatedAt), toNanos(v.UpdatedAt),
		)
	} else {
		res, err = t.tx.ExecContext(ctx, `
UPDATE treasury_vaults
SET available = ?, locked = ?, sequence = ?, version = version + 1,
    frozen = ?, frozen_reason = ?, updated_at = ?
WHERE id = ? AND version = ?`,
			v.Available, v.Locked, v.Sequence,
			v.Frozen, v.FrozenReason, toNanos(v.UpdatedAt),
			string(v.ID), v.Version,
		)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
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
	stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO treasury_entries (`+entryColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		m, err := toEntryModel(e)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, m.args()...); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) EntriesByTransaction(ctx context.Context, txnID id.TransactionID) ([]*entry.Entry, error) {
	return t.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM treasury_entries WHERE transaction_id = ? ORDER BY created_at, id`,
		txnID.String(),
	)
}

func (t *tx) EntriesAfter(ctx context.Context, vaultID vault.ID, afterSequence int64) ([]*entry.Entry, error) {
	return t.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM treasury_entries WHERE vault_id = ? AND sequence > ? ORDER BY sequence`,
		string(vaultID), afterSequence,
	)
}

func (t *tx) queryEntries(ctx context.Context, query string, args ...any) ([]*entry.Entry, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
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
	err := t.tx.QueryRowContext(ctx,
		`SELECT key, operation, fingerprint, result, created_at FROM treasury_idempotency WHERE key = ?`,
		key,
	).Scan(&m.Key, &m.Operation, &m.Fingerprint, &m.Result, &m.CreatedAt)
	if isNoRows(err) {
		return nil, treasury.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromIdempotencyModel(m), nil
}

func (t *tx) PutIdempotency(ctx context.Context, rec *idempotency.Record) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO treasury_idempotency (key, operation, fingerprint, result, created_at)
VALUES (?, ?, ?, ?, ?)`,
		rec.Key, string(rec.Operation), rec.Fingerprint, string(rec.Result), toNanos(rec.CreatedAt),
	)
	return classify(err)
}

// ==================== Payouts ====================

func (t *tx) GetPayout(ctx context.Context, requestID string) (*payout.Request, error) {
	var data string
	err := t.tx.QueryRowContext(ctx,
		`SELECT data FROM treasury_payouts WHERE request_id = ?`, requestID,
	).Scan(&data)
	if isNoRows(err) {
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
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO treasury_payouts (request_id, creator_id, vault_id, state, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (request_id) DO UPDATE
SET state = excluded.state, data = excluded.data, updated_at = excluded.updated_at`,
		m.RequestID, m.CreatorID, m.VaultID, m.State, m.Data, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

// ==================== Refunds ====================

func (t *tx) GetRefund(ctx context.Context, requestID string) (*refund.Request, error) {
	var data string
	err := t.tx.QueryRowContext(ctx,
		`SELECT data FROM treasury_refunds WHERE request_id = ?`, requestID,
	).Scan(&data)
	if isNoRows(err) {
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
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO treasury_refunds
    (request_id, original_transaction_id, spender_vault_id, state, decided_at, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (request_id) DO UPDATE
SET state = excluded.state, decided_at = excluded.decided_at, data = excluded.data, updated_at = excluded.updated_at`,
		m.RequestID, m.OriginalTransactionID, m.SpenderVaultID, m.State, m.DecidedAt, m.Data, m.CreatedAt, m.UpdatedAt,
	)
	return classify(err)
}

func (t *tx) AppliedRefundFor(ctx context.Context, originalTxnID id.TransactionID) (*refund.Request, error) {
	var data string
	err := t.tx.QueryRowContext(ctx,
		`SELECT data FROM treasury_refunds WHERE original_transaction_id = ? AND state = ?`,
		originalTxnID.String(), string(refund.StateApplied),
	).Scan(&data)
	if isNoRows(err) {
		return nil, treasury.ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRefundData(data)
}

func (t *tx) CountAppliedRefunds(ctx context.Context, spender vault.ID, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM treasury_refunds
WHERE spender_vault_id = ? AND state = ? AND decided_at >= ?`,
		string(spender), string(refund.StateApplied), toNanos(since),
	).Scan(&n)
	return n, err
}

func (t *tx) PutReceivable(ctx context.Context, r *refund.Receivable) error {
	m := toReceivableModel(r)
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO treasury_receivables
    (id, vault_id, refund_request_id, refund_transaction_id, original_transaction_id, amount, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.VaultID, m.RefundRequestID, m.RefundTransactionID, m.OriginalTransactionID, m.Amount, m.Status, m.CreatedAt,
	)
	return err
}

// ==================== Checkpoints ====================

func (t *tx) GetCheckpoint(ctx context.Context, vaultID vault.ID) (*audit.Checkpoint, error) {
	m := new(checkpointModel)
	err := t.tx.QueryRowContext(ctx,
		`SELECT vault_id, sequence, available, locked, at FROM treasury_checkpoints WHERE vault_id = ?`,
		string(vaultID),
	).Scan(&m.VaultID, &m.Sequence, &m.Available, &m.Locked, &m.At)
	if isNoRows(err) {
		return nil, treasury.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromCheckpointModel(m), nil
}

func (t *tx) PutCheckpoint(ctx context.Context, cp *audit.Checkpoint) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO treasury_checkpoints (vault_id, sequence, available, locked, at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (vault_id) DO UPDATE
SET sequence = excluded.sequence, available = excluded.available, locked = excluded.locked, at = excluded.at`,
		string(cp.VaultID), cp.Sequence, cp.Available, cp.Locked, toNanos(cp.At),
	)
	return err
}

// ==================== Read-only projections ====================

func (s *Store) GetVault(ctx context.Context, vaultID vault.ID) (*vault.Vault, error) {
	m := new(vaultModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", string(vaultID)).
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
	if err := s.sdb.NewSelect(&models).OrderExpr("id ASC").Scan(ctx); err != nil {
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
	q := s.sdb.NewSelect(&models).
		Where("vault_id = ?", string(vaultID)).
		Where("sequence > ?", opts.AfterSequence)

	if !opts.Start.IsZero() {
		q = q.Where("created_at >= ?", toNanos(opts.Start))
	}
	if !opts.End.IsZero() {
		q = q.Where("created_at < ?", toNanos(opts.End))
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
	err := s.sdb.NewSelect(m).
		Where("request_id = ?", requestID).
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
	err := s.sdb.NewSelect(m).
		Where("request_id = ?", requestID).
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
	q := s.sdb.NewSelect(&models)
	if status != "" {
		q = q.Where("status = ?", string(status))
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
	_, err = s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) LatestReport(ctx context.Context) (*audit.Report, error) {
	m := new(reportModel)
	err := s.sdb.NewSelect(m).
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
