package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Treasury store (SQLite).
var Migrations = migrate.NewGroup("treasury")

// Timestamps are stored as INTEGER unix nanoseconds so that range filters
// compare numerically and both the grove and database/sql paths agree on
// the encoding.
const (
	vaultsDDL = `
CREATE TABLE IF NOT EXISTS treasury_vaults (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    available     INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
    locked        INTEGER NOT NULL DEFAULT 0 CHECK (locked >= 0),
    sequence      INTEGER NOT NULL DEFAULT 0,
    version       INTEGER NOT NULL DEFAULT 1,
    frozen        INTEGER NOT NULL DEFAULT 0,
    frozen_reason TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_treasury_vaults_kind ON treasury_vaults (kind);
`

	entriesDDL = `
CREATE TABLE IF NOT EXISTS treasury_entries (
    id                      TEXT PRIMARY KEY,
    event_type              TEXT NOT NULL,
    vault_id                TEXT NOT NULL,
    partition               TEXT NOT NULL,
    amount                  INTEGER NOT NULL,
    balance_after           INTEGER NOT NULL,
    sequence                INTEGER NOT NULL,
    transaction_id          TEXT NOT NULL,
    request_id              TEXT NOT NULL DEFAULT '',
    original_transaction_id TEXT NOT NULL DEFAULT '',
    metadata                TEXT NOT NULL DEFAULT '{}',
    created_at              INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_treasury_entries_vault_seq ON treasury_entries (vault_id, sequence);
CREATE INDEX IF NOT EXISTS idx_treasury_entries_txn ON treasury_entries (transaction_id);
CREATE INDEX IF NOT EXISTS idx_treasury_entries_vault_time ON treasury_entries (vault_id, created_at);
`

	idempotencyDDL = `
CREATE TABLE IF NOT EXISTS treasury_idempotency (
    key         TEXT PRIMARY KEY,
    operation   TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    result      TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);
`

	payoutsDDL = `
CREATE TABLE IF NOT EXISTS treasury_payouts (
    request_id TEXT PRIMARY KEY,
    creator_id TEXT NOT NULL,
    vault_id   TEXT NOT NULL,
    state      TEXT NOT NULL,
    data       TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_treasury_payouts_creator ON treasury_payouts (creator_id, state);
`

	refundsDDL = `
CREATE TABLE IF NOT EXISTS treasury_refunds (
    request_id              TEXT PRIMARY KEY,
    original_transaction_id TEXT NOT NULL,
    spender_vault_id        TEXT NOT NULL,
    state                   TEXT NOT NULL,
    decided_at              INTEGER NOT NULL,
    data                    TEXT NOT NULL,
    created_at              INTEGER NOT NULL,
    updated_at              INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_treasury_refunds_applied
    ON treasury_refunds (original_transaction_id) WHERE state = 'APPLIED';
CREATE INDEX IF NOT EXISTS idx_treasury_refunds_spender
    ON treasury_refunds (spender_vault_id, decided_at) WHERE state = 'APPLIED';
`

	receivablesDDL = `
CREATE TABLE IF NOT EXISTS treasury_receivables (
    id                      TEXT PRIMARY KEY,
    vault_id                TEXT NOT NULL,
    refund_request_id       TEXT NOT NULL,
    refund_transaction_id   TEXT NOT NULL DEFAULT '',
    original_transaction_id TEXT NOT NULL DEFAULT '',
    amount                  INTEGER NOT NULL CHECK (amount > 0),
    status                  TEXT NOT NULL DEFAULT 'open',
    created_at              INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_treasury_receivables_status ON treasury_receivables (status, created_at);
`

	auditDDL = `
CREATE TABLE IF NOT EXISTS treasury_checkpoints (
    vault_id  TEXT PRIMARY KEY,
    sequence  INTEGER NOT NULL,
    available INTEGER NOT NULL,
    locked    INTEGER NOT NULL,
    at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS treasury_audit_reports (
    id            TEXT PRIMARY KEY,
    started_at    INTEGER NOT NULL,
    completed_at  INTEGER NOT NULL,
    discrepancies INTEGER NOT NULL DEFAULT 0,
    backing_gap   INTEGER NOT NULL DEFAULT 0,
    data          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_treasury_audit_reports_completed ON treasury_audit_reports (completed_at DESC);
`
)

// schema lists the DDL in migration order.
var schema = []string{vaultsDDL, entriesDDL, idempotencyDDL, payoutsDDL, refundsDDL, receivablesDDL, auditDDL}

func ddl(stmt string) func(ctx context.Context, exec migrate.Executor) error {
	return func(ctx context.Context, exec migrate.Executor) error {
		_, err := exec.Exec(ctx, stmt)
		return err
	}
}

func drop(tables ...string) func(ctx context.Context, exec migrate.Executor) error {
	return func(ctx context.Context, exec migrate.Executor) error {
		for _, t := range tables {
			if _, err := exec.Exec(ctx, `DROP TABLE IF EXISTS `+t); err != nil {
				return err
			}
		}
		return nil
	}
}

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_treasury_vaults",
			Version: "20260301000001",
			Up:      ddl(vaultsDDL),
			Down:    drop("treasury_vaults"),
		},
		&migrate.Migration{
			Name:    "create_treasury_entries",
			Version: "20260301000002",
			Up:      ddl(entriesDDL),
			Down:    drop("treasury_entries"),
		},
		&migrate.Migration{
			Name:    "create_treasury_idempotency",
			Version: "20260301000003",
			Up:      ddl(idempotencyDDL),
			Down:    drop("treasury_idempotency"),
		},
		&migrate.Migration{
			Name:    "create_treasury_payouts",
			Version: "20260301000004",
			Up:      ddl(payoutsDDL),
			Down:    drop("treasury_payouts"),
		},
		&migrate.Migration{
			Name:    "create_treasury_refunds",
			Version: "20260301000005",
			Up:      ddl(refundsDDL),
			Down:    drop("treasury_refunds"),
		},
		&migrate.Migration{
			Name:    "create_treasury_receivables",
			Version: "20260301000006",
			Up:      ddl(receivablesDDL),
			Down:    drop("treasury_receivables"),
		},
		&migrate.Migration{
			Name:    "create_treasury_audit",
			Version: "20260301000007",
			Up:      ddl(auditDDL),
			Down:    drop("treasury_audit_reports", "treasury_checkpoints"),
		},
	)
}
