package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Treasury store.
var Migrations = migrate.NewGroup("treasury")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_treasury_vaults",
			Version: "20260301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS treasury_vaults (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    available     BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0),
    locked        BIGINT NOT NULL DEFAULT 0 CHECK (locked >= 0),
    sequence      BIGINT NOT NULL DEFAULT 0,
    version       BIGINT NOT NULL DEFAULT 1,
    frozen        BOOLEAN NOT NULL DEFAULT FALSE,
    frozen_reason TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_treasury_vaults_kind ON treasury_vaults (kind);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS treasury_vaults`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_treasury_entries",
			Version: "20260301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS treasury_entries (
    id                      TEXT PRIMARY KEY,
    event_type              TEXT NOT NULL,
    vault_id                TEXT NOT NULL,
    partition               TEXT NOT NULL,
    amount                  BIGINT NOT NULL,
    balance_after           BIGINT NOT NULL,
    sequence                BIGINT NOT NULL,
    transaction_id          TEXT NOT NULL,
    request_id              TEXT NOT NULL DEFAULT '',
    original_transaction_id TEXT NOT NULL DEFAULT '',
    metadata                JSONB NOT NULL DEFAULT '{}',
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_treasury_entries_vault_seq ON treasury_entries (vault_id, sequence);
CREATE INDEX IF NOT EXISTS idx_treasury_entries_txn ON treasury_entries (transaction_id);
CREATE INDEX IF NOT EXISTS idx_treasury_entries_vault_time ON treasury_entries (vault_id, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS treasury_entries`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_treasury_idempotency",
			Version: "20260301000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS treasury_idempotency (
    key         TEXT PRIMARY KEY,
    operation   TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    result      JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS treasury_idempotency`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_treasury_payouts",
			Version: "20260301000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS treasury_payouts (
    request_id TEXT PRIMARY KEY,
    creator_id TEXT NOT NULL,
    vault_id   TEXT NOT NULL,
    state      TEXT NOT NULL,
    data       JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_treasury_payouts_creator ON treasury_payouts (creator_id, state);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS treasury_payouts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_treasury_refunds",
			Version: "20260301000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS treasury_refunds (
    request_id              TEXT PRIMARY KEY,
    original_transaction_id TEXT NOT NULL,
    spender_vault_id        TEXT NOT NULL,
    state                   TEXT NOT NULL,
    decided_at              TIMESTAMPTZ NOT NULL,
    data                    JSONB NOT NULL,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_treasury_refunds_applied
    ON treasury_refunds (original_transaction_id) WHERE state = 'APPLIED';
CREATE INDEX IF NOT EXISTS idx_treasury_refunds_spender
    ON treasury_refunds (spender_vault_id, decided_at) WHERE state = 'APPLIED';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS treasury_refunds`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_treasury_receivables",
			Version: "20260301000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS treasury_receivables (
    id                      TEXT PRIMARY KEY,
    vault_id                TEXT NOT NULL,
    refund_request_id       TEXT NOT NULL,
    refund_transaction_id   TEXT NOT NULL DEFAULT '',
    original_transaction_id TEXT NOT NULL DEFAULT '',
    amount                  BIGINT NOT NULL CHECK (amount > 0),
    status                  TEXT NOT NULL DEFAULT 'open',
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_treasury_receivables_status ON treasury_receivables (status, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS treasury_receivables`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_treasury_audit",
			Version: "20260301000007",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS treasury_checkpoints (
    vault_id  TEXT PRIMARY KEY,
    sequence  BIGINT NOT NULL,
    available BIGINT NOT NULL,
    locked    BIGINT NOT NULL,
    at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS treasury_audit_reports (
    id            TEXT PRIMARY KEY,
    started_at    TIMESTAMPTZ NOT NULL,
    completed_at  TIMESTAMPTZ NOT NULL,
    discrepancies INT NOT NULL DEFAULT 0,
    backing_gap   BIGINT NOT NULL DEFAULT 0,
    data          JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_treasury_audit_reports_completed ON treasury_audit_reports (completed_at DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS treasury_audit_reports;
DROP TABLE IF EXISTS treasury_checkpoints;
`)
				return err
			},
		},
	)
}
