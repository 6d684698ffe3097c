package sqlite

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/idempotency"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/types"
	"github.com/xraph/treasury/vault"
)

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// ==================== Vault models ====================

type vaultModel struct {
	grove.BaseModel `grove:"table:treasury_vaults"`

	ID           string `grove:"id,pk"`
	Kind         string `grove:"kind"`
	Available    int64  `grove:"available"`
	Locked       int64  `grove:"locked"`
	Sequence     int64  `grove:"sequence"`
	Version      int64  `grove:"version"`
	Frozen       bool   `grove:"frozen"`
	FrozenReason string `grove:"frozen_reason"`
	CreatedAt    int64  `grove:"created_at"`
	UpdatedAt    int64  `grove:"updated_at"`
}

const vaultColumns = `id, kind, available, locked, sequence, version, frozen, frozen_reason, created_at, updated_at`

func (m *vaultModel) dest() []any {
	return []any{
		&m.ID, &m.Kind, &m.Available, &m.Locked, &m.Sequence, &m.Version,
		&m.Frozen, &m.FrozenReason, &m.CreatedAt, &m.UpdatedAt,
	}
}

func fromVaultModel(m *vaultModel) *vault.Vault {
	return &vault.Vault{
		Entity: types.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		ID:           vault.ID(m.ID),
		Kind:         vault.Kind(m.Kind),
		Available:    m.Available,
		Locked:       m.Locked,
		Sequence:     m.Sequence,
		Version:      m.Version,
		Frozen:       m.Frozen,
		FrozenReason: m.FrozenReason,
	}
}

// ==================== Entry models ====================

type entryModel struct {
	grove.BaseModel `grove:"table:treasury_entries"`

	ID                    string `grove:"id,pk"`
	EventType             string `grove:"event_type"`
	VaultID               string `grove:"vault_id"`
	Partition             string `grove:"partition"`
	Amount                int64  `grove:"amount"`
	BalanceAfter          int64  `grove:"balance_after"`
	Sequence              int64  `grove:"sequence"`
	TransactionID         string `grove:"transaction_id"`
	RequestID             string `grove:"request_id"`
	OriginalTransactionID string `grove:"original_transaction_id"`
	Metadata              string `grove:"metadata"`
	CreatedAt             int64  `grove:"created_at"`
}

const entryColumns = `id, event_type, vault_id, partition, amount, balance_after, sequence,
	transaction_id, request_id, original_transaction_id, metadata, created_at`

func (m *entryModel) dest() []any {
	return []any{
		&m.ID, &m.EventType, &m.VaultID, &m.Partition, &m.Amount, &m.BalanceAfter, &m.Sequence,
		&m.TransactionID, &m.RequestID, &m.OriginalTransactionID, &m.Metadata, &m.CreatedAt,
	}
}

func (m *entryModel) args() []any {
	return []any{
		m.ID, m.EventType, m.VaultID, m.Partition, m.Amount, m.BalanceAfter, m.Sequence,
		m.TransactionID, m.RequestID, m.OriginalTransactionID, m.Metadata, m.CreatedAt,
	}
}

func toEntryModel(e *entry.Entry) (*entryModel, error) {
	meta := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, err
		}
		meta = string(b)
	}
	return &entryModel{
		ID:                    e.ID.String(),
		EventType:             string(e.EventType),
		VaultID:               string(e.VaultID),
		Partition:             string(e.Partition),
		Amount:                e.Amount,
		BalanceAfter:          e.BalanceAfter,
		Sequence:              e.Sequence,
		TransactionID:         e.TransactionID.String(),
		RequestID:             e.RequestID,
		OriginalTransactionID: e.OriginalTransactionID.String(),
		Metadata:              meta,
		CreatedAt:             toNanos(e.CreatedAt),
	}, nil
}

func fromEntryModel(m *entryModel) (*entry.Entry, error) {
	entryID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	txnID, err := id.ParseTransactionID(m.TransactionID)
	if err != nil {
		return nil, err
	}
	origID, err := id.ParseOptional(m.OriginalTransactionID, id.PrefixTransaction)
	if err != nil {
		return nil, err
	}
	var meta map[string]string
	if m.Metadata != "" && m.Metadata != "{}" {
		if err := json.Unmarshal([]byte(m.Metadata), &meta); err != nil {
			return nil, err
		}
	}
	return &entry.Entry{
		ID:                    entryID,
		EventType:             entry.EventType(m.EventType),
		VaultID:               vault.ID(m.VaultID),
		Partition:             vault.Partition(m.Partition),
		Amount:                m.Amount,
		BalanceAfter:          m.BalanceAfter,
		Sequence:              m.Sequence,
		TransactionID:         txnID,
		RequestID:             m.RequestID,
		OriginalTransactionID: origID,
		CreatedAt:             fromNanos(m.CreatedAt),
		Metadata:              meta,
	}, nil
}

// ==================== Idempotency models ====================

type idempotencyModel struct {
	Key         string
	Operation   string
	Fingerprint string
	Result      string
	CreatedAt   int64
}

func fromIdempotencyModel(m *idempotencyModel) *idempotency.Record {
	return &idempotency.Record{
		Key:         m.Key,
		Operation:   idempotency.Operation(m.Operation),
		Fingerprint: m.Fingerprint,
		Result:      []byte(m.Result),
		CreatedAt:   fromNanos(m.CreatedAt),
	}
}

// ==================== Payout models ====================

// payoutModel keeps the searchable fields in columns and the full request
// as JSON text in data.
type payoutModel struct {
	grove.BaseModel `grove:"table:treasury_payouts"`

	RequestID string `grove:"request_id,pk"`
	CreatorID string `grove:"creator_id"`
	VaultID   string `grove:"vault_id"`
	State     string `grove:"state"`
	Data      string `grove:"data"`
	CreatedAt int64  `grove:"created_at"`
	UpdatedAt int64  `grove:"updated_at"`
}

func toPayoutModel(p *payout.Request) (*payoutModel, error) {
	stored := p.Clone()
	stored.Replayed = false
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	return &payoutModel{
		RequestID: p.RequestID,
		CreatorID: p.CreatorID,
		VaultID:   string(p.VaultID),
		State:     string(p.State),
		Data:      string(data),
		CreatedAt: toNanos(p.CreatedAt),
		UpdatedAt: toNanos(p.UpdatedAt),
	}, nil
}

func fromPayoutData(data string) (*payout.Request, error) {
	p := new(payout.Request)
	if err := json.Unmarshal([]byte(data), p); err != nil {
		return nil, err
	}
	return p, nil
}

// ==================== Refund models ====================

type refundModel struct {
	grove.BaseModel `grove:"table:treasury_refunds"`

	RequestID             string `grove:"request_id,pk"`
	OriginalTransactionID string `grove:"original_transaction_id"`
	SpenderVaultID        string `grove:"spender_vault_id"`
	State                 string `grove:"state"`
	DecidedAt             int64  `grove:"decided_at"`
	Data                  string `grove:"data"`
	CreatedAt             int64  `grove:"created_at"`
	UpdatedAt             int64  `grove:"updated_at"`
}

func toRefundModel(r *refund.Request) (*refundModel, error) {
	stored := *r
	stored.Replayed = false
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, err
	}
	return &refundModel{
		RequestID:             r.RequestID,
		OriginalTransactionID: r.OriginalTransactionID.String(),
		SpenderVaultID:        string(r.SpenderVaultID),
		State:                 string(r.State),
		DecidedAt:             toNanos(r.DecidedAt),
		Data:                  string(data),
		CreatedAt:             toNanos(r.CreatedAt),
		UpdatedAt:             toNanos(r.UpdatedAt),
	}, nil
}

func fromRefundData(data string) (*refund.Request, error) {
	r := new(refund.Request)
	if err := json.Unmarshal([]byte(data), r); err != nil {
		return nil, err
	}
	return r, nil
}

// ==================== Receivable models ====================

type receivableModel struct {
	grove.BaseModel `grove:"table:treasury_receivables"`

	ID                    string `grove:"id,pk"`
	VaultID               string `grove:"vault_id"`
	RefundRequestID       string `grove:"refund_request_id"`
	RefundTransactionID   string `grove:"refund_transaction_id"`
	OriginalTransactionID string `grove:"original_transaction_id"`
	Amount                int64  `grove:"amount"`
	Status                string `grove:"status"`
	CreatedAt             int64  `grove:"created_at"`
}

func toReceivableModel(r *refund.Receivable) *receivableModel {
	return &receivableModel{
		ID:                    r.ID.String(),
		VaultID:               string(r.VaultID),
		RefundRequestID:       r.RefundRequestID,
		RefundTransactionID:   r.RefundTransactionID.String(),
		OriginalTransactionID: r.OriginalTransactionID.String(),
		Amount:                r.Amount,
		Status:                string(r.Status),
		CreatedAt:             toNanos(r.CreatedAt),
	}
}

func fromReceivableModel(m *receivableModel) (*refund.Receivable, error) {
	rcvID, err := id.ParseReceivableID(m.ID)
	if err != nil {
		return nil, err
	}
	refundTxn, err := id.ParseOptional(m.RefundTransactionID, id.PrefixTransaction)
	if err != nil {
		return nil, err
	}
	origTxn, err := id.ParseOptional(m.OriginalTransactionID, id.PrefixTransaction)
	if err != nil {
		return nil, err
	}
	return &refund.Receivable{
		ID:                    rcvID,
		VaultID:               vault.ID(m.VaultID),
		RefundRequestID:       m.RefundRequestID,
		RefundTransactionID:   refundTxn,
		OriginalTransactionID: origTxn,
		Amount:                m.Amount,
		Status:                refund.ReceivableStatus(m.Status),
		CreatedAt:             fromNanos(m.CreatedAt),
	}, nil
}

// ==================== Audit models ====================

type checkpointModel struct {
	VaultID   string
	Sequence  int64
	Available int64
	Locked    int64
	At        int64
}

func fromCheckpointModel(m *checkpointModel) *audit.Checkpoint {
	return &audit.Checkpoint{
		VaultID:   vault.ID(m.VaultID),
		Sequence:  m.Sequence,
		Available: m.Available,
		Locked:    m.Locked,
		At:        fromNanos(m.At),
	}
}

type reportModel struct {
	grove.BaseModel `grove:"table:treasury_audit_reports"`

	ID            string `grove:"id,pk"`
	StartedAt     int64  `grove:"started_at"`
	CompletedAt   int64  `grove:"completed_at"`
	Discrepancies int    `grove:"discrepancies"`
	BackingGap    int64  `grove:"backing_gap"`
	Data          string `grove:"data"`
}

func toReportModel(r *audit.Report) (*reportModel, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return &reportModel{
		ID:            r.ID.String(),
		StartedAt:     toNanos(r.StartedAt),
		CompletedAt:   toNanos(r.CompletedAt),
		Discrepancies: len(r.Discrepancies),
		BackingGap:    r.Backing.Gap,
		Data:          string(data),
	}, nil
}

func fromReportModel(m *reportModel) (*audit.Report, error) {
	r := new(audit.Report)
	if err := json.Unmarshal([]byte(m.Data), r); err != nil {
		return nil, err
	}
	return r, nil
}
