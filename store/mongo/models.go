package mongo

import (
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

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

// ==================== Vault models ====================

type vaultModel struct {
	grove.BaseModel `grove:"table:treasury_vaults" bson:"-"`

	ID           string    `grove:"id,pk"         bson:"_id"`
	Kind         string    `grove:"kind"          bson:"kind"`
	Available    int64     `grove:"available"     bson:"available"`
	Locked       int64     `grove:"locked"        bson:"locked"`
	Sequence     int64     `grove:"sequence"      bson:"sequence"`
	Version      int64     `grove:"version"       bson:"version"`
	Frozen       bool      `grove:"frozen"        bson:"frozen"`
	FrozenReason string    `grove:"frozen_reason" bson:"frozen_reason"`
	CreatedAt    time.Time `grove:"created_at"    bson:"created_at"`
	UpdatedAt    time.Time `grove:"updated_at"    bson:"updated_at"`
}

func toVaultModel(v *vault.Vault) *vaultModel {
	return &vaultModel{
		ID:           string(v.ID),
		Kind:         string(v.Kind),
		Available:    v.Available,
		Locked:       v.Locked,
		Sequence:     v.Sequence,
		Version:      v.Version,
		Frozen:       v.Frozen,
		FrozenReason: v.FrozenReason,
		CreatedAt:    v.CreatedAt,
		UpdatedAt:    v.UpdatedAt,
	}
}

func fromVaultModel(m *vaultModel) *vault.Vault {
	return &vault.Vault{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
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
	grove.BaseModel `grove:"table:treasury_entries" bson:"-"`

	ID                    string            `grove:"id,pk"                   bson:"_id"`
	EventType             string            `grove:"event_type"              bson:"event_type"`
	VaultID               string            `grove:"vault_id"                bson:"vault_id"`
	Partition             string            `grove:"partition"               bson:"partition"`
	Amount                int64             `grove:"amount"                  bson:"amount"`
	BalanceAfter          int64             `grove:"balance_after"           bson:"balance_after"`
	Sequence              int64             `grove:"sequence"                bson:"sequence"`
	TransactionID         string            `grove:"transaction_id"          bson:"transaction_id"`
	RequestID             string            `grove:"request_id"              bson:"request_id"`
	OriginalTransactionID string            `grove:"original_transaction_id" bson:"original_transaction_id,omitempty"`
	Metadata              map[string]string `grove:"metadata"                bson:"metadata,omitempty"`
	CreatedAt             time.Time         `grove:"created_at"              bson:"created_at"`
}

func toEntryModel(e *entry.Entry) *entryModel {
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
		Metadata:              e.Metadata,
		CreatedAt:             e.CreatedAt,
	}
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
		CreatedAt:             m.CreatedAt,
		Metadata:              m.Metadata,
	}, nil
}

// ==================== Idempotency models ====================

type idempotencyModel struct {
	grove.BaseModel `grove:"table:treasury_idempotency" bson:"-"`

	Key         string    `grove:"key,pk"      bson:"_id"`
	Operation   string    `grove:"operation"   bson:"operation"`
	Fingerprint string    `grove:"fingerprint" bson:"fingerprint"`
	Result      bson.D    `grove:"result"      bson:"result"`
	CreatedAt   time.Time `grove:"created_at"  bson:"created_at"`
}

func toIdempotencyModel(rec *idempotency.Record) (*idempotencyModel, error) {
	result, err := jsonToDoc(rec.Result)
	if err != nil {
		return nil, err
	}
	return &idempotencyModel{
		Key:         rec.Key,
		Operation:   string(rec.Operation),
		Fingerprint: rec.Fingerprint,
		Result:      result,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

func fromIdempotencyModel(m *idempotencyModel) (*idempotency.Record, error) {
	result, err := docToJSON(m.Result)
	if err != nil {
		return nil, err
	}
	return &idempotency.Record{
		Key:         m.Key,
		Operation:   idempotency.Operation(m.Operation),
		Fingerprint: m.Fingerprint,
		Result:      result,
		CreatedAt:   m.CreatedAt,
	}, nil
}

// ==================== Payout models ====================

type payoutModel struct {
	grove.BaseModel `grove:"table:treasury_payouts" bson:"-"`

	RequestID string    `grove:"request_id,pk" bson:"_id"`
	CreatorID string    `grove:"creator_id"    bson:"creator_id"`
	VaultID   string    `grove:"vault_id"      bson:"vault_id"`
	State     string    `grove:"state"         bson:"state"`
	Data      bson.D    `grove:"data"          bson:"data"`
	CreatedAt time.Time `grove:"created_at"    bson:"created_at"`
	UpdatedAt time.Time `grove:"updated_at"    bson:"updated_at"`
}

func toPayoutModel(p *payout.Request) (*payoutModel, error) {
	stored := p.Clone()
	stored.Replayed = false
	data, err := toDoc(stored)
	if err != nil {
		return nil, err
	}
	return &payoutModel{
		RequestID: p.RequestID,
		CreatorID: p.CreatorID,
		VaultID:   string(p.VaultID),
		State:     string(p.State),
		Data:      data,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}, nil
}

func fromPayoutModel(m *payoutModel) (*payout.Request, error) {
	p := new(payout.Request)
	if err := fromDoc(m.Data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ==================== Refund models ====================

type refundModel struct {
	grove.BaseModel `grove:"table:treasury_refunds" bson:"-"`

	RequestID             string    `grove:"request_id,pk"           bson:"_id"`
	OriginalTransactionID string    `grove:"original_transaction_id" bson:"original_transaction_id"`
	SpenderVaultID        string    `grove:"spender_vault_id"        bson:"spender_vault_id"`
	State                 string    `grove:"state"                   bson:"state"`
	DecidedAt             time.Time `grove:"decided_at"              bson:"decided_at"`
	Data                  bson.D    `grove:"data"                    bson:"data"`
	CreatedAt             time.Time `grove:"created_at"              bson:"created_at"`
	UpdatedAt             time.Time `grove:"updated_at"              bson:"updated_at"`
}

func toRefundModel(r *refund.Request) (*refundModel, error) {
	stored := *r
	stored.Replayed = false
	data, err := toDoc(&stored)
	if err != nil {
		return nil, err
	}
	return &refundModel{
		RequestID:             r.RequestID,
		OriginalTransactionID: r.OriginalTransactionID.String(),
		SpenderVaultID:        string(r.SpenderVaultID),
		State:                 string(r.State),
		DecidedAt:             r.DecidedAt,
		Data:                  data,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}, nil
}

func fromRefundModel(m *refundModel) (*refund.Request, error) {
	r := new(refund.Request)
	if err := fromDoc(m.Data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ==================== Receivable models ====================

type receivableModel struct {
	grove.BaseModel `grove:"table:treasury_receivables" bson:"-"`

	ID                    string    `grove:"id,pk"                   bson:"_id"`
	VaultID               string    `grove:"vault_id"                bson:"vault_id"`
	RefundRequestID       string    `grove:"refund_request_id"       bson:"refund_request_id"`
	RefundTransactionID   string    `grove:"refund_transaction_id"   bson:"refund_transaction_id"`
	OriginalTransactionID string    `grove:"original_transaction_id" bson:"original_transaction_id"`
	Amount                int64     `grove:"amount"                  bson:"amount"`
	Status                string    `grove:"status"                  bson:"status"`
	CreatedAt             time.Time `grove:"created_at"              bson:"created_at"`
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
		CreatedAt:             r.CreatedAt,
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
		CreatedAt:             m.CreatedAt,
	}, nil
}

// ==================== Audit models ====================

type checkpointModel struct {
	grove.BaseModel `grove:"table:treasury_checkpoints" bson:"-"`

	VaultID   string    `grove:"vault_id,pk" bson:"_id"`
	Sequence  int64     `grove:"sequence"    bson:"sequence"`
	Available int64     `grove:"available"   bson:"available"`
	Locked    int64     `grove:"locked"      bson:"locked"`
	At        time.Time `grove:"at"          bson:"at"`
}

func toCheckpointModel(cp *audit.Checkpoint) *checkpointModel {
	return &checkpointModel{
		VaultID:   string(cp.VaultID),
		Sequence:  cp.Sequence,
		Available: cp.Available,
		Locked:    cp.Locked,
		At:        cp.At,
	}
}

func fromCheckpointModel(m *checkpointModel) *audit.Checkpoint {
	return &audit.Checkpoint{
		VaultID:   vault.ID(m.VaultID),
		Sequence:  m.Sequence,
		Available: m.Available,
		Locked:    m.Locked,
		At:        m.At,
	}
}

type reportModel struct {
	grove.BaseModel `grove:"table:treasury_audit_reports" bson:"-"`

	ID            string    `grove:"id,pk"         bson:"_id"`
	StartedAt     time.Time `grove:"started_at"    bson:"started_at"`
	CompletedAt   time.Time `grove:"completed_at"  bson:"completed_at"`
	Discrepancies int       `grove:"discrepancies" bson:"discrepancies"`
	BackingGap    int64     `grove:"backing_gap"   bson:"backing_gap"`
	Data          bson.D    `grove:"data"          bson:"data"`
}

func toReportModel(r *audit.Report) (*reportModel, error) {
	data, err := toDoc(r)
	if err != nil {
		return nil, err
	}
	return &reportModel{
		ID:            r.ID.String(),
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		Discrepancies: len(r.Discrepancies),
		BackingGap:    r.Backing.Gap,
		Data:          data,
	}, nil
}

func fromReportModel(m *reportModel) (*audit.Report, error) {
	r := new(audit.Report)
	if err := fromDoc(m.Data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ==================== Document helpers ====================

// Domain records already define their JSON form. Nested documents are
// stored as the relaxed extended-JSON rendering of that form so they stay
// queryable from the mongo shell.

func toDoc(v any) (bson.D, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonToDoc(raw)
}

func fromDoc(d bson.D, v any) error {
	raw, err := docToJSON(d)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func jsonToDoc(raw []byte) (bson.D, error) {
	var d bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func docToJSON(d bson.D) ([]byte, error) {
	if d == nil {
		d = bson.D{}
	}
	return bson.MarshalExtJSON(d, false, false)
}
