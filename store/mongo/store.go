// Package mongo implements store.Store on MongoDB.
//
// Reads outside a unit of work go through Grove ORM. Units of work run in a
// multi-document session transaction with snapshot read concern; vault
// documents carry a version field that every update filters on, so a
// concurrent writer makes the update match nothing and the unit of work
// fails with treasury.ErrTransactionConflict. Transient transaction errors
// and duplicate keys are reported the same way. Transactions need a replica
// set or a sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

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

// Collection name constants.
const (
	colVaults      = "treasury_vaults"
	colEntries     = "treasury_entries"
	colIdempotency = "treasury_idempotency"
	colPayouts     = "treasury_payouts"
	colRefunds     = "treasury_refunds"
	colReceivables = "treasury_receivables"
	colCheckpoints = "treasury_checkpoints"
	colReports     = "treasury_audit_reports"
)

// compile-time interface check
var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*tx)(nil)
)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all treasury collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("treasury/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Unit of work ====================

// RunInTx implements store.Store.
func (s *Store) RunInTx(ctx context.Context, fn store.TxFunc) error {
	client := s.mdb.Collection(colVaults).Database().Client()
	sess, err := client.StartSession()
	if err != nil {
		return fmt.Errorf("treasury/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(txOpts); err != nil {
		return fmt.Errorf("treasury/mongo: start transaction: %w", err)
	}

	sctx := mongo.NewSessionContext(ctx, sess)
	if err := fn(sctx, &tx{s: s}); err != nil {
		_ = sess.AbortTransaction(ctx) //nolint:errcheck // the unit-of-work error is the one to report
		return classify(err)
	}
	if err := sess.CommitTransaction(ctx); err != nil {
		_ = sess.AbortTransaction(ctx) //nolint:errcheck // best effort after a failed commit
		return classify(err)
	}
	return nil
}

// classify maps write conflicts and duplicate keys to ErrTransactionConflict.
func classify(err error) error {
	if err == nil || errors.Is(err, treasury.ErrTransactionConflict) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", treasury.ErrTransactionConflict, err.Error())
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("%w: %s", treasury.ErrTransactionConflict, err.Error())
	}
	return err
}

type tx struct {
	s *Store
}

func (t *tx) col(name string) *mongo.Collection {
	return t.s.mdb.Collection(name)
}

// ==================== Vaults ====================

func (t *tx) GetVault(ctx context.Context, vaultID vault.ID) (*vault.Vault, error) {
	var m vaultModel
	err := t.col(colVaults).FindOne(ctx, bson.M{"_id": string(vaultID)}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, treasury.ErrVaultNotFound
		}
		return nil, fmt.Errorf("treasury/mongo: get vault: %w", err)
	}
	return fromVaultModel(&m), nil
}

func (t *tx) PutVault(ctx context.Context, v *vault.Vault) error {
	m := toVaultModel(v)
	if v.Version == 0 {
		m.Version = 1
		if _, err := t.col(colVaults).InsertOne(ctx, m); err != nil {
			return classify(err)
		}
		v.Version = 1
		return nil
	}

	res, err := t.col(colVaults).UpdateOne(ctx,
		bson.M{"_id": m.ID, "version": v.Version},
		bson.M{
			"$set": bson.M{
				"available":     m.Available,
				"locked":        m.Locked,
				"sequence":      m.Sequence,
				"frozen":        m.Frozen,
				"frozen_reason": m.FrozenReason,
				"updated_at":    m.UpdatedAt,
			},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
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
	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = toEntryModel(e)
	}
	if _, err := t.col(colEntries).InsertMany(ctx, docs); err != nil {
		return classify(err)
	}
	return nil
}

func (t *tx) EntriesByTransaction(ctx context.Context, txnID id.TransactionID) ([]*entry.Entry, error) {
	return t.findEntries(ctx,
		bson.M{"transaction_id": txnID.String()},
		bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
	)
}

func (t *tx) EntriesAfter(ctx context.Context, vaultID vault.ID, afterSequence int64) ([]*entry.Entry, error) {
	return t.findEntries(ctx,
		bson.M{"vault_id": string(vaultID), "sequence": bson.M{"$gt": afterSequence}},
		bson.D{{Key: "sequence", Value: 1}},
	)
}

func (t *tx) findEntries(ctx context.Context, filter bson.M, sort bson.D) ([]*entry.Entry, error) {
	cursor, err := t.col(colEntries).Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, fmt.Errorf("treasury/mongo: find entries: %w", err)
	}
	var models []entryModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("treasury/mongo: decode entries: %w", err)
	}
	return entriesFromModels(models)
}

// ==================== Idempotency ====================

func (t *tx) GetIdempotency(ctx context.Context, key string) (*idempotency.Record, error) {
	var m idempotencyModel
	err := t.col(colIdempotency).FindOne(ctx, bson.M{"_id": key}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, treasury.ErrNotFound
		}
		return nil, fmt.Errorf("treasury/mongo: get idempotency record: %w", err)
	}
	return fromIdempotencyModel(&m)
}

func (t *tx) PutIdempotency(ctx context.Context, rec *idempotency.Record) error {
	m, err := toIdempotencyModel(rec)
	if err != nil {
		return err
	}
	if _, err := t.col(colIdempotency).InsertOne(ctx, m); err != nil {
		return classify(err)
	}
	return nil
}

// ==================== Payouts ====================

func (t *tx) GetPayout(ctx context.Context, requestID string) (*payout.Request, error) {
	var m payoutModel
	err := t.col(colPayouts).FindOne(ctx, bson.M{"_id": requestID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, treasury.ErrPayoutNotFound
		}
		return nil, fmt.Errorf("treasury/mongo: get payout: %w", err)
	}
	return fromPayoutModel(&m)
}

func (t *tx) PutPayout(ctx context.Context, p *payout.Request) error {
	m, err := toPayoutModel(p)
	if err != nil {
		return err
	}
	_, err = t.col(colPayouts).ReplaceOne(ctx, bson.M{"_id": m.RequestID}, m, options.Replace().SetUpsert(true))
	return classify(err)
}

// ==================== Refunds ====================

func (t *tx) GetRefund(ctx context.Context, requestID string) (*refund.Request, error) {
	return t.findRefund(ctx, bson.M{"_id": requestID})
}

func (t *tx) PutRefund(ctx context.Context, r *refund.Request) error {
	m, err := toRefundModel(r)
	if err != nil {
		return err
	}
	_, err = t.col(colRefunds).ReplaceOne(ctx, bson.M{"_id": m.RequestID}, m, options.Replace().SetUpsert(true))
	return classify(err)
}

func (t *tx) AppliedRefundFor(ctx context.Context, originalTxnID id.TransactionID) (*refund.Request, error) {
	return t.findRefund(ctx, bson.M{
		"original_transaction_id": originalTxnID.String(),
		"state":                   string(refund.StateApplied),
	})
}

func (t *tx) findRefund(ctx context.Context, filter bson.M) (*refund.Request, error) {
	var m refundModel
	err := t.col(colRefunds).FindOne(ctx, filter).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, treasury.ErrRefundNotFound
		}
		return nil, fmt.Errorf("treasury/mongo: get refund: %w", err)
	}
	return fromRefundModel(&m)
}

func (t *tx) CountAppliedRefunds(ctx context.Context, spender vault.ID, since time.Time) (int, error) {
	n, err := t.col(colRefunds).CountDocuments(ctx, bson.M{
		"spender_vault_id": string(spender),
		"state":            string(refund.StateApplied),
		"decided_at":       bson.M{"$gte": since},
	})
	if err != nil {
		return 0, fmt.Errorf("treasury/mongo: count refunds: %w", err)
	}
	return int(n), nil
}

func (t *tx) PutReceivable(ctx context.Context, r *refund.Receivable) error {
	if _, err := t.col(colReceivables).InsertOne(ctx, toReceivableModel(r)); err != nil {
		return classify(err)
	}
	return nil
}

// ==================== Checkpoints ====================

func (t *tx) GetCheckpoint(ctx context.Context, vaultID vault.ID) (*audit.Checkpoint, error) {
	var m checkpointModel
	err := t.col(colCheckpoints).FindOne(ctx, bson.M{"_id": string(vaultID)}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, treasury.ErrNotFound
		}
		return nil, fmt.Errorf("treasury/mongo: get checkpoint: %w", err)
	}
	return fromCheckpointModel(&m), nil
}

func (t *tx) PutCheckpoint(ctx context.Context, cp *audit.Checkpoint) error {
	m := toCheckpointModel(cp)
	_, err := t.col(colCheckpoints).ReplaceOne(ctx, bson.M{"_id": m.VaultID}, m, options.Replace().SetUpsert(true))
	return classify(err)
}

// ==================== Read-only projections ====================

func (s *Store) GetVault(ctx context.Context, vaultID vault.ID) (*vault.Vault, error) {
	var m vaultModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": string(vaultID)}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, treasury.ErrVaultNotFound
		}
		return nil, fmt.Errorf("treasury/mongo: get vault: %w", err)
	}
	return fromVaultModel(&m), nil
}

func (s *Store) ListVaults(ctx context.Context) ([]*vault.Vault, error) {
	var models []vaultModel
	err := s.mdb.NewFind(&models).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("treasury/mongo: list vaults: %w", err)
	}
	result := make([]*vault.Vault, len(models))
	for i := range models {
		result[i] = fromVaultModel(&models[i])
	}
	return result, nil
}

func (s *Store) ListEntries(ctx context.Context, vaultID vault.ID, opts entry.ListOpts) ([]*entry.Entry, error) {
	var models []entryModel

	filter := bson.M{
		"vault_id": string(vaultID),
		"sequence": bson.M{"$gt": opts.AfterSequence},
	}
	if !opts.Start.IsZero() || !opts.End.IsZero() {
		tsFilter := bson.M{}
		if !opts.Start.IsZero() {
			tsFilter["$gte"] = opts.Start
		}
		if !opts.End.IsZero() {
			tsFilter["$lt"] = opts.End
		}
		filter["created_at"] = tsFilter
	}

	err := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "sequence", Value: 1}}).
		Limit(int64(opts.PageSize() + 1)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("treasury/mongo: list entries: %w", err)
	}
	return entriesFromModels(models)
}

func (s *Store) GetPayout(ctx context.Context, requestID string) (*payout.Request, error) {
	var m payoutModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": requestID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, treasury.ErrPayoutNotFound
		}
		return nil, fmt.Errorf("treasury/mongo: get payout: %w", err)
	}
	return fromPayoutModel(&m)
}

func (s *Store) GetRefund(ctx context.Context, requestID string) (*refund.Request, error) {
	var m refundModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": requestID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, treasury.ErrRefundNotFound
		}
		return nil, fmt.Errorf("treasury/mongo: get refund: %w", err)
	}
	return fromRefundModel(&m)
}

func (s *Store) ListReceivables(ctx context.Context, status refund.ReceivableStatus) ([]*refund.Receivable, error) {
	var models []receivableModel

	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}

	err := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("treasury/mongo: list receivables: %w", err)
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
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("treasury/mongo: save report: %w", err)
	}
	return nil
}

func (s *Store) LatestReport(ctx context.Context) (*audit.Report, error) {
	var m reportModel
	err := s.mdb.NewFind(&m).
		Sort(bson.D{{Key: "completed_at", Value: -1}}).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, treasury.ErrNotFound
		}
		return nil, fmt.Errorf("treasury/mongo: latest report: %w", err)
	}
	return fromReportModel(&m)
}

// ==================== Helpers ====================

func entriesFromModels(models []entryModel) ([]*entry.Entry, error) {
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

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all treasury collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colVaults: {
			{Keys: bson.D{{Key: "kind", Value: 1}}},
		},
		colEntries: {
			{
				Keys:    bson.D{{Key: "vault_id", Value: 1}, {Key: "sequence", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "transaction_id", Value: 1}}},
			{Keys: bson.D{{Key: "vault_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colIdempotency: {
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		colPayouts: {
			{Keys: bson.D{{Key: "creator_id", Value: 1}, {Key: "state", Value: 1}}},
		},
		colRefunds: {
			{
				Keys: bson.D{{Key: "original_transaction_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"state": string(refund.StateApplied)}),
			},
			{Keys: bson.D{{Key: "spender_vault_id", Value: 1}, {Key: "decided_at", Value: -1}}},
		},
		colReceivables: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colReports: {
			{Keys: bson.D{{Key: "completed_at", Value: -1}}},
		},
	}
}
