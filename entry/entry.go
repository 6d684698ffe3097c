// Package entry defines immutable ledger entries, the single source of
// truth for every balance in Treasury.
//
// An entry records one signed delta against one partition of one vault.
// Entries are appended and never updated or deleted; corrections are new
// ADJUSTMENT entries that reference the transaction they correct.
package entry

import (
	"time"

	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/vault"
)

// EventType names the business event behind an entry.
type EventType string

const (
	Purchase         EventType = "PURCHASE"
	Spend            EventType = "SPEND"
	Earn             EventType = "EARN"
	Commission       EventType = "COMMISSION"
	Refund           EventType = "REFUND"
	RefundCreator    EventType = "REFUND_CREATOR"
	RefundCommission EventType = "REFUND_COMMISSION"
	PayoutLock       EventType = "PAYOUT_LOCK"
	PayoutRelease    EventType = "PAYOUT_RELEASE"
	PayoutRefund     EventType = "PAYOUT_REFUND"
	HotToCold        EventType = "HOT_TO_COLD"
	ColdToHot        EventType = "COLD_TO_HOT"
	Adjustment       EventType = "ADJUSTMENT"
)

// EventTypes lists every event type in declaration order.
var EventTypes = []EventType{
	Purchase, Spend, Earn, Commission,
	Refund, RefundCreator, RefundCommission,
	PayoutLock, PayoutRelease, PayoutRefund,
	HotToCold, ColdToHot, Adjustment,
}

// Entry is one immutable leg of a ledger transaction.
type Entry struct {
	ID        id.EntryID      `json:"id"`
	EventType EventType       `json:"event_type"`
	VaultID   vault.ID        `json:"vault_id"`
	Partition vault.Partition `json:"partition"`

	// Amount is the signed delta applied to the partition.
	Amount int64 `json:"amount"`
	// BalanceAfter is the partition balance once this entry is applied.
	BalanceAfter int64 `json:"balance_after"`
	// Sequence orders the entries of one vault.
	Sequence int64 `json:"sequence"`

	TransactionID         id.TransactionID `json:"transaction_id"`
	RequestID             string           `json:"request_id"`
	OriginalTransactionID id.TransactionID `json:"original_transaction_id,omitempty"`

	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sums holds per-partition totals of a set of entries.
type Sums struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

// Fold adds every entry's amount to the partition it addresses.
func Fold(entries []*Entry) Sums {
	var s Sums
	for _, e := range entries {
		if e.Partition == vault.Locked {
			s.Locked += e.Amount
		} else {
			s.Available += e.Amount
		}
	}
	return s
}

// ListOpts selects a page of one vault's history.
type ListOpts struct {
	// Start and End bound CreatedAt; zero values leave that side open.
	// End is exclusive.
	Start time.Time
	End   time.Time

	// AfterSequence is the cursor: only entries with a larger sequence
	// are returned.
	AfterSequence int64

	// Limit caps the page size. Zero means DefaultPageSize.
	Limit int
}

// Page size bounds for history queries.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// PageSize returns the effective page size for opts.
func (o ListOpts) PageSize() int {
	switch {
	case o.Limit <= 0:
		return DefaultPageSize
	case o.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return o.Limit
	}
}

// Matches reports whether e passes the time range and cursor of opts.
func (o ListOpts) Matches(e *Entry) bool {
	if e.Sequence <= o.AfterSequence {
		return false
	}
	if !o.Start.IsZero() && e.CreatedAt.Before(o.Start) {
		return false
	}
	if !o.End.IsZero() && !e.CreatedAt.Before(o.End) {
		return false
	}
	return true
}

// Page is one page of a vault's history in ascending sequence order.
type Page struct {
	Entries []*Entry `json:"entries"`
	// NextSequence is the cursor for the following page.
	NextSequence int64 `json:"next_sequence"`
	HasMore      bool  `json:"has_more"`
}

// NewPage builds a page from up to size+1 entries fetched by a store.
// The extra entry, when present, only signals that more entries follow.
func NewPage(entries []*Entry, size int, cursor int64) Page {
	p := Page{NextSequence: cursor}
	if len(entries) > size {
		entries = entries[:size]
		p.HasMore = true
	}
	p.Entries = entries
	if n := len(entries); n > 0 {
		p.NextSequence = entries[n-1].Sequence
	}
	return p
}
