package audithook

// Action constants for audit events.
const (
	// Ledger actions
	ActionTokensPurchased = "tokens.purchased"

	// Allocation actions
	ActionAllocationSucceeded = "allocation.succeeded"
	ActionAllocationRejected  = "allocation.rejected"

	// Refund actions
	ActionRefundApplied    = "refund.applied"
	ActionRefundDenied     = "refund.denied"
	ActionReceivableOpened = "receivable.opened"

	// Payout actions
	ActionPayoutLocked   = "payout.locked"
	ActionPayoutReleased = "payout.released"
	ActionPayoutRejected = "payout.rejected"

	// Reserve actions
	ActionReserveRebalanced = "reserve.rebalanced"
	ActionReserveAlert      = "reserve.alert"

	// Integrity actions
	ActionAuditCompleted     = "audit.completed"
	ActionIntegrityViolation = "integrity.violation"
	ActionContention         = "transaction.contention"
)

// Resource constants for audit events.
const (
	ResourceWallet     = "wallet"
	ResourceAllocation = "allocation"
	ResourceRefund     = "refund"
	ResourceReceivable = "receivable"
	ResourcePayout     = "payout"
	ResourceReserve    = "reserve"
	ResourceVault      = "vault"
	ResourceAudit      = "audit"
)

// Category constants for audit events.
const (
	CategoryLedger    = "ledger"
	CategorySettle    = "settlement"
	CategoryRefund    = "refund"
	CategoryPayout    = "payout"
	CategoryTreasury  = "treasury"
	CategoryIntegrity = "integrity"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
