package treasury

import "github.com/xraph/treasury/id"

// ID is the identifier type of entries, transactions, receivables and
// audit reports.
type ID = id.ID

// TransactionID groups the legs of one ledger transaction.
type TransactionID = id.TransactionID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
