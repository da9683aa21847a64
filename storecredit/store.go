/*
store.go - Persistence contracts for ledgers, events and payments

PURPOSE:
  The ledger never talks to a database directly. It is handed a TxStore
  for its own rows and a PaymentFinder for the payment collaborator.

KEY INTERFACES:
  Store:         Ledger rows + append-only events
  TxStore:       Store with an atomic, single-writer WithTx
  PaymentFinder: Read-only lookup of external payments

APPEND-ONLY CONTRACT:
  Events have AppendEvent and reads only. There is no way to change or
  remove an event, even when its ledger is destroyed.

OPTIMISTIC LOCKING:
  UpdateStoreCredit compares the row's stored version with sc.Version and
  fails with ErrConcurrentModification on mismatch. On success the stored
  version becomes sc.Version+1.

IMPLEMENTATIONS:
  - storecredit/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go:      SQLite
*/
package storecredit

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// InsertStoreCredit persists a new ledger and sets sc.ID.
	InsertStoreCredit(ctx context.Context, sc *StoreCredit) error

	GetStoreCredit(ctx context.Context, id ID) (StoreCredit, error)

	// UpdateStoreCredit writes sc if the stored version equals sc.Version.
	UpdateStoreCredit(ctx context.Context, sc StoreCredit) error

	DeleteStoreCredit(ctx context.Context, id ID) error

	// ListStoreCredits returns the user's ledgers ordered by ID.
	ListStoreCredits(ctx context.Context, userID UserID) ([]StoreCredit, error)

	AppendEvent(ctx context.Context, e Event) error

	// Events returns a ledger's events oldest first.
	Events(ctx context.Context, id ID) ([]Event, error)

	// EventsByAuthorizationCode returns a ledger's events carrying code,
	// oldest first.
	EventsByAuthorizationCode(ctx context.Context, id ID, code string) ([]Event, error)

	// UserEventsByAuthorizationCode returns the user's events carrying code
	// across all ledgers, including deleted ones, oldest first.
	UserEventsByAuthorizationCode(ctx context.Context, userID UserID, code string) ([]Event, error)

	GetEvent(ctx context.Context, id EventID) (Event, error)
}

// TxStore runs fn atomically: if fn returns an error nothing it wrote is
// kept. Only one WithTx runs at a time per store.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentFinder looks up payments. Both methods return nil, nil when nothing
// matches.
type PaymentFinder interface {
	FindPaymentByResponseCode(ctx context.Context, code string) (*Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
}
