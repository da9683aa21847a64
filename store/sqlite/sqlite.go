/*
Package sqlite provides a SQLite-backed implementation of the storecredit
storage interfaces.

PURPOSE:
  Implements storecredit.TxStore (ledgers + events) and
  storecredit.PaymentFinder (orders + payments) using SQLite. The same
  schema works on PostgreSQL with minor dialect changes.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch store_credit_events (Reset, a
    development helper, is the one exception)
  - Deleting a store credit leaves its events in place (no FK cascade)

KEY TABLES:
  store_credits:        One row per ledger, with a version column
  store_credit_events:  Immutable audit trail
  orders, payments:     Payment collaborator data (response_code lookup)

MONEY:
  Decimals are stored as TEXT and parsed with shopspring/decimal. SQLite
  REAL would reintroduce the float rounding the ledger exists to avoid.

CONCURRENCY:
  A sync.RWMutex serializes writers, WithTx holds it for the whole
  transaction. Updates additionally check the version column, so a stale
  write fails with ErrConcurrentModification instead of overwriting.

WAL MODE:
  Opened with WAL so readers don't block the single writer.

USAGE:
  store, err := sqlite.New("./data/storecredit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := storecredit.NewLedger(store, store, storecredit.DefaultOptions())

SEE ALSO:
  - storecredit/store.go:        Interface definitions
  - storecredit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/store-credit/storecredit"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS store_credits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		category_id TEXT NOT NULL,
		category_name TEXT NOT NULL,
		credit_type_id TEXT,
		credit_type_name TEXT,
		credit_type_priority INTEGER,
		created_by TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		amount_used TEXT NOT NULL DEFAULT '0',
		amount_authorized TEXT NOT NULL DEFAULT '0',
		memo TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_store_credits_user
		ON store_credits(user_id);

	-- Append-only audit trail
	CREATE TABLE IF NOT EXISTS store_credit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		store_credit_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		amount TEXT NOT NULL,
		user_total_amount TEXT NOT NULL,
		authorization_code TEXT,
		currency TEXT NOT NULL,
		originator_type TEXT,
		originator_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_store_credit
		ON store_credit_events(store_credit_id);
	CREATE INDEX IF NOT EXISTS idx_events_store_credit_code
		ON store_credit_events(store_credit_id, authorization_code);
	CREATE INDEX IF NOT EXISTS idx_events_user_code
		ON store_credit_events(user_id, authorization_code);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		number TEXT,
		payment_state TEXT
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		order_id TEXT,
		state TEXT NOT NULL,
		response_code TEXT,
		credit_allowed TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_payments_response_code
		ON payments(response_code) WHERE response_code IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// STORE CREDITS
// =============================================================================

const storeCreditColumns = `id, user_id, category_id, category_name, credit_type_id, credit_type_name,
	credit_type_priority, created_by, currency, amount, amount_used, amount_authorized, memo,
	version, created_at, updated_at`

func (s *Store) InsertStoreCredit(ctx context.Context, sc *storecredit.StoreCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertStoreCredit(ctx, s.db, sc)
}

func insertStoreCredit(ctx context.Context, q queryer, sc *storecredit.StoreCredit) error {
	var typeID, typeName sql.NullString
	var typePriority sql.NullInt64
	if sc.CreditType != nil {
		typeID = nullString(sc.CreditType.ID)
		typeName = nullString(sc.CreditType.Name)
		typePriority = sql.NullInt64{Int64: int64(sc.CreditType.Priority), Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO store_credits
		(user_id, category_id, category_name, credit_type_id, credit_type_name, credit_type_priority,
		 created_by, currency, amount, amount_used, amount_authorized, memo, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`,
		sc.UserID, sc.Category.ID, sc.Category.Name, typeID, typeName, typePriority,
		sc.CreatedBy, sc.Currency,
		sc.Amount.String(), sc.AmountUsed.String(), sc.AmountAuthorized.String(),
		nullString(sc.Memo),
		formatTime(sc.CreatedAt), formatTime(sc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert store credit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read store credit id: %w", err)
	}
	sc.ID = storecredit.ID(id)
	sc.Version = 1
	return nil
}

func (s *Store) GetStoreCredit(ctx context.Context, id storecredit.ID) (storecredit.StoreCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getStoreCredit(ctx, s.db, id)
}

func getStoreCredit(ctx context.Context, q queryer, id storecredit.ID) (storecredit.StoreCredit, error) {
	row := q.QueryRowContext(ctx, "SELECT "+storeCreditColumns+" FROM store_credits WHERE id = ?", id)
	sc, err := scanStoreCredit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storecredit.StoreCredit{}, fmt.Errorf("store credit %d: %w", id, storecredit.ErrStoreCreditNotFound)
	}
	return sc, err
}

func (s *Store) UpdateStoreCredit(ctx context.Context, sc storecredit.StoreCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateStoreCredit(ctx, s.db, sc)
}

func updateStoreCredit(ctx context.Context, q queryer, sc storecredit.StoreCredit) error {
	res, err := q.ExecContext(ctx, `
		UPDATE store_credits
		SET amount = ?, amount_used = ?, amount_authorized = ?, memo = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		sc.Amount.String(), sc.AmountUsed.String(), sc.AmountAuthorized.String(),
		nullString(sc.Memo), formatTime(sc.UpdatedAt),
		sc.ID, sc.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update store credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := getStoreCredit(ctx, q, sc.ID); err != nil {
			return err
		}
		return storecredit.ErrConcurrentModification
	}
	return nil
}

func (s *Store) DeleteStoreCredit(ctx context.Context, id storecredit.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteStoreCredit(ctx, s.db, id)
}

func deleteStoreCredit(ctx context.Context, q queryer, id storecredit.ID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM store_credits WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete store credit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store credit %d: %w", id, storecredit.ErrStoreCreditNotFound)
	}
	return nil
}

func (s *Store) ListStoreCredits(ctx context.Context, userID storecredit.UserID) ([]storecredit.StoreCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listStoreCredits(ctx, s.db, userID)
}

func listStoreCredits(ctx context.Context, q queryer, userID storecredit.UserID) ([]storecredit.StoreCredit, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+storeCreditColumns+" FROM store_credits WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query store credits: %w", err)
	}
	defer rows.Close()

	var result []storecredit.StoreCredit
	for rows.Next() {
		sc, err := scanStoreCredit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sc)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStoreCredit(row scanner) (storecredit.StoreCredit, error) {
	var (
		sc                               storecredit.StoreCredit
		typeID, typeName, memo           sql.NullString
		typePriority                     sql.NullInt64
		amount, amountUsed, amountAuthed string
		createdAt, updatedAt             string
	)
	err := row.Scan(
		&sc.ID, &sc.UserID, &sc.Category.ID, &sc.Category.Name,
		&typeID, &typeName, &typePriority,
		&sc.CreatedBy, &sc.Currency, &amount, &amountUsed, &amountAuthed, &memo,
		&sc.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return sc, err
	}

	if typeID.Valid {
		sc.CreditType = &storecredit.CreditType{
			ID:       typeID.String,
			Name:     typeName.String,
			Priority: int(typePriority.Int64),
		}
	}
	var d rowDecoder
	sc.Amount = d.decimal("amount", amount)
	sc.AmountUsed = d.decimal("amount_used", amountUsed)
	sc.AmountAuthorized = d.decimal("amount_authorized", amountAuthed)
	sc.Memo = memo.String
	sc.CreatedAt = d.time("created_at", createdAt)
	sc.UpdatedAt = d.time("updated_at", updatedAt)
	if d.err != nil {
		return sc, fmt.Errorf("store credit %d: %w", sc.ID, d.err)
	}
	return sc, nil
}

// =============================================================================
// EVENTS (append-only)
// =============================================================================

const eventColumns = `id, store_credit_id, user_id, action, amount, user_total_amount, authorization_code,
	currency, originator_type, originator_id, created_at`

func (s *Store) AppendEvent(ctx context.Context, e storecredit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEvent(ctx, s.db, e)
}

func appendEvent(ctx context.Context, q queryer, e storecredit.Event) error {
	var origType, origID sql.NullString
	if e.Originator != nil {
		origType = sql.NullString{String: e.Originator.Type, Valid: true}
		origID = sql.NullString{String: e.Originator.ID, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO store_credit_events
		(id, store_credit_id, user_id, action, amount, user_total_amount, authorization_code,
		 currency, originator_type, originator_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.StoreCreditID, e.UserID, e.Action, e.Amount.String(), e.UserTotalAmount.String(),
		nullString(e.AuthorizationCode), e.Currency, origType, origID, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append store credit event: %w", err)
	}
	return nil
}

func (s *Store) Events(ctx context.Context, id storecredit.ID) ([]storecredit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEvents(ctx, s.db,
		"SELECT "+eventColumns+" FROM store_credit_events WHERE store_credit_id = ? ORDER BY seq", id)
}

func (s *Store) EventsByAuthorizationCode(ctx context.Context, id storecredit.ID, code string) ([]storecredit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return eventsByAuthorizationCode(ctx, s.db, id, code)
}

func eventsByAuthorizationCode(ctx context.Context, q queryer, id storecredit.ID, code string) ([]storecredit.Event, error) {
	return queryEvents(ctx, q,
		"SELECT "+eventColumns+" FROM store_credit_events WHERE store_credit_id = ? AND authorization_code = ? ORDER BY seq",
		id, code)
}

func (s *Store) UserEventsByAuthorizationCode(ctx context.Context, userID storecredit.UserID, code string) ([]storecredit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return userEventsByAuthorizationCode(ctx, s.db, userID, code)
}

func userEventsByAuthorizationCode(ctx context.Context, q queryer, userID storecredit.UserID, code string) ([]storecredit.Event, error) {
	return queryEvents(ctx, q,
		"SELECT "+eventColumns+" FROM store_credit_events WHERE user_id = ? AND authorization_code = ? ORDER BY seq",
		userID, code)
}

func (s *Store) GetEvent(ctx context.Context, id storecredit.EventID) (storecredit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEvent(ctx, s.db, id)
}

func getEvent(ctx context.Context, q queryer, id storecredit.EventID) (storecredit.Event, error) {
	row := q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM store_credit_events WHERE id = ?", id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storecredit.Event{}, fmt.Errorf("event %s: %w", id, storecredit.ErrEventNotFound)
	}
	return e, err
}

func queryEvents(ctx context.Context, q queryer, query string, args ...any) ([]storecredit.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []storecredit.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row scanner) (storecredit.Event, error) {
	var (
		e                      storecredit.Event
		amount, userTotal      string
		code, origType, origID sql.NullString
		createdAt              string
	)
	err := row.Scan(
		&e.ID, &e.StoreCreditID, &e.UserID, &e.Action, &amount, &userTotal, &code,
		&e.Currency, &origType, &origID, &createdAt,
	)
	if err != nil {
		return e, err
	}
	var d rowDecoder
	e.Amount = d.decimal("amount", amount)
	e.UserTotalAmount = d.decimal("user_total_amount", userTotal)
	e.AuthorizationCode = code.String
	if origType.Valid || origID.Valid {
		e.Originator = &storecredit.Originator{Type: origType.String, ID: origID.String}
	}
	e.CreatedAt = d.time("created_at", createdAt)
	if d.err != nil {
		return e, fmt.Errorf("event %s: %w", e.ID, d.err)
	}
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (storecredit.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(storecredit.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InsertStoreCredit(ctx context.Context, sc *storecredit.StoreCredit) error {
	return insertStoreCredit(ctx, ts.tx, sc)
}

func (ts *txStore) GetStoreCredit(ctx context.Context, id storecredit.ID) (storecredit.StoreCredit, error) {
	return getStoreCredit(ctx, ts.tx, id)
}

func (ts *txStore) UpdateStoreCredit(ctx context.Context, sc storecredit.StoreCredit) error {
	return updateStoreCredit(ctx, ts.tx, sc)
}

func (ts *txStore) DeleteStoreCredit(ctx context.Context, id storecredit.ID) error {
	return deleteStoreCredit(ctx, ts.tx, id)
}

func (ts *txStore) ListStoreCredits(ctx context.Context, userID storecredit.UserID) ([]storecredit.StoreCredit, error) {
	return listStoreCredits(ctx, ts.tx, userID)
}

func (ts *txStore) AppendEvent(ctx context.Context, e storecredit.Event) error {
	return appendEvent(ctx, ts.tx, e)
}

func (ts *txStore) Events(ctx context.Context, id storecredit.ID) ([]storecredit.Event, error) {
	return queryEvents(ctx, ts.tx,
		"SELECT "+eventColumns+" FROM store_credit_events WHERE store_credit_id = ? ORDER BY seq", id)
}

func (ts *txStore) EventsByAuthorizationCode(ctx context.Context, id storecredit.ID, code string) ([]storecredit.Event, error) {
	return eventsByAuthorizationCode(ctx, ts.tx, id, code)
}

func (ts *txStore) UserEventsByAuthorizationCode(ctx context.Context, userID storecredit.UserID, code string) ([]storecredit.Event, error) {
	return userEventsByAuthorizationCode(ctx, ts.tx, userID, code)
}

func (ts *txStore) GetEvent(ctx context.Context, id storecredit.EventID) (storecredit.Event, error) {
	return getEvent(ctx, ts.tx, id)
}

// =============================================================================
// ORDERS AND PAYMENTS (storecredit.PaymentFinder)
// =============================================================================

func (s *Store) SaveOrder(ctx context.Context, o storecredit.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, number, payment_state) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number,
			payment_state = excluded.payment_state
	`, o.ID, o.Number, o.PaymentState)
	return err
}

// SavePayment stores p. p.Order, if set, only needs its ID.
func (s *Store) SavePayment(ctx context.Context, p storecredit.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orderID sql.NullString
	if p.Order != nil {
		orderID = nullString(p.Order.ID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, state, response_code, credit_allowed) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			order_id = excluded.order_id,
			state = excluded.state,
			response_code = excluded.response_code,
			credit_allowed = excluded.credit_allowed
	`, p.ID, orderID, p.State, nullString(p.ResponseCode), p.CreditAllowed.String())
	return err
}

const paymentQuery = `
	SELECT p.id, p.state, p.response_code, p.credit_allowed, o.id, o.number, o.payment_state
	FROM payments p LEFT JOIN orders o ON o.id = p.order_id
`

func (s *Store) GetPayment(ctx context.Context, id string) (*storecredit.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPayment(ctx, paymentQuery+" WHERE p.id = ?", id)
}

func (s *Store) FindPaymentByResponseCode(ctx context.Context, code string) (*storecredit.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPayment(ctx, paymentQuery+" WHERE p.response_code = ? ORDER BY p.rowid LIMIT 1", code)
}

func (s *Store) queryPayment(ctx context.Context, query string, args ...any) (*storecredit.Payment, error) {
	var (
		p                                storecredit.Payment
		code                             sql.NullString
		creditAllowed                    string
		orderID, orderNumber, orderState sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&p.ID, &p.State, &code, &creditAllowed, &orderID, &orderNumber, &orderState,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payment: %w", err)
	}
	p.ResponseCode = code.String
	var d rowDecoder
	p.CreditAllowed = d.decimal("credit_allowed", creditAllowed)
	if d.err != nil {
		return nil, fmt.Errorf("payment %s: %w", p.ID, d.err)
	}
	if orderID.Valid {
		p.Order = &storecredit.Order{ID: orderID.String, Number: orderNumber.String, PaymentState: orderState.String}
	}
	return &p, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data. For development only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"store_credit_events", "store_credits", "payments", "orders"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// rowDecoder parses TEXT columns and keeps the first failure, so a corrupt
// row fails the scan instead of reading as zero.
type rowDecoder struct {
	err error
}

func (d *rowDecoder) decimal(column, s string) decimal.Decimal {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("invalid %s %q: %w", column, s, err)
	}
	return v
}

func (d *rowDecoder) time(column, s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("invalid %s %q: %w", column, s, err)
	}
	return t
}
