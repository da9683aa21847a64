/*
ledger.go - Store-credit operations

PURPOSE:
  Ledger is the only way to change a StoreCredit. Each operation:
    1. Opens a store transaction (single writer)
    2. Reloads the ledger row, ignoring whatever the caller holds
    3. Checks preconditions against the row and its events
    4. Writes the row (version checked) and exactly one event

  If any step fails nothing is written and a named error is returned.

OPERATIONS:
  Create                 Issue credit, write allocation event
  Authorize              Hold an amount, hand out an authorization code
  Capture                Turn (part of) a hold into used credit
  Void                   Release a hold that was never captured
  Credit                 Give back (part of) a captured amount
  ValidateAuthorization  Dry-run of Authorize
  Destroy                Remove an unused ledger

EVENT ORDERING:
  Void and Credit never trust the caller about what happened to an
  authorization code. They look up the latest matching event in the
  store: a code whose last event is a capture cannot be voided, a code
  without a capture cannot be credited.

SEE ALSO:
  - validation.go: Structural checks run before every write
  - store.go:      What the ledger needs from persistence
*/
package storecredit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Ledger struct {
	store    TxStore
	payments PaymentFinder
	opts     Options
}

func NewLedger(store TxStore, payments PaymentFinder, opts Options) *Ledger {
	return &Ledger{store: store, payments: payments, opts: opts.withDefaults()}
}

// =============================================================================
// REQUESTS
// =============================================================================

// NewStoreCredit describes credit to issue.
type NewStoreCredit struct {
	UserID     UserID
	Category   Category
	CreditType *CreditType // nil: derived from Category
	CreatedBy  string
	Currency   string
	Amount     decimal.Decimal
	Memo       string

	// Action recorded on the first event. Defaults to allocation.
	Action            Action
	AuthorizationCode string
	Originator        *Originator
}

type AuthorizeRequest struct {
	Amount   decimal.Decimal
	Currency string

	// AuthorizationCode makes the call idempotent: if an authorize event
	// with this code exists the hold is not placed again.
	AuthorizationCode string
	Originator        *Originator
}

type CaptureRequest struct {
	Amount            decimal.Decimal
	AuthorizationCode string
	Currency          string
	Originator        *Originator
}

type VoidRequest struct {
	AuthorizationCode string
	Originator        *Originator
}

type CreditRequest struct {
	Amount            decimal.Decimal
	AuthorizationCode string
	Currency          string
	Originator        *Originator
}

// change is the event a successful mutation will write.
type change struct {
	action     Action
	amount     decimal.Decimal
	code       string
	originator *Originator
}

// =============================================================================
// CREATE
// =============================================================================

// Create issues a new ledger and records its first event.
func (l *Ledger) Create(ctx context.Context, req NewStoreCredit) (StoreCredit, error) {
	var created StoreCredit
	err := l.store.WithTx(ctx, func(s Store) error {
		sc, err := l.create(ctx, s, req)
		created = sc
		return err
	})
	action := req.Action
	if action == "" {
		action = ActionAllocation
	}
	l.observe(ctx, action, created.ID, created.Currency, req.Amount, err)
	if err != nil {
		return StoreCredit{}, err
	}
	return created, nil
}

func (l *Ledger) create(ctx context.Context, s Store, req NewStoreCredit) (StoreCredit, error) {
	action := req.Action
	if action == "" {
		action = ActionAllocation
	}
	if !action.Valid() {
		return StoreCredit{}, ValidationErrors{newError(0, "action", CodeBlank)}
	}

	creditType := ResolveCreditType(req.CreditType, req.Category, l.opts)
	now := l.opts.Now()
	sc := StoreCredit{
		UserID:     req.UserID,
		Category:   req.Category,
		CreditType: &creditType,
		CreatedBy:  req.CreatedBy,
		Currency:   req.Currency,
		Amount:     req.Amount,
		Memo:       req.Memo,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := sc.Validate(); err != nil {
		return StoreCredit{}, err
	}
	if err := s.InsertStoreCredit(ctx, &sc); err != nil {
		return StoreCredit{}, err
	}

	code := req.AuthorizationCode
	if code == "" {
		code = authorizationCode(sc.ID, now)
	}
	err := l.appendEvent(ctx, s, sc, change{
		action:     action,
		amount:     sc.Amount,
		code:       code,
		originator: req.Originator,
	})
	if err != nil {
		return StoreCredit{}, err
	}
	return sc, nil
}

// =============================================================================
// AUTHORIZE / CAPTURE / VOID
// =============================================================================

// Authorize places a hold of req.Amount and returns the authorization code.
func (l *Ledger) Authorize(ctx context.Context, id ID, req AuthorizeRequest) (string, error) {
	var code string
	var replayed bool
	err := l.store.WithTx(ctx, func(s Store) error {
		sc, err := s.GetStoreCredit(ctx, id)
		if err != nil {
			return err
		}
		if sc.Currency != req.Currency {
			return newError(id, "", CodeCurrencyMismatch)
		}
		if req.AuthorizationCode != "" {
			prior, err := latestEvent(ctx, s, id, req.AuthorizationCode, ActionAuthorize)
			if err != nil {
				return err
			}
			if prior != nil {
				code = prior.AuthorizationCode
				replayed = true
				return nil
			}
		}
		if !req.Amount.IsPositive() {
			return newError(id, "amount", CodeMustBePositive)
		}
		if err := sc.ValidateAuthorization(req.Amount, req.Currency); err != nil {
			return err
		}

		code = req.AuthorizationCode
		if code == "" {
			if code, err = l.freshAuthorizationCode(ctx, s, id); err != nil {
				return err
			}
		}
		sc.AmountAuthorized = sc.AmountAuthorized.Add(req.Amount)
		return l.commit(ctx, s, sc, change{
			action:     ActionAuthorize,
			amount:     req.Amount,
			code:       code,
			originator: req.Originator,
		})
	})
	held := req.Amount
	if replayed {
		held = decimal.Zero
	}
	l.observe(ctx, ActionAuthorize, id, req.Currency, held, err)
	if err != nil {
		return "", err
	}
	return code, nil
}

// Capture moves req.Amount from authorized to used.
func (l *Ledger) Capture(ctx context.Context, id ID, req CaptureRequest) error {
	err := l.store.WithTx(ctx, func(s Store) error {
		sc, err := s.GetStoreCredit(ctx, id)
		if err != nil {
			return err
		}
		if sc.Currency != req.Currency {
			return newError(id, "", CodeCurrencyMismatch)
		}
		if !req.Amount.IsPositive() {
			return newError(id, "amount", CodeMustBePositive)
		}

		insufficient := &Error{StoreCreditID: id, Code: CodeInsufficientAuthorizedAmount, AuthorizationCode: req.AuthorizationCode}
		if req.Amount.GreaterThan(sc.AmountAuthorized) {
			return insufficient
		}
		// A released hold cannot be captured.
		if req.AuthorizationCode != "" {
			last, err := latestEvent(ctx, s, id, req.AuthorizationCode, "")
			if err != nil {
				return err
			}
			if last != nil && last.Action == ActionVoid {
				return insufficient
			}
		}

		sc.AmountAuthorized = sc.AmountAuthorized.Sub(req.Amount)
		sc.AmountUsed = sc.AmountUsed.Add(req.Amount)
		return l.commit(ctx, s, sc, change{
			action:     ActionCapture,
			amount:     req.Amount,
			code:       req.AuthorizationCode,
			originator: req.Originator,
		})
	})
	l.observe(ctx, ActionCapture, id, req.Currency, req.Amount, err)
	return err
}

// Void releases the hold placed under req.AuthorizationCode. It fails when
// the latest event for the code is anything but an authorization. At most
// the ledger's currently authorized amount is released: captures made under
// other codes may already have consumed the hold.
func (l *Ledger) Void(ctx context.Context, id ID, req VoidRequest) error {
	var released decimal.Decimal
	var currency string
	err := l.store.WithTx(ctx, func(s Store) error {
		sc, err := s.GetStoreCredit(ctx, id)
		if err != nil {
			return err
		}
		currency = sc.Currency

		last, err := latestEvent(ctx, s, id, req.AuthorizationCode, "")
		if err != nil {
			return err
		}
		if last == nil || last.Action != ActionAuthorize {
			return &Error{StoreCreditID: id, Code: CodeUnableToVoid, AuthorizationCode: req.AuthorizationCode}
		}

		released = decimal.Min(last.Amount, sc.AmountAuthorized)
		if released.IsNegative() {
			released = decimal.Zero
		}
		sc.AmountAuthorized = sc.AmountAuthorized.Sub(released)
		return l.commit(ctx, s, sc, change{
			action:     ActionVoid,
			amount:     released,
			code:       req.AuthorizationCode,
			originator: req.Originator,
		})
	})
	l.observe(ctx, ActionVoid, id, currency, released, err)
	return err
}

// =============================================================================
// CREDIT
// =============================================================================

// Credit gives back req.Amount of what was captured under
// req.AuthorizationCode. It returns the ledger that received the credit:
// the original one, or a new one when Options.CreditToNewAllocation is set.
func (l *Ledger) Credit(ctx context.Context, id ID, req CreditRequest) (StoreCredit, error) {
	var credited StoreCredit
	err := l.store.WithTx(ctx, func(s Store) error {
		sc, err := s.GetStoreCredit(ctx, id)
		if err != nil {
			return err
		}
		if sc.Currency != req.Currency {
			return newError(id, "", CodeCurrencyMismatch)
		}
		if !req.Amount.IsPositive() {
			return newError(id, "amount", CodeMustBePositive)
		}

		unable := &Error{StoreCreditID: id, Code: CodeUnableToCredit, AuthorizationCode: req.AuthorizationCode}
		capture, err := latestEvent(ctx, s, id, req.AuthorizationCode, ActionCapture)
		if err != nil {
			return err
		}
		if capture == nil {
			return unable
		}
		already, err := creditedSoFar(ctx, s, sc.UserID, req.AuthorizationCode)
		if err != nil {
			return err
		}
		if req.Amount.GreaterThan(capture.Amount.Sub(already)) {
			return unable
		}

		if l.opts.CreditToNewAllocation {
			credited, err = l.create(ctx, s, NewStoreCredit{
				UserID:            sc.UserID,
				Category:          sc.Category,
				CreditType:        sc.CreditType,
				CreatedBy:         sc.CreatedBy,
				Currency:          sc.Currency,
				Amount:            req.Amount,
				Memo:              fmt.Sprintf("This is a credit from store credit ID %d", sc.ID),
				Action:            ActionCredit,
				AuthorizationCode: req.AuthorizationCode,
				Originator:        req.Originator,
			})
			return err
		}

		sc.AmountUsed = sc.AmountUsed.Sub(req.Amount)
		if err := l.commit(ctx, s, sc, change{
			action:     ActionCredit,
			amount:     req.Amount,
			code:       req.AuthorizationCode,
			originator: req.Originator,
		}); err != nil {
			return err
		}
		credited, err = s.GetStoreCredit(ctx, id)
		return err
	})
	l.observe(ctx, ActionCredit, id, req.Currency, req.Amount, err)
	if err != nil {
		return StoreCredit{}, err
	}
	return credited, nil
}

// =============================================================================
// CHECKS AND DESTROY
// =============================================================================

// ValidateAuthorization reports whether Authorize would accept amount now.
func (l *Ledger) ValidateAuthorization(ctx context.Context, id ID, amount decimal.Decimal, currency string) error {
	sc, err := l.store.GetStoreCredit(ctx, id)
	if err != nil {
		return err
	}
	return sc.ValidateAuthorization(amount, currency)
}

// Destroy removes a ledger that has never been used. Its events stay.
func (l *Ledger) Destroy(ctx context.Context, id ID) error {
	err := l.store.WithTx(ctx, func(s Store) error {
		sc, err := s.GetStoreCredit(ctx, id)
		if err != nil {
			return err
		}
		if sc.AmountUsed.IsPositive() {
			return newError(id, "amount_used", CodeAmountUsedNotZero)
		}
		return s.DeleteStoreCredit(ctx, id)
	})
	if err != nil {
		l.opts.Logger.LogAttrs(ctx, slog.LevelInfo, "store credit destroy rejected",
			slog.Int64("store_credit_id", int64(id)),
			slog.String("code", Code(err)),
			slog.String("error", err.Error()),
		)
		return err
	}
	l.opts.Logger.LogAttrs(ctx, slog.LevelDebug, "store credit destroyed",
		slog.Int64("store_credit_id", int64(id)))
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) Get(ctx context.Context, id ID) (StoreCredit, error) {
	return l.store.GetStoreCredit(ctx, id)
}

func (l *Ledger) ListByUser(ctx context.Context, userID UserID) ([]StoreCredit, error) {
	return l.store.ListStoreCredits(ctx, userID)
}

// Events returns the ledger's audit trail, oldest first.
func (l *Ledger) Events(ctx context.Context, id ID) ([]Event, error) {
	if _, err := l.store.GetStoreCredit(ctx, id); err != nil {
		return nil, err
	}
	return l.store.Events(ctx, id)
}

func (l *Ledger) Event(ctx context.Context, id EventID) (Event, error) {
	return l.store.GetEvent(ctx, id)
}

// EventOrder returns the order whose payment carries the event's
// authorization code, or nil. Only capture events normally have one.
func (l *Ledger) EventOrder(ctx context.Context, e Event) (*Order, error) {
	if e.AuthorizationCode == "" {
		return nil, nil
	}
	p, err := l.payments.FindPaymentByResponseCode(ctx, e.AuthorizationCode)
	if err != nil || p == nil {
		return nil, err
	}
	return p.Order, nil
}

// PaymentEligibility answers CanCapture/CanVoid/CanCredit for a stored payment.
func (l *Ledger) PaymentEligibility(ctx context.Context, id ID, paymentID string) (Eligibility, error) {
	sc, err := l.store.GetStoreCredit(ctx, id)
	if err != nil {
		return Eligibility{}, err
	}
	p, err := l.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return Eligibility{}, err
	}
	if p == nil {
		return Eligibility{}, fmt.Errorf("payment %s: %w", paymentID, ErrPaymentNotFound)
	}
	return sc.Eligibility(*p), nil
}

// UserTotal is the sum of Amount over all of a user's ledgers.
func (l *Ledger) UserTotal(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	return userTotal(ctx, l.store, userID)
}

// =============================================================================
// HELPERS
// =============================================================================

// commit validates sc, writes it and appends the event for c.
func (l *Ledger) commit(ctx context.Context, s Store, sc StoreCredit, c change) error {
	sc.UpdatedAt = l.opts.Now()
	if err := sc.Validate(); err != nil {
		return err
	}
	if err := s.UpdateStoreCredit(ctx, sc); err != nil {
		return err
	}
	sc.Version++
	return l.appendEvent(ctx, s, sc, c)
}

func (l *Ledger) appendEvent(ctx context.Context, s Store, sc StoreCredit, c change) error {
	total, err := userTotal(ctx, s, sc.UserID)
	if err != nil {
		return err
	}
	return s.AppendEvent(ctx, Event{
		ID:                EventID(uuid.NewString()),
		StoreCreditID:     sc.ID,
		UserID:            sc.UserID,
		Action:            c.action,
		Amount:            c.amount,
		UserTotalAmount:   total,
		AuthorizationCode: c.code,
		Currency:          sc.Currency,
		Originator:        c.originator,
		CreatedAt:         l.opts.Now(),
	})
}

func (l *Ledger) observe(ctx context.Context, action Action, id ID, currency string, amount decimal.Decimal, err error) {
	l.opts.Recorder.ObserveOperation(action, err)
	if err != nil {
		l.opts.Logger.LogAttrs(ctx, slog.LevelInfo, "store credit operation rejected",
			slog.Int64("store_credit_id", int64(id)),
			slog.String("action", string(action)),
			slog.String("code", Code(err)),
			slog.String("error", err.Error()),
		)
		return
	}
	if !amount.IsZero() {
		l.opts.Recorder.ObserveAmount(action, currency, amount.InexactFloat64())
	}
	l.opts.Logger.LogAttrs(ctx, slog.LevelDebug, "store credit operation committed",
		slog.Int64("store_credit_id", int64(id)),
		slog.String("action", string(action)),
		slog.String("amount", amount.String()),
		slog.String("currency", currency),
	)
}

// freshAuthorizationCode returns a code not yet used on the ledger. Codes are
// time based, so two holds in the same microsecond get consecutive stamps.
func (l *Ledger) freshAuthorizationCode(ctx context.Context, s Store, id ID) (string, error) {
	at := l.opts.Now()
	for {
		code := authorizationCode(id, at)
		existing, err := s.EventsByAuthorizationCode(ctx, id, code)
		if err != nil {
			return "", err
		}
		if len(existing) == 0 {
			return code, nil
		}
		at = at.Add(time.Microsecond)
	}
}

// authorizationCode formats <id>-SC-<yyyymmddhhmmss><microseconds>.
func authorizationCode(id ID, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%d-SC-%s%06d", id, at.Format("20060102150405"), at.Nanosecond()/int(time.Microsecond))
}

// latestEvent returns the most recent event on the ledger with code, limited
// to action unless action is empty.
func latestEvent(ctx context.Context, s Store, id ID, code string, action Action) (*Event, error) {
	if code == "" {
		return nil, nil
	}
	events, err := s.EventsByAuthorizationCode(ctx, id, code)
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if action == "" || events[i].Action == action {
			e := events[i]
			return &e, nil
		}
	}
	return nil, nil
}

// creditedSoFar sums the user's credit events for code from the event log,
// so credits issued as new allocations count too, even once destroyed.
func creditedSoFar(ctx context.Context, s Store, userID UserID, code string) (decimal.Decimal, error) {
	events, err := s.UserEventsByAuthorizationCode(ctx, userID, code)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range events {
		if e.Action == ActionCredit {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func userTotal(ctx context.Context, s Store, userID UserID) (decimal.Decimal, error) {
	ledgers, err := s.ListStoreCredits(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, sc := range ledgers {
		total = total.Add(sc.Amount)
	}
	return total, nil
}
