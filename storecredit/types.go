/*
Package storecredit provides the store-credit ledger and its audit trail.

PURPOSE:
  A StoreCredit is one issuance of credit to a user. It tracks three amounts:
  what was credited, what is currently held by authorizations, and what has
  been captured (used). Every change to those amounts is recorded as an
  immutable Event, so the history of a ledger can always be explained.

KEY CONCEPTS IN THIS FILE (types.go):
  - StoreCredit: The ledger row (amount, amount used, amount authorized)
  - Event: Append-only audit entry, one per successful mutation
  - Action: allocation, authorize, capture, void, credit
  - Category / CreditType: Classification and expiry behaviour
  - Originator: Weak reference to whoever caused an event

STATE MACHINE:
  authorize:  amount_authorized += x          (hold)
  capture:    amount_authorized -= x
              amount_used       += x          (hold becomes use)
  void:       amount_authorized -= held       (hold released)
  credit:     amount_used       -= x          (or a new ledger, see Options)

  The authorization code links the events: authorize -> capture|void,
  capture -> credit.

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64
  2. Immutability: events are never modified
  3. Atomicity: ledger row + event commit together or not at all

SEE ALSO:
  - ledger.go: The operations
  - store.go: Persistence contracts
  - errors.go: Named failure conditions
*/
package storecredit

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ID int64
type UserID string
type EventID string

// =============================================================================
// ACTIONS
// =============================================================================

type Action string

const (
	ActionAllocation Action = "allocation"
	ActionAuthorize  Action = "authorize"
	ActionCapture    Action = "capture"
	ActionVoid       Action = "void"
	ActionCredit     Action = "credit"
)

// Label is the presentation name of the action.
// Void and credit share a label: both give credit back to the user.
func (a Action) Label() string {
	switch a {
	case ActionCapture:
		return "captured"
	case ActionAuthorize:
		return "authorized"
	case ActionAllocation:
		return "allocated"
	case ActionVoid, ActionCredit:
		return "credit"
	default:
		return string(a)
	}
}

func (a Action) Valid() bool {
	switch a {
	case ActionAllocation, ActionAuthorize, ActionCapture, ActionVoid, ActionCredit:
		return true
	}
	return false
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Category classifies why credit was issued (gift card, refund, goodwill...).
type Category struct {
	ID   string
	Name string
}

// CreditType decides whether credit expires. Lower priority is consumed first.
type CreditType struct {
	ID       string
	Name     string
	Priority int
}

var (
	CreditTypeExpiring    = CreditType{ID: "expiring", Name: "Expiring", Priority: 1}
	CreditTypeNonExpiring = CreditType{ID: "non-expiring", Name: "Non-expiring", Priority: 2}
)

// Originator is whoever caused an event (an admin user, a refund, a job).
// The ledger stores it and hands it back; it never looks inside.
type Originator struct {
	Type string
	ID   string
}

// =============================================================================
// STORE CREDIT - The ledger
// =============================================================================

type StoreCredit struct {
	ID               ID
	UserID           UserID
	Category         Category
	CreditType       *CreditType
	CreatedBy        string
	Currency         string
	Amount           decimal.Decimal
	AmountUsed       decimal.Decimal
	AmountAuthorized decimal.Decimal
	Memo             string

	// Version is bumped on every update and used for compare-and-swap.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AmountRemaining is what can still be authorized.
func (sc StoreCredit) AmountRemaining() decimal.Decimal {
	return sc.Amount.Sub(sc.AmountUsed).Sub(sc.AmountAuthorized)
}

// =============================================================================
// EVENT - Immutable audit entry
// =============================================================================

type Event struct {
	ID                EventID
	StoreCreditID     ID
	UserID            UserID
	Action            Action
	Amount            decimal.Decimal
	UserTotalAmount   decimal.Decimal
	AuthorizationCode string
	Currency          string
	Originator        *Originator
	CreatedAt         time.Time
}

// Money is an amount in a currency. Rendering symbols and separators is left
// to the presentation layer.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}

func (e Event) DisplayAmount() Money {
	return Money{Amount: e.Amount, Currency: e.Currency}
}

func (e Event) DisplayUserTotalAmount() Money {
	return Money{Amount: e.UserTotalAmount, Currency: e.Currency}
}

// DisplayDate formats CreatedAt as month/day/year.
func (e Event) DisplayDate() string {
	return e.CreatedAt.Format("01/02/2006")
}

func (e Event) DisplayAction() string {
	return e.Action.Label()
}

// MustParseDecimal is for tests and fixtures.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
