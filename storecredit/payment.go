package storecredit

import "github.com/shopspring/decimal"

// Payment states the ledger cares about. Anything else is neither
// capturable, voidable nor creditable.
const (
	PaymentStatePending   = "pending"
	PaymentStateCheckout  = "checkout"
	PaymentStateCompleted = "completed"
	PaymentStateVoid      = "void"
	PaymentStateInvalid   = "invalid"
	PaymentStateFailed    = "failed"

	OrderPaymentStateCreditOwed = "credit_owed"
	OrderPaymentStatePaid       = "paid"
	OrderPaymentStateBalanceDue = "balance_due"
)

// Payment is the external payment that spent store credit. ResponseCode holds
// the authorization code handed out by Authorize.
type Payment struct {
	ID            string
	State         string
	ResponseCode  string
	CreditAllowed decimal.Decimal
	Order         *Order
}

type Order struct {
	ID           string
	Number       string
	PaymentState string
}

// CanCapture reports whether a payment in this state may be captured.
func (sc StoreCredit) CanCapture(p Payment) bool {
	return p.State == PaymentStatePending || p.State == PaymentStateCheckout
}

// CanVoid reports whether a payment in this state may be voided.
// Checkout payments are capturable but not voidable.
func (sc StoreCredit) CanVoid(p Payment) bool {
	return p.State == PaymentStatePending
}

// CanCredit reports whether money can be returned for this payment.
func (sc StoreCredit) CanCredit(p Payment) bool {
	if p.State != PaymentStateCompleted {
		return false
	}
	if p.Order == nil || p.Order.PaymentState != OrderPaymentStateCreditOwed {
		return false
	}
	return !p.CreditAllowed.IsZero()
}

// Eligibility is the answer to all three Can* questions for one payment.
type Eligibility struct {
	CanCapture bool
	CanVoid    bool
	CanCredit  bool
}

func (sc StoreCredit) Eligibility(p Payment) Eligibility {
	return Eligibility{
		CanCapture: sc.CanCapture(p),
		CanVoid:    sc.CanVoid(p),
		CanCredit:  sc.CanCredit(p),
	}
}
