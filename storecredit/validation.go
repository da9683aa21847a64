package storecredit

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Validate returns every structural violation on the ledger, or nil.
// It is run before any insert or update reaches the store.
func (sc StoreCredit) Validate() error {
	var errs ValidationErrors

	if !sc.Amount.IsPositive() {
		errs = append(errs, newError(sc.ID, "amount", CodeMustBePositive))
	}
	if strings.TrimSpace(sc.Currency) == "" {
		errs = append(errs, newError(sc.ID, "currency", CodeBlank))
	}
	if sc.UserID == "" {
		errs = append(errs, newError(sc.ID, "user", CodeBlank))
	}
	if sc.Category.ID == "" && sc.Category.Name == "" {
		errs = append(errs, newError(sc.ID, "category", CodeBlank))
	}
	if sc.CreatedBy == "" {
		errs = append(errs, newError(sc.ID, "created_by", CodeBlank))
	}
	if sc.AmountUsed.IsNegative() {
		errs = append(errs, newError(sc.ID, "amount_used", CodeMustNotBeNegative))
	}
	if sc.AmountAuthorized.IsNegative() {
		errs = append(errs, newError(sc.ID, "amount_authorized", CodeMustNotBeNegative))
	}
	if sc.AmountUsed.GreaterThan(sc.Amount) {
		errs = append(errs, newError(sc.ID, "amount_used", CodeAmountUsedCannotBeGreater))
	}
	if sc.AmountAuthorized.GreaterThan(sc.Amount) {
		errs = append(errs, newError(sc.ID, "amount_authorized", CodeAmountAuthorizedExceedsTotalCredit))
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateAuthorization checks whether amount could be authorized in currency
// right now. It does not change anything.
func (sc StoreCredit) ValidateAuthorization(amount decimal.Decimal, currency string) error {
	if sc.Currency != currency {
		return newError(sc.ID, "", CodeCurrencyMismatch)
	}
	if amount.GreaterThan(sc.AmountRemaining()) {
		return newError(sc.ID, "", CodeInsufficientFunds)
	}
	return nil
}

// ResolveCreditType picks the credit type for a new ledger. An explicit type
// always wins.
func ResolveCreditType(explicit *CreditType, category Category, opts Options) CreditType {
	if explicit != nil {
		return *explicit
	}
	if opts.IsNonExpiring(category) {
		return CreditTypeNonExpiring
	}
	return CreditTypeExpiring
}
