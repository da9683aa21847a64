/*
errors.go - Named failure conditions for the store-credit ledger

PURPOSE:
  Every rejected operation returns one of these. Callers branch with
  errors.Is on the sentinels; the *Error wrapper carries which ledger,
  which field and which authorization code were involved. Translating a
  code into user-facing text is the caller's job.

ERROR CATEGORIES:
  1. Precondition - currency mismatch, insufficient funds/authorization.
     The operation was a no-op.
  2. Lookup       - no usable event for an authorization code. No-op.
  3. Structural   - amount_used / amount_authorized negative or above
     amount, destroy with amount_used > 0. Blocks the write entirely.
*/
package storecredit

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	ErrInsufficientFunds                  = errors.New("insufficient funds")
	ErrCurrencyMismatch                   = errors.New("currency mismatch")
	ErrInsufficientAuthorizedAmount       = errors.New("insufficient authorized amount")
	ErrUnableToVoid                       = errors.New("unable to void")
	ErrUnableToCredit                     = errors.New("unable to credit")
	ErrAmountUsedNotZero                  = errors.New("amount used is not zero")
	ErrAmountUsedCannotBeGreater          = errors.New("amount used cannot be greater than amount")
	ErrAmountAuthorizedExceedsTotalCredit = errors.New("amount authorized exceeds total credit")

	// ErrInvalidAttribute covers presence and sign checks on creation.
	ErrInvalidAttribute = errors.New("invalid attribute")

	ErrStoreCreditNotFound = errors.New("store credit not found")
	ErrEventNotFound       = errors.New("store credit event not found")
	ErrPaymentNotFound     = errors.New("payment not found")

	// ErrConcurrentModification is returned when the version check on update fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// Codes are the stable names of the conditions above.
const (
	CodeInsufficientFunds                  = "insufficient_funds"
	CodeCurrencyMismatch                   = "currency_mismatch"
	CodeInsufficientAuthorizedAmount       = "insufficient_authorized_amount"
	CodeUnableToVoid                       = "unable_to_void"
	CodeUnableToCredit                     = "unable_to_credit"
	CodeAmountUsedNotZero                  = "amount_used_not_zero"
	CodeAmountUsedCannotBeGreater          = "amount_used_cannot_be_greater"
	CodeAmountAuthorizedExceedsTotalCredit = "amount_authorized_exceeds_total_credit"
	CodeBlank                              = "blank"
	CodeMustBePositive                     = "must_be_positive"
	CodeMustNotBeNegative                  = "must_not_be_negative"
)

var sentinelByCode = map[string]error{
	CodeInsufficientFunds:                  ErrInsufficientFunds,
	CodeCurrencyMismatch:                   ErrCurrencyMismatch,
	CodeInsufficientAuthorizedAmount:       ErrInsufficientAuthorizedAmount,
	CodeUnableToVoid:                       ErrUnableToVoid,
	CodeUnableToCredit:                     ErrUnableToCredit,
	CodeAmountUsedNotZero:                  ErrAmountUsedNotZero,
	CodeAmountUsedCannotBeGreater:          ErrAmountUsedCannotBeGreater,
	CodeAmountAuthorizedExceedsTotalCredit: ErrAmountAuthorizedExceedsTotalCredit,
	CodeBlank:                              ErrInvalidAttribute,
	CodeMustBePositive:                     ErrInvalidAttribute,
	CodeMustNotBeNegative:                  ErrInvalidAttribute,
}

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// Error is a named condition attached to a ledger.
// Field is empty for conditions that concern the ledger as a whole.
type Error struct {
	StoreCreditID     ID
	Field             string
	Code              string
	AuthorizationCode string
}

func newError(id ID, field, code string) *Error {
	return &Error{StoreCreditID: id, Field: field, Code: code}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(" ")
	}
	b.WriteString(e.Code)
	if e.AuthorizationCode != "" {
		fmt.Fprintf(&b, " (auth code %s)", e.AuthorizationCode)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return sentinelByCode[e.Code]
}

// ValidationErrors is the full set of structural violations found on a ledger.
type ValidationErrors []*Error

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "validation failed: " + strings.Join(msgs, ", ")
}

func (v ValidationErrors) Unwrap() []error {
	errs := make([]error, len(v))
	for i, e := range v {
		errs[i] = e
	}
	return errs
}

// On returns the errors attached to a field.
func (v ValidationErrors) On(field string) []*Error {
	var out []*Error
	for _, e := range v {
		if e.Field == field {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Code returns the condition name carried by err, or "" if there is none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Field returns the attribute err is attached to, or "".
func Field(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// IsClientError returns true if the caller can fix the request and retry.
func IsClientError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrStoreCreditNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
