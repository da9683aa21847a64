/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal. They serialize as JSON strings ("12.50")
  and accept either strings or numbers on input, so clients never need
  to send floats.

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/store-credit/storecredit"
)

// =============================================================================
// STORE CREDITS
// =============================================================================

type StoreCreditDTO struct {
	ID               int64           `json:"id"`
	UserID           string          `json:"user_id"`
	CategoryID       string          `json:"category_id"`
	CategoryName     string          `json:"category_name"`
	CreditType       string          `json:"credit_type,omitempty"`
	CreatedBy        string          `json:"created_by"`
	Currency         string          `json:"currency"`
	Amount           decimal.Decimal `json:"amount"`
	AmountUsed       decimal.Decimal `json:"amount_used"`
	AmountAuthorized decimal.Decimal `json:"amount_authorized"`
	AmountRemaining  decimal.Decimal `json:"amount_remaining"`
	Memo             string          `json:"memo,omitempty"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
}

type CreateStoreCreditRequest struct {
	UserID       string          `json:"user_id"`
	CategoryID   string          `json:"category_id"`
	CategoryName string          `json:"category_name"`
	CreditType   string          `json:"credit_type,omitempty"` // "expiring", "non-expiring" or empty
	CreatedBy    string          `json:"created_by"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	Memo         string          `json:"memo,omitempty"`
}

type OriginatorDTO struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type AuthorizeRequest struct {
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	AuthorizationCode string          `json:"authorization_code,omitempty"`
	Originator        *OriginatorDTO  `json:"originator,omitempty"`
}

type AuthorizeResponse struct {
	AuthorizationCode string         `json:"authorization_code"`
	StoreCredit       StoreCreditDTO `json:"store_credit"`
}

// MovementRequest is the body of capture and credit.
type MovementRequest struct {
	Amount            decimal.Decimal `json:"amount"`
	AuthorizationCode string          `json:"authorization_code"`
	Currency          string          `json:"currency"`
	Originator        *OriginatorDTO  `json:"originator,omitempty"`
}

type VoidRequest struct {
	AuthorizationCode string         `json:"authorization_code"`
	Originator        *OriginatorDTO `json:"originator,omitempty"`
}

type ValidateAuthorizationRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type ValidateAuthorizationResponse struct {
	Valid bool   `json:"valid"`
	Code  string `json:"code,omitempty"`
}

type EligibilityDTO struct {
	CanCapture bool `json:"can_capture"`
	CanVoid    bool `json:"can_void"`
	CanCredit  bool `json:"can_credit"`
}

// =============================================================================
// EVENTS
// =============================================================================

type EventDTO struct {
	ID                string          `json:"id"`
	StoreCreditID     int64           `json:"store_credit_id"`
	Action            string          `json:"action"`
	DisplayAction     string          `json:"display_action"`
	Amount            decimal.Decimal `json:"amount"`
	UserTotalAmount   decimal.Decimal `json:"user_total_amount"`
	AuthorizationCode string          `json:"authorization_code,omitempty"`
	Currency          string          `json:"currency"`
	Originator        *OriginatorDTO  `json:"originator,omitempty"`
	EventDate         string          `json:"event_date"`
	CreatedAt         string          `json:"created_at"`
}

// =============================================================================
// PAYMENT COLLABORATOR
// =============================================================================

type OrderDTO struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	PaymentState string `json:"payment_state"`
}

type PaymentDTO struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id,omitempty"`
	State         string          `json:"state"`
	ResponseCode  string          `json:"response_code,omitempty"`
	CreditAllowed decimal.Decimal `json:"credit_allowed"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toStoreCreditDTO(sc storecredit.StoreCredit) StoreCreditDTO {
	dto := StoreCreditDTO{
		ID:               int64(sc.ID),
		UserID:           string(sc.UserID),
		CategoryID:       sc.Category.ID,
		CategoryName:     sc.Category.Name,
		CreatedBy:        sc.CreatedBy,
		Currency:         sc.Currency,
		Amount:           sc.Amount,
		AmountUsed:       sc.AmountUsed,
		AmountAuthorized: sc.AmountAuthorized,
		AmountRemaining:  sc.AmountRemaining(),
		Memo:             sc.Memo,
		CreatedAt:        sc.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        sc.UpdatedAt.Format(time.RFC3339),
	}
	if sc.CreditType != nil {
		dto.CreditType = sc.CreditType.Name
	}
	return dto
}

func toEventDTO(e storecredit.Event) EventDTO {
	dto := EventDTO{
		ID:                string(e.ID),
		StoreCreditID:     int64(e.StoreCreditID),
		Action:            string(e.Action),
		DisplayAction:     e.DisplayAction(),
		Amount:            e.Amount,
		UserTotalAmount:   e.UserTotalAmount,
		AuthorizationCode: e.AuthorizationCode,
		Currency:          e.Currency,
		EventDate:         e.DisplayDate(),
		CreatedAt:         e.CreatedAt.Format(time.RFC3339),
	}
	if e.Originator != nil {
		dto.Originator = &OriginatorDTO{Type: e.Originator.Type, ID: e.Originator.ID}
	}
	return dto
}

func (o *OriginatorDTO) toDomain() *storecredit.Originator {
	if o == nil {
		return nil
	}
	return &storecredit.Originator{Type: o.Type, ID: o.ID}
}

func creditTypeFromName(name string) *storecredit.CreditType {
	switch name {
	case storecredit.CreditTypeExpiring.ID, storecredit.CreditTypeExpiring.Name:
		ct := storecredit.CreditTypeExpiring
		return &ct
	case storecredit.CreditTypeNonExpiring.ID, storecredit.CreditTypeNonExpiring.Name:
		ct := storecredit.CreditTypeNonExpiring
		return &ct
	}
	return nil
}
