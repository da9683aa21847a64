/*
handlers.go - HTTP API handlers for the store-credit ledger

PURPOSE:
  Exposes storecredit.Ledger over REST. Handles HTTP request/response and
  JSON serialization; every business rule lives in the ledger.

ENDPOINTS:
  Store credits:
    POST   /api/store-credits                          Issue credit
    GET    /api/store-credits/{id}                     Ledger state
    DELETE /api/store-credits/{id}                     Destroy (unused only)
    GET    /api/store-credits/{id}/events              Audit trail
    POST   /api/store-credits/{id}/authorize           Place hold
    POST   /api/store-credits/{id}/capture             Capture hold
    POST   /api/store-credits/{id}/void                Release hold
    POST   /api/store-credits/{id}/credit              Give back captured credit
    POST   /api/store-credits/{id}/validate-authorization
    GET    /api/store-credits/{id}/payments/{paymentID}/eligibility

  Users:
    GET    /api/users/{id}/store-credits

  Events:
    GET    /api/events/{id}/order                      Order paid by this event

  Payment collaborator:
    POST   /api/orders
    POST   /api/payments

  Demo scenarios (scenarios.go):
    GET    /api/scenarios
    GET    /api/scenarios/current
    POST   /api/scenarios/load

ERROR HANDLING:
  - 400: Malformed body or path
  - 404: Store credit, event or payment not found
  - 409: Concurrent modification
  - 422: Named ledger condition (code + field in body)
  - 500: Internal errors
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/store-credit/storecredit"
)

// PaymentRegistry records orders and payments for the ledger's PaymentFinder.
type PaymentRegistry interface {
	SaveOrder(ctx context.Context, o storecredit.Order) error
	SavePayment(ctx context.Context, p storecredit.Payment) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger   *storecredit.Ledger
	Payments PaymentRegistry
	Logger   *slog.Logger

	scenarioMu      sync.Mutex
	currentScenario string
}

func NewHandler(ledger *storecredit.Ledger, payments PaymentRegistry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Ledger: ledger, Payments: payments, Logger: logger}
}

// =============================================================================
// STORE CREDIT HANDLERS
// =============================================================================

func (h *Handler) CreateStoreCredit(w http.ResponseWriter, r *http.Request) {
	var req CreateStoreCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sc, err := h.Ledger.Create(r.Context(), storecredit.NewStoreCredit{
		UserID:     storecredit.UserID(req.UserID),
		Category:   storecredit.Category{ID: req.CategoryID, Name: req.CategoryName},
		CreditType: creditTypeFromName(req.CreditType),
		CreatedBy:  req.CreatedBy,
		Currency:   req.Currency,
		Amount:     req.Amount,
		Memo:       req.Memo,
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to create store credit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStoreCreditDTO(sc))
}

func (h *Handler) GetStoreCredit(w http.ResponseWriter, r *http.Request) {
	id, ok := storeCreditID(w, r)
	if !ok {
		return
	}
	sc, err := h.Ledger.Get(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, "Failed to get store credit", err)
		return
	}
	writeJSON(w, http.StatusOK, toStoreCreditDTO(sc))
}

func (h *Handler) DeleteStoreCredit(w http.ResponseWriter, r *http.Request) {
	id, ok := storeCreditID(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.Destroy(r.Context(), id); err != nil {
		h.writeLedgerError(w, "Failed to delete store credit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := storeCreditID(w, r)
	if !ok {
		return
	}
	events, err := h.Ledger.Events(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, "Failed to list events", err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListUserStoreCredits(w http.ResponseWriter, r *http.Request) {
	userID := storecredit.UserID(chi.URLParam(r, "id"))
	credits, err := h.Ledger.ListByUser(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, "Failed to list store credits", err)
		return
	}
	dtos := make([]StoreCreditDTO, len(credits))
	for i, sc := range credits {
		dtos[i] = toStoreCreditDTO(sc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// STATE MACHINE HANDLERS
// =============================================================================

func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	id, ok := storeCreditID(w, r)
	if !ok {
		return
	}
	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	code, err := h.Ledger.Authorize(r.Context(), id, storecredit.AuthorizeRequest{
		Amount:            req.Amount,
		Currency:          req.Currency,
		AuthorizationCode: req.AuthorizationCode,
		Originator:        req.Originator.toDomain(),
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to authorize", err)
		return
	}
	sc, err := h.Ledger.Get(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, "Failed to get store credit", err)
		return
	}
	writeJSON(w, http.StatusOK, AuthorizeResponse{AuthorizationCode: code, StoreCredit: toStoreCreditDTO(sc)})
}

func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	id, ok := storeCreditID(w, r)
	if !ok {
		return
	}
	var req MovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Ledger.Capture(r.Context(), id, storecredit.CaptureRequest{
		Amount:            req.Amount,
		AuthorizationCode: req.AuthorizationCode,
		Currency:          req.Currency,
		Originator:        req.Originator.toDomain(),
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to capture", err)
		return
	}
	h.writeStoreCredit(w, r, id)
}

func (h *Handler) Void(w http.ResponseWriter, r *http.Request) {
	id, ok := storeCreditID(w, r)
	if !ok {
		return
	}
	var req VoidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Ledger.Void(r.Context(), id, storecredit.VoidRequest{
		AuthorizationCode: req.AuthorizationCode,
		Originator:        req.Originator.toDomain(),
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to void", err)
		return
	}
	h.writeStoreCredit(w, r, id)
}

// Credit responds with the ledger that received the credit, which is a new
// one when credit-to-new-allocation is on.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	id, ok := storeCreditID(w, r)
	if !ok {
		return
	}
	var req MovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sc, err := h.Ledger.Credit(r.Context(), id, storecredit.CreditRequest{
		Amount:            req.Amount,
		AuthorizationCode: req.AuthorizationCode,
		Currency:          req.Currency,
		Originator:        req.Originator.toDomain(),
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to credit", err)
		return
	}
	writeJSON(w, http.StatusOK, toStoreCreditDTO(sc))
}

func (h *Handler) ValidateAuthorization(w http.ResponseWriter, r *http.Request) {
	id, ok := storeCreditID(w, r)
	if !ok {
		return
	}
	var req ValidateAuthorizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Ledger.ValidateAuthorization(r.Context(), id, req.Amount, req.Currency)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ValidateAuthorizationResponse{Valid: true})
	case storecredit.IsClientError(err):
		writeJSON(w, http.StatusOK, ValidateAuthorizationResponse{Valid: false, Code: storecredit.Code(err)})
	default:
		h.writeLedgerError(w, "Failed to validate authorization", err)
	}
}

func (h *Handler) PaymentEligibility(w http.ResponseWriter, r *http.Request) {
	id, ok := storeCreditID(w, r)
	if !ok {
		return
	}
	e, err := h.Ledger.PaymentEligibility(r.Context(), id, chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeLedgerError(w, "Failed to check payment", err)
		return
	}
	writeJSON(w, http.StatusOK, EligibilityDTO{CanCapture: e.CanCapture, CanVoid: e.CanVoid, CanCredit: e.CanCredit})
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

func (h *Handler) GetEventOrder(w http.ResponseWriter, r *http.Request) {
	event, err := h.Ledger.Event(r.Context(), storecredit.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, "Failed to get event", err)
		return
	}
	order, err := h.Ledger.EventOrder(r.Context(), event)
	if err != nil {
		h.writeLedgerError(w, "Failed to resolve order", err)
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, "No order for event", nil)
		return
	}
	writeJSON(w, http.StatusOK, OrderDTO{ID: order.ID, Number: order.Number, PaymentState: order.PaymentState})
}

// =============================================================================
// PAYMENT COLLABORATOR HANDLERS
// =============================================================================

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}
	order := storecredit.Order{ID: req.ID, Number: req.Number, PaymentState: req.PaymentState}
	if err := h.Payments.SaveOrder(r.Context(), order); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save order", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.State == "" {
		writeError(w, http.StatusBadRequest, "id and state are required", nil)
		return
	}
	p := storecredit.Payment{
		ID:            req.ID,
		State:         req.State,
		ResponseCode:  req.ResponseCode,
		CreditAllowed: req.CreditAllowed,
	}
	if req.OrderID != "" {
		p.Order = &storecredit.Order{ID: req.OrderID}
	}
	if err := h.Payments.SavePayment(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// =============================================================================
// HELPERS
// =============================================================================

func storeCreditID(w http.ResponseWriter, r *http.Request) (storecredit.ID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid store credit id", err)
		return 0, false
	}
	return storecredit.ID(id), true
}

func (h *Handler) writeStoreCredit(w http.ResponseWriter, r *http.Request, id storecredit.ID) {
	sc, err := h.Ledger.Get(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, "Failed to get store credit", err)
		return
	}
	writeJSON(w, http.StatusOK, toStoreCreditDTO(sc))
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, message string, err error) {
	switch {
	case storecredit.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case storecredit.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	case storecredit.IsClientError(err):
		resp := ErrorResponse{
			Error:   message,
			Code:    storecredit.Code(err),
			Field:   storecredit.Field(err),
			Details: err.Error(),
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		h.Logger.Error("request failed", "message", message, "error", err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil && !errors.Is(err, context.Canceled) {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
