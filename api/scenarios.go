/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	ledgers for demos and manual testing of the admin frontend. Every
	scenario goes through the Ledger, so the audit trail is real.

AVAILABLE SCENARIOS:

	gift-card:        One unused USD gift card
	checkout:         Credit partly held by a pending payment, partly captured
	refund:           Captured credit with part of it credited back
	mixed-categories: Expiring, non-expiring and EUR credit for one customer

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Issue store credits
 3. Run authorize/capture/void/credit against them
 4. Register the orders and payments those codes belong to

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "checkout"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/store-credit/storecredit"
)

// Resetter is implemented by stores that can be wiped for demos.
type Resetter interface {
	Reset(ctx context.Context) error
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{ID: "gift-card", Name: "Gift Card", Description: "A single unused 100 USD gift card"},
	{ID: "checkout", Name: "Checkout", Description: "Hold placed by a pending payment plus a completed capture"},
	{ID: "refund", Name: "Refund", Description: "Captured credit with a partial credit back to the customer"},
	{ID: "mixed-categories", Name: "Mixed Categories", Description: "Expiring, non-expiring and EUR credit for one customer"},
}

const demoCustomer = storecredit.UserID("customer-1")

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, or null.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "gift-card":
		load = h.loadGiftCardScenario
	case "checkout":
		load = h.loadCheckoutScenario
	case "refund":
		load = h.loadRefundScenario
	case "mixed-categories":
		load = h.loadMixedCategoriesScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	resetter, ok := h.Payments.(Resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	ctx := r.Context()
	if err := resetter.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadGiftCardScenario(ctx context.Context) error {
	_, err := h.issueDemoCredit(ctx, "Gift Card", "USD", "100")
	return err
}

func (h *Handler) loadCheckoutScenario(ctx context.Context) error {
	sc, err := h.issueDemoCredit(ctx, "Gift Card", "USD", "150")
	if err != nil {
		return err
	}

	// Completed order paid partly with store credit
	paid, err := h.Ledger.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{
		Amount:     storecredit.MustParseDecimal("40"),
		Currency:   "USD",
		Originator: &storecredit.Originator{Type: "Payment", ID: "pay-1001"},
	})
	if err != nil {
		return err
	}
	if err := h.Ledger.Capture(ctx, sc.ID, storecredit.CaptureRequest{
		Amount:            storecredit.MustParseDecimal("40"),
		AuthorizationCode: paid,
		Currency:          "USD",
		Originator:        &storecredit.Originator{Type: "Payment", ID: "pay-1001"},
	}); err != nil {
		return err
	}
	if err := h.savePayment(ctx, "ord-1001", "R1001", storecredit.OrderPaymentStatePaid,
		"pay-1001", storecredit.PaymentStateCompleted, paid, "0"); err != nil {
		return err
	}

	// Order still in checkout holding 60
	held, err := h.Ledger.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{
		Amount:     storecredit.MustParseDecimal("60"),
		Currency:   "USD",
		Originator: &storecredit.Originator{Type: "Payment", ID: "pay-1002"},
	})
	if err != nil {
		return err
	}
	return h.savePayment(ctx, "ord-1002", "R1002", storecredit.OrderPaymentStateBalanceDue,
		"pay-1002", storecredit.PaymentStatePending, held, "0")
}

func (h *Handler) loadRefundScenario(ctx context.Context) error {
	sc, err := h.issueDemoCredit(ctx, "Gift Card", "USD", "100")
	if err != nil {
		return err
	}
	code, err := h.Ledger.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{
		Amount:   storecredit.MustParseDecimal("50"),
		Currency: "USD",
	})
	if err != nil {
		return err
	}
	if err := h.Ledger.Capture(ctx, sc.ID, storecredit.CaptureRequest{
		Amount:            storecredit.MustParseDecimal("50"),
		AuthorizationCode: code,
		Currency:          "USD",
	}); err != nil {
		return err
	}
	// One item returned, 30 still owed to the customer
	if _, err := h.Ledger.Credit(ctx, sc.ID, storecredit.CreditRequest{
		Amount:            storecredit.MustParseDecimal("20"),
		AuthorizationCode: code,
		Currency:          "USD",
		Originator:        &storecredit.Originator{Type: "Refund", ID: "ref-2001"},
	}); err != nil {
		return err
	}
	return h.savePayment(ctx, "ord-2001", "R2001", storecredit.OrderPaymentStateCreditOwed,
		"pay-2001", storecredit.PaymentStateCompleted, code, "30")
}

func (h *Handler) loadMixedCategoriesScenario(ctx context.Context) error {
	credits := []struct {
		category, currency, amount string
	}{
		{"Gift Card", "USD", "25"},
		{"Non-expiring", "USD", "75"},
		{"Gift Card", "EUR", "40"},
	}
	for _, c := range credits {
		if _, err := h.issueDemoCredit(ctx, c.category, c.currency, c.amount); err != nil {
			return err
		}
	}

	// A voided hold leaves an authorize/void pair in the audit trail
	sc, err := h.Ledger.ListByUser(ctx, demoCustomer)
	if err != nil {
		return err
	}
	code, err := h.Ledger.Authorize(ctx, sc[0].ID, storecredit.AuthorizeRequest{
		Amount:   storecredit.MustParseDecimal("10"),
		Currency: "USD",
	})
	if err != nil {
		return err
	}
	return h.Ledger.Void(ctx, sc[0].ID, storecredit.VoidRequest{AuthorizationCode: code})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) issueDemoCredit(ctx context.Context, category, currency, amount string) (storecredit.StoreCredit, error) {
	return h.Ledger.Create(ctx, storecredit.NewStoreCredit{
		UserID:    demoCustomer,
		Category:  storecredit.Category{ID: category, Name: category},
		CreatedBy: "demo",
		Currency:  currency,
		Amount:    storecredit.MustParseDecimal(amount),
		Memo:      "Demo " + category,
	})
}

func (h *Handler) savePayment(ctx context.Context, orderID, number, orderState, paymentID, state, code, creditAllowed string) error {
	if err := h.Payments.SaveOrder(ctx, storecredit.Order{ID: orderID, Number: number, PaymentState: orderState}); err != nil {
		return err
	}
	return h.Payments.SavePayment(ctx, storecredit.Payment{
		ID:            paymentID,
		State:         state,
		ResponseCode:  code,
		CreditAllowed: storecredit.MustParseDecimal(creditAllowed),
		Order:         &storecredit.Order{ID: orderID},
	})
}
