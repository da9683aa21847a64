package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/store-credit/storecredit"
)

func newCredit(user string) *storecredit.StoreCredit {
	return &storecredit.StoreCredit{
		UserID:    storecredit.UserID(user),
		Category:  storecredit.Category{ID: "cat-1", Name: "Gift Card"},
		CreatedBy: "admin-1",
		Currency:  "USD",
		Amount:    storecredit.MustParseDecimal("100"),
	}
}

func TestMemory_InsertAssignsIDs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a, b := newCredit("user-1"), newCredit("user-1")
	require.NoError(t, m.InsertStoreCredit(ctx, a))
	require.NoError(t, m.InsertStoreCredit(ctx, b))

	assert.Equal(t, storecredit.ID(1), a.ID)
	assert.Equal(t, storecredit.ID(2), b.ID)
	assert.Equal(t, int64(1), a.Version)
}

func TestMemory_UpdateChecksVersion(t *testing.T) {
	// GIVEN: Two copies of the same ledger
	m := NewMemory()
	ctx := context.Background()
	sc := newCredit("user-1")
	require.NoError(t, m.InsertStoreCredit(ctx, sc))
	first, second := *sc, *sc

	// WHEN: Both are written back
	first.AmountUsed = storecredit.MustParseDecimal("10")
	require.NoError(t, m.UpdateStoreCredit(ctx, first))
	second.AmountUsed = storecredit.MustParseDecimal("20")
	err := m.UpdateStoreCredit(ctx, second)

	// THEN: The stale one is rejected
	assert.ErrorIs(t, err, storecredit.ErrConcurrentModification)
	got, err := m.GetStoreCredit(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", got.AmountUsed.String())
	assert.Equal(t, int64(2), got.Version)
}

func TestMemory_WithTxRollsBack(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	existing := newCredit("user-1")
	require.NoError(t, m.InsertStoreCredit(ctx, existing))
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s storecredit.Store) error {
		sc := newCredit("user-1")
		require.NoError(t, s.InsertStoreCredit(ctx, sc))
		require.NoError(t, s.AppendEvent(ctx, storecredit.Event{ID: "e-1", StoreCreditID: sc.ID}))
		updated := *existing
		updated.AmountAuthorized = storecredit.MustParseDecimal("50")
		require.NoError(t, s.UpdateStoreCredit(ctx, updated))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	list, err := m.ListStoreCredits(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].AmountAuthorized.IsZero())
	assert.Equal(t, 0, m.EventCount())

	// IDs handed out inside the failed transaction are reused.
	next := newCredit("user-2")
	require.NoError(t, m.InsertStoreCredit(ctx, next))
	assert.Equal(t, storecredit.ID(2), next.ID)
}

func TestMemory_DeleteKeepsEvents(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sc := newCredit("user-1")
	require.NoError(t, m.InsertStoreCredit(ctx, sc))
	require.NoError(t, m.AppendEvent(ctx, storecredit.Event{ID: "e-1", StoreCreditID: sc.ID, AuthorizationCode: "c-1"}))

	require.NoError(t, m.DeleteStoreCredit(ctx, sc.ID))

	_, err := m.GetStoreCredit(ctx, sc.ID)
	assert.ErrorIs(t, err, storecredit.ErrStoreCreditNotFound)
	assert.ErrorIs(t, m.DeleteStoreCredit(ctx, sc.ID), storecredit.ErrStoreCreditNotFound)
	e, err := m.GetEvent(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, sc.ID, e.StoreCreditID)
}

func TestMemory_EventsByAuthorizationCode(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, e := range []storecredit.Event{
		{ID: "e-1", StoreCreditID: 1, AuthorizationCode: "a", Action: storecredit.ActionAuthorize},
		{ID: "e-2", StoreCreditID: 1, AuthorizationCode: "b", Action: storecredit.ActionAuthorize},
		{ID: "e-3", StoreCreditID: 2, AuthorizationCode: "a", Action: storecredit.ActionAuthorize},
		{ID: "e-4", StoreCreditID: 1, AuthorizationCode: "a", Action: storecredit.ActionCapture},
	} {
		require.NoError(t, m.AppendEvent(ctx, e))
	}

	events, err := m.EventsByAuthorizationCode(ctx, 1, "a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, storecredit.EventID("e-1"), events[0].ID)
	assert.Equal(t, storecredit.EventID("e-4"), events[1].ID)

	_, err = m.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, storecredit.ErrEventNotFound)
}

func TestMemory_UserEventsByAuthorizationCode(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sc := newCredit("user-1")
	require.NoError(t, m.InsertStoreCredit(ctx, sc))
	for _, e := range []storecredit.Event{
		{ID: "e-1", StoreCreditID: 1, UserID: "user-1", AuthorizationCode: "a", Action: storecredit.ActionCapture},
		{ID: "e-2", StoreCreditID: sc.ID, UserID: "user-1", AuthorizationCode: "a", Action: storecredit.ActionCredit},
		{ID: "e-3", StoreCreditID: 9, UserID: "user-2", AuthorizationCode: "a", Action: storecredit.ActionCredit},
		{ID: "e-4", StoreCreditID: sc.ID, UserID: "user-1", AuthorizationCode: "b", Action: storecredit.ActionCredit},
	} {
		require.NoError(t, m.AppendEvent(ctx, e))
	}
	require.NoError(t, m.DeleteStoreCredit(ctx, sc.ID))

	events, err := m.UserEventsByAuthorizationCode(ctx, "user-1", "a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, storecredit.EventID("e-1"), events[0].ID)
	assert.Equal(t, storecredit.EventID("e-2"), events[1].ID)
}

func TestMemory_Payments(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveOrder(ctx, storecredit.Order{ID: "o-1", Number: "R100", PaymentState: storecredit.OrderPaymentStateCreditOwed}))
	require.NoError(t, m.SavePayment(ctx, storecredit.Payment{ID: "p-1", State: storecredit.PaymentStateCompleted, ResponseCode: "1-SC-1", Order: &storecredit.Order{ID: "o-1"}}))

	p, err := m.FindPaymentByResponseCode(ctx, "1-SC-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Order)
	assert.Equal(t, "R100", p.Order.Number)

	p, err = m.GetPayment(ctx, "missing")
	assert.NoError(t, err)
	assert.Nil(t, p)
}
