package storecredit_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/store-credit/storecredit"
	"github.com/warp/store-credit/storecredit/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T, opts storecredit.Options) (*storecredit.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return storecredit.NewLedger(mem, mem, opts), mem
}

func dec(s string) decimal.Decimal {
	return storecredit.MustParseDecimal(s)
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

var giftCard = storecredit.Category{ID: "cat-1", Name: "Gift Card"}

func newCredit(user string, amount string) storecredit.NewStoreCredit {
	return storecredit.NewStoreCredit{
		UserID:    storecredit.UserID(user),
		Category:  giftCard,
		CreatedBy: "admin-1",
		Currency:  "USD",
		Amount:    dec(amount),
	}
}

func issue(t *testing.T, l *storecredit.Ledger, user, amount string) storecredit.StoreCredit {
	t.Helper()
	sc, err := l.Create(context.Background(), newCredit(user, amount))
	require.NoError(t, err)
	return sc
}

// setAmounts writes used/authorized directly, bypassing the ledger, to set up
// states the operations alone would take several steps to reach.
func setAmounts(t *testing.T, mem *store.Memory, id storecredit.ID, used, authorized string) {
	t.Helper()
	ctx := context.Background()
	sc, err := mem.GetStoreCredit(ctx, id)
	require.NoError(t, err)
	sc.AmountUsed = dec(used)
	sc.AmountAuthorized = dec(authorized)
	require.NoError(t, mem.UpdateStoreCredit(ctx, sc))
}

func reload(t *testing.T, l *storecredit.Ledger, id storecredit.ID) storecredit.StoreCredit {
	t.Helper()
	sc, err := l.Get(context.Background(), id)
	require.NoError(t, err)
	return sc
}

func lastEvent(t *testing.T, l *storecredit.Ledger, id storecredit.ID) storecredit.Event {
	t.Helper()
	events, err := l.Events(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_WritesAllocationEvent(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())

	sc := issue(t, l, "user-1", "100")

	assert.Equal(t, 1, mem.EventCount())
	e := lastEvent(t, l, sc.ID)
	assert.Equal(t, storecredit.ActionAllocation, e.Action)
	assertAmount(t, "100", e.Amount)
	assertAmount(t, "100", e.UserTotalAmount)
	assert.NotEmpty(t, e.AuthorizationCode)
	assert.Equal(t, "USD", e.Currency)
}

func TestCreate_UserTotalSumsAllLedgers(t *testing.T) {
	// GIVEN: A user with a 100 credit
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	issue(t, l, "user-1", "100")
	issue(t, l, "user-2", "1000")

	// WHEN: A second credit of 200 is issued
	second := issue(t, l, "user-1", "200")

	// THEN: The allocation event snapshots 300
	assertAmount(t, "300", lastEvent(t, l, second.ID).UserTotalAmount)
}

func TestCreate_CreditTypeFromCategory(t *testing.T) {
	opts := storecredit.DefaultOptions()
	opts.NonExpiringCategories = []string{"Goodwill"}
	l, _ := newTestLedger(t, opts)

	t.Run("non-expiring category", func(t *testing.T) {
		req := newCredit("user-1", "10")
		req.Category = storecredit.Category{ID: "cat-2", Name: "goodwill"}
		sc, err := l.Create(context.Background(), req)
		require.NoError(t, err)
		require.NotNil(t, sc.CreditType)
		assert.Equal(t, storecredit.CreditTypeNonExpiring.Name, sc.CreditType.Name)
	})

	t.Run("expiring category", func(t *testing.T) {
		sc := issue(t, l, "user-1", "10")
		require.NotNil(t, sc.CreditType)
		assert.Equal(t, "Expiring", sc.CreditType.Name)
	})

	t.Run("explicit type is kept", func(t *testing.T) {
		req := newCredit("user-1", "10")
		explicit := storecredit.CreditTypeNonExpiring
		req.CreditType = &explicit
		sc, err := l.Create(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, storecredit.CreditTypeNonExpiring, *sc.CreditType)
	})
}

func TestCreate_WithAction(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	req := newCredit("user-1", "50")
	req.Action = storecredit.ActionVoid
	req.AuthorizationCode = "1-SC-TEST"

	sc, err := l.Create(context.Background(), req)
	require.NoError(t, err)

	e := lastEvent(t, l, sc.ID)
	assert.Equal(t, storecredit.ActionVoid, e.Action)
	assert.Equal(t, "1-SC-TEST", e.AuthorizationCode)
}

func TestCreate_InvalidIsRejected(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())

	req := newCredit("", "0")
	req.Currency = ""
	_, err := l.Create(context.Background(), req)

	require.Error(t, err)
	assert.ErrorIs(t, err, storecredit.ErrInvalidAttribute)
	var verrs storecredit.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs.On("amount"), 1)
	assert.Len(t, verrs.On("currency"), 1)
	assert.Len(t, verrs.On("user"), 1)
	assert.Equal(t, 0, mem.EventCount())
}

// =============================================================================
// AUTHORIZE
// =============================================================================

func TestAuthorize_AddsToAuthorizedAmount(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	setAmounts(t, mem, sc.ID, "0", "1")

	code, err := l.Authorize(context.Background(), sc.ID, storecredit.AuthorizeRequest{
		Amount:   dec("3"),
		Currency: "USD",
	})

	require.NoError(t, err)
	assert.NotEmpty(t, code)
	assert.Regexp(t, `^\d+-SC-\d{20}$`, code)
	assertAmount(t, "4", reload(t, l, sc.ID).AmountAuthorized)

	e := lastEvent(t, l, sc.ID)
	assert.Equal(t, storecredit.ActionAuthorize, e.Action)
	assert.Equal(t, code, e.AuthorizationCode)
	assertAmount(t, "3", e.Amount)
}

func TestAuthorize_FullRemainingAmount(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	setAmounts(t, mem, sc.ID, "0", "1")

	_, err := l.Authorize(context.Background(), sc.ID, storecredit.AuthorizeRequest{Amount: dec("99"), Currency: "USD"})
	assert.NoError(t, err)
}

func TestAuthorize_RecordsOriginator(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	before := mem.EventCount()
	originator := &storecredit.Originator{Type: "AdminUser", ID: "42"}

	_, err := l.Authorize(context.Background(), sc.ID, storecredit.AuthorizeRequest{
		Amount: dec("3"), Currency: "USD", Originator: originator,
	})

	require.NoError(t, err)
	assert.Equal(t, before+1, mem.EventCount())
	assert.Equal(t, originator, lastEvent(t, l, sc.ID).Originator)
}

func TestAuthorize_ExistingCodeIsIdempotent(t *testing.T) {
	// GIVEN: The full amount is already authorized under a code
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	code, err := l.Authorize(context.Background(), sc.ID, storecredit.AuthorizeRequest{Amount: dec("100"), Currency: "USD"})
	require.NoError(t, err)
	before := mem.EventCount()

	// WHEN: The same authorization is replayed
	again, err := l.Authorize(context.Background(), sc.ID, storecredit.AuthorizeRequest{
		Amount: dec("100"), Currency: "USD", AuthorizationCode: code,
	})

	// THEN: It succeeds without holding anything more
	require.NoError(t, err)
	assert.Equal(t, code, again)
	assertAmount(t, "100", reload(t, l, sc.ID).AmountAuthorized)
	assert.Equal(t, before, mem.EventCount())
}

func TestAuthorize_UnknownSuppliedCodeIsUsed(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")

	code, err := l.Authorize(context.Background(), sc.ID, storecredit.AuthorizeRequest{
		Amount: dec("5"), Currency: "USD", AuthorizationCode: "ext-123",
	})

	require.NoError(t, err)
	assert.Equal(t, "ext-123", code)
	assert.Equal(t, "ext-123", lastEvent(t, l, sc.ID).AuthorizationCode)
}

func TestAuthorize_InsufficientFunds(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	before := mem.EventCount()

	_, err := l.Authorize(context.Background(), sc.ID, storecredit.AuthorizeRequest{Amount: dec("200"), Currency: "USD"})

	assert.ErrorIs(t, err, storecredit.ErrInsufficientFunds)
	assert.Equal(t, storecredit.CodeInsufficientFunds, storecredit.Code(err))
	assert.True(t, reload(t, l, sc.ID).AmountAuthorized.IsZero())
	assert.Equal(t, before, mem.EventCount())
}

func TestAuthorize_ConsecutiveCodesAreDistinct(t *testing.T) {
	fixed := time.Date(2014, 6, 2, 16, 48, 14, 476128000, time.UTC)
	opts := storecredit.DefaultOptions()
	opts.Now = func() time.Time { return fixed }
	l, _ := newTestLedger(t, opts)
	sc := issue(t, l, "user-1", "100")

	first, err := l.Authorize(context.Background(), sc.ID, storecredit.AuthorizeRequest{Amount: dec("1"), Currency: "USD"})
	require.NoError(t, err)
	second, err := l.Authorize(context.Background(), sc.ID, storecredit.AuthorizeRequest{Amount: dec("1"), Currency: "USD"})
	require.NoError(t, err)

	// The allocation event already holds ...476128.
	assert.Equal(t, "1-SC-20140602164814476129", first)
	assert.Equal(t, "1-SC-20140602164814476130", second)
}

// =============================================================================
// VALIDATE AUTHORIZATION
// =============================================================================

func TestValidateAuthorization(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	ctx := context.Background()

	t.Run("insufficient funds", func(t *testing.T) {
		err := l.ValidateAuthorization(ctx, sc.ID, dec("200"), "USD")
		assert.ErrorIs(t, err, storecredit.ErrInsufficientFunds)
	})

	t.Run("currency mismatch", func(t *testing.T) {
		err := l.ValidateAuthorization(ctx, sc.ID, dec("100"), "EUR")
		assert.ErrorIs(t, err, storecredit.ErrCurrencyMismatch)
	})

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, l.ValidateAuthorization(ctx, sc.ID, dec("100"), "USD"))
	})

	t.Run("does not mutate", func(t *testing.T) {
		assert.True(t, reload(t, l, sc.ID).AmountAuthorized.IsZero())
	})
}

func TestValidateAuthorization_TroublesomeFloats(t *testing.T) {
	// 8.21 as a binary float is slightly less than 8.21; decimals compare exactly.
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "8.21")

	assert.NoError(t, l.ValidateAuthorization(context.Background(), sc.ID, decimal.NewFromFloat(8.21), "USD"))
}

// =============================================================================
// CAPTURE
// =============================================================================

const externalCode = "23-SC-20140602164814476128"

func TestCapture_InsufficientAuthorizedAmount(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	setAmounts(t, mem, sc.ID, "0", "10")
	before := reload(t, l, sc.ID)

	err := l.Capture(context.Background(), sc.ID, storecredit.CaptureRequest{
		Amount: dec("20"), AuthorizationCode: externalCode, Currency: "USD",
	})

	assert.ErrorIs(t, err, storecredit.ErrInsufficientAuthorizedAmount)
	assert.Equal(t, before, reload(t, l, sc.ID))
}

func TestCapture_CurrencyMismatch(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	setAmounts(t, mem, sc.ID, "0", "10")
	before := reload(t, l, sc.ID)

	err := l.Capture(context.Background(), sc.ID, storecredit.CaptureRequest{
		Amount: dec("10"), AuthorizationCode: externalCode, Currency: "EUR",
	})

	assert.ErrorIs(t, err, storecredit.ErrCurrencyMismatch)
	assert.Equal(t, before, reload(t, l, sc.ID))
}

func TestCapture_Partial(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	setAmounts(t, mem, sc.ID, "0", "10")
	originator := &storecredit.Originator{Type: "Payment", ID: "p-1"}
	before := mem.EventCount()

	err := l.Capture(context.Background(), sc.ID, storecredit.CaptureRequest{
		Amount: dec("9"), AuthorizationCode: externalCode, Currency: "USD", Originator: originator,
	})

	require.NoError(t, err)
	after := reload(t, l, sc.ID)
	assertAmount(t, "1", after.AmountAuthorized)
	assertAmount(t, "9", after.AmountUsed)
	assert.Equal(t, before+1, mem.EventCount())
	e := lastEvent(t, l, sc.ID)
	assert.Equal(t, storecredit.ActionCapture, e.Action)
	assert.Equal(t, externalCode, e.AuthorizationCode)
	assert.Equal(t, originator, e.Originator)
}

func TestCapture_AfterVoidIsRejected(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	ctx := context.Background()
	voided, err := l.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{Amount: dec("10"), Currency: "USD"})
	require.NoError(t, err)
	require.NoError(t, l.Void(ctx, sc.ID, storecredit.VoidRequest{AuthorizationCode: voided}))
	_, err = l.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{Amount: dec("10"), Currency: "USD"})
	require.NoError(t, err)

	err = l.Capture(ctx, sc.ID, storecredit.CaptureRequest{Amount: dec("10"), AuthorizationCode: voided, Currency: "USD"})

	assert.ErrorIs(t, err, storecredit.ErrInsufficientAuthorizedAmount)
}

// =============================================================================
// VOID
// =============================================================================

func TestVoid_NoEventForCode(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "150")
	before := mem.EventCount()

	err := l.Void(context.Background(), sc.ID, storecredit.VoidRequest{AuthorizationCode: "1-SC-20141111111111"})

	assert.ErrorIs(t, err, storecredit.ErrUnableToVoid)
	var scErr *storecredit.Error
	require.ErrorAs(t, err, &scErr)
	assert.Equal(t, "1-SC-20141111111111", scErr.AuthorizationCode)
	assert.Equal(t, before, mem.EventCount())
}

func TestVoid_CapturedCodeIsRejected(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "150")
	ctx := context.Background()
	code, err := l.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{Amount: dec("10"), Currency: "USD"})
	require.NoError(t, err)
	require.NoError(t, l.Capture(ctx, sc.ID, storecredit.CaptureRequest{Amount: dec("10"), AuthorizationCode: code, Currency: "USD"}))

	err = l.Void(ctx, sc.ID, storecredit.VoidRequest{AuthorizationCode: code})

	assert.ErrorIs(t, err, storecredit.ErrUnableToVoid)
	assertAmount(t, "10", reload(t, l, sc.ID).AmountUsed)
}

func TestVoid_ReleasesHold(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "150")
	ctx := context.Background()
	code, err := l.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{Amount: dec("10"), Currency: "USD"})
	require.NoError(t, err)
	assertAmount(t, "10", reload(t, l, sc.ID).AmountAuthorized)
	originator := &storecredit.Originator{Type: "AdminUser", ID: "7"}
	before := mem.EventCount()

	err = l.Void(ctx, sc.ID, storecredit.VoidRequest{AuthorizationCode: code, Originator: originator})

	require.NoError(t, err)
	assert.True(t, reload(t, l, sc.ID).AmountAuthorized.IsZero())
	assert.Equal(t, before+1, mem.EventCount())
	e := lastEvent(t, l, sc.ID)
	assert.Equal(t, storecredit.ActionVoid, e.Action)
	assertAmount(t, "10", e.Amount)
	assert.Equal(t, originator, e.Originator)
}

func TestVoid_Twice(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "150")
	ctx := context.Background()
	code, err := l.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{Amount: dec("10"), Currency: "USD"})
	require.NoError(t, err)
	require.NoError(t, l.Void(ctx, sc.ID, storecredit.VoidRequest{AuthorizationCode: code}))

	err = l.Void(ctx, sc.ID, storecredit.VoidRequest{AuthorizationCode: code})

	assert.ErrorIs(t, err, storecredit.ErrUnableToVoid)
	assert.True(t, reload(t, l, sc.ID).AmountAuthorized.IsZero())
}

// =============================================================================
// CREDIT
// =============================================================================

// capturedCredit issues 150, then authorizes and captures captured under one
// code. It returns the ledger and the code.
func capturedCredit(t *testing.T, l *storecredit.Ledger, captured string) (storecredit.StoreCredit, string) {
	t.Helper()
	ctx := context.Background()
	sc := issue(t, l, "user-1", "150")
	code, err := l.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{Amount: dec(captured), Currency: "USD"})
	require.NoError(t, err)
	require.NoError(t, l.Capture(ctx, sc.ID, storecredit.CaptureRequest{Amount: dec(captured), AuthorizationCode: code, Currency: "USD"}))
	return reload(t, l, sc.ID), code
}

func TestCredit_CurrencyMismatch(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc, code := capturedCredit(t, l, "100")

	_, err := l.Credit(context.Background(), sc.ID, storecredit.CreditRequest{
		Amount: dec("5"), AuthorizationCode: code, Currency: "AUD",
	})

	assert.ErrorIs(t, err, storecredit.ErrCurrencyMismatch)
}

func TestCredit_UnknownCode(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc, _ := capturedCredit(t, l, "100")

	_, err := l.Credit(context.Background(), sc.ID, storecredit.CreditRequest{
		Amount: dec("5"), AuthorizationCode: "UNKNOWN_CODE", Currency: "USD",
	})

	assert.ErrorIs(t, err, storecredit.ErrUnableToCredit)
}

func TestCredit_MoreThanCaptured(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc, code := capturedCredit(t, l, "5")

	_, err := l.Credit(context.Background(), sc.ID, storecredit.CreditRequest{
		Amount: dec("100"), AuthorizationCode: code, Currency: "USD",
	})

	assert.ErrorIs(t, err, storecredit.ErrUnableToCredit)
	assertAmount(t, "5", reload(t, l, sc.ID).AmountUsed)
}

func TestCredit_AuthorizeOnlyCodeIsRejected(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	code, err := l.Authorize(context.Background(), sc.ID, storecredit.AuthorizeRequest{Amount: dec("10"), Currency: "USD"})
	require.NoError(t, err)

	_, err = l.Credit(context.Background(), sc.ID, storecredit.CreditRequest{Amount: dec("5"), AuthorizationCode: code, Currency: "USD"})

	assert.ErrorIs(t, err, storecredit.ErrUnableToCredit)
}

func TestCredit_ToExistingAllocation(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc, code := capturedCredit(t, l, "10")
	events, err := l.Events(context.Background(), sc.ID)
	require.NoError(t, err)
	before := len(events)
	originator := &storecredit.Originator{Type: "Refund", ID: "r-1"}

	credited, err := l.Credit(context.Background(), sc.ID, storecredit.CreditRequest{
		Amount: dec("5"), AuthorizationCode: code, Currency: "USD", Originator: originator,
	})

	require.NoError(t, err)
	assert.Equal(t, sc.ID, credited.ID)
	assertAmount(t, "5", reload(t, l, sc.ID).AmountUsed)
	events, err = l.Events(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Len(t, events, before+1)
	e := events[len(events)-1]
	assert.Equal(t, storecredit.ActionCredit, e.Action)
	assert.Equal(t, code, e.AuthorizationCode)
	assert.Equal(t, originator, e.Originator)

	credits, err := l.ListByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, credits, 1)
}

func TestCredit_CumulativeCreditsCannotExceedCapture(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc, code := capturedCredit(t, l, "10")
	ctx := context.Background()

	_, err := l.Credit(ctx, sc.ID, storecredit.CreditRequest{Amount: dec("6"), AuthorizationCode: code, Currency: "USD"})
	require.NoError(t, err)
	_, err = l.Credit(ctx, sc.ID, storecredit.CreditRequest{Amount: dec("6"), AuthorizationCode: code, Currency: "USD"})
	assert.ErrorIs(t, err, storecredit.ErrUnableToCredit)
	_, err = l.Credit(ctx, sc.ID, storecredit.CreditRequest{Amount: dec("4"), AuthorizationCode: code, Currency: "USD"})
	assert.NoError(t, err)

	assert.True(t, reload(t, l, sc.ID).AmountUsed.IsZero())
}

func TestCredit_ToNewAllocation(t *testing.T) {
	opts := storecredit.DefaultOptions()
	opts.CreditToNewAllocation = true
	l, mem := newTestLedger(t, opts)
	sc, code := capturedCredit(t, l, "10")
	originalEvents, err := l.Events(context.Background(), sc.ID)
	require.NoError(t, err)
	before := mem.EventCount()
	originator := &storecredit.Originator{Type: "Refund", ID: "r-2"}

	credited, err := l.Credit(context.Background(), sc.ID, storecredit.CreditRequest{
		Amount: dec("5"), AuthorizationCode: code, Currency: "USD", Originator: originator,
	})
	require.NoError(t, err)

	// A new ledger holds the credit
	assert.NotEqual(t, sc.ID, credited.ID)
	assertAmount(t, "5", credited.Amount)
	assert.Equal(t, sc.UserID, credited.UserID)
	assert.Equal(t, sc.Category, credited.Category)
	assert.Equal(t, sc.CreatedBy, credited.CreatedBy)
	assert.Equal(t, sc.Currency, credited.Currency)
	assert.Equal(t, sc.CreditType, credited.CreditType)
	assert.Equal(t, "This is a credit from store credit ID 1", credited.Memo)

	// The original is untouched
	assertAmount(t, "10", reload(t, l, sc.ID).AmountUsed)
	events, err := l.Events(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Len(t, events, len(originalEvents))

	// Exactly one event, on the new ledger
	assert.Equal(t, before+1, mem.EventCount())
	e := lastEvent(t, l, credited.ID)
	assert.Equal(t, storecredit.ActionCredit, e.Action)
	assert.Equal(t, originator, e.Originator)
	assertAmount(t, "155", e.UserTotalAmount)

	credits, err := l.ListByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, credits, 2)
}

func TestCredit_ToNewAllocation_CountsPriorCredits(t *testing.T) {
	opts := storecredit.DefaultOptions()
	opts.CreditToNewAllocation = true
	l, _ := newTestLedger(t, opts)
	sc, code := capturedCredit(t, l, "10")
	ctx := context.Background()

	_, err := l.Credit(ctx, sc.ID, storecredit.CreditRequest{Amount: dec("10"), AuthorizationCode: code, Currency: "USD"})
	require.NoError(t, err)
	_, err = l.Credit(ctx, sc.ID, storecredit.CreditRequest{Amount: dec("1"), AuthorizationCode: code, Currency: "USD"})

	assert.ErrorIs(t, err, storecredit.ErrUnableToCredit)
}

// =============================================================================
// DESTROY
// =============================================================================

func TestDestroy_UsedCreditIsKept(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	setAmounts(t, mem, sc.ID, "1", "0")

	err := l.Destroy(context.Background(), sc.ID)

	assert.ErrorIs(t, err, storecredit.ErrAmountUsedNotZero)
	assert.Equal(t, "amount_used", storecredit.Field(err))
	_, err = l.Get(context.Background(), sc.ID)
	assert.NoError(t, err)
}

func TestDestroy_UnusedCredit(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")

	require.NoError(t, l.Destroy(context.Background(), sc.ID))

	_, err := l.Get(context.Background(), sc.ID)
	assert.ErrorIs(t, err, storecredit.ErrStoreCreditNotFound)
}

func TestOperations_UnknownLedger(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())

	_, err := l.Authorize(context.Background(), 99, storecredit.AuthorizeRequest{Amount: dec("1"), Currency: "USD"})
	assert.True(t, storecredit.IsNotFound(err))
	assert.False(t, storecredit.IsClientError(err))
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenario_AuthorizeMismatchCapture(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	ctx := context.Background()

	code, err := l.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{Amount: dec("40"), Currency: "USD"})
	require.NoError(t, err)
	assertAmount(t, "40", reload(t, l, sc.ID).AmountAuthorized)

	_, err = l.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{Amount: dec("30"), Currency: "EUR"})
	assert.Equal(t, storecredit.CodeCurrencyMismatch, storecredit.Code(err))
	assertAmount(t, "40", reload(t, l, sc.ID).AmountAuthorized)

	require.NoError(t, l.Capture(ctx, sc.ID, storecredit.CaptureRequest{Amount: dec("40"), AuthorizationCode: code, Currency: "USD"}))
	after := reload(t, l, sc.ID)
	assertAmount(t, "40", after.AmountUsed)
	assert.True(t, after.AmountAuthorized.IsZero())

	events, err := l.Events(ctx, sc.ID)
	require.NoError(t, err)
	actions := make([]storecredit.Action, len(events))
	for i, e := range events {
		actions[i] = e.Action
	}
	assert.Equal(t, []storecredit.Action{storecredit.ActionAllocation, storecredit.ActionAuthorize, storecredit.ActionCapture}, actions)
}

func TestConcurrentAuthorizations_NeverOverdraw(t *testing.T) {
	// GIVEN: 100 of credit and 25 concurrent holds of 10
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	before := mem.EventCount()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Authorize(context.Background(), sc.ID, storecredit.AuthorizeRequest{Amount: dec("10"), Currency: "USD"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, storecredit.ErrInsufficientFunds):
				insufficient++
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly ten holds fit, each with one event
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 15, insufficient)
	after := reload(t, l, sc.ID)
	assertAmount(t, "100", after.AmountAuthorized)
	assert.NoError(t, after.Validate())
	assert.Equal(t, before+10, mem.EventCount())
}

// =============================================================================
// EVENT ORDER
// =============================================================================

func TestEventOrder(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	ctx := context.Background()
	sc, code := capturedCredit(t, l, "10")
	capture := lastEvent(t, l, sc.ID)

	t.Run("no payment", func(t *testing.T) {
		order, err := l.EventOrder(ctx, capture)
		require.NoError(t, err)
		assert.Nil(t, order)
	})

	t.Run("payment with the event's code", func(t *testing.T) {
		require.NoError(t, mem.SaveOrder(ctx, storecredit.Order{ID: "o-1", Number: "R123", PaymentState: "paid"}))
		require.NoError(t, mem.SavePayment(ctx, storecredit.Payment{
			ID: "p-1", State: storecredit.PaymentStateCompleted, ResponseCode: code, Order: &storecredit.Order{ID: "o-1"},
		}))

		order, err := l.EventOrder(ctx, capture)
		require.NoError(t, err)
		require.NotNil(t, order)
		assert.Equal(t, "R123", order.Number)
	})
}

func TestPaymentEligibility(t *testing.T) {
	l, mem := newTestLedger(t, storecredit.DefaultOptions())
	ctx := context.Background()
	sc := issue(t, l, "user-1", "10")
	require.NoError(t, mem.SavePayment(ctx, storecredit.Payment{ID: "p-1", State: storecredit.PaymentStateCheckout}))

	e, err := l.PaymentEligibility(ctx, sc.ID, "p-1")
	require.NoError(t, err)
	assert.Equal(t, storecredit.Eligibility{CanCapture: true}, e)

	_, err = l.PaymentEligibility(ctx, sc.ID, "missing")
	assert.ErrorIs(t, err, storecredit.ErrPaymentNotFound)
}

// =============================================================================
// BALANCE INVARIANTS
// =============================================================================

func TestVoid_HoldConsumedByAnotherCode(t *testing.T) {
	// GIVEN: A hold under one code, captured under a different code
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	ctx := context.Background()
	held, err := l.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{Amount: dec("40"), Currency: "USD"})
	require.NoError(t, err)
	require.NoError(t, l.Capture(ctx, sc.ID, storecredit.CaptureRequest{Amount: dec("40"), AuthorizationCode: "OTHER", Currency: "USD"}))

	// WHEN: The original hold is voided
	require.NoError(t, l.Void(ctx, sc.ID, storecredit.VoidRequest{AuthorizationCode: held}))

	// THEN: Nothing is left to release and no funds appear out of thin air
	after := reload(t, l, sc.ID)
	assert.True(t, after.AmountAuthorized.IsZero())
	assertAmount(t, "40", after.AmountUsed)
	assertAmount(t, "60", after.AmountRemaining())
	assert.True(t, lastEvent(t, l, sc.ID).Amount.IsZero())
	assert.ErrorIs(t, l.ValidateAuthorization(ctx, sc.ID, dec("61"), "USD"), storecredit.ErrInsufficientFunds)
}

func TestVoid_PartiallyConsumedHold(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	sc := issue(t, l, "user-1", "100")
	ctx := context.Background()
	held, err := l.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{Amount: dec("40"), Currency: "USD"})
	require.NoError(t, err)
	require.NoError(t, l.Capture(ctx, sc.ID, storecredit.CaptureRequest{Amount: dec("25"), AuthorizationCode: "OTHER", Currency: "USD"}))

	require.NoError(t, l.Void(ctx, sc.ID, storecredit.VoidRequest{AuthorizationCode: held}))

	assert.True(t, reload(t, l, sc.ID).AmountAuthorized.IsZero())
	assertAmount(t, "15", lastEvent(t, l, sc.ID).Amount)
}

func TestCredit_ToNewAllocation_DestroyedAllocationStillCounts(t *testing.T) {
	// GIVEN: 50 captured and fully credited to a new allocation
	opts := storecredit.DefaultOptions()
	opts.CreditToNewAllocation = true
	l, _ := newTestLedger(t, opts)
	ctx := context.Background()
	sc, code := capturedCredit(t, l, "50")
	credited, err := l.Credit(ctx, sc.ID, storecredit.CreditRequest{Amount: dec("50"), AuthorizationCode: code, Currency: "USD"})
	require.NoError(t, err)

	// WHEN: The new allocation is destroyed
	require.NoError(t, l.Destroy(ctx, credited.ID))

	// THEN: The capture cannot be credited again
	_, err = l.Credit(ctx, sc.ID, storecredit.CreditRequest{Amount: dec("50"), AuthorizationCode: code, Currency: "USD"})
	assert.ErrorIs(t, err, storecredit.ErrUnableToCredit)
	_, err = l.Credit(ctx, sc.ID, storecredit.CreditRequest{Amount: dec("0.01"), AuthorizationCode: code, Currency: "USD"})
	assert.ErrorIs(t, err, storecredit.ErrUnableToCredit)
}

func TestCredit_SameCodeOtherUserDoesNotCount(t *testing.T) {
	l, _ := newTestLedger(t, storecredit.DefaultOptions())
	ctx := context.Background()
	for _, user := range []string{"user-1", "user-2"} {
		sc := issue(t, l, user, "100")
		_, err := l.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{Amount: dec("30"), Currency: "USD", AuthorizationCode: "ext-1"})
		require.NoError(t, err)
		require.NoError(t, l.Capture(ctx, sc.ID, storecredit.CaptureRequest{Amount: dec("30"), AuthorizationCode: "ext-1", Currency: "USD"}))
		_, err = l.Credit(ctx, sc.ID, storecredit.CreditRequest{Amount: dec("30"), AuthorizationCode: "ext-1", Currency: "USD"})
		require.NoError(t, err, user)
	}
}

// checkBalances asserts the balance invariants on every ledger the user has.
func checkBalances(t *testing.T, l *storecredit.Ledger, user storecredit.UserID, step int, op string) {
	t.Helper()
	credits, err := l.ListByUser(context.Background(), user)
	require.NoError(t, err)
	for _, sc := range credits {
		assert.False(t, sc.AmountAuthorized.IsNegative(), "step %d %s: ledger %d authorized %s", step, op, sc.ID, sc.AmountAuthorized)
		assert.False(t, sc.AmountUsed.IsNegative(), "step %d %s: ledger %d used %s", step, op, sc.ID, sc.AmountUsed)
		assert.False(t, sc.AmountAuthorized.GreaterThan(sc.Amount), "step %d %s: ledger %d authorized above amount", step, op, sc.ID)
		assert.False(t, sc.AmountUsed.GreaterThan(sc.Amount), "step %d %s: ledger %d used above amount", step, op, sc.ID)
		assert.False(t, sc.AmountRemaining().IsNegative(), "step %d %s: ledger %d remaining %s", step, op, sc.ID, sc.AmountRemaining())
	}
}

func TestRandomOperations_KeepBalancesInRange(t *testing.T) {
	for _, newAllocation := range []bool{false, true} {
		t.Run(fmt.Sprintf("credit_to_new_allocation=%v", newAllocation), func(t *testing.T) {
			opts := storecredit.DefaultOptions()
			opts.CreditToNewAllocation = newAllocation
			l, _ := newTestLedger(t, opts)
			ctx := context.Background()
			sc := issue(t, l, "user-1", "100")
			rng := rand.New(rand.NewSource(42))
			codes := []string{"OTHER"}
			capturedByCode := map[string]decimal.Decimal{}
			pick := func() string { return codes[rng.Intn(len(codes))] }
			amount := func() decimal.Decimal { return decimal.New(int64(1+rng.Intn(4000)), -2) }

			for step := 0; step < 400; step++ {
				var err error
				var op string
				switch rng.Intn(4) {
				case 0:
					op = "authorize"
					var code string
					code, err = l.Authorize(ctx, sc.ID, storecredit.AuthorizeRequest{Amount: amount(), Currency: "USD"})
					if err == nil {
						codes = append(codes, code)
					}
				case 1:
					op = "capture"
					code, amt := pick(), amount()
					err = l.Capture(ctx, sc.ID, storecredit.CaptureRequest{Amount: amt, AuthorizationCode: code, Currency: "USD"})
					if err == nil {
						capturedByCode[code] = capturedByCode[code].Add(amt)
					}
				case 2:
					op = "void"
					err = l.Void(ctx, sc.ID, storecredit.VoidRequest{AuthorizationCode: pick()})
				case 3:
					op = "credit"
					_, err = l.Credit(ctx, sc.ID, storecredit.CreditRequest{Amount: amount(), AuthorizationCode: pick(), Currency: "USD"})
				}
				require.True(t, err == nil || storecredit.IsClientError(err), "step %d %s: %v", step, op, err)
				var invalid storecredit.ValidationErrors
				require.False(t, errors.As(err, &invalid), "step %d %s: %v", step, op, err)
				checkBalances(t, l, "user-1", step, op)
			}

			// Credits for a code never exceed what was captured under it.
			credits, err := l.ListByUser(ctx, "user-1")
			require.NoError(t, err)
			creditedByCode := map[string]decimal.Decimal{}
			for _, c := range credits {
				events, err := l.Events(ctx, c.ID)
				require.NoError(t, err)
				for _, e := range events {
					if e.Action == storecredit.ActionCredit {
						creditedByCode[e.AuthorizationCode] = creditedByCode[e.AuthorizationCode].Add(e.Amount)
					}
				}
			}
			for code, credited := range creditedByCode {
				assert.False(t, credited.GreaterThan(capturedByCode[code]), "code %s credited %s of %s captured", code, credited, capturedByCode[code])
			}
		})
	}
}

// =============================================================================
// METRICS
// =============================================================================

type amountRecorder struct {
	mu      sync.Mutex
	amounts map[storecredit.Action]decimal.Decimal
	ops     map[storecredit.Action]int
}

func newAmountRecorder() *amountRecorder {
	return &amountRecorder{
		amounts: map[storecredit.Action]decimal.Decimal{},
		ops:     map[storecredit.Action]int{},
	}
}

func (r *amountRecorder) ObserveOperation(action storecredit.Action, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[action]++
}

func (r *amountRecorder) ObserveAmount(action storecredit.Action, _ string, amount float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.amounts[action] = r.amounts[action].Add(decimal.NewFromFloat(amount))
}

func TestAuthorize_ReplayRecordsNoAmount(t *testing.T) {
	rec := newAmountRecorder()
	opts := storecredit.DefaultOptions()
	opts.Recorder = rec
	l, _ := newTestLedger(t, opts)
	sc := issue(t, l, "user-1", "100")
	ctx := context.Background()
	req := storecredit.AuthorizeRequest{Amount: dec("100"), Currency: "USD", AuthorizationCode: "ext-9"}

	_, err := l.Authorize(ctx, sc.ID, req)
	require.NoError(t, err)
	_, err = l.Authorize(ctx, sc.ID, req)
	require.NoError(t, err)

	assert.Equal(t, 2, rec.ops[storecredit.ActionAuthorize])
	assertAmount(t, "100", rec.amounts[storecredit.ActionAuthorize])
}
