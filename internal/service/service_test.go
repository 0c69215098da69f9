package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"kassanova/backend/internal/cache"
	"kassanova/backend/internal/domain"
	"kassanova/backend/internal/store"
	"kassanova/backend/internal/store/memory"
)

const (
	beerBarcode  = "5400111000069" // 145 cents, 21%
	breadBarcode = "5400111000014" // 260 cents, 6%
	paperBarcode = "5400111000113" // 280 cents, 0%
)

func newTestService() *Service {
	repo := memory.NewSeeded()
	return New(repo, cache.NoopReportCache{}, "main-store", "4321", 5*time.Second)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func centsPtr(v int64) *int64 {
	return &v
}

func mustOpenDay(t *testing.T, svc *Service, floatCents int64) domain.RegisterDay {
	t.Helper()
	resp, err := svc.OpenDay(cashierCtx(), domain.OpenDayRequest{
		StoreID:           "main-store",
		OpeningFloatCents: floatCents,
	})
	if err != nil {
		t.Fatalf("open day failed: %v", err)
	}
	return resp.Day
}

func TestCheckoutRequiresOpenDay(t *testing.T) {
	svc := newTestService()

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		IdempotencyKey:    "idem-no-day",
		PaymentMethod:     "cash",
		CashReceivedCents: 10000,
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 2},
		},
	})
	if !errors.Is(err, store.ErrDayNotOpen) {
		t.Fatalf("expected ErrDayNotOpen, got %v", err)
	}
}

func TestCheckoutCashComputesChangeAndVAT(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 10000)

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		IdempotencyKey:    "idem-cash",
		PaymentMethod:     "cash",
		CashReceivedCents: 500,
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.TotalCents != 290 {
		t.Fatalf("expected total 290, got %d", resp.TotalCents)
	}
	if resp.ChangeCents != 210 {
		t.Fatalf("expected change 210, got %d", resp.ChangeCents)
	}
	if resp.SubtotalHTCents+resp.VATCents != resp.TotalCents {
		t.Fatalf("HT %d + VAT %d must equal total %d", resp.SubtotalHTCents, resp.VATCents, resp.TotalCents)
	}
	if resp.Number != 1 {
		t.Fatalf("expected first sale number 1, got %d", resp.Number)
	}
}

func TestCheckoutCashRejectsShortPayment(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 100,
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 2},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for short cash, got %v", err)
	}
}

func TestCheckoutDuplicateIdempotencyKeepsStockIntact(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)
	ctx := cashierCtx()

	req := domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		IdempotencyKey:    "idem-replay",
		PaymentMethod:     "cash",
		CashReceivedCents: 1000,
		CartItems: []domain.CartItem{
			{Barcode: breadBarcode, Qty: 3},
		},
	}

	first, err := svc.Checkout(ctx, req)
	if err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}
	second, err := svc.Checkout(ctx, req)
	if err != nil {
		t.Fatalf("replayed checkout failed: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected replay to be marked duplicate")
	}
	if second.SaleID != first.SaleID {
		t.Fatalf("replay returned a different sale: %s vs %s", second.SaleID, first.SaleID)
	}

	stock, err := svc.GetStockLevels(ctx, "main-store", []string{breadBarcode})
	if err != nil {
		t.Fatalf("stock lookup failed: %v", err)
	}
	if stock[breadBarcode] != 77 {
		t.Fatalf("expected stock 77 after single decrement, got %d", stock[breadBarcode])
	}
}

func TestCheckoutNonCashRequiresReference(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		StoreID:       "main-store",
		TerminalID:    "caisse-1",
		PaymentMethod: "card",
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 1},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation without payment reference, got %v", err)
	}
}

func TestCheckoutSplitMustCoverTotalExactly(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)
	ctx := cashierCtx()

	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:    "main-store",
		TerminalID: "caisse-1",
		PaymentSplits: []domain.PaymentSplit{
			{Method: "cash", AmountCents: 100},
			{Method: "card", AmountCents: 100, Reference: "CARD-1"},
		},
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 2}, // total 290
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation when splits do not sum to total, got %v", err)
	}

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:    "main-store",
		TerminalID: "caisse-1",
		PaymentSplits: []domain.PaymentSplit{
			{Method: "cash", AmountCents: 90},
			{Method: "card", AmountCents: 200, Reference: "CARD-1"},
		},
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("split checkout failed: %v", err)
	}
	if resp.PaymentMethod != "split" {
		t.Fatalf("expected payment method split, got %s", resp.PaymentMethod)
	}
}

func TestCheckoutInsufficientStock(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 1000000,
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 500},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestCreditPaymentChargesCustomerAccount(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)
	ctx := cashierCtx()

	customer, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Dupont"})
	if err != nil {
		t.Fatalf("create customer failed: %v", err)
	}
	if _, err := svc.DepositCredit(ctx, domain.CreditDepositRequest{CustomerID: customer.ID, AmountCents: 500}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:       "main-store",
		TerminalID:    "caisse-1",
		CustomerID:    customer.ID,
		PaymentMethod: "credit",
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 2}, // 290
		},
	})
	if err != nil {
		t.Fatalf("credit checkout failed: %v", err)
	}
	if resp.TotalCents != 290 {
		t.Fatalf("expected total 290, got %d", resp.TotalCents)
	}

	after, err := svc.GetCustomer(ctx, customer.ID)
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if after.CreditCents != 210 {
		t.Fatalf("expected balance 210 after charge, got %d", after.CreditCents)
	}

	_, err = svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:       "main-store",
		TerminalID:    "caisse-1",
		CustomerID:    customer.ID,
		PaymentMethod: "credit",
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 2},
		},
	})
	if !errors.Is(err, store.ErrInsufficientCredit) {
		t.Fatalf("expected ErrInsufficientCredit, got %v", err)
	}
}

func TestCancelSaleRestocksAndLeavesReportsClean(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)
	ctx := adminCtx()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 1000,
		CartItems: []domain.CartItem{
			{Barcode: breadBarcode, Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if _, err := svc.CancelSale(ctx, domain.CancelSaleRequest{SaleID: resp.SaleID, Reason: "wrong scan"}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	stock, err := svc.GetStockLevels(ctx, "main-store", []string{breadBarcode})
	if err != nil {
		t.Fatalf("stock lookup failed: %v", err)
	}
	if stock[breadBarcode] != 80 {
		t.Fatalf("expected stock restored to 80, got %d", stock[breadBarcode])
	}

	xreport, err := svc.XReport(ctx, "main-store", "")
	if err != nil {
		t.Fatalf("x report failed: %v", err)
	}
	if xreport.SalesCount != 0 || xreport.TotalSalesCents != 0 {
		t.Fatalf("cancelled sale must not appear in report: count=%d total=%d", xreport.SalesCount, xreport.TotalSalesCents)
	}

	_, err = svc.CancelSale(ctx, domain.CancelSaleRequest{SaleID: resp.SaleID, Reason: "again"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on second cancel, got %v", err)
	}
}

func TestCancelSaleNeedsManagerApprovalForCashier(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 1000,
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 1},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if _, err := svc.CancelSale(cashierCtx(), domain.CancelSaleRequest{SaleID: resp.SaleID, Reason: "oops"}); err == nil {
		t.Fatalf("expected cancel without manager pin to fail")
	}
	if _, err := svc.CancelSale(cashierCtx(), domain.CancelSaleRequest{SaleID: resp.SaleID, Reason: "oops", ManagerPIN: "4321"}); err != nil {
		t.Fatalf("cancel with manager pin failed: %v", err)
	}
}

func TestCancelSaleRejectedOnceDayClosed(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)
	ctx := adminCtx()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 1000,
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 1},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if _, err := svc.CloseDay(ctx, domain.CloseDayRequest{StoreID: "main-store", CountedCashCents: centsPtr(290)}); err != nil {
		t.Fatalf("close day failed: %v", err)
	}

	if _, err := svc.CancelSale(ctx, domain.CancelSaleRequest{SaleID: resp.SaleID, Reason: "late"}); err == nil {
		t.Fatalf("expected cancel to fail after day close")
	}
}

func TestOpenDayTwiceRejected(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)

	_, err := svc.OpenDay(cashierCtx(), domain.OpenDayRequest{StoreID: "main-store"})
	if !errors.Is(err, store.ErrDayAlreadyOpen) {
		t.Fatalf("expected ErrDayAlreadyOpen, got %v", err)
	}
}

func TestCloseDayAssignsSerialAndRecordsDiscrepancy(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 10000)
	ctx := adminCtx()

	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 290,
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	counted := int64(10000)
	zreport, err := svc.CloseDay(ctx, domain.CloseDayRequest{
		StoreID:          "main-store",
		CountedCashCents: &counted,
	})
	if err != nil {
		t.Fatalf("close day failed: %v", err)
	}
	if zreport.SerialNumber != 1 {
		t.Fatalf("expected first serial 1, got %d", zreport.SerialNumber)
	}
	if zreport.ExpectedCashCents != 10290 {
		t.Fatalf("expected drawer 10290, got %d", zreport.ExpectedCashCents)
	}
	if zreport.DiscrepancyCents != -290 {
		t.Fatalf("expected discrepancy -290, got %d", zreport.DiscrepancyCents)
	}

	_, err = svc.CloseDay(ctx, domain.CloseDayRequest{StoreID: "main-store", CountedCashCents: centsPtr(10000)})
	if !errors.Is(err, store.ErrDayNotOpen) && !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected second close to fail, got %v", err)
	}
}

func TestCloseDayRequiresCountedCash(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)

	_, err := svc.CloseDay(adminCtx(), domain.CloseDayRequest{StoreID: "main-store"})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation without counted cash, got %v", err)
	}
}

func TestReopenArchivesPriorCloseAndIssuesFreshSerial(t *testing.T) {
	svc := newTestService()
	day := mustOpenDay(t, svc, 0)
	ctx := adminCtx()

	first, err := svc.CloseDay(ctx, domain.CloseDayRequest{StoreID: "main-store", Date: day.Date, CountedCashCents: centsPtr(0)})
	if err != nil {
		t.Fatalf("first close failed: %v", err)
	}

	reopened, err := svc.OpenDay(ctx, domain.OpenDayRequest{StoreID: "main-store", Date: day.Date})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if !reopened.Reopened {
		t.Fatalf("expected reopen flag to be set")
	}
	if reopened.Day.SerialNumber != 0 || reopened.Day.ClosedAt != nil {
		t.Fatalf("reopened day must be back in the open state: %+v", reopened.Day)
	}

	second, err := svc.CloseDay(ctx, domain.CloseDayRequest{StoreID: "main-store", Date: day.Date, CountedCashCents: centsPtr(0)})
	if err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if second.SerialNumber <= first.SerialNumber {
		t.Fatalf("second close must get a fresh serial: %d vs %d", second.SerialNumber, first.SerialNumber)
	}
}

func TestReopenRequiresAdmin(t *testing.T) {
	svc := newTestService()
	day := mustOpenDay(t, svc, 0)

	if _, err := svc.CloseDay(adminCtx(), domain.CloseDayRequest{StoreID: "main-store", Date: day.Date, CountedCashCents: centsPtr(0)}); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := svc.OpenDay(cashierCtx(), domain.OpenDayRequest{StoreID: "main-store", Date: day.Date}); err == nil {
		t.Fatalf("expected cashier reopen to be rejected")
	}
}

func TestXReportLeavesDayOpen(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)
	ctx := cashierCtx()

	if _, err := svc.XReport(ctx, "main-store", ""); err != nil {
		t.Fatalf("x report failed: %v", err)
	}

	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 300,
		CartItems: []domain.CartItem{
			{Barcode: paperBarcode, Qty: 1},
		},
	})
	if err != nil {
		t.Fatalf("checkout after x report failed: %v", err)
	}
}

func TestInvoiceIsUniquePerSale(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)
	ctx := adminCtx()

	customer, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "SPRL Martin", VATNumber: "BE0123456789"})
	if err != nil {
		t.Fatalf("create customer failed: %v", err)
	}
	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 1000,
		CartItems: []domain.CartItem{
			{Barcode: breadBarcode, Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	invoice, err := svc.CreateInvoice(ctx, domain.InvoiceCreateRequest{SaleID: resp.SaleID, CustomerID: customer.ID})
	if err != nil {
		t.Fatalf("create invoice failed: %v", err)
	}
	if invoice.Number != 1 || invoice.TotalCents != resp.TotalCents {
		t.Fatalf("unexpected invoice %+v", invoice)
	}

	_, err = svc.CreateInvoice(ctx, domain.InvoiceCreateRequest{SaleID: resp.SaleID, CustomerID: customer.ID})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for second invoice, got %v", err)
	}
}

func TestCreditNotesCappedAtSaleTotal(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)
	ctx := adminCtx()

	customer, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Peeters"})
	if err != nil {
		t.Fatalf("create customer failed: %v", err)
	}
	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		CustomerID:        customer.ID,
		PaymentMethod:     "cash",
		CashReceivedCents: 1000,
		CartItems: []domain.CartItem{
			{Barcode: breadBarcode, Qty: 2}, // 520
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	note, err := svc.CreateCreditNote(ctx, domain.CreditNoteCreateRequest{
		SaleID:      resp.SaleID,
		Reason:      "damaged goods",
		AmountCents: 400,
		Payout:      "credit",
	})
	if err != nil {
		t.Fatalf("credit note failed: %v", err)
	}
	if note.Number != 1 {
		t.Fatalf("expected credit note number 1, got %d", note.Number)
	}

	after, err := svc.GetCustomer(ctx, customer.ID)
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if after.CreditCents != 400 {
		t.Fatalf("expected credit payout on account, got %d", after.CreditCents)
	}

	_, err = svc.CreateCreditNote(ctx, domain.CreditNoteCreateRequest{
		SaleID:      resp.SaleID,
		Reason:      "more damage",
		AmountCents: 200,
		Payout:      "cash",
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation when exceeding sale total, got %v", err)
	}
}

func TestInventoryAdjustmentRecordsDeltas(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	resp, err := svc.AdjustInventory(ctx, domain.StockAdjustmentRequest{
		StoreID: "main-store",
		Notes:   "monthly count",
		Items: []domain.StockAdjustmentItem{
			{Barcode: beerBarcode, CountedQty: 75},
			{Barcode: breadBarcode, CountedQty: 80},
		},
	})
	if err != nil {
		t.Fatalf("adjustment failed: %v", err)
	}
	if len(resp.Deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(resp.Deltas))
	}
	if resp.Deltas[0].DeltaQty != -5 {
		t.Fatalf("expected delta -5 for counted 75, got %d", resp.Deltas[0].DeltaQty)
	}

	movements, err := svc.ListStockMovements(ctx, "main-store", beerBarcode, 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 1 || movements[0].Type != domain.MovementAdjustment {
		t.Fatalf("expected one adjustment movement, got %+v", movements)
	}
}

func TestReceiptContainsSnapshotLines(t *testing.T) {
	svc := newTestService()
	mustOpenDay(t, svc, 0)
	ctx := cashierCtx()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:           "main-store",
		TerminalID:        "caisse-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 1000,
		CartItems: []domain.CartItem{
			{Barcode: beerBarcode, Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	receipt, err := svc.BuildReceipt(ctx, domain.ReceiptRequest{SaleID: resp.SaleID})
	if err != nil {
		t.Fatalf("receipt failed: %v", err)
	}
	if receipt.EscposBase64 == "" || receipt.PreviewText == "" {
		t.Fatalf("expected receipt payloads to be populated")
	}
}
