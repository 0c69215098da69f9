package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"kassanova/backend/internal/domain"
	"kassanova/backend/internal/store"
)

func TestCancelSaleMarksSaleAndAllowsRestock(t *testing.T) {
	databaseURL := os.Getenv("KASSANOVA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KASSANOVA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	barcode := fmt.Sprintf("5400199%07d", stamp%10000000)
	saleID := fmt.Sprintf("sale-cancel-it-%d", stamp)
	dayID := fmt.Sprintf("day-cancel-it-%d", stamp)
	idempotencyKey := fmt.Sprintf("idem-cancel-it-%d", stamp)
	storeID := fmt.Sprintf("it-store-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM register_days WHERE id = $1`, dayID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_stocks WHERE store_id = $1 AND barcode = $2`, storeID, barcode)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE barcode = $1`, barcode)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM counters WHERE name = $1`, "sale:"+storeID)
	})

	if _, err := s.CreateProduct(ctx, domain.Product{
		Barcode:        barcode,
		Name:           "Cancel IT product",
		Category:       "test",
		PriceCents:     150,
		VATRatePercent: 21,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	if err := s.SetStock(ctx, storeID, barcode, 10); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	if _, err := s.CreateRegisterDay(ctx, domain.RegisterDay{
		ID:       dayID,
		StoreID:  storeID,
		Date:     time.Now().UTC().Format("2006-01-02"),
		OpenedBy: "integration-test",
		OpenedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create register day: %v", err)
	}

	rate := 21.0
	if _, err := s.CreateSale(ctx, domain.Sale{
		ID:                saleID,
		Number:            1,
		StoreID:           storeID,
		TerminalID:        "T-IT",
		RegisterDayID:     dayID,
		IdempotencyKey:    idempotencyKey,
		PaymentMethod:     domain.PaymentCash,
		SubtotalHTCents:   248,
		VATCents:          52,
		TotalCents:        300,
		CashReceivedCents: 300,
		CreatedAt:         time.Now().UTC(),
		Items: []domain.SaleLine{
			{Barcode: barcode, Name: "Cancel IT product", Qty: 2, UnitPriceCents: 150, VATRatePercent: &rate},
		},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if err := s.AdjustStock(ctx, storeID, []domain.StockChange{{Barcode: barcode, Qty: -2}}); err != nil {
		t.Fatalf("decrement stock: %v", err)
	}

	at := time.Now().UTC()
	cancelled, err := s.CancelSale(ctx, saleID, "integration test cancel", at)
	if err != nil {
		t.Fatalf("cancel sale: %v", err)
	}
	if !cancelled.Cancelled {
		t.Fatalf("expected sale to be marked cancelled")
	}

	// The service restocks after a cancel; the same path must work at the store level.
	if err := s.AdjustStock(ctx, storeID, []domain.StockChange{{Barcode: barcode, Qty: 2}}); err != nil {
		t.Fatalf("restock: %v", err)
	}

	stockMap, err := s.GetStockMap(ctx, storeID, []string{barcode})
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if stockMap[barcode] != 10 {
		t.Fatalf("expected stock 10 after cancel restock, got %d", stockMap[barcode])
	}

	if _, err := s.CancelSale(ctx, saleID, "second attempt", at); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on double cancel, got %v", err)
	}
}
