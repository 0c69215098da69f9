package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"kassanova/backend/internal/cache"
	"kassanova/backend/internal/domain"
	"kassanova/backend/internal/report"
	"kassanova/backend/internal/store"
	"kassanova/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo           store.Repository
	reports        cache.ReportCache
	defaultStoreID string
	managerPIN     string
	reportTTL      time.Duration
}

func New(repo store.Repository, reports cache.ReportCache, defaultStoreID string, managerPIN string, reportTTL time.Duration) *Service {
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if reportTTL < time.Second {
		reportTTL = 20 * time.Second
	}

	return &Service{
		repo:           repo,
		reports:        reports,
		defaultStoreID: defaultStoreID,
		managerPIN:     managerPIN,
		reportTTL:      reportTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}

	req.Barcode = strings.TrimSpace(req.Barcode)
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.Barcode == "" || req.Name == "" {
		return domain.Product{}, store.ErrValidation
	}
	if req.PriceCents < 1 || req.VATRatePercent < 0 || req.VATRatePercent > 100 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrValidation
	}

	product := domain.Product{
		Barcode:        req.Barcode,
		Name:           req.Name,
		Category:       req.Category,
		PriceCents:     req.PriceCents,
		VATRatePercent: report.NormalizeRate(req.VATRatePercent),
		Active:         true,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		err := s.repo.AdjustStock(ctx, req.StoreID, []domain.StockChange{{
			Barcode: created.Barcode,
			Qty:     req.InitialStock,
		}})
		if err != nil {
			return domain.Product{}, err
		}
		s.recordMovement(ctx, req.StoreID, created.Barcode, domain.MovementDelivery, req.InitialStock, "")
	}

	s.logAudit(ctx, req.StoreID, "product_create", "product", created.Barcode, fmt.Sprintf("name=%s,price=%d,vat=%.2f,stock=%d", created.Name, created.PriceCents, created.VATRatePercent, req.InitialStock))

	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, barcode string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.Product{}, store.ErrValidation
	}

	existing, err := s.repo.GetProductByBarcode(ctx, barcode)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Name = name
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.ErrValidation
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.VATRatePercent != nil {
		if *req.VATRatePercent < 0 || *req.VATRatePercent > 100 {
			return domain.Product{}, store.ErrValidation
		}
		updated.VATRatePercent = report.NormalizeRate(*req.VATRatePercent)
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	if existing.PriceCents != saved.PriceCents {
		if err := s.repo.CreatePriceHistory(ctx, domain.ProductPriceHistory{
			ID:            xid.New("ph"),
			Barcode:       saved.Barcode,
			OldPriceCents: existing.PriceCents,
			NewPriceCents: saved.PriceCents,
			ChangedBy:     actor.Username,
			ChangedAt:     time.Now().UTC(),
		}); err != nil {
			log.Printf("[service] WARN: failed to record price history barcode=%s: %v", saved.Barcode, err)
		}
	}

	s.logAudit(ctx, s.defaultStoreID, "product_update", "product", saved.Barcode, fmt.Sprintf("active=%t,price=%d,vat=%.2f", saved.Active, saved.PriceCents, saved.VATRatePercent))

	return *saved, nil
}

func (s *Service) ListProductPriceHistory(ctx context.Context, barcode string, limit int) ([]domain.ProductPriceHistory, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, store.ErrValidation
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListPriceHistory(ctx, barcode, limit)
}

// Checkout records a paid sale against the currently open register day. Line
// items snapshot the product name, price and VAT rate so later catalog edits
// never rewrite history. The idempotency key makes retries safe: a replay
// returns the already-recorded sale with Duplicate set.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	req.PaymentSplits = normalizePaymentSplits(req.PaymentSplits)
	if len(req.PaymentSplits) > 0 {
		req.PaymentMethod = domain.PaymentSplitM
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.CheckoutResponse{}, store.ErrValidation
	}

	day, err := s.repo.GetOpenRegisterDay(ctx, req.StoreID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	normalized := normalizeItems(req.CartItems)
	if len(normalized) == 0 {
		return domain.CheckoutResponse{}, store.ErrValidation
	}

	if existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return toCheckoutResponse(existing, true), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutResponse{}, err
	}

	barcodes := make([]string, 0, len(normalized))
	for _, item := range normalized {
		barcodes = append(barcodes, item.Barcode)
	}
	products, err := s.repo.GetProductsByBarcodes(ctx, barcodes)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	lines := make([]domain.SaleLine, 0, len(normalized))
	var subtotalHT, totalVAT, total int64
	for _, item := range normalized {
		product, exists := products[item.Barcode]
		if !exists || !product.Active {
			return domain.CheckoutResponse{}, store.ErrValidation
		}
		rate := product.VATRatePercent
		lineHT, lineVAT := report.LineAmounts(product.PriceCents, item.Qty, rate)
		subtotalHT += lineHT
		totalVAT += lineVAT
		total += product.PriceCents * int64(item.Qty)
		lines = append(lines, domain.SaleLine{
			Barcode:        product.Barcode,
			Name:           product.Name,
			Qty:            item.Qty,
			UnitPriceCents: product.PriceCents,
			VATRatePercent: &rate,
		})
	}

	changeCents := int64(0)
	switch req.PaymentMethod {
	case domain.PaymentCash:
		if req.CashReceivedCents < total {
			return domain.CheckoutResponse{}, store.ErrValidation
		}
		changeCents = req.CashReceivedCents - total
	case domain.PaymentSplitM:
		if len(req.PaymentSplits) < 2 {
			return domain.CheckoutResponse{}, store.ErrValidation
		}
		splitTotal := int64(0)
		for _, split := range req.PaymentSplits {
			if !isSplitMethodSupported(split.Method) || split.AmountCents < 1 {
				return domain.CheckoutResponse{}, store.ErrValidation
			}
			if split.Method != domain.PaymentCash && strings.TrimSpace(split.Reference) == "" {
				return domain.CheckoutResponse{}, store.ErrValidation
			}
			splitTotal += split.AmountCents
		}
		if splitTotal != total {
			return domain.CheckoutResponse{}, store.ErrValidation
		}
		req.CashReceivedCents = splitTotal
		req.PaymentReference = encodePaymentSplits(req.PaymentSplits)
	case domain.PaymentCredit:
		if strings.TrimSpace(req.CustomerID) == "" {
			return domain.CheckoutResponse{}, store.ErrValidation
		}
		req.CashReceivedCents = total
	default:
		// Non-cash single payment.
		if strings.TrimSpace(req.PaymentReference) == "" {
			return domain.CheckoutResponse{}, store.ErrValidation
		}
		req.CashReceivedCents = total
	}

	creditCharged := false
	if req.PaymentMethod == domain.PaymentCredit {
		if _, err := s.repo.AdjustCustomerCredit(ctx, req.CustomerID, -total); err != nil {
			return domain.CheckoutResponse{}, err
		}
		creditCharged = true
	}

	changes := make([]domain.StockChange, 0, len(lines))
	for _, line := range lines {
		changes = append(changes, domain.StockChange{Barcode: line.Barcode, Qty: -line.Qty})
	}
	if err := s.repo.AdjustStock(ctx, req.StoreID, changes); err != nil {
		if creditCharged {
			s.refundCredit(ctx, req.CustomerID, total)
		}
		return domain.CheckoutResponse{}, err
	}

	number, err := s.repo.NextSaleNumber(ctx, req.StoreID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	sale := domain.Sale{
		ID:                xid.New("sale"),
		Number:            number,
		StoreID:           req.StoreID,
		TerminalID:        req.TerminalID,
		RegisterDayID:     day.ID,
		IdempotencyKey:    req.IdempotencyKey,
		CustomerID:        strings.TrimSpace(req.CustomerID),
		PaymentMethod:     req.PaymentMethod,
		PaymentReference:  strings.TrimSpace(req.PaymentReference),
		PaymentSplits:     req.PaymentSplits,
		SubtotalHTCents:   subtotalHT,
		VATCents:          totalVAT,
		TotalCents:        total,
		CashReceivedCents: req.CashReceivedCents,
		ChangeCents:       changeCents,
		CreatedAt:         time.Now().UTC(),
		Items:             lines,
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if created.ID != sale.ID {
		// A concurrent retry won the idempotency race; undo our stock take.
		s.restock(ctx, req.StoreID, lines, domain.MovementCancel, created.ID)
		if creditCharged {
			s.refundCredit(ctx, req.CustomerID, total)
		}
		return toCheckoutResponse(created, true), nil
	}

	for _, line := range lines {
		s.recordMovement(ctx, req.StoreID, line.Barcode, domain.MovementSale, -line.Qty, created.ID)
	}

	s.logAudit(ctx, req.StoreID, "checkout", "sale", created.ID, fmt.Sprintf("number=%d,total=%d,payment=%s,split_count=%d", created.Number, created.TotalCents, created.PaymentMethod, len(req.PaymentSplits)))

	return toCheckoutResponse(created, false), nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, store.ErrValidation
	}
	sale, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// CancelSale voids a sale on the still-open register day, restocks every line
// and refunds a credit payment back onto the customer account. Once the day
// has closed the sale is frozen; corrections go through a credit note instead.
func (s *Service) CancelSale(ctx context.Context, req domain.CancelSaleRequest) (domain.CancelSaleResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CancelSaleResponse{}, fmt.Errorf("authentication required")
	}
	if actor.Role != "admin" {
		if s.managerPIN == "" || req.ManagerPIN != s.managerPIN {
			return domain.CancelSaleResponse{}, fmt.Errorf("manager approval required")
		}
	}

	req.SaleID = strings.TrimSpace(req.SaleID)
	if req.SaleID == "" {
		return domain.CancelSaleResponse{}, store.ErrValidation
	}
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	sale, err := s.repo.GetSaleByID(ctx, req.SaleID)
	if err != nil {
		return domain.CancelSaleResponse{}, err
	}

	openDay, err := s.repo.GetOpenRegisterDay(ctx, sale.StoreID)
	if err != nil {
		return domain.CancelSaleResponse{}, err
	}
	if openDay.ID != sale.RegisterDayID {
		return domain.CancelSaleResponse{}, fmt.Errorf("%w: sale belongs to a closed register day", store.ErrConflict)
	}

	cancelledAt := time.Now().UTC()
	cancelled, err := s.repo.CancelSale(ctx, sale.ID, req.Reason, cancelledAt)
	if err != nil {
		return domain.CancelSaleResponse{}, err
	}

	s.restock(ctx, cancelled.StoreID, cancelled.Items, domain.MovementCancel, cancelled.ID)
	if cancelled.PaymentMethod == domain.PaymentCredit && cancelled.CustomerID != "" {
		s.refundCredit(ctx, cancelled.CustomerID, cancelled.TotalCents)
	}

	s.logAudit(ctx, cancelled.StoreID, "sale_cancel", "sale", cancelled.ID, req.Reason)

	return domain.CancelSaleResponse{
		SaleID:      cancelled.ID,
		CancelledAt: cancelledAt.Format(time.RFC3339),
	}, nil
}

// OpenDay opens the register for a calendar date. Opening a date that was
// already closed is a reopen: the prior closed totals are archived under their
// fiscal serial before the day record returns to the open state.
func (s *Service) OpenDay(ctx context.Context, req domain.OpenDayRequest) (domain.OpenDayResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.OpenDayResponse{}, fmt.Errorf("authentication required")
	}

	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if req.OpeningFloatCents < 0 {
		return domain.OpenDayResponse{}, store.ErrValidation
	}
	date, err := resolveDate(req.Date)
	if err != nil {
		return domain.OpenDayResponse{}, err
	}

	existing, err := s.repo.GetRegisterDay(ctx, req.StoreID, date)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.OpenDayResponse{}, err
	}
	if existing != nil {
		if existing.ClosedAt == nil {
			return domain.OpenDayResponse{}, store.ErrDayAlreadyOpen
		}
		if actor.Role != "admin" {
			return domain.OpenDayResponse{}, fmt.Errorf("admin role required to reopen a closed day")
		}
		reopened, err := s.repo.ReopenRegisterDay(ctx, existing.ID, domain.RegisterDayReopen{
			ID:               xid.New("reopen"),
			SerialNumber:     existing.SerialNumber,
			ClosingCashCents: derefInt64(existing.ClosingCashCents),
			SalesCount:       existing.SalesCount,
			TotalSalesCents:  existing.TotalSalesCents,
			DiscrepancyCents: existing.DiscrepancyCents,
			ReopenedBy:       actor.Username,
			ReopenedAt:       time.Now().UTC(),
		})
		if err != nil {
			return domain.OpenDayResponse{}, err
		}
		s.invalidateReport(ctx, req.StoreID, date)
		s.logAudit(ctx, req.StoreID, "day_reopen", "register_day", reopened.ID, fmt.Sprintf("date=%s,prior_serial=%d", date, existing.SerialNumber))
		return domain.OpenDayResponse{Day: *reopened, Reopened: true}, nil
	}

	day := domain.RegisterDay{
		ID:                xid.New("day"),
		StoreID:           req.StoreID,
		Date:              date,
		OpeningFloatCents: req.OpeningFloatCents,
		OpenedBy:          actor.Username,
		OpenedAt:          time.Now().UTC(),
	}
	created, err := s.repo.CreateRegisterDay(ctx, day)
	if err != nil {
		return domain.OpenDayResponse{}, err
	}

	s.logAudit(ctx, req.StoreID, "day_open", "register_day", created.ID, fmt.Sprintf("date=%s,float=%d", date, req.OpeningFloatCents))

	return domain.OpenDayResponse{Day: *created}, nil
}

// CloseDay aggregates the open day's sales, assigns the next fiscal serial
// and transitions the day to closed in one guarded update. A cash count that
// disagrees with the expected drawer content is recorded as a discrepancy,
// never corrected and never a reason to refuse the close.
func (s *Service) CloseDay(ctx context.Context, req domain.CloseDayRequest) (domain.ZReport, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.ZReport{}, fmt.Errorf("authentication required")
	}

	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if req.CountedCashCents == nil || *req.CountedCashCents < 0 {
		return domain.ZReport{}, fmt.Errorf("%w: counted cash amount required", store.ErrValidation)
	}
	counted := *req.CountedCashCents

	day, err := s.resolveDay(ctx, req.StoreID, req.Date)
	if err != nil {
		return domain.ZReport{}, err
	}
	if day.ClosedAt != nil {
		return domain.ZReport{}, fmt.Errorf("%w: register day already closed", store.ErrConflict)
	}

	sales, err := s.repo.ListSalesForDay(ctx, day.ID)
	if err != nil {
		return domain.ZReport{}, err
	}
	data := report.Compute(sales)

	expected := report.ExpectedCashCents(day.OpeningFloatCents, data)
	discrepancy := report.DiscrepancyCents(counted, expected)

	serial, err := s.repo.NextFiscalSerial(ctx, req.StoreID)
	if err != nil {
		return domain.ZReport{}, err
	}

	closedAt := time.Now().UTC()
	closed, err := s.repo.CloseRegisterDay(ctx, day.ID, domain.RegisterDayClose{
		ClosingCashCents: counted,
		ClosedBy:         actor.Username,
		ClosedAt:         closedAt,
		SerialNumber:     serial,
		SalesCount:       data.SalesCount,
		TotalSalesCents:  data.TotalSalesCents,
		TotalCashCents:   data.PaymentTotalCents(domain.PaymentCash),
		TotalCardCents:   data.PaymentTotalCents(domain.PaymentCard),
		TotalMobileCents: data.PaymentTotalCents(domain.PaymentMobile),
		TotalCreditCents: data.PaymentTotalCents(domain.PaymentCredit),
		DiscrepancyCents: discrepancy,
	})
	if err != nil {
		return domain.ZReport{}, err
	}

	s.invalidateReport(ctx, req.StoreID, closed.Date)
	s.logAudit(ctx, req.StoreID, "day_close", "register_day", closed.ID, fmt.Sprintf("serial=%d,total=%d,discrepancy=%d", serial, data.TotalSalesCents, discrepancy))

	zreport := domain.ZReport{
		XReport:          buildXReport(*closed, data, expected),
		CountedCashCents: counted,
		DiscrepancyCents: discrepancy,
		SerialNumber:     serial,
		ClosedBy:         actor.Username,
		ClosedAt:         closedAt.Format(time.RFC3339),
	}
	return zreport, nil
}

// XReport recomputes the consultation report for a day without touching any
// register state. Results are cached for a short TTL keyed by store and date.
func (s *Service) XReport(ctx context.Context, storeID string, date string) (domain.XReport, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}

	day, err := s.resolveDay(ctx, storeID, date)
	if err != nil {
		return domain.XReport{}, err
	}

	key := reportCacheKey(storeID, day.Date)
	if cached, found, err := s.reports.Get(ctx, key); err == nil && found {
		return *cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: report cache read failed key=%s: %v", key, err)
	}

	sales, err := s.repo.ListSalesForDay(ctx, day.ID)
	if err != nil {
		return domain.XReport{}, err
	}
	data := report.Compute(sales)
	expected := report.ExpectedCashCents(day.OpeningFloatCents, data)

	result := buildXReport(*day, data, expected)
	if err := s.reports.Set(ctx, key, &result, s.reportTTL); err != nil {
		log.Printf("[service] WARN: report cache write failed key=%s: %v", key, err)
	}
	return result, nil
}

func (s *Service) GetZReport(ctx context.Context, storeID string, date string) (domain.ZReport, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	resolved, err := resolveDate(date)
	if err != nil {
		return domain.ZReport{}, err
	}

	day, err := s.repo.GetRegisterDay(ctx, storeID, resolved)
	if err != nil {
		return domain.ZReport{}, err
	}
	if day.ClosedAt == nil {
		return domain.ZReport{}, store.ErrDayNotOpen
	}

	sales, err := s.repo.ListSalesForDay(ctx, day.ID)
	if err != nil {
		return domain.ZReport{}, err
	}
	data := report.Compute(sales)
	expected := report.ExpectedCashCents(day.OpeningFloatCents, data)

	return domain.ZReport{
		XReport:          buildXReport(*day, data, expected),
		CountedCashCents: derefInt64(day.ClosingCashCents),
		DiscrepancyCents: day.DiscrepancyCents,
		SerialNumber:     day.SerialNumber,
		ClosedBy:         day.ClosedBy,
		ClosedAt:         day.ClosedAt.Format(time.RFC3339),
	}, nil
}

func (s *Service) GetDayStatus(ctx context.Context, storeID string) (domain.RegisterDay, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	day, err := s.repo.GetOpenRegisterDay(ctx, storeID)
	if err != nil {
		return domain.RegisterDay{}, err
	}
	return *day, nil
}

func (s *Service) ListRegisterDays(ctx context.Context, storeID string, limit int) ([]domain.RegisterDay, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if limit < 1 {
		limit = 30
	}
	return s.repo.ListRegisterDays(ctx, storeID, limit)
}

func (s *Service) AdjustInventory(ctx context.Context, req domain.StockAdjustmentRequest) (domain.StockAdjustmentResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.StockAdjustmentResponse{}, fmt.Errorf("admin role required")
	}

	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if len(req.Items) == 0 {
		return domain.StockAdjustmentResponse{}, store.ErrValidation
	}

	barcodes := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		item.Barcode = strings.TrimSpace(item.Barcode)
		if item.Barcode == "" || item.CountedQty < 0 {
			return domain.StockAdjustmentResponse{}, store.ErrValidation
		}
		barcodes = append(barcodes, item.Barcode)
	}

	systemStock, err := s.repo.GetStockMap(ctx, req.StoreID, barcodes)
	if err != nil {
		return domain.StockAdjustmentResponse{}, err
	}

	adjustmentID := xid.New("adj")
	deltas := make([]domain.StockAdjustmentDelta, 0, len(req.Items))
	for _, item := range req.Items {
		systemQty := systemStock[item.Barcode]
		delta := item.CountedQty - systemQty
		if delta != 0 {
			if err := s.repo.SetStock(ctx, req.StoreID, item.Barcode, item.CountedQty); err != nil {
				return domain.StockAdjustmentResponse{}, err
			}
			s.recordMovement(ctx, req.StoreID, item.Barcode, domain.MovementAdjustment, delta, adjustmentID)
		}
		deltas = append(deltas, domain.StockAdjustmentDelta{
			Barcode:    item.Barcode,
			SystemQty:  systemQty,
			CountedQty: item.CountedQty,
			DeltaQty:   delta,
		})
	}

	s.logAudit(ctx, req.StoreID, "stock_adjustment", "inventory", adjustmentID, fmt.Sprintf("items=%d,notes=%s", len(req.Items), req.Notes))

	return domain.StockAdjustmentResponse{
		AdjustmentID: adjustmentID,
		StoreID:      req.StoreID,
		Notes:        req.Notes,
		Deltas:       deltas,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) ReceiveDelivery(ctx context.Context, storeID string, changes []domain.StockChange) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}

	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if len(changes) == 0 {
		return store.ErrValidation
	}
	for i, change := range changes {
		changes[i].Barcode = strings.TrimSpace(change.Barcode)
		if changes[i].Barcode == "" || change.Qty < 1 {
			return store.ErrValidation
		}
	}

	if err := s.repo.AdjustStock(ctx, storeID, changes); err != nil {
		return err
	}
	deliveryID := xid.New("dlv")
	for _, change := range changes {
		s.recordMovement(ctx, storeID, change.Barcode, domain.MovementDelivery, change.Qty, deliveryID)
	}
	s.logAudit(ctx, storeID, "stock_delivery", "inventory", deliveryID, fmt.Sprintf("lines=%d", len(changes)))
	return nil
}

func (s *Service) GetStockLevels(ctx context.Context, storeID string, barcodes []string) (map[string]int, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if len(barcodes) == 0 {
		products, err := s.repo.ListProducts(ctx, true)
		if err != nil {
			return nil, err
		}
		for _, product := range products {
			barcodes = append(barcodes, product.Barcode)
		}
	}
	return s.repo.GetStockMap(ctx, storeID, barcodes)
}

func (s *Service) ListStockMovements(ctx context.Context, storeID string, barcode string, limit int) ([]domain.StockMovement, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListStockMovements(ctx, storeID, strings.TrimSpace(barcode), limit)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Customer{}, store.ErrValidation
	}

	customer := domain.Customer{
		ID:        xid.New("cust"),
		Name:      req.Name,
		Email:     strings.TrimSpace(req.Email),
		Phone:     strings.TrimSpace(req.Phone),
		VATNumber: strings.TrimSpace(req.VATNumber),
		CreatedAt: time.Now().UTC(),
	}
	created, err := s.repo.CreateCustomer(ctx, customer)
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, s.defaultStoreID, "customer_create", "customer", created.ID, created.Name)
	return *created, nil
}

func (s *Service) GetCustomer(ctx context.Context, customerID string) (domain.Customer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.Customer{}, store.ErrValidation
	}
	customer, err := s.repo.GetCustomerByID(ctx, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListCustomers(ctx, limit)
}

func (s *Service) DepositCredit(ctx context.Context, req domain.CreditDepositRequest) (domain.Customer, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID == "" || req.AmountCents < 1 {
		return domain.Customer{}, store.ErrValidation
	}

	customer, err := s.repo.AdjustCustomerCredit(ctx, req.CustomerID, req.AmountCents)
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, s.defaultStoreID, "credit_deposit", "customer", customer.ID, fmt.Sprintf("amount=%d,balance=%d", req.AmountCents, customer.CreditCents))
	return *customer, nil
}

// CreateInvoice issues the single invoice a sale can carry. Amounts are
// copied from the sale snapshot; the sequential invoice number comes from a
// counter that never reuses values, even across failed attempts.
func (s *Service) CreateInvoice(ctx context.Context, req domain.InvoiceCreateRequest) (domain.Invoice, error) {
	req.SaleID = strings.TrimSpace(req.SaleID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.SaleID == "" || req.CustomerID == "" {
		return domain.Invoice{}, store.ErrValidation
	}

	sale, err := s.repo.GetSaleByID(ctx, req.SaleID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if sale.Cancelled {
		return domain.Invoice{}, fmt.Errorf("%w: cancelled sale cannot be invoiced", store.ErrValidation)
	}
	if _, err := s.repo.GetCustomerByID(ctx, req.CustomerID); err != nil {
		return domain.Invoice{}, err
	}

	number, err := s.repo.NextInvoiceNumber(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}

	invoice := domain.Invoice{
		ID:           xid.New("inv"),
		Number:       number,
		SaleID:       sale.ID,
		CustomerID:   req.CustomerID,
		TotalHTCents: sale.SubtotalHTCents,
		VATCents:     sale.VATCents,
		TotalCents:   sale.TotalCents,
		CreatedAt:    time.Now().UTC(),
	}
	created, err := s.repo.CreateInvoice(ctx, invoice)
	if err != nil {
		return domain.Invoice{}, err
	}

	s.logAudit(ctx, sale.StoreID, "invoice_create", "invoice", created.ID, fmt.Sprintf("number=%d,sale=%s,total=%d", created.Number, sale.ID, created.TotalCents))
	return *created, nil
}

func (s *Service) GetInvoiceForSale(ctx context.Context, saleID string) (domain.Invoice, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Invoice{}, store.ErrValidation
	}
	invoice, err := s.repo.GetInvoiceBySaleID(ctx, saleID)
	if err != nil {
		return domain.Invoice{}, err
	}
	return *invoice, nil
}

func (s *Service) ListInvoices(ctx context.Context, customerID string, limit int) ([]domain.Invoice, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListInvoices(ctx, strings.TrimSpace(customerID), limit)
}

// CreateCreditNote refunds part or all of a recorded sale after its day has
// closed. The sum of all notes against one sale can never exceed the sale
// total. A credit payout lands on the customer account; a cash payout is
// handed over the counter and only documented here.
func (s *Service) CreateCreditNote(ctx context.Context, req domain.CreditNoteCreateRequest) (domain.CreditNote, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.CreditNote{}, fmt.Errorf("admin role required")
	}

	req.SaleID = strings.TrimSpace(req.SaleID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Reason = strings.TrimSpace(req.Reason)
	req.Payout = strings.ToLower(strings.TrimSpace(req.Payout))
	if req.SaleID == "" || req.Reason == "" || req.AmountCents < 1 {
		return domain.CreditNote{}, store.ErrValidation
	}
	if req.Payout != domain.PayoutCash && req.Payout != domain.PayoutCredit {
		return domain.CreditNote{}, store.ErrValidation
	}

	sale, err := s.repo.GetSaleByID(ctx, req.SaleID)
	if err != nil {
		return domain.CreditNote{}, err
	}
	if sale.Cancelled {
		return domain.CreditNote{}, fmt.Errorf("%w: cancelled sale cannot be credited", store.ErrValidation)
	}

	credited, err := s.repo.GetCreditedTotalBySale(ctx, sale.ID)
	if err != nil {
		return domain.CreditNote{}, err
	}
	if credited+req.AmountCents > sale.TotalCents {
		return domain.CreditNote{}, fmt.Errorf("%w: credit notes would exceed sale total", store.ErrValidation)
	}

	customerID := req.CustomerID
	if customerID == "" {
		customerID = sale.CustomerID
	}
	if req.Payout == domain.PayoutCredit {
		if customerID == "" {
			return domain.CreditNote{}, fmt.Errorf("%w: credit payout requires a customer", store.ErrValidation)
		}
		if _, err := s.repo.AdjustCustomerCredit(ctx, customerID, req.AmountCents); err != nil {
			return domain.CreditNote{}, err
		}
	}

	number, err := s.repo.NextCreditNoteNumber(ctx)
	if err != nil {
		return domain.CreditNote{}, err
	}

	note := domain.CreditNote{
		ID:          xid.New("cn"),
		Number:      number,
		SaleID:      sale.ID,
		CustomerID:  customerID,
		Reason:      req.Reason,
		AmountCents: req.AmountCents,
		Payout:      req.Payout,
		CreatedBy:   actor.Username,
		CreatedAt:   time.Now().UTC(),
	}
	created, err := s.repo.CreateCreditNote(ctx, note)
	if err != nil {
		return domain.CreditNote{}, err
	}

	s.logAudit(ctx, sale.StoreID, "credit_note_create", "credit_note", created.ID, fmt.Sprintf("number=%d,sale=%s,amount=%d,payout=%s", created.Number, sale.ID, created.AmountCents, created.Payout))
	return *created, nil
}

func (s *Service) ListCreditNotes(ctx context.Context, saleID string, limit int) ([]domain.CreditNote, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListCreditNotes(ctx, strings.TrimSpace(saleID), limit)
}

func (s *Service) BuildReceipt(ctx context.Context, req domain.ReceiptRequest) (domain.ReceiptResponse, error) {
	req.SaleID = strings.TrimSpace(req.SaleID)
	if req.SaleID == "" {
		return domain.ReceiptResponse{}, store.ErrValidation
	}
	sale, err := s.repo.GetSaleByID(ctx, req.SaleID)
	if err != nil {
		return domain.ReceiptResponse{}, err
	}

	lines := []string{
		"Kassanova POS",
		"========================",
		fmt.Sprintf("Ticket #%d", sale.Number),
		"Magasin: " + sale.StoreID,
		"Caisse: " + sale.TerminalID,
		"Date: " + sale.CreatedAt.Format("2006-01-02 15:04:05"),
		"------------------------",
	}
	for _, item := range sale.Items {
		lines = append(lines, fmt.Sprintf("%s x%d", item.Name, item.Qty))
		lines = append(lines, "  "+formatEuros(item.UnitPriceCents*int64(item.Qty)))
	}
	lines = append(lines,
		"------------------------",
		"Total HT : "+formatEuros(sale.SubtotalHTCents),
		"TVA      : "+formatEuros(sale.VATCents),
		"Total    : "+formatEuros(sale.TotalCents),
		"Recu     : "+formatEuros(sale.CashReceivedCents),
		"Rendu    : "+formatEuros(sale.ChangeCents),
		"========================",
		"Merci de votre visite",
		"",
	)

	escpos := []byte{0x1b, 0x40}
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, []byte{0x1d, 0x56, 0x41, 0x10}...)

	return domain.ReceiptResponse{
		SaleID:       sale.ID,
		EscposBase64: base64.StdEncoding.EncodeToString(escpos),
		PreviewText:  strings.Join(lines, "\n"),
		FileName:     fmt.Sprintf("receipt-%s.bin", sale.ID),
	}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, date string, limit int) ([]domain.AuditLog, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrValidation
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, storeID, from, to, limit)
}

func (s *Service) resolveDay(ctx context.Context, storeID string, date string) (*domain.RegisterDay, error) {
	if strings.TrimSpace(date) == "" {
		return s.repo.GetOpenRegisterDay(ctx, storeID)
	}
	resolved, err := resolveDate(date)
	if err != nil {
		return nil, err
	}
	return s.repo.GetRegisterDay(ctx, storeID, resolved)
}

func (s *Service) restock(ctx context.Context, storeID string, lines []domain.SaleLine, movementType string, refID string) {
	changes := make([]domain.StockChange, 0, len(lines))
	for _, line := range lines {
		changes = append(changes, domain.StockChange{Barcode: line.Barcode, Qty: line.Qty})
	}
	if err := s.repo.AdjustStock(ctx, storeID, changes); err != nil {
		log.Printf("[service] WARN: failed to restock after %s ref=%s: %v", movementType, refID, err)
		return
	}
	for _, line := range lines {
		s.recordMovement(ctx, storeID, line.Barcode, movementType, line.Qty, refID)
	}
}

func (s *Service) refundCredit(ctx context.Context, customerID string, amountCents int64) {
	if _, err := s.repo.AdjustCustomerCredit(ctx, customerID, amountCents); err != nil {
		log.Printf("[service] WARN: failed to refund customer credit customer=%s amount=%d: %v", customerID, amountCents, err)
	}
}

func (s *Service) recordMovement(ctx context.Context, storeID string, barcode string, movementType string, qty int, refID string) {
	if err := s.repo.CreateStockMovement(ctx, domain.StockMovement{
		ID:        xid.New("mov"),
		StoreID:   storeID,
		Barcode:   barcode,
		Type:      movementType,
		Qty:       qty,
		RefID:     refID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		log.Printf("[service] WARN: failed to record stock movement type=%s barcode=%s: %v", movementType, barcode, err)
	}
}

func (s *Service) invalidateReport(ctx context.Context, storeID string, date string) {
	key := reportCacheKey(storeID, date)
	if err := s.reports.Delete(ctx, key); err != nil {
		log.Printf("[service] WARN: failed to invalidate report cache key=%s: %v", key, err)
	}
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func buildXReport(day domain.RegisterDay, data report.Data, expectedCashCents int64) domain.XReport {
	return domain.XReport{
		StoreID:           day.StoreID,
		Date:              day.Date,
		OpeningFloatCents: day.OpeningFloatCents,
		SalesCount:        data.SalesCount,
		TotalSalesCents:   data.TotalSalesCents,
		TotalHTCents:      data.TotalHTCents,
		TotalVATCents:     data.TotalVATCents,
		VATBuckets:        data.VATBuckets,
		Payments:          data.Payments,
		FlaggedItems:      data.FlaggedItems,
		ExpectedCashCents: expectedCashCents,
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
	}
}

func toCheckoutResponse(sale *domain.Sale, duplicate bool) domain.CheckoutResponse {
	itemCount := 0
	for _, item := range sale.Items {
		itemCount += item.Qty
	}

	return domain.CheckoutResponse{
		SaleID:            sale.ID,
		Number:            sale.Number,
		PaymentMethod:     sale.PaymentMethod,
		PaymentSplits:     sale.PaymentSplits,
		SubtotalHTCents:   sale.SubtotalHTCents,
		VATCents:          sale.VATCents,
		TotalCents:        sale.TotalCents,
		CashReceivedCents: sale.CashReceivedCents,
		ChangeCents:       sale.ChangeCents,
		ItemCount:         itemCount,
		Duplicate:         duplicate,
		CreatedAt:         sale.CreatedAt.Format(time.RFC3339),
	}
}

func normalizeItems(items []domain.CartItem) []domain.CartItem {
	agg := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		barcode := strings.TrimSpace(item.Barcode)
		if barcode == "" || item.Qty < 1 {
			continue
		}
		if _, seen := agg[barcode]; !seen {
			order = append(order, barcode)
		}
		agg[barcode] += item.Qty
	}

	normalized := make([]domain.CartItem, 0, len(order))
	for _, barcode := range order {
		normalized = append(normalized, domain.CartItem{Barcode: barcode, Qty: agg[barcode]})
	}
	return normalized
}

func normalizePaymentSplits(splits []domain.PaymentSplit) []domain.PaymentSplit {
	normalized := make([]domain.PaymentSplit, 0, len(splits))
	for _, split := range splits {
		method := strings.ToLower(strings.TrimSpace(split.Method))
		if method == "" || split.AmountCents < 1 {
			continue
		}
		normalized = append(normalized, domain.PaymentSplit{
			Method:      method,
			AmountCents: split.AmountCents,
			Reference:   strings.TrimSpace(split.Reference),
		})
	}
	return normalized
}

func encodePaymentSplits(splits []domain.PaymentSplit) string {
	payload, err := json.Marshal(splits)
	if err != nil {
		return ""
	}
	return string(payload)
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentMobile, domain.PaymentCredit, domain.PaymentSplitM:
		return true
	default:
		return false
	}
}

func isSplitMethodSupported(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentMobile:
		return true
	default:
		return false
	}
}

func resolveDate(date string) (string, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Now().UTC().Format("2006-01-02"), nil
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return "", store.ErrValidation
	}
	return date, nil
}

func reportCacheKey(storeID string, date string) string {
	return "xreport:" + storeID + ":" + date
}

func formatEuros(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d EUR", sign, cents/100, cents%100)
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
