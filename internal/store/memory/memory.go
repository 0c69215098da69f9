package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kassanova/backend/internal/domain"
	"kassanova/backend/internal/store"
	"kassanova/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	priceHistory    map[string][]domain.ProductPriceHistory
	inventory       map[string]map[string]int
	movements       []domain.StockMovement
	salesByID       map[string]*domain.Sale
	salesByIdem     map[string]*domain.Sale
	daysByID        map[string]domain.RegisterDay
	dayIDByKey      map[string]string
	openDayByStore  map[string]string
	reopens         []domain.RegisterDayReopen
	customersByID   map[string]domain.Customer
	invoicesByID    map[string]domain.Invoice
	invoiceIDBySale map[string]string
	creditNotes     []domain.CreditNote
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
	saleSeq         map[string]int64
	serialSeq       map[string]int64
	invoiceSeq      int64
	creditNoteSeq   int64
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store preloaded with a small Belgian shop catalog
// spanning the usual VAT rates (21% standard, 6% reduced, 0% dailies).
func NewSeeded() *Store {
	products := []domain.Product{
		{Barcode: "5400111000014", Name: "Pain demi-gris", Category: "bakery", PriceCents: 260, VATRatePercent: 6, Active: true},
		{Barcode: "5400111000021", Name: "Lait entier 1L", Category: "dairy", PriceCents: 129, VATRatePercent: 6, Active: true},
		{Barcode: "5400111000038", Name: "Gouda jeune 400g", Category: "dairy", PriceCents: 549, VATRatePercent: 6, Active: true},
		{Barcode: "5400111000045", Name: "Eau pétillante 1.5L", Category: "beverage", PriceCents: 95, VATRatePercent: 6, Active: true},
		{Barcode: "5400111000052", Name: "Jus d'orange 1L", Category: "beverage", PriceCents: 219, VATRatePercent: 6, Active: true},
		{Barcode: "5400111000069", Name: "Bière blonde 33cl", Category: "beverage", PriceCents: 145, VATRatePercent: 21, Active: true},
		{Barcode: "5400111000076", Name: "Vin rouge 75cl", Category: "beverage", PriceCents: 799, VATRatePercent: 21, Active: true},
		{Barcode: "5400111000083", Name: "Chocolat noir 200g", Category: "snack", PriceCents: 325, VATRatePercent: 6, Active: true},
		{Barcode: "5400111000090", Name: "Liquide vaisselle 750ml", Category: "household", PriceCents: 289, VATRatePercent: 21, Active: true},
		{Barcode: "5400111000106", Name: "Essuie-tout 2 rouleaux", Category: "household", PriceCents: 349, VATRatePercent: 21, Active: true},
		{Barcode: "5400111000113", Name: "Quotidien national", Category: "press", PriceCents: 280, VATRatePercent: 0, Active: true},
		{Barcode: "5400111000120", Name: "Piles AA x4", Category: "household", PriceCents: 499, VATRatePercent: 21, Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	inventory := make(map[string]map[string]int)
	inventory["main-store"] = make(map[string]int)
	for _, p := range products {
		productMap[p.Barcode] = p
		inventory["main-store"][p.Barcode] = 80
	}

	return &Store{
		products:        productMap,
		priceHistory:    make(map[string][]domain.ProductPriceHistory),
		inventory:       inventory,
		movements:       make([]domain.StockMovement, 0, 128),
		salesByID:       make(map[string]*domain.Sale),
		salesByIdem:     make(map[string]*domain.Sale),
		daysByID:        make(map[string]domain.RegisterDay),
		dayIDByKey:      make(map[string]string),
		openDayByStore:  make(map[string]string),
		reopens:         make([]domain.RegisterDayReopen, 0, 8),
		customersByID:   make(map[string]domain.Customer),
		invoicesByID:    make(map[string]domain.Invoice),
		invoiceIDBySale: make(map[string]string),
		creditNotes:     make([]domain.CreditNote, 0, 32),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
		saleSeq:         make(map[string]int64),
		serialSeq:       make(map[string]int64),
	}
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active && !includeInactive {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Barcode == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}
	if product.VATRatePercent < 0 || product.VATRatePercent > 100 {
		return nil, store.ErrValidation
	}
	if _, exists := s.products[product.Barcode]; exists {
		return nil, store.ErrConflict
	}

	product.Active = true
	s.products[product.Barcode] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[barcode]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Barcode == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}
	if product.VATRatePercent < 0 || product.VATRatePercent > 100 {
		return nil, store.ErrValidation
	}
	if _, exists := s.products[product.Barcode]; !exists {
		return nil, store.ErrNotFound
	}

	s.products[product.Barcode] = product
	updated := product
	return &updated, nil
}

func (s *Store) GetProductsByBarcodes(_ context.Context, barcodes []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(barcodes))
	for _, barcode := range barcodes {
		if p, ok := s.products[barcode]; ok && p.Active {
			result[barcode] = p
		}
	}
	return result, nil
}

func (s *Store) CreatePriceHistory(_ context.Context, entry domain.ProductPriceHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	s.priceHistory[entry.Barcode] = append(s.priceHistory[entry.Barcode], entry)
	return nil
}

func (s *Store) ListPriceHistory(_ context.Context, barcode string, limit int) ([]domain.ProductPriceHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.priceHistory[barcode]
	if len(history) == 0 {
		return []domain.ProductPriceHistory{}, nil
	}

	result := make([]domain.ProductPriceHistory, len(history))
	copy(result, history)
	slices.SortFunc(result, func(a, b domain.ProductPriceHistory) int {
		if a.ChangedAt.Equal(b.ChangedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.ChangedAt.After(b.ChangedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetStockMap(_ context.Context, storeID string, barcodes []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stockMap := make(map[string]int, len(barcodes))
	storeStock := s.inventory[storeID]
	for _, barcode := range barcodes {
		if storeStock == nil {
			stockMap[barcode] = 0
			continue
		}
		stockMap[barcode] = storeStock[barcode]
	}
	return stockMap, nil
}

func (s *Store) SetStock(_ context.Context, storeID string, barcode string, qty int) error {
	if barcode == "" || qty < 0 {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[barcode]; !exists {
		return fmt.Errorf("barcode %s unavailable", barcode)
	}
	storeStock, ok := s.inventory[storeID]
	if !ok {
		storeStock = make(map[string]int)
		s.inventory[storeID] = storeStock
	}
	storeStock[barcode] = qty
	return nil
}

// AdjustStock applies signed quantity deltas. The whole batch is rejected if
// any line would drive stock below zero, so callers never observe a partial
// application.
func (s *Store) AdjustStock(_ context.Context, storeID string, changes []domain.StockChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	storeStock, ok := s.inventory[storeID]
	if !ok {
		storeStock = make(map[string]int)
		s.inventory[storeID] = storeStock
	}

	for _, change := range changes {
		if _, exists := s.products[change.Barcode]; !exists {
			return fmt.Errorf("barcode %s unavailable", change.Barcode)
		}
		if storeStock[change.Barcode]+change.Qty < 0 {
			return store.ErrInsufficientStock
		}
	}
	for _, change := range changes {
		storeStock[change.Barcode] += change.Qty
	}
	return nil
}

func (s *Store) CreateStockMovement(_ context.Context, movement domain.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.movements = append(s.movements, movement)
	return nil
}

func (s *Store) ListStockMovements(_ context.Context, storeID string, barcode string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 64)
	for _, movement := range s.movements {
		if storeID != "" && movement.StoreID != storeID {
			continue
		}
		if barcode != "" && movement.Barcode != barcode {
			continue
		}
		result = append(result, movement)
	}
	slices.SortFunc(result, func(a, b domain.StockMovement) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey == "" || len(sale.Items) == 0 {
		return nil, store.ErrValidation
	}
	if existing, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
		return cloneSale(existing), nil
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	saved := cloneSale(&sale)
	s.salesByID[sale.ID] = saved
	s.salesByIdem[sale.IdempotencyKey] = saved
	return cloneSale(saved), nil
}

func (s *Store) GetSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) CancelSale(_ context.Context, id string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Cancelled {
		return nil, store.ErrConflict
	}
	sale.Cancelled = true
	sale.CancelReason = reason
	sale.CancelledAt = &at
	return cloneSale(sale), nil
}

func (s *Store) ListSalesForDay(_ context.Context, registerDayID string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if sale.RegisterDayID != registerDayID {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.Number == b.Number {
			return cmpString(a.ID, b.ID)
		}
		if a.Number < b.Number {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) NextSaleNumber(_ context.Context, storeID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saleSeq[storeID]++
	return s.saleSeq[storeID], nil
}

func (s *Store) CreateRegisterDay(_ context.Context, day domain.RegisterDay) (*domain.RegisterDay, error) {
	if strings.TrimSpace(day.StoreID) == "" || strings.TrimSpace(day.Date) == "" {
		return nil, store.ErrValidation
	}
	if day.OpeningFloatCents < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openDayByStore[day.StoreID]; exists {
		return nil, store.ErrDayAlreadyOpen
	}
	key := dayMapKey(day.StoreID, day.Date)
	if _, exists := s.dayIDByKey[key]; exists {
		return nil, store.ErrConflict
	}
	if day.ID == "" {
		day.ID = xid.New("day")
	}
	if day.OpenedAt.IsZero() {
		day.OpenedAt = time.Now().UTC()
	}
	day.ClosedAt = nil
	day.ClosingCashCents = nil
	day.SerialNumber = 0

	s.daysByID[day.ID] = day
	s.dayIDByKey[key] = day.ID
	s.openDayByStore[day.StoreID] = day.ID
	copyDay := day
	return &copyDay, nil
}

func (s *Store) GetRegisterDay(_ context.Context, storeID string, date string) (*domain.RegisterDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dayID, exists := s.dayIDByKey[dayMapKey(storeID, date)]
	if !exists {
		return nil, store.ErrNotFound
	}
	day := s.daysByID[dayID]
	copyDay := day
	return &copyDay, nil
}

func (s *Store) GetOpenRegisterDay(_ context.Context, storeID string) (*domain.RegisterDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dayID, exists := s.openDayByStore[storeID]
	if !exists {
		return nil, store.ErrDayNotOpen
	}
	day := s.daysByID[dayID]
	copyDay := day
	return &copyDay, nil
}

func (s *Store) CloseRegisterDay(_ context.Context, id string, close domain.RegisterDayClose) (*domain.RegisterDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day, exists := s.daysByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if day.ClosedAt != nil {
		return nil, store.ErrConflict
	}
	closedAt := close.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	closingCash := close.ClosingCashCents
	day.ClosingCashCents = &closingCash
	day.ClosedBy = close.ClosedBy
	day.ClosedAt = &closedAt
	day.SerialNumber = close.SerialNumber
	day.SalesCount = close.SalesCount
	day.TotalSalesCents = close.TotalSalesCents
	day.TotalCashCents = close.TotalCashCents
	day.TotalCardCents = close.TotalCardCents
	day.TotalMobileCents = close.TotalMobileCents
	day.TotalCreditCents = close.TotalCreditCents
	day.DiscrepancyCents = close.DiscrepancyCents

	s.daysByID[id] = day
	delete(s.openDayByStore, day.StoreID)
	copyDay := day
	return &copyDay, nil
}

func (s *Store) ReopenRegisterDay(_ context.Context, id string, archive domain.RegisterDayReopen) (*domain.RegisterDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day, exists := s.daysByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if day.ClosedAt == nil {
		return nil, store.ErrConflict
	}
	if _, open := s.openDayByStore[day.StoreID]; open {
		return nil, store.ErrDayAlreadyOpen
	}

	if archive.ID == "" {
		archive.ID = xid.New("reopen")
	}
	if archive.ReopenedAt.IsZero() {
		archive.ReopenedAt = time.Now().UTC()
	}
	archive.RegisterDayID = day.ID
	s.reopens = append(s.reopens, archive)

	day.ClosedAt = nil
	day.ClosedBy = ""
	day.ClosingCashCents = nil
	day.SerialNumber = 0
	day.SalesCount = 0
	day.TotalSalesCents = 0
	day.TotalCashCents = 0
	day.TotalCardCents = 0
	day.TotalMobileCents = 0
	day.TotalCreditCents = 0
	day.DiscrepancyCents = 0

	s.daysByID[id] = day
	s.openDayByStore[day.StoreID] = day.ID
	copyDay := day
	return &copyDay, nil
}

func (s *Store) ListRegisterDays(_ context.Context, storeID string, limit int) ([]domain.RegisterDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.RegisterDay, 0, len(s.daysByID))
	for _, day := range s.daysByID {
		if storeID != "" && day.StoreID != storeID {
			continue
		}
		result = append(result, day)
	}
	slices.SortFunc(result, func(a, b domain.RegisterDay) int {
		return cmpString(b.Date, a.Date)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) NextFiscalSerial(_ context.Context, storeID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.serialSeq[storeID]++
	return s.serialSeq[storeID], nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	s.customersByID[customer.ID] = customer
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customersByID))
	for _, customer := range s.customersByID {
		customers = append(customers, customer)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(customers) > limit {
		customers = customers[:limit]
	}
	return customers, nil
}

func (s *Store) AdjustCustomerCredit(_ context.Context, id string, deltaCents int64) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if customer.CreditCents+deltaCents < 0 {
		return nil, store.ErrInsufficientCredit
	}
	customer.CreditCents += deltaCents
	s.customersByID[id] = customer
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) CreateInvoice(_ context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.SaleID == "" || invoice.CustomerID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoiceIDBySale[invoice.SaleID]; exists {
		return nil, store.ErrConflict
	}
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}
	s.invoicesByID[invoice.ID] = invoice
	s.invoiceIDBySale[invoice.SaleID] = invoice.ID
	copyInvoice := invoice
	return &copyInvoice, nil
}

func (s *Store) GetInvoiceBySaleID(_ context.Context, saleID string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoiceID, exists := s.invoiceIDBySale[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	invoice := s.invoicesByID[invoiceID]
	copyInvoice := invoice
	return &copyInvoice, nil
}

func (s *Store) ListInvoices(_ context.Context, customerID string, limit int) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Invoice, 0, len(s.invoicesByID))
	for _, invoice := range s.invoicesByID {
		if customerID != "" && invoice.CustomerID != customerID {
			continue
		}
		result = append(result, invoice)
	}
	slices.SortFunc(result, func(a, b domain.Invoice) int {
		if a.Number == b.Number {
			return cmpString(a.ID, b.ID)
		}
		if a.Number > b.Number {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) NextInvoiceNumber(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invoiceSeq++
	return s.invoiceSeq, nil
}

func (s *Store) CreateCreditNote(_ context.Context, note domain.CreditNote) (*domain.CreditNote, error) {
	if note.SaleID == "" || note.AmountCents < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if note.ID == "" {
		note.ID = xid.New("cn")
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	s.creditNotes = append(s.creditNotes, note)
	copyNote := note
	return &copyNote, nil
}

func (s *Store) ListCreditNotes(_ context.Context, saleID string, limit int) ([]domain.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CreditNote, 0, 16)
	for _, note := range s.creditNotes {
		if saleID != "" && note.SaleID != saleID {
			continue
		}
		result = append(result, note)
	}
	slices.SortFunc(result, func(a, b domain.CreditNote) int {
		if a.Number == b.Number {
			return cmpString(a.ID, b.ID)
		}
		if a.Number > b.Number {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetCreditedTotalBySale(_ context.Context, saleID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := int64(0)
	for _, note := range s.creditNotes {
		if note.SaleID == saleID {
			total += note.AmountCents
		}
	}
	return total, nil
}

func (s *Store) NextCreditNoteNumber(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creditNoteSeq++
	return s.creditNoteSeq, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func dayMapKey(storeID string, date string) string {
	return storeID + "::" + date
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	dupItems := make([]domain.SaleLine, len(src.Items))
	copy(dupItems, src.Items)
	dup.Items = dupItems
	dupSplits := make([]domain.PaymentSplit, len(src.PaymentSplits))
	copy(dupSplits, src.PaymentSplits)
	dup.PaymentSplits = dupSplits
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dup.CancelledAt = &at
	}
	return &dup
}
