package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kassanova/backend/internal/domain"
	"kassanova/backend/internal/store"
	"kassanova/backend/internal/xid"
)

// openDayConstraint is the partial unique index that allows at most one open
// register day per store: (store_id) WHERE closed_at IS NULL.
const openDayConstraint = "register_days_one_open_per_store"

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT barcode, name, category, price_cents, vat_rate_percent, active
		FROM products
		WHERE ($1 OR active = true)
		ORDER BY category, name
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.Barcode, &p.Name, &p.Category, &p.PriceCents, &p.VATRatePercent, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Barcode == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}
	if product.VATRatePercent < 0 || product.VATRatePercent > 100 {
		return nil, store.ErrValidation
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (barcode, name, category, price_cents, vat_rate_percent, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
	`, product.Barcode, product.Name, product.Category, product.PriceCents, product.VATRatePercent, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT barcode, name, category, price_cents, vat_rate_percent, active
		FROM products
		WHERE barcode = $1
	`, barcode).Scan(&product.Barcode, &product.Name, &product.Category, &product.PriceCents, &product.VATRatePercent, &product.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Barcode == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}
	if product.VATRatePercent < 0 || product.VATRatePercent > 100 {
		return nil, store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price_cents = $4, vat_rate_percent = $5, active = $6, updated_at = now()
		WHERE barcode = $1
	`, product.Barcode, product.Name, product.Category, product.PriceCents, product.VATRatePercent, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := product
	return &updated, nil
}

func (s *Store) GetProductsByBarcodes(ctx context.Context, barcodes []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(barcodes))
	if len(barcodes) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT barcode, name, category, price_cents, vat_rate_percent, active
		FROM products
		WHERE active = true AND barcode = ANY($1)
	`, barcodes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.Barcode, &p.Name, &p.Category, &p.PriceCents, &p.VATRatePercent, &p.Active); err != nil {
			return nil, err
		}
		result[p.Barcode] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) CreatePriceHistory(ctx context.Context, entry domain.ProductPriceHistory) error {
	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_price_history (id, barcode, old_price_cents, new_price_cents, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.Barcode, entry.OldPriceCents, entry.NewPriceCents, entry.ChangedBy, entry.ChangedAt)
	return err
}

func (s *Store) ListPriceHistory(ctx context.Context, barcode string, limit int) ([]domain.ProductPriceHistory, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, barcode, old_price_cents, new_price_cents, changed_by, changed_at
		FROM product_price_history
		WHERE barcode = $1
		ORDER BY changed_at DESC
		LIMIT $2
	`, barcode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]domain.ProductPriceHistory, 0, limit)
	for rows.Next() {
		var entry domain.ProductPriceHistory
		if err := rows.Scan(&entry.ID, &entry.Barcode, &entry.OldPriceCents, &entry.NewPriceCents, &entry.ChangedBy, &entry.ChangedAt); err != nil {
			return nil, err
		}
		entry.ChangedAt = entry.ChangedAt.UTC()
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return history, nil
}

func (s *Store) GetStockMap(ctx context.Context, storeID string, barcodes []string) (map[string]int, error) {
	stockMap := make(map[string]int, len(barcodes))
	if len(barcodes) == 0 {
		return stockMap, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT barcode, qty
		FROM inventory_stocks
		WHERE store_id = $1 AND barcode = ANY($2)
	`, storeID, barcodes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var barcode string
		var qty int
		if err := rows.Scan(&barcode, &qty); err != nil {
			return nil, err
		}
		stockMap[barcode] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, barcode := range barcodes {
		if _, ok := stockMap[barcode]; !ok {
			stockMap[barcode] = 0
		}
	}

	return stockMap, nil
}

func (s *Store) SetStock(ctx context.Context, storeID string, barcode string, qty int) error {
	if barcode == "" || qty < 0 {
		return store.ErrValidation
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_stocks (store_id, barcode, qty, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (store_id, barcode)
		DO UPDATE SET qty = EXCLUDED.qty, updated_at = now()
	`, storeID, barcode, qty)
	return err
}

// AdjustStock applies signed quantity deltas in one transaction. A decrement
// that would leave stock negative rolls back the whole batch.
func (s *Store) AdjustStock(ctx context.Context, storeID string, changes []domain.StockChange) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, change := range changes {
		if change.Qty >= 0 {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO inventory_stocks (store_id, barcode, qty, updated_at)
				VALUES ($1,$2,$3,now())
				ON CONFLICT (store_id, barcode)
				DO UPDATE SET qty = inventory_stocks.qty + EXCLUDED.qty, updated_at = now()
			`, storeID, change.Barcode, change.Qty)
			if err != nil {
				return err
			}
			continue
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE inventory_stocks
			SET qty = qty + $3, updated_at = now()
			WHERE store_id = $1 AND barcode = $2 AND qty + $3 >= 0
		`, storeID, change.Barcode, change.Qty)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrInsufficientStock
		}
	}

	return tx.Commit()
}

func (s *Store) CreateStockMovement(ctx context.Context, movement domain.StockMovement) error {
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_movements (id, store_id, barcode, type, qty, ref_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, movement.ID, movement.StoreID, movement.Barcode, movement.Type, movement.Qty, nullIfEmpty(movement.RefID), movement.CreatedAt)
	return err
}

func (s *Store) ListStockMovements(ctx context.Context, storeID string, barcode string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, barcode, type, qty, COALESCE(ref_id,''), created_at
		FROM stock_movements
		WHERE ($1 = '' OR store_id = $1)
			AND ($2 = '' OR barcode = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, storeID, barcode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var movement domain.StockMovement
		if err := rows.Scan(&movement.ID, &movement.StoreID, &movement.Barcode, &movement.Type, &movement.Qty, &movement.RefID, &movement.CreatedAt); err != nil {
			return nil, err
		}
		movement.CreatedAt = movement.CreatedAt.UTC()
		movements = append(movements, movement)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.IdempotencyKey == "" || len(sale.Items) == 0 {
		return nil, store.ErrValidation
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	splitsJSON, err := json.Marshal(sale.PaymentSplits)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, number, store_id, terminal_id, register_day_id, idempotency_key,
			customer_id, payment_method, payment_reference, payment_splits,
			subtotal_ht_cents, vat_cents, total_cents, cash_received_cents, change_cents,
			cancelled, cancel_reason, cancelled_at, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,false,NULL,NULL,$16)
	`, sale.ID, sale.Number, sale.StoreID, sale.TerminalID, sale.RegisterDayID, sale.IdempotencyKey,
		nullIfEmpty(sale.CustomerID), sale.PaymentMethod, nullIfEmpty(sale.PaymentReference), splitsJSON,
		sale.SubtotalHTCents, sale.VATCents, sale.TotalCents, sale.CashReceivedCents, sale.ChangeCents,
		sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, barcode, name, qty, unit_price_cents, vat_rate_percent)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.ID, item.Barcode, item.Name, item.Qty, item.UnitPriceCents, nullFloat(item.VATRatePercent))
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	query := fmt.Sprintf(`
		SELECT id, number, store_id, terminal_id, register_day_id, idempotency_key,
			customer_id, payment_method, payment_reference, payment_splits,
			subtotal_ht_cents, vat_cents, total_cents, cash_received_cents, change_cents,
			cancelled, cancel_reason, cancelled_at, created_at
		FROM sales
		WHERE %s = $1
	`, column)

	sale, err := scanSale(s.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.loadSaleItems(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return sale, nil
}

func (s *Store) CancelSale(ctx context.Context, id string, reason string, at time.Time) (*domain.Sale, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET cancelled = true, cancel_reason = $2, cancelled_at = $3
		WHERE id = $1 AND cancelled = false
	`, id, reason, at)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, lookupErr := s.GetSaleByID(ctx, id); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, store.ErrConflict
	}

	return s.GetSaleByID(ctx, id)
}

func (s *Store) ListSalesForDay(ctx context.Context, registerDayID string) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, store_id, terminal_id, register_day_id, idempotency_key,
			customer_id, payment_method, payment_reference, payment_splits,
			subtotal_ht_cents, vat_cents, total_cents, cash_received_cents, change_cents,
			cancelled, cancel_reason, cancelled_at, created_at
		FROM sales
		WHERE register_day_id = $1
		ORDER BY number ASC
	`, registerDayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 128)
	ids := make([]string, 0, 128)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}

	itemMap, err := s.loadSaleItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = itemMap[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) loadSaleItems(ctx context.Context, saleIDs []string) (map[string][]domain.SaleLine, error) {
	result := make(map[string][]domain.SaleLine, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, barcode, name, qty, unit_price_cents, vat_rate_percent
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY id ASC
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var saleID string
		var line domain.SaleLine
		var rate sql.NullFloat64
		if err := rows.Scan(&saleID, &line.Barcode, &line.Name, &line.Qty, &line.UnitPriceCents, &rate); err != nil {
			return nil, err
		}
		if rate.Valid {
			r := rate.Float64
			line.VATRatePercent = &r
		}
		result[saleID] = append(result[saleID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) NextSaleNumber(ctx context.Context, storeID string) (int64, error) {
	return s.nextCounter(ctx, "sale:"+storeID)
}

func (s *Store) CreateRegisterDay(ctx context.Context, day domain.RegisterDay) (*domain.RegisterDay, error) {
	if strings.TrimSpace(day.StoreID) == "" || strings.TrimSpace(day.Date) == "" {
		return nil, store.ErrValidation
	}
	if day.OpeningFloatCents < 0 {
		return nil, store.ErrValidation
	}
	if day.ID == "" {
		day.ID = xid.New("day")
	}
	if day.OpenedAt.IsZero() {
		day.OpenedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO register_days (
			id, store_id, report_date, opening_float_cents, opened_by, opened_at,
			closing_cash_cents, closed_by, closed_at, serial_number,
			sales_count, total_sales_cents, total_cash_cents, total_card_cents,
			total_mobile_cents, total_credit_cents, discrepancy_cents
		)
		VALUES ($1,$2,$3,$4,$5,$6,NULL,NULL,NULL,0,0,0,0,0,0,0,0)
	`, day.ID, day.StoreID, day.Date, day.OpeningFloatCents, day.OpenedBy, day.OpenedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == openDayConstraint {
				return nil, store.ErrDayAlreadyOpen
			}
			return nil, store.ErrConflict
		}
		return nil, err
	}

	day.ClosedAt = nil
	day.ClosingCashCents = nil
	day.SerialNumber = 0
	created := day
	return &created, nil
}

func (s *Store) GetRegisterDay(ctx context.Context, storeID string, date string) (*domain.RegisterDay, error) {
	day, err := scanRegisterDay(s.db.QueryRowContext(ctx, `
		SELECT id, store_id, report_date, opening_float_cents, opened_by, opened_at,
			closing_cash_cents, closed_by, closed_at, serial_number,
			sales_count, total_sales_cents, total_cash_cents, total_card_cents,
			total_mobile_cents, total_credit_cents, discrepancy_cents
		FROM register_days
		WHERE store_id = $1 AND report_date = $2
	`, storeID, date))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return day, nil
}

func (s *Store) GetOpenRegisterDay(ctx context.Context, storeID string) (*domain.RegisterDay, error) {
	day, err := scanRegisterDay(s.db.QueryRowContext(ctx, `
		SELECT id, store_id, report_date, opening_float_cents, opened_by, opened_at,
			closing_cash_cents, closed_by, closed_at, serial_number,
			sales_count, total_sales_cents, total_cash_cents, total_card_cents,
			total_mobile_cents, total_credit_cents, discrepancy_cents
		FROM register_days
		WHERE store_id = $1 AND closed_at IS NULL
	`, storeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrDayNotOpen
		}
		return nil, err
	}
	return day, nil
}

// CloseRegisterDay transitions an open day to closed in one guarded update so
// two concurrent closes cannot both assign a fiscal serial.
func (s *Store) CloseRegisterDay(ctx context.Context, id string, close domain.RegisterDayClose) (*domain.RegisterDay, error) {
	closedAt := close.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	day, err := scanRegisterDay(s.db.QueryRowContext(ctx, `
		UPDATE register_days
		SET closing_cash_cents = $2, closed_by = $3, closed_at = $4, serial_number = $5,
			sales_count = $6, total_sales_cents = $7, total_cash_cents = $8,
			total_card_cents = $9, total_mobile_cents = $10, total_credit_cents = $11,
			discrepancy_cents = $12
		WHERE id = $1 AND closed_at IS NULL
		RETURNING id, store_id, report_date, opening_float_cents, opened_by, opened_at,
			closing_cash_cents, closed_by, closed_at, serial_number,
			sales_count, total_sales_cents, total_cash_cents, total_card_cents,
			total_mobile_cents, total_credit_cents, discrepancy_cents
	`, id, close.ClosingCashCents, close.ClosedBy, closedAt, close.SerialNumber,
		close.SalesCount, close.TotalSalesCents, close.TotalCashCents,
		close.TotalCardCents, close.TotalMobileCents, close.TotalCreditCents,
		close.DiscrepancyCents))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if checkErr := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM register_days WHERE id = $1)`, id).Scan(&exists); checkErr == nil && !exists {
				return nil, store.ErrNotFound
			}
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return day, nil
}

// ReopenRegisterDay archives the closed totals, then wipes the closed state so
// the day can accept sales again. The archive keeps the fiscal serial that was
// burned by the original close.
func (s *Store) ReopenRegisterDay(ctx context.Context, id string, archive domain.RegisterDayReopen) (*domain.RegisterDay, error) {
	if archive.ID == "" {
		archive.ID = xid.New("reopen")
	}
	if archive.ReopenedAt.IsZero() {
		archive.ReopenedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var closedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT closed_at
		FROM register_days
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if !closedAt.Valid {
		return nil, store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO register_day_reopens (
			id, register_day_id, serial_number, closing_cash_cents,
			sales_count, total_sales_cents, discrepancy_cents, reopened_by, reopened_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, archive.ID, id, archive.SerialNumber, archive.ClosingCashCents,
		archive.SalesCount, archive.TotalSalesCents, archive.DiscrepancyCents,
		archive.ReopenedBy, archive.ReopenedAt)
	if err != nil {
		return nil, err
	}

	day, err := scanRegisterDay(tx.QueryRowContext(ctx, `
		UPDATE register_days
		SET closing_cash_cents = NULL, closed_by = NULL, closed_at = NULL, serial_number = 0,
			sales_count = 0, total_sales_cents = 0, total_cash_cents = 0,
			total_card_cents = 0, total_mobile_cents = 0, total_credit_cents = 0,
			discrepancy_cents = 0
		WHERE id = $1
		RETURNING id, store_id, report_date, opening_float_cents, opened_by, opened_at,
			closing_cash_cents, closed_by, closed_at, serial_number,
			sales_count, total_sales_cents, total_cash_cents, total_card_cents,
			total_mobile_cents, total_credit_cents, discrepancy_cents
	`, id))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDayAlreadyOpen
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDayAlreadyOpen
		}
		return nil, err
	}
	return day, nil
}

func (s *Store) ListRegisterDays(ctx context.Context, storeID string, limit int) ([]domain.RegisterDay, error) {
	if limit < 1 {
		limit = 90
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, report_date, opening_float_cents, opened_by, opened_at,
			closing_cash_cents, closed_by, closed_at, serial_number,
			sales_count, total_sales_cents, total_cash_cents, total_card_cents,
			total_mobile_cents, total_credit_cents, discrepancy_cents
		FROM register_days
		WHERE ($1 = '' OR store_id = $1)
		ORDER BY report_date DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	days := make([]domain.RegisterDay, 0, limit)
	for rows.Next() {
		day, err := scanRegisterDay(rows)
		if err != nil {
			return nil, err
		}
		days = append(days, *day)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return days, nil
}

func (s *Store) NextFiscalSerial(ctx context.Context, storeID string) (int64, error) {
	return s.nextCounter(ctx, "fiscal:"+storeID)
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return nil, store.ErrValidation
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, email, phone, vat_number, credit_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, customer.ID, customer.Name, nullIfEmpty(customer.Email), nullIfEmpty(customer.Phone), nullIfEmpty(customer.VATNumber), customer.CreditCents, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(email,''), COALESCE(phone,''), COALESCE(vat_number,''), credit_cents, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&customer.ID, &customer.Name, &customer.Email, &customer.Phone, &customer.VATNumber, &customer.CreditCents, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(email,''), COALESCE(phone,''), COALESCE(vat_number,''), credit_cents, created_at
		FROM customers
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, limit)
	for rows.Next() {
		var customer domain.Customer
		if err := rows.Scan(&customer.ID, &customer.Name, &customer.Email, &customer.Phone, &customer.VATNumber, &customer.CreditCents, &customer.CreatedAt); err != nil {
			return nil, err
		}
		customer.CreatedAt = customer.CreatedAt.UTC()
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) AdjustCustomerCredit(ctx context.Context, id string, deltaCents int64) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		UPDATE customers
		SET credit_cents = credit_cents + $2
		WHERE id = $1 AND credit_cents + $2 >= 0
		RETURNING id, name, COALESCE(email,''), COALESCE(phone,''), COALESCE(vat_number,''), credit_cents, created_at
	`, id, deltaCents).Scan(&customer.ID, &customer.Name, &customer.Email, &customer.Phone, &customer.VATNumber, &customer.CreditCents, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, lookupErr := s.GetCustomerByID(ctx, id); lookupErr != nil {
				return nil, lookupErr
			}
			return nil, store.ErrInsufficientCredit
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.SaleID == "" || invoice.CustomerID == "" {
		return nil, store.ErrValidation
	}
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (id, number, sale_id, customer_id, total_ht_cents, vat_cents, total_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, invoice.ID, invoice.Number, invoice.SaleID, invoice.CustomerID, invoice.TotalHTCents, invoice.VATCents, invoice.TotalCents, invoice.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := invoice
	return &created, nil
}

func (s *Store) GetInvoiceBySaleID(ctx context.Context, saleID string) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, sale_id, customer_id, total_ht_cents, vat_cents, total_cents, created_at
		FROM invoices
		WHERE sale_id = $1
	`, saleID).Scan(&invoice.ID, &invoice.Number, &invoice.SaleID, &invoice.CustomerID, &invoice.TotalHTCents, &invoice.VATCents, &invoice.TotalCents, &invoice.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	invoice.CreatedAt = invoice.CreatedAt.UTC()
	return &invoice, nil
}

func (s *Store) ListInvoices(ctx context.Context, customerID string, limit int) ([]domain.Invoice, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, sale_id, customer_id, total_ht_cents, vat_cents, total_cents, created_at
		FROM invoices
		WHERE ($1 = '' OR customer_id = $1)
		ORDER BY number DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, limit)
	for rows.Next() {
		var invoice domain.Invoice
		if err := rows.Scan(&invoice.ID, &invoice.Number, &invoice.SaleID, &invoice.CustomerID, &invoice.TotalHTCents, &invoice.VATCents, &invoice.TotalCents, &invoice.CreatedAt); err != nil {
			return nil, err
		}
		invoice.CreatedAt = invoice.CreatedAt.UTC()
		invoices = append(invoices, invoice)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Store) NextInvoiceNumber(ctx context.Context) (int64, error) {
	return s.nextCounter(ctx, "invoice")
}

func (s *Store) CreateCreditNote(ctx context.Context, note domain.CreditNote) (*domain.CreditNote, error) {
	if note.SaleID == "" || note.AmountCents < 1 {
		return nil, store.ErrValidation
	}
	if note.ID == "" {
		note.ID = xid.New("cn")
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_notes (id, number, sale_id, customer_id, reason, amount_cents, payout, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, note.ID, note.Number, note.SaleID, nullIfEmpty(note.CustomerID), note.Reason, note.AmountCents, note.Payout, note.CreatedBy, note.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := note
	return &created, nil
}

func (s *Store) ListCreditNotes(ctx context.Context, saleID string, limit int) ([]domain.CreditNote, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, sale_id, COALESCE(customer_id,''), reason, amount_cents, payout, created_by, created_at
		FROM credit_notes
		WHERE ($1 = '' OR sale_id = $1)
		ORDER BY number DESC
		LIMIT $2
	`, saleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := make([]domain.CreditNote, 0, limit)
	for rows.Next() {
		var note domain.CreditNote
		if err := rows.Scan(&note.ID, &note.Number, &note.SaleID, &note.CustomerID, &note.Reason, &note.AmountCents, &note.Payout, &note.CreatedBy, &note.CreatedAt); err != nil {
			return nil, err
		}
		note.CreatedAt = note.CreatedAt.UTC()
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notes, nil
}

func (s *Store) GetCreditedTotalBySale(ctx context.Context, saleID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents),0)::bigint
		FROM credit_notes
		WHERE sale_id = $1
	`, saleID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) NextCreditNoteNumber(ctx context.Context) (int64, error) {
	return s.nextCounter(ctx, "credit_note")
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, nullIfEmpty(entry.EntityID), entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, actor_role, action, entity_type, COALESCE(entity_id,''), detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR store_id = $1)
			AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// nextCounter atomically increments and returns a named monotonic counter.
// Used for sequential sale, invoice and credit note numbers and for the
// per-store fiscal serial: values are never reused, even across restarts.
func (s *Store) nextCounter(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (name, value)
		VALUES ($1, 1)
		ON CONFLICT (name)
		DO UPDATE SET value = counters.value + 1
		RETURNING value
	`, name).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID sql.NullString
	var paymentReference sql.NullString
	var splitsRaw []byte
	var cancelReason sql.NullString
	var cancelledAt sql.NullTime

	err := row.Scan(
		&sale.ID,
		&sale.Number,
		&sale.StoreID,
		&sale.TerminalID,
		&sale.RegisterDayID,
		&sale.IdempotencyKey,
		&customerID,
		&sale.PaymentMethod,
		&paymentReference,
		&splitsRaw,
		&sale.SubtotalHTCents,
		&sale.VATCents,
		&sale.TotalCents,
		&sale.CashReceivedCents,
		&sale.ChangeCents,
		&sale.Cancelled,
		&cancelReason,
		&cancelledAt,
		&sale.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	if paymentReference.Valid {
		sale.PaymentReference = paymentReference.String
	}
	if cancelReason.Valid {
		sale.CancelReason = cancelReason.String
	}
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		sale.CancelledAt = &at
	}
	if len(splitsRaw) > 0 {
		if err := json.Unmarshal(splitsRaw, &sale.PaymentSplits); err != nil {
			return nil, err
		}
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func scanRegisterDay(row rowScanner) (*domain.RegisterDay, error) {
	var day domain.RegisterDay
	var closingCash sql.NullInt64
	var closedBy sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(
		&day.ID,
		&day.StoreID,
		&day.Date,
		&day.OpeningFloatCents,
		&day.OpenedBy,
		&day.OpenedAt,
		&closingCash,
		&closedBy,
		&closedAt,
		&day.SerialNumber,
		&day.SalesCount,
		&day.TotalSalesCents,
		&day.TotalCashCents,
		&day.TotalCardCents,
		&day.TotalMobileCents,
		&day.TotalCreditCents,
		&day.DiscrepancyCents,
	)
	if err != nil {
		return nil, err
	}
	if closingCash.Valid {
		cash := closingCash.Int64
		day.ClosingCashCents = &cash
	}
	if closedBy.Valid {
		day.ClosedBy = closedBy.String
	}
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		day.ClosedAt = &at
	}
	day.OpenedAt = day.OpenedAt.UTC()
	return &day, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullFloat(val *float64) any {
	if val == nil {
		return nil
	}
	return *val
}
