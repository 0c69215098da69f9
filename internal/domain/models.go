package domain

import "time"

type Product struct {
	Barcode        string  `json:"barcode"`
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	PriceCents     int64   `json:"price_cents"`
	VATRatePercent float64 `json:"vat_rate_percent"`
	Active         bool    `json:"active"`
}

type ProductCreateRequest struct {
	StoreID        string  `json:"store_id"`
	Barcode        string  `json:"barcode"`
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	PriceCents     int64   `json:"price_cents"`
	VATRatePercent float64 `json:"vat_rate_percent"`
	InitialStock   int     `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name           *string  `json:"name,omitempty"`
	Category       *string  `json:"category,omitempty"`
	PriceCents     *int64   `json:"price_cents,omitempty"`
	VATRatePercent *float64 `json:"vat_rate_percent,omitempty"`
	Active         *bool    `json:"active,omitempty"`
}

type ProductPriceHistory struct {
	ID            string    `json:"id"`
	Barcode       string    `json:"barcode"`
	OldPriceCents int64     `json:"old_price_cents"`
	NewPriceCents int64     `json:"new_price_cents"`
	ChangedBy     string    `json:"changed_by"`
	ChangedAt     time.Time `json:"changed_at"`
}

type CartItem struct {
	Barcode string `json:"barcode"`
	Qty     int    `json:"qty"`
}

type PaymentSplit struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// SaleLine carries a denormalized snapshot of the product at sale time so
// later catalog edits never alter historical sales or reports.
type SaleLine struct {
	Barcode        string   `json:"barcode"`
	Name           string   `json:"name"`
	Qty            int      `json:"qty"`
	UnitPriceCents int64    `json:"unit_price_cents"`
	VATRatePercent *float64 `json:"vat_rate_percent"`
}

type Sale struct {
	ID                string         `json:"id"`
	Number            int64          `json:"number"`
	StoreID           string         `json:"store_id"`
	TerminalID        string         `json:"terminal_id"`
	RegisterDayID     string         `json:"register_day_id"`
	IdempotencyKey    string         `json:"idempotency_key"`
	CustomerID        string         `json:"customer_id,omitempty"`
	PaymentMethod     string         `json:"payment_method"`
	PaymentReference  string         `json:"payment_reference,omitempty"`
	PaymentSplits     []PaymentSplit `json:"payment_splits,omitempty"`
	SubtotalHTCents   int64          `json:"subtotal_ht_cents"`
	VATCents          int64          `json:"vat_cents"`
	TotalCents        int64          `json:"total_cents"`
	CashReceivedCents int64          `json:"cash_received_cents"`
	ChangeCents       int64          `json:"change_cents"`
	Cancelled         bool           `json:"cancelled"`
	CancelReason      string         `json:"cancel_reason,omitempty"`
	CancelledAt       *time.Time     `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	Items             []SaleLine     `json:"items"`
}

type CheckoutRequest struct {
	StoreID           string         `json:"store_id"`
	TerminalID        string         `json:"terminal_id"`
	IdempotencyKey    string         `json:"idempotency_key"`
	CustomerID        string         `json:"customer_id,omitempty"`
	PaymentMethod     string         `json:"payment_method"`
	PaymentReference  string         `json:"payment_reference,omitempty"`
	PaymentSplits     []PaymentSplit `json:"payment_splits,omitempty"`
	CashReceivedCents int64          `json:"cash_received_cents"`
	CartItems         []CartItem     `json:"cart_items"`
}

type CheckoutResponse struct {
	SaleID            string         `json:"sale_id"`
	Number            int64          `json:"number"`
	PaymentMethod     string         `json:"payment_method"`
	PaymentSplits     []PaymentSplit `json:"payment_splits,omitempty"`
	SubtotalHTCents   int64          `json:"subtotal_ht_cents"`
	VATCents          int64          `json:"vat_cents"`
	TotalCents        int64          `json:"total_cents"`
	CashReceivedCents int64          `json:"cash_received_cents"`
	ChangeCents       int64          `json:"change_cents"`
	ItemCount         int            `json:"item_count"`
	Duplicate         bool           `json:"duplicate"`
	CreatedAt         string         `json:"created_at"`
}

type CancelSaleRequest struct {
	SaleID     string `json:"sale_id"`
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type CancelSaleResponse struct {
	SaleID      string `json:"sale_id"`
	CancelledAt string `json:"cancelled_at"`
}

// RegisterDay is the one-row-per-date cash register record. A nil ClosedAt
// means the day is still open; SerialNumber is only assigned at closing and
// is immutable once set.
type RegisterDay struct {
	ID                string     `json:"id"`
	StoreID           string     `json:"store_id"`
	Date              string     `json:"date"`
	OpeningFloatCents int64      `json:"opening_float_cents"`
	OpenedBy          string     `json:"opened_by"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosingCashCents  *int64     `json:"closing_cash_cents,omitempty"`
	ClosedBy          string     `json:"closed_by,omitempty"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	SerialNumber      int64      `json:"serial_number,omitempty"`
	SalesCount        int64      `json:"sales_count"`
	TotalSalesCents   int64      `json:"total_sales_cents"`
	TotalCashCents    int64      `json:"total_cash_cents"`
	TotalCardCents    int64      `json:"total_card_cents"`
	TotalMobileCents  int64      `json:"total_mobile_cents"`
	TotalCreditCents  int64      `json:"total_credit_cents"`
	DiscrepancyCents  int64      `json:"discrepancy_cents"`
}

// RegisterDayClose carries the values persisted in the single atomic update
// that transitions an open day to closed.
type RegisterDayClose struct {
	ClosingCashCents int64
	ClosedBy         string
	ClosedAt         time.Time
	SerialNumber     int64
	SalesCount       int64
	TotalSalesCents  int64
	TotalCashCents   int64
	TotalCardCents   int64
	TotalMobileCents int64
	TotalCreditCents int64
	DiscrepancyCents int64
}

// RegisterDayReopen archives the closed totals that a reopen wipes, keyed by
// the fiscal serial that was assigned at the original close.
type RegisterDayReopen struct {
	ID               string    `json:"id"`
	RegisterDayID    string    `json:"register_day_id"`
	SerialNumber     int64     `json:"serial_number"`
	ClosingCashCents int64     `json:"closing_cash_cents"`
	SalesCount       int64     `json:"sales_count"`
	TotalSalesCents  int64     `json:"total_sales_cents"`
	DiscrepancyCents int64     `json:"discrepancy_cents"`
	ReopenedBy       string    `json:"reopened_by"`
	ReopenedAt       time.Time `json:"reopened_at"`
}

type OpenDayRequest struct {
	StoreID           string `json:"store_id"`
	Date              string `json:"date,omitempty"`
	OpeningFloatCents int64  `json:"opening_float_cents"`
}

type OpenDayResponse struct {
	Day      RegisterDay `json:"day"`
	Reopened bool        `json:"reopened"`
}

type CloseDayRequest struct {
	StoreID          string `json:"store_id"`
	Date             string `json:"date,omitempty"`
	CountedCashCents *int64 `json:"counted_cash_cents"`
}

type VATBucketView struct {
	RatePercent   float64 `json:"rate_percent"`
	TotalHTCents  int64   `json:"total_ht_cents"`
	TotalVATCents int64   `json:"total_vat_cents"`
}

type PaymentTotalView struct {
	Method     string `json:"method"`
	Sales      int64  `json:"sales"`
	TotalCents int64  `json:"total_cents"`
}

type FlaggedItemView struct {
	SaleID    string `json:"sale_id"`
	LineIndex int    `json:"line_index"`
	Barcode   string `json:"barcode"`
	Reason    string `json:"reason"`
}

// XReport is the non-destructive consultation report: recomputed on demand
// from the day's sales, never persisted.
type XReport struct {
	StoreID           string             `json:"store_id"`
	Date              string             `json:"date"`
	OpeningFloatCents int64              `json:"opening_float_cents"`
	SalesCount        int64              `json:"sales_count"`
	TotalSalesCents   int64              `json:"total_sales_cents"`
	TotalHTCents      int64              `json:"total_ht_cents"`
	TotalVATCents     int64              `json:"total_vat_cents"`
	VATBuckets        []VATBucketView    `json:"vat_buckets"`
	Payments          []PaymentTotalView `json:"payments"`
	FlaggedItems      []FlaggedItemView  `json:"flagged_items,omitempty"`
	ExpectedCashCents int64              `json:"expected_cash_cents"`
	GeneratedAt       string             `json:"generated_at"`
}

// ZReport extends the X-report with the counted cash, the discrepancy and the
// fiscal serial assigned by the close.
type ZReport struct {
	XReport
	CountedCashCents int64  `json:"counted_cash_cents"`
	DiscrepancyCents int64  `json:"discrepancy_cents"`
	SerialNumber     int64  `json:"serial_number"`
	ClosedBy         string `json:"closed_by"`
	ClosedAt         string `json:"closed_at"`
}

type Customer struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	VATNumber   string    `json:"vat_number,omitempty"`
	CreditCents int64     `json:"credit_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	VATNumber string `json:"vat_number,omitempty"`
}

type CreditDepositRequest struct {
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
}

type Invoice struct {
	ID           string    `json:"id"`
	Number       int64     `json:"number"`
	SaleID       string    `json:"sale_id"`
	CustomerID   string    `json:"customer_id"`
	TotalHTCents int64     `json:"total_ht_cents"`
	VATCents     int64     `json:"vat_cents"`
	TotalCents   int64     `json:"total_cents"`
	CreatedAt    time.Time `json:"created_at"`
}

type InvoiceCreateRequest struct {
	SaleID     string `json:"sale_id"`
	CustomerID string `json:"customer_id"`
}

type CreditNote struct {
	ID          string    `json:"id"`
	Number      int64     `json:"number"`
	SaleID      string    `json:"sale_id"`
	CustomerID  string    `json:"customer_id,omitempty"`
	Reason      string    `json:"reason"`
	AmountCents int64     `json:"amount_cents"`
	Payout      string    `json:"payout"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type CreditNoteCreateRequest struct {
	SaleID      string `json:"sale_id"`
	CustomerID  string `json:"customer_id,omitempty"`
	Reason      string `json:"reason"`
	AmountCents int64  `json:"amount_cents"`
	Payout      string `json:"payout"`
}

type StockChange struct {
	Barcode string `json:"barcode"`
	Qty     int    `json:"qty"`
}

type StockMovement struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_id"`
	Barcode   string    `json:"barcode"`
	Type      string    `json:"type"`
	Qty       int       `json:"qty"`
	RefID     string    `json:"ref_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type StockAdjustmentItem struct {
	Barcode    string `json:"barcode"`
	CountedQty int    `json:"counted_qty"`
}

type StockAdjustmentRequest struct {
	StoreID string                `json:"store_id"`
	Notes   string                `json:"notes"`
	Items   []StockAdjustmentItem `json:"items"`
}

type StockAdjustmentDelta struct {
	Barcode    string `json:"barcode"`
	SystemQty  int    `json:"system_qty"`
	CountedQty int    `json:"counted_qty"`
	DeltaQty   int    `json:"delta_qty"`
}

type StockAdjustmentResponse struct {
	AdjustmentID string                 `json:"adjustment_id"`
	StoreID      string                 `json:"store_id"`
	Notes        string                 `json:"notes"`
	Deltas       []StockAdjustmentDelta `json:"deltas"`
	CreatedAt    string                 `json:"created_at"`
}

type ReceiptRequest struct {
	SaleID string `json:"sale_id"`
}

type ReceiptResponse struct {
	SaleID       string `json:"sale_id"`
	EscposBase64 string `json:"escpos_base64"`
	PreviewText  string `json:"preview_text"`
	FileName     string `json:"file_name"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	PaymentCash   = "cash"
	PaymentCard   = "card"
	PaymentMobile = "mobile"
	PaymentCredit = "credit"
	PaymentSplitM = "split"
)

const (
	PayoutCash   = "cash"
	PayoutCredit = "credit"
)

const (
	MovementSale       = "sale"
	MovementCancel     = "cancel"
	MovementAdjustment = "adjustment"
	MovementDelivery   = "delivery"
)
