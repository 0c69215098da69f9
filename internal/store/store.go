package store

import (
	"context"
	"errors"
	"time"

	"kassanova/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrValidation         = errors.New("invalid input")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrDayNotOpen         = errors.New("register day not open")
	ErrDayAlreadyOpen     = errors.New("register day already open")
)

type Repository interface {
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductsByBarcodes(ctx context.Context, barcodes []string) (map[string]domain.Product, error)
	CreatePriceHistory(ctx context.Context, entry domain.ProductPriceHistory) error
	ListPriceHistory(ctx context.Context, barcode string, limit int) ([]domain.ProductPriceHistory, error)

	GetStockMap(ctx context.Context, storeID string, barcodes []string) (map[string]int, error)
	SetStock(ctx context.Context, storeID string, barcode string, qty int) error
	AdjustStock(ctx context.Context, storeID string, changes []domain.StockChange) error
	CreateStockMovement(ctx context.Context, movement domain.StockMovement) error
	ListStockMovements(ctx context.Context, storeID string, barcode string, limit int) ([]domain.StockMovement, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	CancelSale(ctx context.Context, id string, reason string, at time.Time) (*domain.Sale, error)
	ListSalesForDay(ctx context.Context, registerDayID string) ([]domain.Sale, error)
	NextSaleNumber(ctx context.Context, storeID string) (int64, error)

	CreateRegisterDay(ctx context.Context, day domain.RegisterDay) (*domain.RegisterDay, error)
	GetRegisterDay(ctx context.Context, storeID string, date string) (*domain.RegisterDay, error)
	GetOpenRegisterDay(ctx context.Context, storeID string) (*domain.RegisterDay, error)
	CloseRegisterDay(ctx context.Context, id string, close domain.RegisterDayClose) (*domain.RegisterDay, error)
	ReopenRegisterDay(ctx context.Context, id string, archive domain.RegisterDayReopen) (*domain.RegisterDay, error)
	ListRegisterDays(ctx context.Context, storeID string, limit int) ([]domain.RegisterDay, error)
	NextFiscalSerial(ctx context.Context, storeID string) (int64, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)
	AdjustCustomerCredit(ctx context.Context, id string, deltaCents int64) (*domain.Customer, error)

	CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error)
	GetInvoiceBySaleID(ctx context.Context, saleID string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, customerID string, limit int) ([]domain.Invoice, error)
	NextInvoiceNumber(ctx context.Context) (int64, error)

	CreateCreditNote(ctx context.Context, note domain.CreditNote) (*domain.CreditNote, error)
	ListCreditNotes(ctx context.Context, saleID string, limit int) ([]domain.CreditNote, error)
	GetCreditedTotalBySale(ctx context.Context, saleID string) (int64, error)
	NextCreditNoteNumber(ctx context.Context) (int64, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
