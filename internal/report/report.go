package report

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"kassanova/backend/internal/domain"
)

// Data is the aggregate produced by a single pass over one day's sales:
// VAT buckets per normalized rate, totals per payment method, and the line
// items that had to be excluded from the financial totals.
type Data struct {
	SalesCount      int64
	TotalSalesCents int64
	TotalHTCents    int64
	TotalVATCents   int64
	VATBuckets      []domain.VATBucketView
	Payments        []domain.PaymentTotalView
	FlaggedItems    []domain.FlaggedItemView
}

// NormalizeRate rounds a VAT rate to two decimals so that rates differing
// only by float noise collapse into a single bucket. 0 is a valid rate.
func NormalizeRate(rate float64) float64 {
	return math.Round(rate*100) / 100
}

// rateKey maps a normalized rate to basis points for use as a map key,
// avoiding float keys entirely.
func rateKey(rate float64) int64 {
	return int64(math.Round(rate * 100))
}

func centsOf(d decimal.Decimal) int64 {
	return d.Round(2).Mul(decimal.NewFromInt(100)).IntPart()
}

func onePlusFraction(ratePercent float64) decimal.Decimal {
	return decimal.NewFromInt(1).Add(decimal.NewFromFloat(ratePercent).Div(decimal.NewFromInt(100)))
}

// LineAmounts derives the tax-exclusive amount and the VAT amount, in cents,
// for one sale line with a tax-inclusive unit price. The VAT amount is the
// exact complement of the HT amount so that HT + VAT reconstructs the
// tax-inclusive line total.
func LineAmounts(unitPriceCents int64, qty int, ratePercent float64) (int64, int64) {
	rate := NormalizeRate(ratePercent)
	ttc := decimal.New(unitPriceCents, -2).Mul(decimal.NewFromInt(int64(qty)))
	ht := ttc.Div(onePlusFraction(rate))
	vat := ttc.Sub(ht)
	return centsOf(ht), centsOf(vat)
}

type vatAccumulator struct {
	rate float64
	ht   decimal.Decimal
	vat  decimal.Decimal
}

type paymentAccumulator struct {
	sales      int64
	totalCents int64
}

// Compute aggregates the given sales into VAT buckets and payment totals.
// Cancelled sales contribute nothing. A line with a missing or negative VAT
// rate is excluded from every financial total and surfaced in FlaggedItems
// instead of being silently coerced to a default rate. The pass is
// deterministic and carries no ordering dependency; buckets are emitted in
// descending rate order and payment totals in method order.
func Compute(sales []domain.Sale) Data {
	buckets := make(map[int64]*vatAccumulator, 4)
	payments := make(map[string]*paymentAccumulator, 4)
	data := Data{}

	for _, sale := range sales {
		if sale.Cancelled {
			continue
		}
		data.SalesCount++
		data.TotalSalesCents += sale.TotalCents

		for i, line := range sale.Items {
			if line.VATRatePercent == nil {
				data.FlaggedItems = append(data.FlaggedItems, domain.FlaggedItemView{
					SaleID:    sale.ID,
					LineIndex: i,
					Barcode:   line.Barcode,
					Reason:    "vat rate missing",
				})
				continue
			}
			rate := NormalizeRate(*line.VATRatePercent)
			if rate < 0 {
				data.FlaggedItems = append(data.FlaggedItems, domain.FlaggedItemView{
					SaleID:    sale.ID,
					LineIndex: i,
					Barcode:   line.Barcode,
					Reason:    fmt.Sprintf("vat rate %.2f out of range", rate),
				})
				continue
			}

			key := rateKey(rate)
			acc, ok := buckets[key]
			if !ok {
				acc = &vatAccumulator{rate: rate}
				buckets[key] = acc
			}
			ttc := decimal.New(line.UnitPriceCents, -2).Mul(decimal.NewFromInt(int64(line.Qty)))
			ht := ttc.Div(onePlusFraction(rate))
			acc.ht = acc.ht.Add(ht)
			acc.vat = acc.vat.Add(ttc.Sub(ht))
		}

		if sale.PaymentMethod == domain.PaymentSplitM && len(sale.PaymentSplits) > 0 {
			for _, split := range sale.PaymentSplits {
				acc := payments[split.Method]
				if acc == nil {
					acc = &paymentAccumulator{}
					payments[split.Method] = acc
				}
				acc.sales++
				acc.totalCents += split.AmountCents
			}
		} else {
			acc := payments[sale.PaymentMethod]
			if acc == nil {
				acc = &paymentAccumulator{}
				payments[sale.PaymentMethod] = acc
			}
			acc.sales++
			acc.totalCents += sale.TotalCents
		}
	}

	data.VATBuckets = make([]domain.VATBucketView, 0, len(buckets))
	for _, acc := range buckets {
		htCents := centsOf(acc.ht)
		vatCents := centsOf(acc.vat)
		data.TotalHTCents += htCents
		data.TotalVATCents += vatCents
		data.VATBuckets = append(data.VATBuckets, domain.VATBucketView{
			RatePercent:   acc.rate,
			TotalHTCents:  htCents,
			TotalVATCents: vatCents,
		})
	}
	sort.Slice(data.VATBuckets, func(i, j int) bool {
		return data.VATBuckets[i].RatePercent > data.VATBuckets[j].RatePercent
	})

	data.Payments = make([]domain.PaymentTotalView, 0, len(payments))
	for method, acc := range payments {
		data.Payments = append(data.Payments, domain.PaymentTotalView{
			Method:     method,
			Sales:      acc.sales,
			TotalCents: acc.totalCents,
		})
	}
	sort.Slice(data.Payments, func(i, j int) bool {
		return data.Payments[i].Method < data.Payments[j].Method
	})

	return data
}

// PaymentTotalCents returns the aggregated total for one payment method.
func (d Data) PaymentTotalCents(method string) int64 {
	for _, p := range d.Payments {
		if p.Method == method {
			return p.TotalCents
		}
	}
	return 0
}

// ExpectedCashCents is the cash the drawer should hold at closing time:
// the opening float plus every cash amount taken during the day.
func ExpectedCashCents(openingFloatCents int64, d Data) int64 {
	return openingFloatCents + d.PaymentTotalCents(domain.PaymentCash)
}

// DiscrepancyCents is the signed difference between the cash an operator
// counted and the cash the register expected. It is recorded, never
// auto-corrected, and never blocks a close.
func DiscrepancyCents(countedCents int64, expectedCents int64) int64 {
	return countedCents - expectedCents
}
