package coverage

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ROW - Raw cells scraped from one report row
// =============================================================================

// Row is what the extraction adapter hands the core: cell text, not
// yet interpreted.
type Row struct {
	RowID             string `json:"rowId,omitempty"`
	OrderID           string `json:"orderId,omitempty"`
	SaleDate          string `json:"saleDate"`
	SaleType          string `json:"saleType"`
	MaintenancePeriod string `json:"maintenancePeriod"`
	NetAmount         string `json:"netAmount"`
}

var periodPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\s+(?i:to)\s+(\d{4}-\d{2}-\d{2})$`)

// ParsePeriod parses a vendor "START to END" maintenance period.
func ParsePeriod(raw string) (Period, error) {
	trimmed := strings.TrimSpace(raw)
	m := periodPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return Period{}, &ParseError{Field: "maintenance period", Value: raw, Err: ErrUnparseablePeriod}
	}
	start, err := ParseDate(m[1])
	if err != nil {
		return Period{}, &ParseError{Field: "maintenance period", Value: raw, Err: err}
	}
	end, err := ParseDate(m[2])
	if err != nil {
		return Period{}, &ParseError{Field: "maintenance period", Value: raw, Err: err}
	}
	if end.Before(start) {
		return Period{}, &ParseError{Field: "maintenance period", Value: raw, Err: ErrInvalidPeriod}
	}
	return Period{Start: start, End: end, Raw: trimmed}, nil
}

// ParseAmount parses a net amount cell such as "$1,234.50" or
// "-$12.00". An empty cell is zero.
func ParseAmount(s string) (decimal.Decimal, error) {
	clean := strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(s))
	if clean == "" {
		return decimal.Zero, nil
	}
	negative := false
	if strings.HasPrefix(clean, "(") && strings.HasSuffix(clean, ")") {
		negative = true
		clean = clean[1 : len(clean)-1]
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, &ParseError{Field: "net amount", Value: s, Err: ErrInvalidAmount}
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// FormatAmount renders an amount the way the report does: "-$1,234.56".
func FormatAmount(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	fixed := d.Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + "$" + b.String() + "." + frac
}

// =============================================================================
// ROW PARSING
// =============================================================================

// ParseRow turns one scraped row into a Transaction. A bad sale date
// or period is an error; a bad amount degrades to zero since amounts
// never feed the coverage math.
func ParseRow(r Row) (Transaction, error) {
	saleDate, err := ParseDate(r.SaleDate)
	if err != nil {
		return Transaction{}, &ParseError{OrderID: r.OrderID, Field: "sale date", Value: r.SaleDate, Err: err}
	}
	period, err := ParsePeriod(r.MaintenancePeriod)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.OrderID = r.OrderID
		}
		return Transaction{}, err
	}
	amount, err := ParseAmount(r.NetAmount)
	if err != nil {
		amount = decimal.Zero
	}
	return Transaction{
		OrderID:  strings.TrimSpace(r.OrderID),
		SaleDate: saleDate,
		SaleType: ParseSaleType(r.SaleType),
		Period:   period,
		Amount:   amount,
	}, nil
}

// ParseRows parses every row, returning the usable transactions and
// the errors for the rows that were excluded.
func ParseRows(rows []Row) ([]Transaction, []error) {
	txs := make([]Transaction, 0, len(rows))
	var excluded []error
	for _, r := range rows {
		tx, err := ParseRow(r)
		if err != nil {
			excluded = append(excluded, err)
			continue
		}
		txs = append(txs, tx)
	}
	return txs, excluded
}
