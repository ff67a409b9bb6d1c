package ledger

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// AmountFormatter renders money for descriptions and operator-facing messages.
type AmountFormatter struct {
	currency string
	printer  *message.Printer
}

// NewAmountFormatter builds a formatter prefixing amounts with the currency code.
func NewAmountFormatter(currency string) AmountFormatter {
	return AmountFormatter{
		currency: strings.ToUpper(strings.TrimSpace(currency)),
		printer:  message.NewPrinter(language.English),
	}
}

// Format renders the amount with grouping and two decimals.
func (f AmountFormatter) Format(amount decimal.Decimal) string {
	if f.printer == nil {
		f.printer = message.NewPrinter(language.English)
	}
	value, _ := amount.Round(2).Float64()
	out := f.printer.Sprintf("%.2f", value)
	if f.currency == "" {
		return out
	}
	return f.currency + " " + out
}
