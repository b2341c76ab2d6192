package pricing

import "github.com/shopspring/decimal"

// PriceList is a catalog price list and the markup applied to products on it.
type PriceList struct {
	Name   string          `json:"name"`
	ID     int64           `json:"id"`
	Markup decimal.Decimal `json:"markup"`
}

// ListsFor returns the price lists that apply to schedule s.
func ListsFor(s Schedule, standard, dairy []PriceList) []PriceList {
	if s == ScheduleDairy {
		return dairy
	}
	return standard
}
