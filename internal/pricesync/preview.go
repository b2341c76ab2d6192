package pricesync

import (
	"context"

	"github.com/killdeer/ffcsa-ops/internal/pricing"
	"github.com/killdeer/ffcsa-ops/internal/repo"
)

// PreviewEntry is the entry a price list would receive.
type PreviewEntry struct {
	PriceList   string        `json:"priceList"`
	PriceListID int64         `json:"priceListId"`
	Entry       pricing.Entry `json:"entry"`
	Error       string        `json:"error,omitempty"`
}

// Preview is the pricing of one product as the sync would write it.
type Preview struct {
	Product repo.Product    `json:"product"`
	Derived pricing.Derived `json:"derived"`
	Entries []PreviewEntry  `json:"entries"`
}

// Preview derives prices and price list entries for productID without any
// catalog calls.
func (s *Syncer) Preview(ctx context.Context, productID int64) (Preview, error) {
	p, err := s.store.Get(ctx, productID)
	if err != nil {
		return Preview{}, err
	}
	derived, err := s.engine.Derive(p.PricingInput())
	if err != nil {
		return Preview{}, err
	}
	out := Preview{Product: p, Derived: derived}
	for _, list := range pricing.ListsFor(derived.Schedule, s.standard, s.dairy) {
		pe := PreviewEntry{PriceList: list.Name, PriceListID: list.ID}
		entry, err := pricing.GenerateEntry(derived.PurchasePrice, list.Markup, p.PricingInput().Sale())
		if err != nil {
			pe.Error = pricing.ForProduct(err, p.ID).Error()
		} else {
			pe.Entry = entry
		}
		out.Entries = append(out.Entries, pe)
	}
	return out, nil
}
