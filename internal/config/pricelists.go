package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/killdeer/ffcsa-ops/internal/pricing"
)

// ParsePriceLists decodes a `name -> {id, markup}` mapping given as JSON or YAML.
// A markup may be a number or one of the placeholder names in markups. Lists keep
// their declaration order.
func ParsePriceLists(raw string, markups map[string]float64) ([]pricing.PriceList, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode price lists: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("price lists must be a mapping of name to {id, markup}")
	}

	lists := make([]pricing.PriceList, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		var entry struct {
			ID     int64     `yaml:"id"`
			Markup yaml.Node `yaml:"markup"`
		}
		if err := root.Content[i+1].Decode(&entry); err != nil {
			return nil, fmt.Errorf("price list %q: %w", name, err)
		}
		if entry.ID <= 0 {
			return nil, fmt.Errorf("price list %q: id must be positive", name)
		}
		markup, err := resolveMarkup(entry.Markup.Value, markups)
		if err != nil {
			return nil, fmt.Errorf("price list %q: %w", name, err)
		}
		lists = append(lists, pricing.PriceList{Name: name, ID: entry.ID, Markup: markup})
	}
	return lists, nil
}

func resolveMarkup(value string, markups map[string]float64) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if v, ok := markups[strings.ToUpper(value)]; ok {
		return decimal.NewFromFloat(v), nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || !finite(f) {
		return decimal.Zero, &pricing.ValidationError{Err: pricing.ErrConfiguration, Field: "markup", Value: value}
	}
	if f <= -1 {
		return decimal.Zero, &pricing.ValidationError{Err: pricing.ErrInvalidMarkup, Field: "markup", Value: value}
	}
	return decimal.NewFromFloat(f), nil
}
