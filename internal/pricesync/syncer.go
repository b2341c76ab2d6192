package pricesync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/killdeer/ffcsa-ops/internal/localline"
	"github.com/killdeer/ffcsa-ops/internal/obs"
	"github.com/killdeer/ffcsa-ops/internal/pricing"
	"github.com/killdeer/ffcsa-ops/internal/repo"
)

// ProductStore reads products from the master pricelist.
type ProductStore interface {
	Get(ctx context.Context, id int64) (repo.Product, error)
	ListIDs(ctx context.Context, onlyLinked bool) ([]int64, error)
}

// Catalog is the subset of the LocalLine client used by the sync.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (localline.Product, error)
	UpdateProductPricing(ctx context.Context, id int64, update localline.ProductUpdate) error
	AddToPriceList(ctx context.Context, priceListID, productID int64) error
}

// Status is the outcome of one price list write.
type Status string

const (
	StatusUpdated Status = "updated"
	StatusDryRun  Status = "dry_run"
	StatusSkipped Status = "skipped"
	StatusLinked  Status = "linked"
	StatusFailed  Status = "failed"
)

// ListOutcome reports what happened on one price list.
type ListOutcome struct {
	PriceList   string           `json:"priceList"`
	PriceListID int64            `json:"priceListId"`
	Status      Status           `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	BasePrice   decimal.Decimal  `json:"basePrice"`
	FinalPrice  decimal.Decimal  `json:"finalPrice"`
	Strike      *decimal.Decimal `json:"strikethrough,omitempty"`
}

// ProductReport is the result of syncing one product.
type ProductReport struct {
	ProductID   int64            `json:"productId"`
	LocalLineID int64            `json:"localLineProductId,omitempty"`
	Name        string           `json:"productName"`
	Schedule    pricing.Schedule `json:"schedule,omitempty"`
	Skipped     string           `json:"skipped,omitempty"`
	Error       string           `json:"error,omitempty"`
	Lists       []ListOutcome    `json:"lists,omitempty"`

	cause error
}

// Err returns the error that stopped the product, if any.
func (r ProductReport) Err() error { return r.cause }

func (r *ProductReport) fail(err error) {
	r.cause = err
	r.Error = err.Error()
}

// Result collapses the report into ok, partial, skipped or failed.
func (r ProductReport) Result() string {
	switch {
	case r.Error != "":
		return "failed"
	case r.Skipped != "":
		return "skipped"
	}
	failed := 0
	for _, l := range r.Lists {
		if l.Status == StatusFailed {
			failed++
		}
	}
	switch {
	case failed == 0:
		return "ok"
	case failed == len(r.Lists):
		return "failed"
	default:
		return "partial"
	}
}

// Options tune a Syncer.
type Options struct {
	// DryRun logs the writes that would happen without calling the catalog.
	DryRun bool
	// LinkMissing adds the product to price lists it is not registered on.
	LinkMissing bool
	Concurrency int
}

// Config wires a Syncer.
type Config struct {
	Store   ProductStore
	Catalog Catalog
	Engine  *pricing.Engine
	// PriceLists and DairyPriceLists are the lists of each schedule.
	PriceLists      []pricing.PriceList
	DairyPriceLists []pricing.PriceList
	Locker          Locker
	Metrics         *obs.SyncMetrics
	Logger          zerolog.Logger
	Options         Options
}

// Syncer pushes derived prices to LocalLine price lists.
type Syncer struct {
	store    ProductStore
	catalog  Catalog
	engine   *pricing.Engine
	standard []pricing.PriceList
	dairy    []pricing.PriceList
	locker   Locker
	metrics  *obs.SyncMetrics
	logger   zerolog.Logger
	opts     Options
}

// New validates cfg and returns a Syncer.
func New(cfg Config) (*Syncer, error) {
	if cfg.Store == nil {
		return nil, errors.New("pricesync: store is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("pricesync: pricing engine is required")
	}
	if cfg.Options.Concurrency <= 0 {
		cfg.Options.Concurrency = 1
	}
	return &Syncer{
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		engine:   cfg.Engine,
		standard: cfg.PriceLists,
		dairy:    cfg.DairyPriceLists,
		locker:   cfg.Locker,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		opts:     cfg.Options,
	}, nil
}

// WithOptions returns a copy of s using opts.
func (s *Syncer) WithOptions(opts Options) *Syncer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = s.opts.Concurrency
	}
	clone := *s
	clone.opts = opts
	return &clone
}

// Options returns the options in effect.
func (s *Syncer) Options() Options { return s.opts }

// SyncProduct writes the prices of one product to every price list of its
// schedule. Failures on one list never stop the others.
func (s *Syncer) SyncProduct(ctx context.Context, productID int64) ProductReport {
	report := s.syncProduct(ctx, productID)
	if s.metrics != nil {
		s.metrics.ProductsTotal.WithLabelValues(report.Result()).Inc()
	}
	return report
}

func (s *Syncer) syncProduct(ctx context.Context, productID int64) ProductReport {
	report := ProductReport{ProductID: productID}
	logger := s.logger.With().Int64("product_id", productID).Str("run_id", obs.RunIDFromContext(ctx)).Logger()

	p, err := s.store.Get(ctx, productID)
	if err != nil {
		report.fail(err)
		logger.Error().Err(err).Msg("load product")
		return report
	}
	report.Name = p.ProductName
	if p.LocalLineProductID == nil {
		report.Skipped = "no LocalLine product id"
		logger.Warn().Str("product", p.ProductName).Msg("skipping product without LocalLine id")
		return report
	}
	llID := *p.LocalLineProductID
	report.LocalLineID = llID
	logger = logger.With().Int64("localline_product_id", llID).Logger()

	if !p.AvailableOnLL {
		report.Skipped = "not available on LocalLine"
		logger.Info().Str("product", p.ProductName).Msg("product not available on LocalLine, skipping")
		return report
	}

	derived, err := s.engine.Derive(p.PricingInput())
	if err != nil {
		report.fail(err)
		logger.Error().Err(err).Msg("derive pricing")
		return report
	}
	report.Schedule = derived.Schedule
	if s.catalog == nil {
		report.fail(errors.New("catalog client not configured"))
		return report
	}

	remote, err := s.catalog.GetProduct(ctx, llID)
	if err != nil {
		report.fail(err)
		logger.Error().Err(err).Msg("fetch LocalLine product")
		return report
	}
	pkg, err := remote.FirstPackage()
	if err != nil {
		report.Skipped = "no packages on LocalLine"
		logger.Warn().Str("product", p.ProductName).Msg("LocalLine product has no packages, skipping")
		return report
	}

	lists := pricing.ListsFor(derived.Schedule, s.standard, s.dairy)
	for _, list := range lists {
		outcome := s.syncList(ctx, logger, p, derived, &remote, pkg, list)
		if s.metrics != nil {
			s.metrics.PriceListUpdatesTotal.WithLabelValues(string(derived.Schedule), string(outcome.Status)).Inc()
		}
		report.Lists = append(report.Lists, outcome)
	}
	return report
}

func (s *Syncer) syncList(ctx context.Context, logger zerolog.Logger, p repo.Product, derived pricing.Derived, remote *localline.Product, pkg localline.Package, list pricing.PriceList) ListOutcome {
	outcome := ListOutcome{PriceList: list.Name, PriceListID: list.ID}
	logger = logger.With().Int64("price_list_id", list.ID).Str("price_list", list.Name).Logger()

	entry, err := pricing.GenerateEntry(derived.PurchasePrice, list.Markup, p.PricingInput().Sale())
	if err != nil {
		err = pricing.ForProduct(err, p.ID)
		outcome.Status, outcome.Reason = StatusFailed, err.Error()
		logger.Error().Err(err).Msg("generate price list entry")
		return outcome
	}
	outcome.BasePrice = pricing.RoundMoney(entry.BasePriceUsed)
	outcome.FinalPrice = entry.FinalPrice()
	outcome.Strike = entry.Strikethrough

	linked := false
	link, ok := remote.EntryFor(list.ID)
	if !ok {
		if !s.opts.LinkMissing {
			outcome.Status, outcome.Reason = StatusSkipped, "product is not on this price list"
			logger.Warn().Msg("product is not on price list")
			return outcome
		}
		if s.opts.DryRun {
			outcome.Status, outcome.Reason = StatusDryRun, "would add product to price list"
			logger.Info().Msg("would add product to price list")
			return outcome
		}
		if err := s.catalog.AddToPriceList(ctx, list.ID, remote.ID); err != nil {
			outcome.Status, outcome.Reason = StatusFailed, err.Error()
			logger.Error().Err(err).Msg("add product to price list")
			return outcome
		}
		refreshed, err := s.catalog.GetProduct(ctx, remote.ID)
		if err != nil {
			outcome.Status, outcome.Reason = StatusFailed, err.Error()
			logger.Error().Err(err).Msg("refetch LocalLine product")
			return outcome
		}
		*remote = refreshed
		if link, ok = remote.EntryFor(list.ID); !ok {
			outcome.Status, outcome.Reason = StatusFailed, "price list entry missing after linking"
			logger.Error().Msg(outcome.Reason)
			return outcome
		}
		linked = true
	}

	msg := describe(entry)
	if s.opts.DryRun {
		outcome.Status = StatusDryRun
		logger.Info().Msg("would update: " + msg)
		return outcome
	}

	update := localline.ProductUpdate{
		Name:        p.ProductName,
		Description: p.Description,
		PackingTag:  localline.PackingTagFor(p.PackingTagCode),
		Package:     pkg,
		PackageName: p.PackageName,
		PackageCode: p.UPC,
		BasePrice:   entry.BasePriceUsed,
		Entry:       localline.NewEntryPayload(entry, link, p.Sale),
	}
	if err := s.catalog.UpdateProductPricing(ctx, remote.ID, update); err != nil {
		outcome.Status, outcome.Reason = StatusFailed, err.Error()
		logger.Error().Err(err).Msg("update price list entry")
		return outcome
	}
	outcome.Status = StatusUpdated
	if linked {
		outcome.Status = StatusLinked
	}
	logger.Info().Msg(msg)
	return outcome
}

// describe renders "<base> base price <final> final price (Sale!) (was <strike>)".
func describe(e pricing.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s base price %s final price",
		pricing.RoundMoney(e.BasePriceUsed).StringFixed(2), e.FinalPrice().StringFixed(2))
	if e.OnSale {
		b.WriteString(" (Sale!)")
		if e.Strikethrough != nil {
			fmt.Fprintf(&b, " (was %s)", e.Strikethrough.StringFixed(2))
		}
	}
	return b.String()
}
