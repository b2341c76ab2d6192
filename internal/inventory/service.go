package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/killdeer/ffcsa-ops/internal/common"
	"github.com/killdeer/ffcsa-ops/internal/localline"
	"github.com/killdeer/ffcsa-ops/internal/obs"
	"github.com/killdeer/ffcsa-ops/internal/pricing"
	"github.com/killdeer/ffcsa-ops/internal/repo"
)

// Store reads and writes product inventory.
type Store interface {
	Get(ctx context.Context, id int64) (repo.Product, error)
	UpdateInventory(ctx context.Context, id int64, change repo.InventoryChange) error
}

// Catalog pushes inventory to LocalLine.
type Catalog interface {
	PatchInventory(ctx context.Context, id int64, patch localline.InventoryPatch) error
}

// Update is a requested inventory change. Nil sale fields keep the stored values.
type Update struct {
	Visible        bool
	TrackInventory bool
	StockInventory int
	Sale           *bool
	SaleDiscount   *float64
}

// Result reports which targets were written.
type Result struct {
	ID              int64  `json:"id"`
	ProductName     string `json:"productName"`
	DatabaseUpdate  bool   `json:"databaseUpdate"`
	LocalLineUpdate bool   `json:"localLineUpdate"`
	LocalLineError  string `json:"localLineError,omitempty"`
}

// Config wires a Service.
type Config struct {
	Store    Store
	Catalog  Catalog
	AuditLog *AuditLog
	Email    common.EmailSender
	AlertTo  []string
	Metrics  *obs.SyncMetrics
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Service applies inventory updates to the store and LocalLine.
type Service struct {
	cfg Config
}

// NewService validates cfg.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("inventory: store is required")
	}
	if cfg.Email == nil {
		cfg.Email = common.NopEmailSender{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{cfg: cfg}, nil
}

// Update writes u to the store, records it in the audit log and pushes it to
// LocalLine. Only a store failure is returned as an error; LocalLine problems
// are reported in the Result and by email.
func (s *Service) Update(ctx context.Context, id int64, u Update) (Result, error) {
	logger := s.cfg.Logger.With().Int64("product_id", id).Logger()
	p, err := s.cfg.Store.Get(ctx, id)
	if err != nil {
		return Result{ID: id}, err
	}
	res := Result{ID: id, ProductName: p.ProductName}

	change := repo.InventoryChange{
		Visible:        u.Visible,
		TrackInventory: u.TrackInventory,
		StockInventory: u.StockInventory,
		Sale:           p.Sale,
		SaleDiscount:   p.SaleDiscount,
	}
	if u.Sale != nil {
		change.Sale = *u.Sale
	}
	if u.SaleDiscount != nil {
		change.SaleDiscount = *u.SaleDiscount
	}
	change.SaleDiscount = pricing.ClampDiscount(change.SaleDiscount)

	if err := s.cfg.Store.UpdateInventory(ctx, id, change); err != nil {
		s.count("database", "failed")
		return res, fmt.Errorf("inventory: update product %d: %w", id, err)
	}
	res.DatabaseUpdate = true
	s.count("database", "ok")

	if s.cfg.AuditLog != nil {
		entry := AuditEntry{
			ID:             id,
			ProductName:    p.ProductName,
			PackageName:    p.PackageName,
			Visible:        change.Visible,
			TrackInventory: change.TrackInventory,
			StockInventory: change.StockInventory,
			Timestamp:      s.cfg.Now(),
		}
		if err := s.cfg.AuditLog.Append(entry); err != nil {
			logger.Warn().Err(err).Msg("append inventory audit log")
		}
	}

	switch {
	case p.LocalLineProductID == nil:
		res.LocalLineError = "product has no LocalLine id"
		s.count("localline", "skipped")
		s.alert(ctx, logger, p, res.LocalLineError)
	case s.cfg.Catalog == nil:
		res.LocalLineError = "LocalLine client not configured"
		s.count("localline", "skipped")
	default:
		patch := localline.NewInventoryPatch(change.Visible, change.TrackInventory, change.StockInventory)
		if err := s.cfg.Catalog.PatchInventory(ctx, *p.LocalLineProductID, patch); err != nil {
			res.LocalLineError = err.Error()
			s.count("localline", "failed")
			logger.Error().Err(err).Msg("patch LocalLine inventory")
			s.alert(ctx, logger, p, err.Error())
		} else {
			res.LocalLineUpdate = true
			s.count("localline", "ok")
		}
	}
	logger.Info().Bool("database", res.DatabaseUpdate).Bool("localline", res.LocalLineUpdate).Msg("inventory updated")
	return res, nil
}

func (s *Service) alert(ctx context.Context, logger zerolog.Logger, p repo.Product, reason string) {
	if len(s.cfg.AlertTo) == 0 {
		return
	}
	subject := fmt.Sprintf("LocalLine inventory update failed: %s", p.ProductName)
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s (%s)\n", p.ProductName, p.PackageName)
	fmt.Fprintf(&b, "Database id: %d\n", p.ID)
	if p.LocalLineProductID != nil {
		fmt.Fprintf(&b, "LocalLine id: %d\n", *p.LocalLineProductID)
	}
	fmt.Fprintf(&b, "Reason: %s\n", reason)
	b.WriteString("\nThe database was updated; LocalLine needs a manual fix.\n")
	if err := s.cfg.Email.Send(ctx, s.cfg.AlertTo, subject, b.String()); err != nil {
		logger.Error().Err(err).Msg("send inventory alert")
	}
}

func (s *Service) count(target, result string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.InventoryUpdatesTotal.WithLabelValues(target, result).Inc()
	}
}
