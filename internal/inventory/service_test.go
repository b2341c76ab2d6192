package inventory_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/killdeer/ffcsa-ops/internal/common"
	"github.com/killdeer/ffcsa-ops/internal/inventory"
	"github.com/killdeer/ffcsa-ops/internal/localline"
	"github.com/killdeer/ffcsa-ops/internal/obs"
	"github.com/killdeer/ffcsa-ops/internal/repo"
)

type store struct {
	products map[int64]repo.Product
	changes  map[int64]repo.InventoryChange
	fail     error
}

func (s *store) Get(_ context.Context, id int64) (repo.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return repo.Product{}, repo.ErrNotFound
	}
	return p, nil
}

func (s *store) UpdateInventory(_ context.Context, id int64, c repo.InventoryChange) error {
	if s.fail != nil {
		return s.fail
	}
	s.changes[id] = c
	return nil
}

type catalog struct {
	patches map[int64]localline.InventoryPatch
	fail    error
}

func (c *catalog) PatchInventory(_ context.Context, id int64, p localline.InventoryPatch) error {
	if c.fail != nil {
		return c.fail
	}
	c.patches[id] = p
	return nil
}

func int64p(v int64) *int64 { return &v }

type fixture struct {
	store   *store
	catalog *catalog
	email   *common.InMemoryEmail
	logPath string
	metrics *obs.SyncMetrics
	service *inventory.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &store{
			products: map[int64]repo.Product{
				1: {ID: 1, ProductName: "Eggs", PackageName: "Dozen", LocalLineProductID: int64p(101), Sale: true, SaleDiscount: 0.2},
				2: {ID: 2, ProductName: "Orphan", PackageName: "Each"},
			},
			changes: map[int64]repo.InventoryChange{},
		},
		catalog: &catalog{patches: map[int64]localline.InventoryPatch{}},
		email:   &common.InMemoryEmail{},
		logPath: filepath.Join(t.TempDir(), "logs", "inventory_updates.csv"),
		metrics: obs.MustRegisterSyncMetrics("test", prometheus.NewRegistry()),
	}
	svc, err := inventory.NewService(inventory.Config{
		Store:    f.store,
		Catalog:  f.catalog,
		AuditLog: &inventory.AuditLog{Path: f.logPath},
		Email:    f.email,
		AlertTo:  []string{"ops@ffcsa.test"},
		Metrics:  f.metrics,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	f.service = svc
	return f
}

func TestUpdateWritesStoreLogAndLocalLine(t *testing.T) {
	f := newFixture(t)
	res, err := f.service.Update(context.Background(), 1, inventory.Update{Visible: true, TrackInventory: true, StockInventory: 7})
	require.NoError(t, err)
	require.Equal(t, inventory.Result{ID: 1, ProductName: "Eggs", DatabaseUpdate: true, LocalLineUpdate: true}, res)

	change := f.store.changes[1]
	require.True(t, change.Sale)
	require.Equal(t, 0.2, change.SaleDiscount)
	require.Equal(t, 7, change.StockInventory)

	patch := f.catalog.patches[101]
	require.True(t, patch.Visible)
	require.Equal(t, 7, *patch.SetInventory)

	raw, err := os.ReadFile(f.logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Equal(t, "id,productName,packageName,visible,track_inventory,stock_inventory,timestamp", lines[0])
	require.Equal(t, "1,Eggs,Dozen,true,true,7,2026-05-01T12:00:00Z", lines[1])
	require.Empty(t, f.email.Sent())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InventoryUpdatesTotal.WithLabelValues("localline", "ok")))
}

func TestUpdateOverridesAndClampsSale(t *testing.T) {
	f := newFixture(t)
	off, discount := false, 1.7
	_, err := f.service.Update(context.Background(), 1, inventory.Update{Sale: &off, SaleDiscount: &discount})
	require.NoError(t, err)
	require.False(t, f.store.changes[1].Sale)
	require.Equal(t, 1.0, f.store.changes[1].SaleDiscount)

	// not tracked but out of stock still sends the stock level
	require.NotNil(t, f.catalog.patches[101].SetInventory)
}

func TestUpdateAlertsOnLocalLineFailure(t *testing.T) {
	f := newFixture(t)
	f.catalog.fail = errors.New("localline: patch_inventory: HTTP 500 Internal Server Error")

	res, err := f.service.Update(context.Background(), 1, inventory.Update{Visible: true, StockInventory: 3})
	require.NoError(t, err)
	require.True(t, res.DatabaseUpdate)
	require.False(t, res.LocalLineUpdate)
	require.Contains(t, res.LocalLineError, "HTTP 500")

	sent := f.email.Sent()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Subject, "Eggs")
	require.Contains(t, sent[0].Body, "HTTP 500")
}

func TestUpdateAlertsWhenLocalLineIDMissing(t *testing.T) {
	f := newFixture(t)
	res, err := f.service.Update(context.Background(), 2, inventory.Update{Visible: true})
	require.NoError(t, err)
	require.True(t, res.DatabaseUpdate)
	require.False(t, res.LocalLineUpdate)
	require.Len(t, f.email.Sent(), 1)
	require.Empty(t, f.catalog.patches)
}

func TestUpdateStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.fail = errors.New("db down")
	res, err := f.service.Update(context.Background(), 1, inventory.Update{})
	require.Error(t, err)
	require.False(t, res.DatabaseUpdate)
	require.Empty(t, f.catalog.patches)

	_, err = f.service.Update(context.Background(), 42, inventory.Update{})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInventoryHandler(t *testing.T) {
	f := newFixture(t)
	r := chi.NewRouter()
	r.Route("/api/v1", inventory.NewHandler(f.service, zerolog.Nop()).Routes)

	put := func(path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, path, strings.NewReader(body)))
		return rec
	}

	rec := put("/api/v1/products/1/inventory", `{"visible": false, "track_inventory": false, "stock_inventory": 0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"data": {"id": 1, "productName": "Eggs", "databaseUpdate": true, "localLineUpdate": true}}`, rec.Body.String())

	rec = put("/api/v1/products/1/inventory", `{"visible": true}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "StockInventory")

	rec = put("/api/v1/products/1/inventory", `{"visible": true, "track_inventory": true, "stock_inventory": -1}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = put("/api/v1/products/9/inventory", `{"visible": true, "track_inventory": true, "stock_inventory": 1}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = put("/api/v1/products/1/inventory", `{"visible": "yes"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInventoryHandlerClampsSaleDiscount(t *testing.T) {
	f := newFixture(t)
	r := chi.NewRouter()
	r.Route("/api/v1", inventory.NewHandler(f.service, zerolog.Nop()).Routes)

	put := func(body string) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/v1/products/1/inventory", strings.NewReader(body)))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	put(`{"visible": true, "track_inventory": true, "stock_inventory": 3, "sale": true, "sale_discount": 1.5}`)
	require.Equal(t, 1.0, f.store.changes[1].SaleDiscount)

	put(`{"visible": true, "track_inventory": true, "stock_inventory": 3, "sale": true, "sale_discount": -0.3}`)
	require.Equal(t, 0.0, f.store.changes[1].SaleDiscount)
}
