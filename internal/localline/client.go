package localline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/killdeer/ffcsa-ops/internal/resilience"
)

const meterName = "github.com/killdeer/ffcsa-ops/internal/localline"

// ClientConfig configures the catalog API client.
type ClientConfig struct {
	BaseURL string
	// Origin is sent as Origin and Referer on product writes.
	Origin     string
	HTTPClient *http.Client
	Timeout    time.Duration
	RetryMax   int
	RetryBase  time.Duration
	Breaker    *resilience.Breaker
	Throttle   *Throttle
	Logger     zerolog.Logger
}

// Client talks to the LocalLine backoffice API.
type Client struct {
	base     *url.URL
	origin   string
	http     resilience.HTTPClient
	throttle *Throttle
	tokens   TokenSource
	logger   zerolog.Logger
	requests metric.Int64Counter
}

// NewClient builds a client. Authenticated calls need WithTokens.
func NewClient(cfg ClientConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("localline: base url is required")
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("localline: parse base url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	requests, err := otel.Meter(meterName).Int64Counter("localline.requests",
		metric.WithDescription("Catalog API requests by operation and status"))
	if err != nil {
		return nil, fmt.Errorf("localline: request counter: %w", err)
	}
	return &Client{
		base:   base,
		origin: cfg.Origin,
		http: resilience.HTTPClient{
			Client:      hc,
			Breaker:     cfg.Breaker,
			BaseBackoff: cfg.RetryBase,
			MaxBackoff:  10 * time.Second,
			MaxAttempts: cfg.RetryMax,
			Jitter:      0.2,
			Timeout:     timeout,
			Target:      "localline",
		},
		throttle: cfg.Throttle,
		logger:   cfg.Logger,
		requests: requests,
	}, nil
}

// WithTokens sets the token source used for authenticated calls.
func (c *Client) WithTokens(tokens TokenSource) *Client {
	c.tokens = tokens
	return c
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	body := map[string]string{"username": username, "password": password}
	var out struct {
		Access string `json:"access"`
	}
	if err := c.call(ctx, "login", http.MethodPost, "token", nil, body, &out, false, nil); err != nil {
		return "", err
	}
	if out.Access == "" {
		return "", errors.New("localline: login response has no access token")
	}
	return out.Access, nil
}

// GetProduct fetches a catalog product with its packages and price list links.
func (c *Client) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := c.call(ctx, "get_product", http.MethodGet, productPath(id), nil, nil, &p, true, nil)
	return p, err
}

// UpdateProductPricing writes one package price and price list entry.
func (c *Client) UpdateProductPricing(ctx context.Context, id int64, update ProductUpdate) error {
	q := url.Values{"expand": {"vendor"}}
	return c.call(ctx, "update_pricing", http.MethodPatch, productPath(id), q, update.patch(), nil, true, c.originHeaders)
}

// PatchInventory updates visibility and stock of a product.
func (c *Client) PatchInventory(ctx context.Context, id int64, patch InventoryPatch) error {
	return c.call(ctx, "patch_inventory", http.MethodPatch, productPath(id), nil, patch, nil, true, nil)
}

// AddToPriceList links a product to a price list.
func (c *Client) AddToPriceList(ctx context.Context, priceListID, productID int64) error {
	body := map[string]int64{"pricelist_id": priceListID, "product_id": productID}
	return c.call(ctx, "add_to_pricelist", http.MethodPost, "pricelists/add/", nil, body, nil, true, nil)
}

func productPath(id int64) string {
	return "products/" + strconv.FormatInt(id, 10) + "/"
}

func (c *Client) originHeaders(h http.Header) {
	if c.origin == "" {
		return
	}
	h.Set("Origin", c.origin)
	h.Set("Referer", c.origin)
}

func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, in, out any, auth bool, headers func(http.Header)) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("localline: %s: encode: %w", op, err)
		}
	}

	token := ""
	if auth {
		if c.tokens == nil {
			return errors.New("localline: client has no token source")
		}
		var err error
		if token, err = c.tokens.Token(ctx); err != nil {
			return err
		}
	}

	err := c.do(ctx, op, method, path, query, payload, out, token, headers)
	if auth && IsUnauthorized(err) {
		c.logger.Warn().Str("op", op).Msg("localline token rejected, refreshing")
		if token, err = c.tokens.ForceRefresh(ctx); err != nil {
			return err
		}
		err = c.do(ctx, op, method, path, query, payload, out, token, headers)
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload []byte, out any, token string, headers func(http.Header)) error {
	if err := c.throttle.Wait(ctx); err != nil {
		return err
	}
	u := c.base.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("localline: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if headers != nil {
		headers(req.Header)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		c.count(ctx, op, "error")
		return fmt.Errorf("localline: %s: %w", op, err)
	}
	defer resp.Body.Close()
	c.count(ctx, op, strconv.Itoa(resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("localline: %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(op, resp, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("localline: %s: decode: %w", op, err)
	}
	return nil
}

func (c *Client) count(ctx context.Context, op, status string) {
	c.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	))
}
