package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/flowdesk/internal/observ"
)

// HTTPConfig configures the REST adapter.
type HTTPConfig struct {
	BaseURL         string
	DataURL         string
	KeyID           string
	Secret          string
	Timeout         time.Duration
	Retry           RetryPolicy
	RatePerSec      float64
	Burst           int
	BreakerFailures uint32
	BreakerOpen     time.Duration
	Client          *http.Client
}

// HTTPBroker talks to an Alpaca-style trading REST API. Every call is paced
// by a rate limiter, guarded by a circuit breaker and retried on transient
// failure.
type HTTPBroker struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPBroker(cfg HTTPConfig) (*HTTPBroker, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("broker base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("broker base url: %w", err)
	}
	if cfg.DataURL == "" {
		cfg.DataURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpen <= 0 {
		cfg.BreakerOpen = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	failures := cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "broker",
		Interval: time.Minute,
		Timeout:  cfg.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Auth and schema failures are the caller's problem, not the venue's.
		IsSuccessful: func(err error) bool {
			return err == nil || !Classify(err).Retryable()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observ.Warn("breaker_state_change", map[string]any{"breaker": name, "from": from.String(), "to": to.String()})
			observ.SetGauge("breaker_open", boolGauge(to == gobreaker.StateOpen), map[string]string{"breaker": name})
		},
	})

	return &HTTPBroker{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		breaker: cb,
	}, nil
}

func (b *HTTPBroker) GetAccount(ctx context.Context) (Account, error) {
	var raw map[string]any
	if err := b.call(ctx, "get_account", http.MethodGet, b.cfg.BaseURL, "/v2/account", nil, &raw); err != nil {
		return Account{}, err
	}
	return accountFrom(raw)
}

func (b *HTTPBroker) ListPositions(ctx context.Context) ([]Position, error) {
	var raw []map[string]any
	if err := b.call(ctx, "list_positions", http.MethodGet, b.cfg.BaseURL, "/v2/positions", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(raw))
	for _, r := range raw {
		p, err := positionFrom(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (b *HTTPBroker) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if req.Type == "" {
		req.Type = "market"
	}
	if req.TimeInForce == "" {
		req.TimeInForce = "day"
	}
	body := map[string]any{
		"symbol":        req.Symbol,
		"qty":           strconv.FormatFloat(req.Qty, 'f', -1, 64),
		"side":          req.Side,
		"type":          req.Type,
		"time_in_force": req.TimeInForce,
	}
	if req.LimitPrice != nil {
		body["limit_price"] = strconv.FormatFloat(*req.LimitPrice, 'f', -1, 64)
	}
	if req.ClientID != "" {
		body["client_order_id"] = req.ClientID
	}
	var raw map[string]any
	if err := b.call(ctx, "submit_order", http.MethodPost, b.cfg.BaseURL, "/v2/orders", body, &raw); err != nil {
		return Order{}, err
	}
	return orderFrom(raw)
}

func (b *HTTPBroker) ClosePosition(ctx context.Context, symbol string) (Order, error) {
	var raw map[string]any
	path := "/v2/positions/" + url.PathEscape(symbol)
	if err := b.call(ctx, "close_position", http.MethodDelete, b.cfg.BaseURL, path, nil, &raw); err != nil {
		return Order{}, err
	}
	return orderFrom(raw)
}

func (b *HTTPBroker) CancelAllOrders(ctx context.Context) error {
	return b.call(ctx, "cancel_all_orders", http.MethodDelete, b.cfg.BaseURL, "/v2/orders", nil, nil)
}

func (b *HTTPBroker) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	var resp struct {
		Quote struct {
			Bid float64   `json:"bp"`
			Ask float64   `json:"ap"`
			At  time.Time `json:"t"`
		} `json:"quote"`
	}
	path := "/v2/stocks/" + url.PathEscape(symbol) + "/quotes/latest"
	if err := b.call(ctx, "get_quote", http.MethodGet, b.cfg.DataURL, path, nil, &resp); err != nil {
		return Quote{}, err
	}
	q := Quote{Symbol: symbol, Bid: resp.Quote.Bid, Ask: resp.Quote.Ask, At: resp.Quote.At}
	q.Last = q.Mid()
	if q.Last <= 0 {
		return Quote{}, &Error{Class: ClassSchema, Op: "get_quote", Err: fmt.Errorf("%w: no bid or ask for %s", ErrSchema, symbol)}
	}
	return q, nil
}

func (b *HTTPBroker) GetBars(ctx context.Context, symbol string, limit int) ([]Bar, error) {
	if limit <= 0 {
		limit = 21
	}
	var resp struct {
		Bars []Bar `json:"bars"`
	}
	q := url.Values{"timeframe": {"1Day"}, "limit": {strconv.Itoa(limit)}}
	path := "/v2/stocks/" + url.PathEscape(symbol) + "/bars?" + q.Encode()
	if err := b.call(ctx, "get_bars", http.MethodGet, b.cfg.DataURL, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Bars, nil
}

// CheckCompatibility verifies that account, position and order responses
// match their contracts. Run it before trading starts.
func (b *HTTPBroker) CheckCompatibility(ctx context.Context) error {
	if _, err := b.GetAccount(ctx); err != nil {
		return b.markFailed("account", err)
	}
	if _, err := b.ListPositions(ctx); err != nil {
		return b.markFailed("positions", err)
	}
	var orders []map[string]any
	if err := b.call(ctx, "list_orders", http.MethodGet, b.cfg.BaseURL, "/v2/orders?status=all&limit=5", nil, &orders); err != nil {
		return b.markFailed("orders", err)
	}
	for _, o := range orders {
		if err := OrderContract.Validate(o); err != nil {
			return b.markFailed("orders", err)
		}
	}
	observ.SetComponentHealth("broker", observ.StatusHealthy, "")
	observ.Log("broker_compatible", map[string]any{"base_url": b.cfg.BaseURL})
	return nil
}

func (b *HTTPBroker) markFailed(what string, err error) error {
	observ.SetComponentHealth("broker", observ.StatusFailed, fmt.Sprintf("%s: %s", what, Classify(err)))
	return fmt.Errorf("broker compatibility (%s): %w", what, err)
}

// call runs one request through the limiter, breaker and retry loop and
// decodes a 2xx body into out (skipped when out is nil).
func (b *HTTPBroker) call(ctx context.Context, op, method, base, path string, body any, out any) error {
	start := time.Now()
	err := Retry(ctx, b.cfg.Retry, op, func(ctx context.Context) error {
		if err := b.limiter.Wait(ctx); err != nil {
			return &Error{Class: ClassNetwork, Op: op, Err: err}
		}
		_, err := b.breaker.Execute(func() (interface{}, error) {
			return nil, b.do(ctx, op, method, base+path, body, out)
		})
		return err
	})
	observ.RecordDuration("broker_request", time.Since(start), map[string]string{"op": op})
	if err != nil {
		observ.IncCounter("broker_errors_total", map[string]string{"op": op, "class": string(Classify(err))})
	}
	return err
}

func (b *HTTPBroker) do(ctx context.Context, op, method, target string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &Error{Class: ClassUnknown, Op: op, Err: err}
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &Error{Class: ClassUnknown, Op: op, Err: err}
	}
	req.Header.Set("APCA-API-KEY-ID", b.cfg.KeyID)
	req.Header.Set("APCA-API-SECRET-KEY", b.cfg.Secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return &Error{Class: ClassNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &Error{Class: ClassNetwork, Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Class:  ClassifyStatus(resp.StatusCode),
			Op:     op,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", excerpt(data)),
		}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Class: ClassSchema, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrSchema, err)}
	}
	return nil
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
