package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperBroker is an in-memory venue with deterministic fills. Buys fill at
// price*(1+bps), sells at price/(1+bps).
type PaperBroker struct {
	mu          sync.Mutex
	cash        float64
	slippageBps float64
	prices      map[string]float64
	bars        map[string][]Bar
	positions   map[string]*paperPosition
	orders      []Order
	failures    map[string][]error
	now         func() time.Time
}

type paperPosition struct {
	qty float64 // signed; negative is short
	avg float64
}

func NewPaperBroker(cash, slippageBps float64) *PaperBroker {
	return &PaperBroker{
		cash:        cash,
		slippageBps: slippageBps,
		prices:      make(map[string]float64),
		bars:        make(map[string][]Bar),
		positions:   make(map[string]*paperPosition),
		failures:    make(map[string][]error),
		now:         time.Now,
	}
}

// SetPrice sets the mark used for fills, quotes and equity.
func (p *PaperBroker) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *PaperBroker) SetBars(symbol string, bars []Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[symbol] = append([]Bar(nil), bars...)
}

// SetPosition seeds a holding directly, as if opened outside this process.
func (p *PaperBroker) SetPosition(symbol, side string, qty, avg float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qty == 0 {
		delete(p.positions, symbol)
		return
	}
	if side == SideShort {
		qty = -math.Abs(qty)
	}
	p.positions[symbol] = &paperPosition{qty: qty, avg: avg}
}

// FailNext makes the next n calls of op return err. op is the method name in
// snake case (list_positions, get_account, submit_order, ...).
func (p *PaperBroker) FailNext(op string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.failures[op] = append(p.failures[op], err)
	}
}

// Orders returns every order accepted so far.
func (p *PaperBroker) Orders() []Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Order(nil), p.orders...)
}

func (p *PaperBroker) injected(op string) error {
	q := p.failures[op]
	if len(q) == 0 {
		return nil
	}
	p.failures[op] = q[1:]
	return q[0]
}

func (p *PaperBroker) GetAccount(ctx context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("get_account"); err != nil {
		return Account{}, err
	}
	equity := p.cash
	for sym, pos := range p.positions {
		equity += pos.qty * p.markLocked(sym, pos)
	}
	return Account{ID: "paper", Status: "ACTIVE", Cash: p.cash, Equity: equity, BuyingPower: math.Max(p.cash, 0)}, nil
}

func (p *PaperBroker) ListPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("list_positions"); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(p.positions))
	for sym, pos := range p.positions {
		side := SideLong
		if pos.qty < 0 {
			side = SideShort
		}
		out = append(out, Position{
			Symbol:        sym,
			Side:          side,
			Qty:           math.Abs(pos.qty),
			AvgEntryPrice: pos.avg,
			MarketPrice:   p.markLocked(sym, pos),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("submit_order"); err != nil {
		return Order{}, err
	}
	return p.fillLocked(req)
}

func (p *PaperBroker) ClosePosition(ctx context.Context, symbol string) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("close_position"); err != nil {
		return Order{}, err
	}
	pos, ok := p.positions[symbol]
	if !ok {
		return Order{}, &Error{Class: ClassUnknown, Op: "close_position", Status: 404, Err: fmt.Errorf("no position in %s", symbol)}
	}
	side := OrderSell
	if pos.qty < 0 {
		side = OrderBuy
	}
	return p.fillLocked(OrderRequest{Symbol: symbol, Qty: math.Abs(pos.qty), Side: side, Type: "market", TimeInForce: "day"})
}

func (p *PaperBroker) CancelAllOrders(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.injected("cancel_all_orders")
}

func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("get_quote"); err != nil {
		return Quote{}, err
	}
	px, ok := p.prices[symbol]
	if !ok {
		return Quote{}, &Error{Class: ClassUnknown, Op: "get_quote", Status: 404, Err: fmt.Errorf("no price for %s", symbol)}
	}
	return Quote{Symbol: symbol, Bid: px, Ask: px, Last: px, At: p.now().UTC()}, nil
}

func (p *PaperBroker) GetBars(ctx context.Context, symbol string, limit int) ([]Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("get_bars"); err != nil {
		return nil, err
	}
	bars := p.bars[symbol]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]Bar(nil), bars...), nil
}

func (p *PaperBroker) fillLocked(req OrderRequest) (Order, error) {
	if req.Qty <= 0 {
		return Order{}, &Error{Class: ClassUnknown, Op: "submit_order", Status: 422, Err: fmt.Errorf("qty must be positive")}
	}
	px, ok := p.prices[req.Symbol]
	if !ok || px <= 0 {
		return Order{}, &Error{Class: ClassUnknown, Op: "submit_order", Status: 422, Err: fmt.Errorf("no price for %s", req.Symbol)}
	}
	if req.ClientID != "" {
		for _, o := range p.orders {
			if o.ClientID == req.ClientID {
				return o, nil
			}
		}
	}

	slip := 1 + p.slippageBps/10000
	signed := req.Qty
	fill := px * slip
	if req.Side == OrderSell {
		signed = -req.Qty
		fill = px / slip
	}
	p.cash -= signed * fill
	p.applyLocked(req.Symbol, signed, fill)

	o := Order{
		ID:             uuid.NewString(),
		ClientID:       req.ClientID,
		Symbol:         req.Symbol,
		Qty:            req.Qty,
		Side:           req.Side,
		Status:         "filled",
		FilledQty:      req.Qty,
		FilledAvgPrice: fill,
	}
	p.orders = append(p.orders, o)
	return o, nil
}

func (p *PaperBroker) applyLocked(symbol string, signed, price float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = &paperPosition{qty: signed, avg: price}
		return
	}
	next := pos.qty + signed
	switch {
	case math.Abs(next) < 1e-9:
		delete(p.positions, symbol)
	case pos.qty*signed > 0:
		pos.avg = (pos.avg*pos.qty + price*signed) / next
		pos.qty = next
	case pos.qty*next < 0:
		// flipped through flat
		pos.qty, pos.avg = next, price
	default:
		pos.qty = next
	}
}

func (p *PaperBroker) markLocked(symbol string, pos *paperPosition) float64 {
	if px, ok := p.prices[symbol]; ok {
		return px
	}
	return pos.avg
}
