package broker

import (
	"context"
	"strings"
	"time"
)

const (
	SideLong  = "long"
	SideShort = "short"

	OrderBuy  = "buy"
	OrderSell = "sell"
)

type Account struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Cash        float64 `json:"cash"`
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
}

// Position is the broker's view of one holding. Qty is always positive;
// Side carries the direction.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarketPrice   float64 `json:"current_price,omitempty"`
}

type OrderRequest struct {
	Symbol      string   `json:"symbol"`
	Qty         float64  `json:"qty"`
	Side        string   `json:"side"`
	Type        string   `json:"type"`
	TimeInForce string   `json:"time_in_force"`
	LimitPrice  *float64 `json:"limit_price,omitempty"`
	ClientID    string   `json:"client_order_id,omitempty"`
}

type Order struct {
	ID             string  `json:"id"`
	ClientID       string  `json:"client_order_id,omitempty"`
	Symbol         string  `json:"symbol"`
	Qty            float64 `json:"qty"`
	Side           string  `json:"side"`
	Status         string  `json:"status"`
	FilledQty      float64 `json:"filled_qty"`
	FilledAvgPrice float64 `json:"filled_avg_price"`
}

// Filled reports whether any quantity executed.
func (o Order) Filled() bool { return o.FilledQty > 0 && o.FilledAvgPrice > 0 }

type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	At     time.Time `json:"at"`
}

// Mid is the bid/ask midpoint, or Last when either side is missing.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

type Bar struct {
	At     time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume float64   `json:"v"`
}

// Broker is everything the engine needs from an execution venue.
type Broker interface {
	GetAccount(ctx context.Context) (Account, error)
	ListPositions(ctx context.Context) ([]Position, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)
	ClosePosition(ctx context.Context, symbol string) (Order, error)
	CancelAllOrders(ctx context.Context) error
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	GetBars(ctx context.Context, symbol string, limit int) ([]Bar, error)
}

// OrderSideFor returns the order side that opens (or, with closing, flattens)
// a position on side.
func OrderSideFor(side string, closing bool) string {
	buy := side != SideShort
	if closing {
		buy = !buy
	}
	if buy {
		return OrderBuy
	}
	return OrderSell
}

func accountFrom(raw map[string]any) (Account, error) {
	if err := AccountContract.Validate(raw); err != nil {
		return Account{}, err
	}
	return Account{
		ID:          str(raw, "id"),
		Status:      str(raw, "status"),
		Cash:        num(raw, "cash"),
		Equity:      num(raw, "equity"),
		BuyingPower: num(raw, "buying_power"),
	}, nil
}

func positionFrom(raw map[string]any) (Position, error) {
	if err := PositionContract.Validate(raw); err != nil {
		return Position{}, err
	}
	qty := num(raw, "qty")
	side := strings.ToLower(str(raw, "side"))
	if qty < 0 {
		qty, side = -qty, SideShort
	}
	if side != SideShort {
		side = SideLong
	}
	return Position{
		Symbol:        str(raw, "symbol"),
		Side:          side,
		Qty:           qty,
		AvgEntryPrice: num(raw, "avg_entry_price"),
		MarketPrice:   num(raw, "current_price"),
	}, nil
}

func orderFrom(raw map[string]any) (Order, error) {
	if err := OrderContract.Validate(raw); err != nil {
		return Order{}, err
	}
	return Order{
		ID:             str(raw, "id"),
		ClientID:       str(raw, "client_order_id"),
		Symbol:         str(raw, "symbol"),
		Qty:            num(raw, "qty"),
		Side:           str(raw, "side"),
		Status:         str(raw, "status"),
		FilledQty:      num(raw, "filled_qty"),
		FilledAvgPrice: num(raw, "filled_avg_price"),
	}, nil
}
