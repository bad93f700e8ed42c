// Package adapter defines the uniform venue API every exchange
// connector implements, plus shared scaffolding (BaseAdapter, the
// bounded REST client, reconnect backoff) used by internal/adapter/okx,
// internal/adapter/gateio, and internal/adapter/bingx.
//
// Generalizes an orderbook/trade-centric connector interface,
// oriented around market depth, into a funding-rate-centric contract:
// callers never see venue dialect symbols, only the canonical
// BASEQUOTE form translated via internal/symbols.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/apperr"
	"crossspread-arb-engine/internal/metrics"
)

// OrderSide and OrderType mirror the minimal order shape every venue
// exposes for hedge-leg open/close operations.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderRequest is the minimal order shape needed to open or close a
// hedge leg.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Size          decimal.Decimal
	Price         decimal.Decimal // ignored for market orders
	ReduceOnly    bool
	ClientOrderID string
}

// OrderStatus is the venue-reported lifecycle of a submitted order.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// Order is the venue's view of a submitted order.
//
// OrderTypeRaw, StopPrice, PositionSide, and RealizedPnL are only
// populated on orderStatusChanged events sourced from a venue's
// private conditional-order channel; they are the fields the Trigger
// Detector (§4.8) needs to classify a fill as a stop-loss or
// take-profit trigger on a specific leg.
type Order struct {
	Venue         string
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          OrderSide
	Status        OrderStatus
	FilledSize    decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Fee           decimal.Decimal
	UpdatedAt     time.Time

	// OrderTypeRaw preserves the venue's own order-type string (e.g.
	// "stop-market", "take-profit-market", "stop", "trigger") so the
	// Trigger Detector can classify it without this package needing to
	// know every venue's vocabulary.
	OrderTypeRaw string
	// StopPrice is the conditional order's trigger price, used to
	// validate the fill against the position's expected trigger price.
	StopPrice decimal.Decimal
	// PositionSide is "LONG" or "SHORT", the leg this order closes.
	PositionSide string
	// RealizedPnL disambiguates SL vs TP when the order-type string
	// alone is ambiguous: negative implies stop-loss, non-negative
	// implies take-profit.
	RealizedPnL decimal.Decimal
}

// Balance is a venue account's available/total balance in its margin
// currency (USDT for every adapter this engine implements).
type Balance struct {
	Venue     string
	Asset     string
	Available decimal.Decimal
	Total     decimal.Decimal
}

// PositionInfo is a venue-reported open position, independent of the
// engine's own domain.Position (which tracks a hedge pair across two
// venues, not one venue's raw position record).
type PositionInfo struct {
	Venue         string
	Symbol        string
	Side          OrderSide
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      decimal.Decimal
}

// FundingPayment is one historical funding settlement credited or
// debited against a position.
type FundingPayment struct {
	Venue     string
	Symbol    string
	Rate      decimal.Decimal
	Amount    decimal.Decimal
	Timestamp time.Time
}

// SymbolInfo is venue-reported tradeable-instrument metadata.
type SymbolInfo struct {
	Venue       string
	Symbol      string
	TickSize    decimal.Decimal
	LotSize     decimal.Decimal
	MinNotional decimal.Decimal
	MakerFee    decimal.Decimal
	TakerFee    decimal.Decimal
}

// FundingRate is the adapter-level observation; Symbol has already
// been translated from the venue's own dialect back to canonical form.
type FundingRate struct {
	Symbol               string
	Rate                 decimal.Decimal
	MarkPrice            decimal.Decimal
	IndexPrice           decimal.Decimal
	HasIndexPrice        bool
	NextFundingTime      time.Time
	FundingIntervalHours int
	ReceivedAt           time.Time
}

// EventKind enumerates the typed events a WebSocket-capable adapter
// emits on its event channel.
type EventKind string

const (
	EventFundingRate        EventKind = "fundingRate"
	EventFundingRateBatch   EventKind = "fundingRateBatch"
	EventMarkPrice          EventKind = "markPrice"
	EventOrderStatusChanged EventKind = "orderStatusChanged"
	EventConnected          EventKind = "connected"
	EventDisconnected       EventKind = "disconnected"
	EventError              EventKind = "error"
)

// Event is the envelope delivered on an adapter's event channel. Only
// the field matching Kind is populated.
type Event struct {
	Kind             EventKind
	Venue            string
	FundingRate      *FundingRate
	FundingRateBatch []FundingRate
	MarkPrice        *MarkPriceUpdate
	Order            *Order
	Err              error
}

// MarkPriceUpdate is a lightweight mark-price tick, distinct from a
// full FundingRate observation.
type MarkPriceUpdate struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// Adapter is the uniform venue API. Every operation returns either a
// result or an *apperr.Error with a Kind describing how the caller
// should react (retry, surface to operator, treat as missing
// credential, etc.)
type Adapter interface {
	Venue() string

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error

	// Events returns the adapter's event channel. Only meaningful
	// after Connect; callers must drain it continuously.
	Events() <-chan Event

	GetFundingRate(ctx context.Context, symbol string) (FundingRate, error)
	GetFundingRates(ctx context.Context, symbols []string) ([]FundingRate, error)
	// GetFundingInterval is memoized per symbol and falls back to
	// domain.DefaultFundingIntervalHours on any lookup failure.
	GetFundingInterval(ctx context.Context, symbol string) (int, error)

	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	GetMarkPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)

	// GetSymbolInfo is memoized; venue metadata rarely changes within
	// a process lifetime.
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	GetUsdtPerpetualSymbols(ctx context.Context) ([]string, error)
	GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error)

	GetBalance(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context) ([]PositionInfo, error)

	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (Order, error)

	// GetFundingPayments returns payments in [since, until) — inclusive
	// of since, exclusive of until — so callers paging through history
	// never double-count a payment that lands exactly on a window edge.
	GetFundingPayments(ctx context.Context, symbol string, since, until time.Time) ([]FundingPayment, error)
}

// memoCache is a tiny generic memoization table shared by the
// GetFundingInterval and GetSymbolInfo implementations across venue
// adapters.
type memoCache[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

func newMemoCache[T any]() *memoCache[T] {
	return &memoCache[T]{items: make(map[string]T)}
}

func (c *memoCache[T]) get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *memoCache[T]) set(key string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = v
}

// BaseAdapter holds the connection/subscription bookkeeping every
// venue adapter needs, embedding shared state behind small
// setter/getter methods rather than duplicating it per venue.
type BaseAdapter struct {
	venue string

	mu            sync.RWMutex
	connected     bool
	subscribed    map[string]bool
	lastMessageAt time.Time

	events chan Event

	intervalCache *memoCache[int]
	symbolCache   *memoCache[SymbolInfo]
}

// NewBaseAdapter constructs a BaseAdapter for venue with an
// eventBuffer-deep event channel.
func NewBaseAdapter(venue string, eventBuffer int) *BaseAdapter {
	if eventBuffer <= 0 {
		eventBuffer = 128
	}
	return &BaseAdapter{
		venue:         venue,
		subscribed:    make(map[string]bool),
		events:        make(chan Event, eventBuffer),
		intervalCache: newMemoCache[int](),
		symbolCache:   newMemoCache[SymbolInfo](),
	}
}

func (b *BaseAdapter) Venue() string { return b.venue }

func (b *BaseAdapter) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// SetConnected records the connection state; venue adapters call this
// from their Connect/Disconnect/read-loop paths.
func (b *BaseAdapter) SetConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
	metrics.RecordConnectionStatus(b.venue, v)
}

func (b *BaseAdapter) Events() <-chan Event { return b.events }

// Emit delivers an event non-blockingly; a full buffer drops the
// oldest buffered event to make room for the new one rather than
// stalling the adapter's read loop, matching the
// drop-oldest posture used by internal/events for subscriber fan-out.
func (b *BaseAdapter) Emit(ev Event) {
	ev.Venue = b.venue
	select {
	case b.events <- ev:
	default:
		select {
		case <-b.events:
		default:
		}
		select {
		case b.events <- ev:
		default:
		}
	}
}

func (b *BaseAdapter) touchLastMessage() {
	b.mu.Lock()
	b.lastMessageAt = time.Now()
	b.mu.Unlock()
}

// LastMessageAt reports the last time touchLastMessage recorded a
// received message. The venue adapters do not call touchLastMessage,
// so this stays the zero time, and no health check reads it: silence
// on a connection does not force a reconnect.
func (b *BaseAdapter) LastMessageAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastMessageAt
}

// MarkSubscribed records symbols in the adapter's own subscribed-set
// so a post-reconnect resubscribe can replay it verbatim.
func (b *BaseAdapter) MarkSubscribed(symbols []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range symbols {
		b.subscribed[s] = true
	}
}

func (b *BaseAdapter) MarkUnsubscribed(symbols []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range symbols {
		delete(b.subscribed, s)
	}
}

// SubscribedSet returns a snapshot of every currently-subscribed
// symbol, used to re-establish subscriptions after a reconnect.
func (b *BaseAdapter) SubscribedSet() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subscribed))
	for s := range b.subscribed {
		out = append(out, s)
	}
	return out
}

func (b *BaseAdapter) CachedInterval(symbol string) (int, bool) { return b.intervalCache.get(symbol) }
func (b *BaseAdapter) CacheInterval(symbol string, hours int)   { b.intervalCache.set(symbol, hours) }

func (b *BaseAdapter) CachedSymbolInfo(symbol string) (SymbolInfo, bool) {
	return b.symbolCache.get(symbol)
}
func (b *BaseAdapter) CacheSymbolInfo(symbol string, info SymbolInfo) {
	b.symbolCache.set(symbol, info)
}

// WrapTransport classifies a low-level error into a retryable
// transport failure, matching the shared-retry-wrapper contract in
// §4.1's failure semantics.
func WrapTransport(venue string, err error) error {
	if err == nil {
		return nil
	}
	return apperr.NewTransport(venue, err)
}
