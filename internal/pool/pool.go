// Package pool implements the per-venue Connection Pool (§4.2):
// honoring per-venue per-connection subscription caps by opening
// additional adapter connections lazily and auto-pruning empty ones.
//
// Generalizes a single-connector-per-exchange WebSocket manager into N
// connections per venue, each wrapping its own adapter.Adapter instance.
package pool

import (
	"context"
	"fmt"
	"sync"

	"crossspread-arb-engine/internal/adapter"
	"crossspread-arb-engine/internal/events"
	"crossspread-arb-engine/internal/metrics"
)

// Factory creates a new, unconnected adapter instance for a pool's
// venue. Each pool connection owns one adapter.Adapter produced by
// this factory.
type Factory func() adapter.Adapter

type connection struct {
	index      int
	adp        adapter.Adapter
	subscribed map[string]bool
}

func (c *connection) capacityUsed() int { return len(c.subscribed) }

// Pool manages N connections for one venue, each capped at maxPerConn
// subscriptions.
type Pool struct {
	venue       string
	maxPerConn  int
	factory     Factory
	bus         *events.Bus

	mu          sync.Mutex
	connections []*connection
	symbolIndex map[string]int // symbol -> connection index
	destroyed   bool

	nextIndex int
}

// New constructs a Pool for venue. maxPerConn is the per-connection
// subscription cap (OKX 100, Gate 20, BingX 50 per §4.2).
func New(venue string, maxPerConn int, factory Factory, bus *events.Bus) *Pool {
	return &Pool{
		venue:       venue,
		maxPerConn:  maxPerConn,
		factory:     factory,
		bus:         bus,
		symbolIndex: make(map[string]int),
	}
}

// Subscribe finds the first existing connection with free capacity;
// if none, opens a new one and waits for it to connect. Rejects
// no-op duplicates.
func (p *Pool) Subscribe(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return fmt.Errorf("pool: %s pool is destroyed", p.venue)
	}
	if _, already := p.symbolIndex[symbol]; already {
		return nil
	}

	conn, err := p.findOrCreateCapacityLocked(ctx)
	if err != nil {
		return err
	}
	if err := conn.adp.Subscribe([]string{symbol}); err != nil {
		return err
	}
	conn.subscribed[symbol] = true
	p.symbolIndex[symbol] = conn.index
	return nil
}

// SubscribeAll batches symbols across connections, opening new ones
// lazily as capacity fills. Symbols that subscribe successfully stay
// subscribed even if a later symbol in the batch fails; the set of
// failures is returned.
func (p *Pool) SubscribeAll(ctx context.Context, symbols []string) map[string]error {
	failures := make(map[string]error)
	for _, s := range symbols {
		if err := p.Subscribe(ctx, s); err != nil {
			failures[s] = err
		}
	}
	return failures
}

func (p *Pool) findOrCreateCapacityLocked(ctx context.Context) (*connection, error) {
	for _, c := range p.connections {
		if c.capacityUsed() < p.maxPerConn {
			return c, nil
		}
	}
	adp := p.factory()
	if err := adp.Connect(ctx); err != nil {
		return nil, err
	}
	conn := &connection{index: p.nextIndex, adp: adp, subscribed: make(map[string]bool)}
	p.nextIndex++
	p.connections = append(p.connections, conn)
	go p.forwardEvents(conn)
	metrics.ConnectionCount.WithLabelValues(p.venue).Set(float64(len(p.connections)))
	p.bus.Publish(events.TopicConnectionCountChanged, ConnectionCountChanged{Venue: p.venue, Count: len(p.connections)})
	return conn, nil
}

func (p *Pool) forwardEvents(conn *connection) {
	for ev := range conn.adp.Events() {
		p.bus.Publish(adapterTopic(ev.Kind), PoolEvent{ConnectionIndex: conn.index, Event: ev})
	}
}

// AdapterOrderStatusTopic is where the pool re-emits raw
// orderStatusChanged adapter events; the Trigger Detector (§4.8)
// subscribes here, not to TopicTriggerDetected, which the detector
// itself publishes only after classification.
const AdapterOrderStatusTopic events.Topic = "adapter.orderStatusChanged"

// AdapterFundingRateTopic and AdapterFundingRateBatchTopic carry raw,
// per-venue funding-rate observations straight off the wire. The Rate
// Aggregator consumes these and republishes its own merged
// domain.RateSnapshot on events.TopicRateUpdated — that topic is
// reserved for the aggregator's output, not these raw inputs, so the
// two never collide on the same subscription.
const (
	AdapterFundingRateTopic      events.Topic = "adapter.fundingRate"
	AdapterFundingRateBatchTopic events.Topic = "adapter.fundingRateBatch"
)

func adapterTopic(kind adapter.EventKind) events.Topic {
	switch kind {
	case adapter.EventFundingRate:
		return AdapterFundingRateTopic
	case adapter.EventFundingRateBatch:
		return AdapterFundingRateBatchTopic
	case adapter.EventOrderStatusChanged:
		return AdapterOrderStatusTopic
	default:
		return events.Topic("adapter." + string(kind))
	}
}

// PoolEvent re-emits an adapter event with the originating connection
// index attached, per §4.2's event fan-out contract.
type PoolEvent struct {
	ConnectionIndex int
	Event           adapter.Event
}

// ConnectionCountChanged is emitted whenever the pool opens or prunes
// a connection.
type ConnectionCountChanged struct {
	Venue string
	Count int
}

// Unsubscribe removes a symbol's subscription and auto-prunes the
// owning connection if it drops to zero subscriptions and more than
// one connection remains.
func (p *Pool) Unsubscribe(symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.symbolIndex[symbol]
	if !ok {
		return nil
	}
	var conn *connection
	for _, c := range p.connections {
		if c.index == idx {
			conn = c
			break
		}
	}
	if conn == nil {
		return nil
	}
	if err := conn.adp.Unsubscribe([]string{symbol}); err != nil {
		return err
	}
	delete(conn.subscribed, symbol)
	delete(p.symbolIndex, symbol)
	p.pruneLocked()
	return nil
}

// UnsubscribeAll tears down every subscription across every
// connection.
func (p *Pool) UnsubscribeAll() error {
	p.mu.Lock()
	symbols := make([]string, 0, len(p.symbolIndex))
	for s := range p.symbolIndex {
		symbols = append(symbols, s)
	}
	p.mu.Unlock()

	var firstErr error
	for _, s := range symbols {
		if err := p.Unsubscribe(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pool) pruneLocked() {
	if len(p.connections) <= 1 {
		return
	}
	kept := p.connections[:0]
	remaining := len(p.connections)
	for _, c := range p.connections {
		// An empty connection is pruned only while at least one other
		// connection survives it.
		if c.capacityUsed() == 0 && remaining > 1 {
			_ = c.adp.Disconnect()
			remaining--
			continue
		}
		kept = append(kept, c)
	}
	p.connections = kept
	metrics.ConnectionCount.WithLabelValues(p.venue).Set(float64(len(p.connections)))
	p.bus.Publish(events.TopicConnectionCountChanged, ConnectionCountChanged{Venue: p.venue, Count: len(p.connections)})
}

// Destroy disconnects every connection and rejects further
// subscribe calls.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.connections {
		_ = c.adp.Disconnect()
	}
	p.connections = nil
	p.symbolIndex = make(map[string]int)
	p.destroyed = true
}

// ConnectionCount reports the current number of live connections, for
// tests and metrics.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}
