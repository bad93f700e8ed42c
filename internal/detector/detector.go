// Package detector implements the Opportunity Detector (§4.6): it
// drains rate-updated snapshots off the shared event bus, enumerates
// venue pairs per symbol, and maintains the ACTIVE/EXPIRED/CLOSED
// lifecycle of ArbitrageOpportunity records.
//
// Generalizes a one-shot spread-discovery pass — emitting a single
// Spread value per qualifying pair with no persistent lifecycle —
// into a stateful detector that creates, updates, expires, and closes
// opportunities and writes a terminal OpportunityHistory, rather than
// recomputing from scratch on every tick with nothing to expire.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/events"
	"crossspread-arb-engine/internal/metrics"
	"crossspread-arb-engine/internal/repository"
)

// Detector consumes rate-updated snapshots and maintains the
// ArbitrageOpportunity lifecycle per symbol.
type Detector struct {
	bus       *events.Bus
	repo      repository.ArbitrageOpportunities
	histories repository.OpportunityHistories
	log       zerolog.Logger
	threshold decimal.Decimal

	mu     sync.Mutex
	active map[string]map[string]*tracked // symbol -> pairKey -> tracked opportunity

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type tracked struct {
	opp          domain.ArbitrageOpportunity
	observations []decimal.Decimal
}

// New constructs a Detector. threshold is the minimum absolute rate
// difference to treat a pair as an opportunity (default 0.005, §6).
func New(bus *events.Bus, repo repository.ArbitrageOpportunities, histories repository.OpportunityHistories, threshold decimal.Decimal, logger zerolog.Logger) *Detector {
	if threshold.IsZero() {
		threshold = decimal.NewFromFloat(0.005)
	}
	return &Detector{
		bus:       bus,
		repo:      repo,
		histories: histories,
		log:       logger,
		threshold: threshold,
		active:    make(map[string]map[string]*tracked),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to rate-updated and processes snapshots until Stop
// is called or ctx is canceled.
func (d *Detector) Start(ctx context.Context) {
	ch, _ := d.bus.Subscribe(events.TopicRateUpdated)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				snap, ok := payload.(*domain.RateSnapshot)
				if !ok {
					continue
				}
				d.process(ctx, snap)
			}
		}
	}()
}

// Stop halts the processing goroutine.
func (d *Detector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func pairKey(long, short string) string { return long + ">" + short }

func (d *Detector) process(ctx context.Context, snap *domain.RateSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	symbolTracked := d.active[snap.Symbol]
	if symbolTracked == nil {
		symbolTracked = make(map[string]*tracked)
		d.active[snap.Symbol] = symbolTracked
	}

	venues := make([]string, 0, len(snap.Rates))
	for v := range snap.Rates {
		venues = append(venues, v)
	}

	seen := make(map[string]bool, len(symbolTracked))
	for i := 0; i < len(venues); i++ {
		for j := i + 1; j < len(venues); j++ {
			a, b := venues[i], venues[j]
			rateA, rateB := snap.Rates[a].Rate, snap.Rates[b].Rate
			if rateA.Equal(rateB) {
				continue
			}
			long, short := a, b
			if rateB.LessThan(rateA) {
				long, short = b, a
			}
			diff := snap.Rates[short].Rate.Sub(snap.Rates[long].Rate).Abs()
			key := pairKey(long, short)

			if diff.LessThan(d.threshold) {
				// Below threshold now: if we were tracking it, expire below.
				continue
			}
			seen[key] = true
			d.upsert(ctx, snap.Symbol, long, short, key, diff)
		}
	}

	for key, t := range symbolTracked {
		if seen[key] {
			continue
		}
		if t.opp.State != domain.OpportunityActive {
			continue
		}
		long, short := t.opp.LongVenue, t.opp.ShortVenue
		_, longOK := snap.Rates[long]
		_, shortOK := snap.Rates[short]
		if !longOK || !shortOK {
			d.terminate(ctx, snap.Symbol, key, t, domain.ReasonDataUnavailable)
			continue
		}
		diff := snap.Rates[short].Rate.Sub(snap.Rates[long].Rate).Abs()
		if diff.LessThan(d.threshold) {
			d.terminate(ctx, snap.Symbol, key, t, domain.ReasonRateDropped)
		}
	}
}

func (d *Detector) upsert(ctx context.Context, symbol, long, short, key string, diff decimal.Decimal) {
	symbolTracked := d.active[symbol]
	t, ok := symbolTracked[key]
	now := time.Now()
	if !ok || t.opp.State != domain.OpportunityActive {
		opp := domain.ArbitrageOpportunity{
			ID:                uuid.NewString(),
			Symbol:            symbol,
			LongVenue:         long,
			ShortVenue:        short,
			State:             domain.OpportunityActive,
			InitialDifference: diff,
			CurrentDifference: diff,
			MaxDifference:     diff,
			MaxDifferenceAt:   now,
			NotificationCount: 1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		t = &tracked{opp: opp, observations: []decimal.Decimal{diff}}
		symbolTracked[key] = t
		if d.repo != nil {
			if err := d.repo.Create(ctx, opp); err != nil {
				d.log.Warn().Err(err).Str("symbol", symbol).Msg("detector: failed to persist new opportunity")
			}
		}
		metrics.RecordOpportunityDetected(symbol)
		metrics.OpportunitiesActive.Inc()
		d.log.Info().Str("symbol", symbol).Str("long", long).Str("short", short).
			Str("diff", diff.String()).Msg("opportunity detected")
		d.bus.Publish(events.TopicOpportunityDetected, t.opp)
		return
	}

	t.opp.CurrentDifference = diff
	t.opp.UpdatedAt = now
	t.observations = append(t.observations, diff)
	if diff.GreaterThan(t.opp.MaxDifference) {
		t.opp.MaxDifference = diff
		t.opp.MaxDifferenceAt = now
	}
	if d.repo != nil {
		if err := d.repo.Update(ctx, t.opp); err != nil {
			d.log.Warn().Err(err).Str("symbol", symbol).Msg("detector: failed to persist opportunity update")
		}
	}
}

func (d *Detector) terminate(ctx context.Context, symbol, key string, t *tracked, reason domain.DisappearReason) {
	now := time.Now()
	if reason == domain.ReasonRateDropped {
		t.opp.State = domain.OpportunityExpired
	} else {
		t.opp.State = domain.OpportunityClosed
	}
	t.opp.ClosedAt = now
	t.opp.UpdatedAt = now

	if d.repo != nil {
		if err := d.repo.Update(ctx, t.opp); err != nil {
			d.log.Warn().Err(err).Str("symbol", symbol).Msg("detector: failed to persist opportunity termination")
		}
	}

	hist := domain.OpportunityHistory{
		OpportunityID:       t.opp.ID,
		Symbol:              t.opp.Symbol,
		LongVenue:           t.opp.LongVenue,
		ShortVenue:          t.opp.ShortVenue,
		InitialDifference:   t.opp.InitialDifference,
		MaxDifference:       t.opp.MaxDifference,
		AverageDifference:   averageOf(t.observations),
		Duration:            now.Sub(t.opp.CreatedAt),
		TotalNotifications:  t.opp.NotificationCount,
		DisappearanceReason: reason,
		CreatedAt:           t.opp.CreatedAt,
		ClosedAt:            now,
	}
	if d.histories != nil {
		if err := d.histories.Create(ctx, hist); err != nil {
			d.log.Warn().Err(err).Str("symbol", symbol).Msg("detector: failed to persist opportunity history")
		}
	}
	metrics.OpportunityDuration.Observe(hist.Duration.Seconds())
	metrics.OpportunitiesActive.Dec()

	topic := events.TopicOpportunityClosed
	if reason == domain.ReasonRateDropped {
		topic = events.TopicOpportunityExpired
	}
	d.log.Info().Str("symbol", symbol).Str("reason", string(reason)).
		Str("maxDiff", t.opp.MaxDifference.String()).Msg("opportunity terminated")
	d.bus.Publish(topic, hist)

	delete(d.active[symbol], key)
}

func averageOf(obs []decimal.Decimal) decimal.Decimal {
	if len(obs) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, o := range obs {
		sum = sum.Add(o)
	}
	return sum.Div(decimal.NewFromInt(int64(len(obs))))
}

// ActiveCount returns the number of currently ACTIVE opportunities
// across all symbols, for metrics/tests.
func (d *Detector) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, symbolTracked := range d.active {
		for _, t := range symbolTracked {
			if t.opp.State == domain.OpportunityActive {
				n++
			}
		}
	}
	return n
}
