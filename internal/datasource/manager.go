// Package datasource implements the Data-Source Manager (§4.3): a
// process-wide singleton tracking, per (venue, dataType), whether
// market data is currently flowing over WebSocket or has fallen back
// to REST polling, and whether the active source has gone stale.
//
// State is mirrored into Redis so a restart (or a second process
// inspecting health) can recover the last known mode without waiting
// for the next adapter event: a small namespaced key per entity,
// JSON-encoded, with a background ticker driving periodic
// re-evaluation. When no Redis client is configured, the constructor
// falls back to a protected in-memory map so the manager still works
// in tests and single-process deployments.
package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/events"
	"crossspread-arb-engine/internal/metrics"
)

const (
	keyPrefix = "arb:datasource"

	// DefaultStaleThreshold is how long a (venue, dataType) pair can go
	// without data before it is considered stale (§6 staleThresholdMs).
	DefaultStaleThreshold = 90 * time.Second

	// staleCheckInterval is how often the background loop re-evaluates
	// staleness and emits the stale event for any pair still stale.
	staleCheckInterval = 10 * time.Second

	// DefaultRecoveryDelay is how long the manager waits after a
	// disconnect before attempting to restore WebSocket mode.
	DefaultRecoveryDelay = 30 * time.Second
)

// Manager tracks DataSourceState for every (venue, dataType) pair the
// process cares about and emits TopicDataSourceSwitched /
// TopicDataSourceStale onto the shared bus on every transition.
type Manager struct {
	bus            *events.Bus
	redis          *redis.Client
	log            zerolog.Logger
	staleThreshold time.Duration
	recoveryDelay  time.Duration

	mu       sync.Mutex
	mem      map[string]domain.DataSourceState
	timers   map[string]*time.Timer
	recovers map[string]func(context.Context) error

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Manager. client may be nil, in which case state is
// held only in memory.
func New(bus *events.Bus, client *redis.Client, staleThreshold, recoveryDelay time.Duration, logger zerolog.Logger) *Manager {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if recoveryDelay <= 0 {
		recoveryDelay = DefaultRecoveryDelay
	}
	return &Manager{
		bus:            bus,
		redis:          client,
		log:            logger,
		staleThreshold: staleThreshold,
		recoveryDelay:  recoveryDelay,
		mem:            make(map[string]domain.DataSourceState),
		timers:         make(map[string]*time.Timer),
		recovers:       make(map[string]func(context.Context) error),
		stopCh:         make(chan struct{}),
	}
}

// Start launches the background staleness-polling loop. Call Stop to
// release it.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.staleLoop(ctx)
}

// Stop halts the background loop and any pending recovery timers.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	for _, t := range m.timers {
		t.Stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) staleLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkStale(ctx)
		}
	}
}

func (m *Manager) checkStale(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	states := make([]domain.DataSourceState, 0, len(m.mem))
	for _, s := range m.mem {
		states = append(states, s)
	}
	m.mu.Unlock()

	for _, s := range states {
		if !s.IsStale(now, m.staleThreshold) {
			continue
		}
		m.log.Warn().Str("venue", s.Venue).Str("dataType", string(s.DataType)).
			Dur("since", now.Sub(s.LastDataReceivedAt)).Msg("data source stale")
		metrics.DataSourceStale.WithLabelValues(s.Venue, string(s.DataType)).Inc()
		m.bus.Publish(events.TopicDataSourceStale, s)

		// A stalled WebSocket is treated like a disconnect: demote the
		// pair to REST and schedule a recovery attempt.
		if s.Mode != domain.ModeWebSocket {
			continue
		}
		m.switchMode(ctx, s.Venue, s.DataType, domain.ModeREST, "stale")
		key := s.Key()
		m.mu.Lock()
		rec := m.recovers[key]
		m.mu.Unlock()
		if rec != nil {
			venue, dataType := s.Venue, s.DataType
			m.armRecoveryTimer(key, func() { m.tryRecoverWebSocket(ctx, venue, dataType, rec) })
		}
	}
}

// State returns the current known state for (venue, dataType),
// preferring Redis if configured.
func (m *Manager) State(ctx context.Context, venue string, dataType domain.DataType) (domain.DataSourceState, bool) {
	key := stateKey(venue, dataType)
	if m.redis != nil {
		raw, err := m.redis.Get(ctx, redisKey(key)).Result()
		if err == nil {
			var s domain.DataSourceState
			if jsonErr := json.Unmarshal([]byte(raw), &s); jsonErr == nil {
				return s, true
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.mem[key]
	return s, ok
}

func (m *Manager) save(ctx context.Context, s domain.DataSourceState) {
	key := s.Key()
	m.mu.Lock()
	m.mem[key] = s
	m.mu.Unlock()

	if m.redis == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := m.redis.Set(ctx, redisKey(key), raw, 0).Err(); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("datasource: redis set failed")
	}
}

// switchMode transitions (venue, dataType) to mode for reason,
// publishing TopicDataSourceSwitched when the mode actually changes.
func (m *Manager) switchMode(ctx context.Context, venue string, dataType domain.DataType, mode domain.Mode, reason string) domain.DataSourceState {
	key := stateKey(venue, dataType)
	m.mu.Lock()
	s, ok := m.mem[key]
	if !ok {
		s = domain.DataSourceState{Venue: venue, DataType: dataType}
	}
	m.mu.Unlock()

	changed := s.Mode != mode
	s.Mode = mode
	s.LastSwitchReason = reason
	s.LastSwitchAt = time.Now()
	m.save(ctx, s)

	if changed {
		m.log.Info().Str("venue", venue).Str("dataType", string(dataType)).
			Str("mode", string(mode)).Str("reason", reason).Msg("data source mode switched")
		metrics.RecordDataSourceMode(venue, string(dataType), mode == domain.ModeWebSocket)
		m.bus.Publish(events.TopicDataSourceSwitched, s)
	}
	return s
}

// EnableWebSocket records that the adapter for (venue, dataType)
// connected. Per §4.3, a connect event after REST fallback switches
// mode back to websocket and clears any pending recovery timer.
func (m *Manager) EnableWebSocket(ctx context.Context, venue string, dataType domain.DataType) domain.DataSourceState {
	m.cancelRecoveryTimer(stateKey(venue, dataType))
	m.mu.Lock()
	key := stateKey(venue, dataType)
	s, ok := m.mem[key]
	m.mu.Unlock()
	if !ok {
		s = domain.DataSourceState{Venue: venue, DataType: dataType}
	}
	s.WebSocketAvailable = true
	m.mu.Lock()
	m.mem[key] = s
	m.mu.Unlock()
	return m.switchMode(ctx, venue, dataType, domain.ModeWebSocket, "adapter connected")
}

// DisableWebSocket records a disconnect/error/timeout for (venue,
// dataType): the manager falls back to REST immediately and arms a
// recovery timer at m.recoveryDelay to retry WebSocket.
func (m *Manager) DisableWebSocket(ctx context.Context, venue string, dataType domain.DataType, reason string, recover func(context.Context) error) domain.DataSourceState {
	m.mu.Lock()
	key := stateKey(venue, dataType)
	s, ok := m.mem[key]
	m.mu.Unlock()
	if !ok {
		s = domain.DataSourceState{Venue: venue, DataType: dataType}
	}
	s.WebSocketAvailable = false
	m.mu.Lock()
	m.mem[key] = s
	m.mu.Unlock()

	state := m.switchMode(ctx, venue, dataType, domain.ModeREST, reason)
	if recover != nil {
		m.mu.Lock()
		m.recovers[key] = recover
		m.mu.Unlock()
		m.armRecoveryTimer(key, func() { m.tryRecoverWebSocket(ctx, venue, dataType, recover) })
	}
	return state
}

// tryRecoverWebSocket invokes recover; on success the caller's own
// adapter Connect path is expected to subsequently call
// EnableWebSocket once the connection event fires. On failure, a new
// recovery timer is armed for another attempt.
func (m *Manager) tryRecoverWebSocket(ctx context.Context, venue string, dataType domain.DataType, recover func(context.Context) error) {
	key := stateKey(venue, dataType)
	if err := recover(ctx); err != nil {
		m.log.Warn().Err(err).Str("venue", venue).Str("dataType", string(dataType)).
			Msg("websocket recovery attempt failed, rearming timer")
		m.armRecoveryTimer(key, func() { m.tryRecoverWebSocket(ctx, venue, dataType, recover) })
	}
}

func (m *Manager) armRecoveryTimer(key string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	m.timers[key] = time.AfterFunc(m.recoveryDelay, fn)
}

func (m *Manager) cancelRecoveryTimer(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
}

// UpdateLastDataReceived stamps (venue, dataType) as having just
// received data, clearing any stale condition.
func (m *Manager) UpdateLastDataReceived(ctx context.Context, venue string, dataType domain.DataType, latency time.Duration) {
	key := stateKey(venue, dataType)
	m.mu.Lock()
	s, ok := m.mem[key]
	m.mu.Unlock()
	if !ok {
		s = domain.DataSourceState{Venue: venue, DataType: dataType, Mode: domain.ModeWebSocket}
	}
	s.LastDataReceivedAt = time.Now()
	s.Latency = latency
	m.save(ctx, s)
}

func stateKey(venue string, dataType domain.DataType) string {
	return venue + "|" + string(dataType)
}

func redisKey(stateKey string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, stateKey)
}
