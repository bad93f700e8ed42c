package datasource

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/events"
)

func TestDisableThenEnableWebSocketSwitchesMode(t *testing.T) {
	bus := events.New(16)
	ch, _ := bus.Subscribe(events.TopicDataSourceSwitched)
	m := New(bus, nil, time.Minute, time.Hour, zerolog.Nop())
	ctx := context.Background()

	m.DisableWebSocket(ctx, "okx", domain.DataTypeFundingRate, "disconnected", nil)
	s, ok := m.State(ctx, "okx", domain.DataTypeFundingRate)
	if !ok || s.Mode != domain.ModeREST {
		t.Fatalf("state after disable = %+v, ok=%v; want mode rest", s, ok)
	}

	m.EnableWebSocket(ctx, "okx", domain.DataTypeFundingRate)
	s, ok = m.State(ctx, "okx", domain.DataTypeFundingRate)
	if !ok || s.Mode != domain.ModeWebSocket {
		t.Fatalf("state after enable = %+v, ok=%v; want mode websocket", s, ok)
	}

	select {
	case <-ch:
	default:
		t.Error("expected at least one dataSourceSwitched event")
	}
}

func TestUpdateLastDataReceivedClearsStale(t *testing.T) {
	bus := events.New(16)
	m := New(bus, nil, 50*time.Millisecond, time.Hour, zerolog.Nop())
	ctx := context.Background()

	m.UpdateLastDataReceived(ctx, "gateio", domain.DataTypeFundingRate, time.Millisecond)
	s, ok := m.State(ctx, "gateio", domain.DataTypeFundingRate)
	if !ok {
		t.Fatal("expected state to exist after UpdateLastDataReceived")
	}
	if s.IsStale(time.Now(), 50*time.Millisecond) {
		t.Error("state should not be stale immediately after update")
	}
	if !s.IsStale(time.Now().Add(time.Second), 50*time.Millisecond) {
		t.Error("state should be stale well past the threshold")
	}
}

func TestStaleWebSocketDemotesToREST(t *testing.T) {
	bus := events.New(16)
	switched, _ := bus.Subscribe(events.TopicDataSourceSwitched)
	stale, _ := bus.Subscribe(events.TopicDataSourceStale)
	m := New(bus, nil, 50*time.Millisecond, time.Hour, zerolog.Nop())
	ctx := context.Background()

	m.EnableWebSocket(ctx, "okx", domain.DataTypeFundingRate)
	<-switched // drain the enable transition

	// No data ever arrived, so the pair is stale past the threshold.
	m.checkStale(ctx)

	select {
	case <-stale:
	default:
		t.Fatal("expected a dataSourceStale event")
	}
	select {
	case ev := <-switched:
		s := ev.(domain.DataSourceState)
		if s.Mode != domain.ModeREST {
			t.Fatalf("mode after stale = %s, want rest", s.Mode)
		}
		if s.LastSwitchReason != "stale" {
			t.Errorf("switch reason = %q, want stale", s.LastSwitchReason)
		}
	default:
		t.Fatal("expected a dataSourceSwitched event demoting the stale pair to REST")
	}
}

func TestRecoveryTimerRetriesOnFailure(t *testing.T) {
	bus := events.New(16)
	m := New(bus, nil, time.Minute, 10*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	attempts := make(chan struct{}, 4)
	recover := func(context.Context) error {
		attempts <- struct{}{}
		return context.DeadlineExceeded
	}
	m.DisableWebSocket(ctx, "bingx", domain.DataTypeFundingRate, "timeout", recover)

	select {
	case <-attempts:
	case <-time.After(time.Second):
		t.Fatal("expected at least one recovery attempt")
	}
	select {
	case <-attempts:
	case <-time.After(time.Second):
		t.Fatal("expected recovery to be retried after failure")
	}
	m.Stop()
}
