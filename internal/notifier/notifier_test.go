package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/domain"
)

type fakeWebhooks struct {
	byUser map[string][]domain.NotificationWebhook
}

func (f *fakeWebhooks) FindEnabledByUserID(ctx context.Context, userID string) ([]domain.NotificationWebhook, error) {
	return f.byUser[userID], nil
}

func TestDispatchFiltersBelowThreshold(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hooks := &fakeWebhooks{byUser: map[string][]domain.NotificationWebhook{
		"user-1": {
			{ID: "hook-below", UserID: "user-1", Platform: domain.PlatformGeneric, URL: srv.URL, Enabled: true, MinRateThreshold: decimal.NewFromFloat(1.0)},
			{ID: "hook-above", UserID: "user-1", Platform: domain.PlatformGeneric, URL: srv.URL, Enabled: true, MinRateThreshold: decimal.NewFromFloat(0.1)},
			{ID: "hook-disabled", UserID: "user-1", Platform: domain.PlatformGeneric, URL: srv.URL, Enabled: false},
		},
	}}

	d := New(hooks, nil, zerolog.Nop())
	d.Dispatch(context.Background(), Event{
		UserID: "user-1", Kind: KindOpportunityDetected, Symbol: "BTCUSDT",
		Title: "Opportunity", Message: "spread 0.5%", RatePercent: decimal.NewFromFloat(0.5), At: time.Now(),
	})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly one delivery (above-threshold, enabled hook), got %d", len(received))
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	var delivered int
	var mu sync.Mutex
	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer okServer.Close()
	failServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failServer.Close()

	hooks := &fakeWebhooks{byUser: map[string][]domain.NotificationWebhook{
		"user-1": {
			{ID: "hook-ok", UserID: "user-1", Platform: domain.PlatformGeneric, URL: okServer.URL, Enabled: true},
			{ID: "hook-fail", UserID: "user-1", Platform: domain.PlatformGeneric, URL: failServer.URL, Enabled: true},
		},
	}}

	d := New(hooks, nil, zerolog.Nop())
	d.Dispatch(context.Background(), Event{UserID: "user-1", Kind: KindExitSuggested, Title: "Exit", Message: "suggested"})

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("expected the healthy webhook to still receive delivery, got %d calls", delivered)
	}
}

func TestDispatchHonorsMinuteWindow(t *testing.T) {
	var delivered int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Now()
	wrongMinute := (now.Minute() + 30) % 60

	hooks := &fakeWebhooks{byUser: map[string][]domain.NotificationWebhook{
		"user-1": {
			{ID: "hook-windowed", UserID: "user-1", Platform: domain.PlatformGeneric, URL: srv.URL, Enabled: true, AllowedMinutes: []int{wrongMinute}},
		},
	}}

	d := New(hooks, nil, zerolog.Nop())
	d.Dispatch(context.Background(), Event{UserID: "user-1", Kind: KindPositionClosed, Title: "Closed", Message: "done", At: now})

	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Fatalf("expected no delivery outside the allowed minute window, got %d", delivered)
	}
}
