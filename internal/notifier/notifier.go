// Package notifier implements the Notifier Dispatcher (§4.10): for a
// user-facing event (opportunity detected, exit suggested, position
// closed), it loads that user's enabled webhooks, filters by
// platform/threshold/minute-window eligibility, formats a per-platform
// payload, and delivers to each webhook in parallel with per-webhook
// failure isolation — one bad endpoint never blocks delivery to the
// rest.
//
// The dispatch shape is a multi-provider fan-out: Dispatcher sends one
// Event to every eligible webhook. It uses go-telegram-bot-api/v5
// rather than hand-rolled HTTP for the Telegram leg — without
// emoji-decorated message text.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/metrics"
	"crossspread-arb-engine/internal/repository"
)

// Kind classifies the event being dispatched, used only to shape the
// formatted message text.
type Kind string

const (
	KindOpportunityDetected Kind = "opportunity_detected"
	KindExitSuggested       Kind = "exit_suggested"
	KindTriggerDetected     Kind = "trigger_detected"
	KindPositionClosed      Kind = "position_closed"
)

// Event is the user-facing payload to deliver to every eligible
// webhook.
type Event struct {
	UserID      string
	Kind        Kind
	Symbol      string
	Title       string
	Message     string
	RatePercent decimal.Decimal // used against a webhook's MinRateThreshold
	At          time.Time
}

// Dispatcher loads a user's webhooks and delivers an Event to each
// eligible one.
type Dispatcher struct {
	webhooks repository.NotificationWebhooks
	bot      *tgbotapi.BotAPI
	http     *http.Client
	log      zerolog.Logger
}

// New constructs a Dispatcher. bot may be nil, in which case Telegram
// webhooks are skipped (e.g. when no bot token is configured).
func New(webhooks repository.NotificationWebhooks, bot *tgbotapi.BotAPI, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		webhooks: webhooks,
		bot:      bot,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      logger,
	}
}

// Dispatch loads ev.UserID's enabled webhooks, filters by eligibility,
// and delivers to each in parallel. A single webhook's failure is
// logged and counted but never aborts delivery to the others.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	hooks, err := d.webhooks.FindEnabledByUserID(ctx, ev.UserID)
	if err != nil {
		d.log.Warn().Err(err).Str("userId", ev.UserID).Msg("notifier: failed to load webhooks")
		return
	}

	var wg sync.WaitGroup
	for _, hook := range hooks {
		if !eligible(hook, ev) {
			continue
		}
		hook := hook
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliver(ctx, hook, ev)
		}()
	}
	wg.Wait()
}

// eligible applies the webhook's own threshold and minute-window
// filters on top of the caller's event.
func eligible(hook domain.NotificationWebhook, ev Event) bool {
	if !hook.Enabled {
		return false
	}
	if !hook.MinRateThreshold.IsZero() && ev.RatePercent.Abs().LessThan(hook.MinRateThreshold) {
		return false
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return hook.Allowed(at)
}

func (d *Dispatcher) deliver(ctx context.Context, hook domain.NotificationWebhook, ev Event) {
	var err error
	switch hook.Platform {
	case domain.PlatformTelegram:
		err = d.sendTelegram(hook, ev)
	case domain.PlatformDiscord:
		err = d.sendDiscord(ctx, hook, ev)
	case domain.PlatformSlack:
		err = d.sendSlack(ctx, hook, ev)
	default:
		err = d.sendGeneric(ctx, hook, ev)
	}

	outcome := "delivered"
	if err != nil {
		outcome = "failed"
		d.log.Warn().Err(err).Str("webhookId", hook.ID).Str("platform", string(hook.Platform)).
			Msg("notifier: delivery failed")
	}
	metrics.RecordNotificationSent(string(hook.Platform), outcome)
}

func (d *Dispatcher) sendTelegram(hook domain.NotificationWebhook, ev Event) error {
	if d.bot == nil {
		return fmt.Errorf("notifier: telegram bot not configured")
	}
	chatID, err := strconv.ParseInt(hook.URL, 10, 64)
	if err != nil {
		return fmt.Errorf("notifier: webhook %s has a non-numeric telegram chat id: %w", hook.ID, err)
	}
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("%s\n\n%s", ev.Title, ev.Message))
	_, err = d.bot.Send(msg)
	return err
}

func (d *Dispatcher) sendDiscord(ctx context.Context, hook domain.NotificationWebhook, ev Event) error {
	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       ev.Title,
			"description": ev.Message,
			"timestamp":   ev.At.Format(time.RFC3339),
		}},
	}
	return d.postJSON(ctx, hook.URL, payload, http.StatusNoContent)
}

func (d *Dispatcher) sendSlack(ctx context.Context, hook domain.NotificationWebhook, ev Event) error {
	payload := map[string]any{
		"text": fmt.Sprintf("*%s*\n%s", ev.Title, ev.Message),
	}
	return d.postJSON(ctx, hook.URL, payload, http.StatusOK)
}

func (d *Dispatcher) sendGeneric(ctx context.Context, hook domain.NotificationWebhook, ev Event) error {
	payload := map[string]any{
		"title":       ev.Title,
		"message":     ev.Message,
		"symbol":      ev.Symbol,
		"kind":        ev.Kind,
		"ratePercent": ev.RatePercent.String(),
		"at":          ev.At.Format(time.RFC3339),
	}
	return d.postJSON(ctx, hook.URL, payload, http.StatusOK)
}

// postJSON POSTs payload as JSON to url, accepting either wantStatus
// or, generously, any 2xx response (some webhook receivers return 201
// or 204 inconsistently).
func (d *Dispatcher) postJSON(ctx context.Context, url string, payload any, wantStatus int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notifier: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notifier: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("notifier: post to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == wantStatus || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	return fmt.Errorf("notifier: %s returned status %d", url, resp.StatusCode)
}
