package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingSettings holds a user's per-account exit-suggestion and
// trigger configuration, consulted by the Position Exit Monitor
// (§4.7) and Trigger Detector (§4.8).
type TradingSettings struct {
	UserID string

	ExitSuggestionsEnabled bool
	ExitAPYThreshold       decimal.Decimal
	AutoCloseEnabled       bool

	UpdatedAt time.Time
}

// Platform identifies a notification webhook's target chat platform.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformSlack    Platform = "slack"
	PlatformGeneric  Platform = "webhook"
)

// NotificationWebhook is a user-configured delivery target for the
// Notifier Dispatcher (§4.10).
type NotificationWebhook struct {
	ID       string
	UserID   string
	Platform Platform
	URL      string
	Enabled  bool

	// MinRateThreshold filters out opportunity/exit events below this
	// spread percent.
	MinRateThreshold decimal.Decimal

	// AllowedMinutes restricts delivery to specific minute-of-hour
	// values (notificationMinuteWindows, §6); empty means "always".
	AllowedMinutes []int
}

// Allowed reports whether a webhook is eligible to fire at t, honoring
// its minute-of-hour window.
func (w NotificationWebhook) Allowed(t time.Time) bool {
	if len(w.AllowedMinutes) == 0 {
		return true
	}
	minute := t.Minute()
	for _, m := range w.AllowedMinutes {
		if m == minute {
			return true
		}
	}
	return false
}

// APIKeyCredential is a decrypted per-venue credential handed out by
// the keystore for the duration of a single call. Callers must not
// cache it; Zero wipes the secret bytes promptly after use per the
// design notes' credential-handling policy.
type APIKeyCredential struct {
	UserID     string
	Venue      string
	APIKey     []byte
	APISecret  []byte
	Passphrase []byte
}

// Zero overwrites every secret byte slice with zeros. Safe to call
// more than once.
func (c *APIKeyCredential) Zero() {
	zero(c.APIKey)
	zero(c.APISecret)
	zero(c.Passphrase)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// AuditEvent records a single security-sensitive action — per the
// design notes, every credential decryption is logged with the
// issuing user and purpose.
type AuditEvent struct {
	UserID  string
	Action  string
	Purpose string
	Venue   string
	At      time.Time
	Detail  string
}
