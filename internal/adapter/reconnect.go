package adapter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"crossspread-arb-engine/internal/metrics"
)

// HealthCheckTimeout is the silence duration for a WebSocket health
// check (§4.1). Nothing in this module reads it: no watchdog measures
// silence on a connection or forces a reconnect.
const HealthCheckTimeout = 60 * time.Second

// ReconnectLoop retries connect repeatedly with exponential backoff
// and jitter, capped at maxInterval, until connect succeeds or ctx is
// canceled. After a successful connect it returns nil so the caller
// can resubscribe from its own subscribed-set.
//
// Uses cenkalti/backoff's jittered exponential policy rather than a
// fixed time.Sleep between attempts: a fixed delay against an
// exchange outage causes every adapter to hammer the venue in
// lockstep.
func ReconnectLoop(ctx context.Context, venue string, maxInterval time.Duration, logger zerolog.Logger, connect func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = maxInterval
	bo.MaxElapsedTime = 0 // retry indefinitely until ctx is done
	bctx := backoff.WithContext(bo, ctx)

	attempt := 0
	op := func() error {
		attempt++
		metrics.RecordReconnect(venue)
		err := connect(ctx)
		if err != nil {
			logger.Warn().Err(err).Str("venue", venue).Int("attempt", attempt).Msg("reconnect attempt failed")
		}
		return err
	}

	return backoff.Retry(op, bctx)
}
