// Command engine runs the cross-exchange funding-rate arbitrage
// core: it connects a funding-rate pool per configured venue,
// aggregates and caches the best long/short pair per symbol, and
// drives the opportunity/exit/trigger/close/notification pipeline
// described across §4.
//
// Uses a getEnv-driven bootstrap and a "construct everything, start
// goroutines, block on SIGINT/SIGTERM, clean up" shutdown shape,
// generalized from a single market-data ingestion service into the
// full engine since there is no separate backend process for the
// core to publish into.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/adapter"
	"crossspread-arb-engine/internal/adapter/bingx"
	"crossspread-arb-engine/internal/adapter/gateio"
	"crossspread-arb-engine/internal/adapter/okx"
	"crossspread-arb-engine/internal/aggregator"
	"crossspread-arb-engine/internal/closer"
	"crossspread-arb-engine/internal/config"
	"crossspread-arb-engine/internal/datasource"
	"crossspread-arb-engine/internal/detector"
	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/events"
	"crossspread-arb-engine/internal/exitmonitor"
	"crossspread-arb-engine/internal/keystore"
	"crossspread-arb-engine/internal/metrics"
	"crossspread-arb-engine/internal/notifier"
	"crossspread-arb-engine/internal/pool"
	"crossspread-arb-engine/internal/repository"
	"crossspread-arb-engine/internal/trigger"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadYAML(getEnv("ARB_CONFIG_FILE", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg = config.ApplyEnv(cfg)

	symbols := strings.Split(getEnv("ARB_SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT"), ",")
	enabledVenues := strings.Split(getEnv("ARB_VENUES", "okx,gateio,bingx"), ",")

	log.Info().
		Strs("symbols", symbols).
		Strs("venues", enabledVenues).
		Str("metrics", cfg.MetricsAddr).
		Msg("starting crossspread arbitrage engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := metrics.NewServer(cfg.MetricsAddr, log.Logger)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	pg, err := repository.Open(ctx, repository.PoolConfig{
		Host: cfg.Postgres.Host, Port: cfg.Postgres.Port, User: cfg.Postgres.User,
		Password: cfg.Postgres.Password, Database: cfg.Postgres.Database, SSLMode: cfg.Postgres.SSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pg.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()

	ks, err := keystore.New(keystore.Config{
		Enabled: cfg.Vault.Enabled, Address: cfg.Vault.Address, Token: cfg.Vault.Token,
		MountPath: cfg.Vault.MountPath, BasePath: cfg.Vault.BasePath,
	}, pg.AuditLog())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keystore")
	}

	bus := events.New(512)

	dataSources := datasource.New(bus, redisClient, cfg.StaleThreshold(), cfg.ConnectionRecoveryDelay(), log.Logger)
	dataSources.Start(ctx)

	adapters := make(map[string]adapter.Adapter)
	pools := make(map[string]*pool.Pool)

	for _, venue := range enabledVenues {
		venue = strings.TrimSpace(strings.ToLower(venue))
		if venue == "" {
			continue
		}
		factory, ok := venueFactory(venue, log.Logger)
		if !ok {
			log.Warn().Str("venue", venue).Msg("unknown venue, skipping")
			continue
		}
		maxPerConn, ok := cfg.PerVenueMaxPerConnection[venue]
		if !ok {
			maxPerConn = 20
		}

		p := pool.New(venue, maxPerConn, factory, bus)
		pools[venue] = p
		adapters[venue] = factory()

		if failures := p.SubscribeAll(ctx, symbols); len(failures) > 0 {
			for sym, err := range failures {
				log.Warn().Err(err).Str("venue", venue).Str("symbol", sym).Msg("failed to subscribe")
			}
		}
		dataSources.EnableWebSocket(ctx, venue, domain.DataTypeFundingRate)
		log.Info().Str("venue", venue).Int("symbols", len(symbols)).Msg("venue pool online")
	}

	if len(pools) == 0 {
		log.Fatal().Msg("no venue pools started")
	}

	agg := aggregator.New(bus, decimal.Zero, decimal.Zero)
	forwardRatesToAggregator(ctx, bus, agg, dataSources)

	threshold := decimal.NewFromFloat(cfg.FundingRateThreshold)
	det := detector.New(bus, pg.ArbitrageOpportunities(), pg.OpportunityHistories(), threshold, log.Logger)
	det.Start(ctx)
	defer det.Stop()

	exitMon := exitmonitor.New(bus, pg.Positions(), pg.TradingSettings(), ks, adapters, cfg.ExitSuggestionDebounce(), log.Logger)
	exitMon.Start(ctx)
	defer exitMon.Stop()

	posCloser := closer.New(bus, pg.Positions(), pg.Trades(), adapters, ks, cfg.CloseAttemptTimeout(), log.Logger)

	triggerTolerance := decimal.NewFromFloat(cfg.TriggerPriceTolerance)
	triggerDet := trigger.New(bus, pg.Positions(), posCloser, redisClient, triggerTolerance, cfg.TriggerDedupWindow(), log.Logger)
	triggerDet.Start(ctx)
	defer triggerDet.Stop()

	var bot *tgbotapi.BotAPI
	if token := os.Getenv("ARB_TELEGRAM_BOT_TOKEN"); token != "" {
		b, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize telegram bot, telegram notifications disabled")
		} else {
			bot = b
		}
	}
	notify := notifier.New(pg.NotificationWebhooks(), bot, log.Logger)
	wireNotifications(ctx, bus, notify)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	for venue, p := range pools {
		p.Destroy()
		log.Info().Str("venue", venue).Msg("pool destroyed")
	}
	dataSources.Stop()
	if err := metricsServer.Stop(context.Background()); err != nil {
		log.Error().Err(err).Msg("error stopping metrics server")
	}
}

// venueFactory returns a pool.Factory constructing a fresh,
// unconnected adapter for venue, using any credentials the operator
// supplied via environment variables. A zero-value Credentials
// restricts the adapter to public-only data, matching each adapter's
// own documented behavior.
func venueFactory(venue string, logger zerolog.Logger) (pool.Factory, bool) {
	switch venue {
	case "okx":
		creds := okx.Credentials{
			APIKey: os.Getenv("ARB_OKX_API_KEY"), APISecret: os.Getenv("ARB_OKX_API_SECRET"),
			Passphrase: os.Getenv("ARB_OKX_PASSPHRASE"),
		}
		return func() adapter.Adapter { return okx.New(creds, logger) }, true
	case "gateio":
		creds := gateio.Credentials{APIKey: os.Getenv("ARB_GATEIO_API_KEY"), APISecret: os.Getenv("ARB_GATEIO_API_SECRET")}
		return func() adapter.Adapter { return gateio.New(creds, logger) }, true
	case "bingx":
		creds := bingx.Credentials{APIKey: os.Getenv("ARB_BINGX_API_KEY"), APISecret: os.Getenv("ARB_BINGX_API_SECRET")}
		return func() adapter.Adapter { return bingx.New(creds, logger) }, true
	default:
		return nil, false
	}
}

// forwardRatesToAggregator drains the pool's raw funding-rate events
// into the aggregator and keeps the Data-Source Manager's
// last-received timestamp current, so its staleness loop can detect a
// venue gone silent.
func forwardRatesToAggregator(ctx context.Context, bus *events.Bus, agg *aggregator.Aggregator, dataSources *datasource.Manager) {
	rateCh, _ := bus.Subscribe(pool.AdapterFundingRateTopic)
	batchCh, _ := bus.Subscribe(pool.AdapterFundingRateBatchTopic)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-rateCh:
				if !ok {
					return
				}
				pe, ok := payload.(pool.PoolEvent)
				if !ok || pe.Event.FundingRate == nil {
					continue
				}
				agg.Update(toDomainRate(pe.Event.Venue, *pe.Event.FundingRate))
				dataSources.UpdateLastDataReceived(ctx, pe.Event.Venue, domain.DataTypeFundingRate, 0)
			case payload, ok := <-batchCh:
				if !ok {
					return
				}
				pe, ok := payload.(pool.PoolEvent)
				if !ok {
					continue
				}
				for _, fr := range pe.Event.FundingRateBatch {
					agg.Update(toDomainRate(pe.Event.Venue, fr))
				}
				dataSources.UpdateLastDataReceived(ctx, pe.Event.Venue, domain.DataTypeFundingRate, 0)
			}
		}
	}()
}

func toDomainRate(venue string, fr adapter.FundingRate) domain.FundingRate {
	return domain.FundingRate{
		Venue: venue, Symbol: fr.Symbol, Rate: fr.Rate, MarkPrice: fr.MarkPrice,
		IndexPrice: fr.IndexPrice, HasIndexPrice: fr.HasIndexPrice,
		NextFundingTime: fr.NextFundingTime, FundingIntervalHours: fr.FundingIntervalHours,
		ReceivedAt: fr.ReceivedAt, Source: domain.SourceWebSocket,
	}
}

// wireNotifications bridges the opportunity/exit/trigger/close events
// onto the Notifier Dispatcher. Each position/opportunity record
// carries its own UserID except ArbitrageOpportunity, which is
// system-wide; opportunity notifications are best-effort broadcast to
// whichever users have a webhook configured for "system" updates and
// are dispatched per the webhook's own filters.
func wireNotifications(ctx context.Context, bus *events.Bus, notify *notifier.Dispatcher) {
	detected, _ := bus.Subscribe(events.TopicOpportunityDetected)
	exitSuggested, _ := bus.Subscribe(events.TopicExitSuggested)
	closeSucceeded, _ := bus.Subscribe(events.TopicCloseSucceeded)
	closePartial, _ := bus.Subscribe(events.TopicClosePartial)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-detected:
				if !ok {
					return
				}
				opp, ok := payload.(domain.ArbitrageOpportunity)
				if !ok {
					continue
				}
				notify.Dispatch(ctx, notifier.Event{
					UserID: "system", Kind: notifier.KindOpportunityDetected, Symbol: opp.Symbol,
					Title:       "Arbitrage opportunity detected",
					Message:     opp.Symbol + ": long " + opp.LongVenue + " / short " + opp.ShortVenue,
					RatePercent: opp.CurrentDifference.Mul(decimal.NewFromInt(100)),
					At:          time.Now(),
				})
			case payload, ok := <-exitSuggested:
				if !ok {
					return
				}
				pos, ok := payload.(domain.Position)
				if !ok {
					continue
				}
				notify.Dispatch(ctx, notifier.Event{
					UserID: pos.UserID, Kind: notifier.KindExitSuggested, Symbol: pos.Symbol,
					Title: "Exit suggested", Message: pos.Symbol + ": " + string(pos.ExitReason), At: time.Now(),
				})
			case payload, ok := <-closeSucceeded:
				if !ok {
					return
				}
				trade, ok := payload.(domain.Trade)
				if !ok {
					continue
				}
				notify.Dispatch(ctx, notifier.Event{
					UserID: trade.UserID, Kind: notifier.KindPositionClosed, Symbol: trade.Symbol,
					Title: "Position closed", Message: trade.Symbol + " closed, PnL " + trade.TotalPnL.String(), At: time.Now(),
				})
			case payload, ok := <-closePartial:
				if !ok {
					return
				}
				res, ok := payload.(closer.CloseResult)
				if !ok {
					continue
				}
				notify.Dispatch(ctx, notifier.Event{
					UserID: "system", Kind: notifier.KindPositionClosed,
					Title: "Position close requires manual intervention", Message: res.PositionID + ": " + res.Err, At: time.Now(),
				})
			}
		}
	}()
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
