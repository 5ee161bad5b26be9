package main

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/alert-bridge/internal/broker"
	"github.com/Rajchodisetti/alert-bridge/internal/config"
	"github.com/Rajchodisetti/alert-bridge/internal/dispatch"
	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/feed"
	"github.com/Rajchodisetti/alert-bridge/internal/idempotency"
	"github.com/Rajchodisetti/alert-bridge/internal/instrument"
	"github.com/Rajchodisetti/alert-bridge/internal/intake"
	"github.com/Rajchodisetti/alert-bridge/internal/ledger"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
	"github.com/Rajchodisetti/alert-bridge/internal/paper"
	"github.com/Rajchodisetti/alert-bridge/internal/pipeline"
	"github.com/Rajchodisetti/alert-bridge/internal/scheduler"
	"github.com/Rajchodisetti/alert-bridge/internal/server"
)

const purgeSpec = "@every 1m"

type job struct {
	name, spec string
	run        func(context.Context) error
}

type app struct {
	settings *paper.SettingsStore
	master   *instrument.Master
	server   *server.Server
	cron     *scheduler.Runner
	closers  []io.Closer
	shutdown []func()
}

func (a *app) close() {
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		a.shutdown[i]()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			observ.L().Warn("close failed", zap.Error(err))
		}
	}
}

// build wires every component from cfg. Anything that fails to start here
// aborts startup.
func build(ctx context.Context, cfg config.Root) (*app, error) {
	a := &app{}
	log := observ.L()

	policy, err := instrument.PolicyByName(cfg.Instruments.ExpiryPolicy)
	if err != nil {
		return nil, err
	}
	a.master = instrument.NewMaster(instrument.WithPolicy(policy), instrument.WithStrikeSteps(cfg.Instruments.StrikeSteps))
	refresh := func(ctx context.Context) error {
		return a.master.Refresh(ctx, cfg.Instruments.MasterURL, cfg.Instruments.CachePath)
	}
	if err := a.master.LoadFile(cfg.Instruments.CachePath); err != nil {
		log.Info("instrument cache unavailable, downloading", zap.String("path", cfg.Instruments.CachePath), zap.Error(err))
		rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		if err := refresh(rctx); err != nil {
			log.Warn("instrument master download failed, alerts will not resolve until refreshed", zap.Error(err))
		}
		cancel()
	}

	store, purger, err := idempotencyStore(ctx, cfg.Idempotency)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	a.settings = paper.NewSettingsStore(cfg.Paper.SettingsPath, paper.Settings{
		Enabled:      cfg.Paper.DefaultEnabled,
		Charge:       decimal.NewFromFloat(cfg.Paper.Charge),
		BuySlippage:  decimal.NewFromFloat(cfg.Paper.BuySlippage),
		SellSlippage: decimal.NewFromFloat(cfg.Paper.SellSlippage),
	})
	if err := a.settings.Load(); err != nil {
		return nil, err
	}

	var (
		prices  paper.PriceFeed
		gateway *broker.Client
		ltp     *broker.PriceFeed
	)
	if cfg.Broker.Enabled() {
		gateway, err = broker.NewClient(broker.Config{
			BaseURL:     cfg.Broker.BaseURL,
			ClientID:    cfg.Broker.ClientID,
			AccessToken: cfg.Broker.AccessToken,
			Timeout:     cfg.Broker.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		ltp = broker.NewPriceFeed(gateway, float64(cfg.Broker.LTPPerSec),
			time.Duration(cfg.Broker.LTPCacheMs)*time.Millisecond,
			time.Duration(cfg.Broker.LTPStaleSec)*time.Second)
		prices = ltp
	} else {
		log.Warn("broker credentials not set: live orders will fail and paper fills need alert prices")
	}

	paperLog, liveLog, err := tradeLogs(cfg.Ledger, a)
	if err != nil {
		return nil, err
	}
	paperBook := ledger.New(paperLog, domain.Paper, a.settings.Charge)
	liveBook := ledger.New(liveLog, domain.Live, a.settings.Charge)
	for _, b := range []*ledger.Ledger{paperBook, liveBook} {
		if err := b.Rebuild(ctx); err != nil {
			return nil, errors.Wrapf(err, "rebuild %s ledger", b.Mode())
		}
	}

	var feedOpts []feed.Option
	if len(cfg.Feed.Kafka.Brokers) > 0 && cfg.Feed.Kafka.Topic != "" {
		ks := feed.NewKafkaSink(cfg.Feed.Kafka.Brokers, cfg.Feed.Kafka.Topic)
		a.closers = append(a.closers, ks)
		feedOpts = append(feedOpts, feed.WithSink(ks, 256))
	}
	if cfg.Feed.Slack.WebhookURL != "" {
		feedOpts = append(feedOpts, feed.WithSink(feed.NewSlackSink(cfg.Feed.Slack.WebhookURL, cfg.Feed.Slack.Channel), 64))
	}
	events := feed.New(cfg.Feed.Capacity, cfg.Feed.TTL(), feedOpts...)
	a.shutdown = append(a.shutdown, events.Close)

	pacer := dispatch.NewPacer(float64(cfg.Dispatch.RatePerSec))
	a.shutdown = append(a.shutdown, pacer.Close)
	sim := paper.NewSimulator(a.settings, prices, paper.WithLatency(cfg.Paper.LatencyMsMin, cfg.Paper.LatencyMsMax))
	var dopts []dispatch.Option
	if gateway != nil {
		dopts = append(dopts, dispatch.WithGateway(gateway))
	}
	dispatcher := dispatch.New(dispatch.Config{
		SubmitTimeout: cfg.Dispatch.SubmitTimeout(),
		CancelTimeout: cfg.Dispatch.CancelTimeout(),
		RecentResults: cfg.Dispatch.RecentResults,
	}, a.settings, sim, paperBook, liveBook, pacer, store, dopts...)

	in := intake.New(intake.Config{
		Secret:         cfg.Webhook.Secret,
		DedupeWindow:   cfg.Webhook.DedupeWindow(),
		TimeBucket:     cfg.Webhook.TimeBucket(),
		ResolveTimeout: cfg.Webhook.ResolveTimeout(),
		StrikeSteps:    cfg.Instruments.StrikeSteps,
		DefaultLots:    cfg.Webhook.DefaultLots,
	}, store, a.master)
	if cfg.Webhook.Secret == "" {
		log.Warn("webhook secret not set: alerts are accepted without authentication")
	}

	a.server = server.New(cfg.Server, cfg.Webhook, server.Deps{
		Pipeline:    pipeline.New(in, dispatcher, events, a.master),
		Orders:      dispatcher,
		Feed:        events,
		Paper:       paperBook,
		Live:        liveBook,
		Settings:    a.settings,
		Instruments: a.master,
		Refresh:     refresh,
	})

	a.cron = scheduler.New(log, ctx)
	jobs := []job{{"instrument_refresh", cfg.Instruments.RefreshSpec, scheduler.RefreshInstruments(refresh, 5*time.Minute)}}
	if gateway != nil {
		jobs = append(jobs,
			job{"live_poll", cfg.Dispatch.PollSpec, scheduler.PollLive(dispatcher)},
			job{"paper_mark", cfg.Paper.MarkSpec, scheduler.MarkToMarket(paperBook, ltp, 5*time.Second)},
		)
	}
	if purger != nil {
		jobs = append(jobs, job{"idempotency_purge", purgeSpec, scheduler.PurgeExpired(purger)})
	}
	for _, j := range jobs {
		if _, err := a.cron.Add(j.name, j.spec, j.run); err != nil {
			return nil, errors.Wrapf(err, "schedule %s", j.name)
		}
	}
	return a, nil
}

func idempotencyStore(ctx context.Context, cfg config.Idempotency) (idempotency.Store, scheduler.Purger, error) {
	switch cfg.Backend {
	case "memory":
		m := idempotency.NewMemoryStore()
		return m, m, nil
	case "redis":
		rs := idempotency.NewRedisStore(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.KeyPrefix)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rs.Client.Ping(pctx).Err(); err != nil {
			_ = rs.Close()
			return nil, nil, errors.Wrapf(err, "redis ping %s", cfg.RedisAddr)
		}
		return rs, nil, nil
	}
	return nil, nil, errors.Errorf("unknown idempotency backend %q", cfg.Backend)
}

func tradeLogs(cfg config.Ledger, a *app) (ledger.TradeLog, ledger.TradeLog, error) {
	switch cfg.Backend {
	case "file":
		p, err := ledger.NewFileLog(withMode(cfg.Path, domain.Paper))
		if err != nil {
			return nil, nil, err
		}
		l, err := ledger.NewFileLog(withMode(cfg.Path, domain.Live))
		if err != nil {
			return nil, nil, err
		}
		return p, l, nil
	case "postgres":
		db, err := ledger.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if sqldb, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqldb)
		}
		p, err := ledger.NewGormLog(db, domain.Paper)
		if err != nil {
			return nil, nil, err
		}
		l, err := ledger.NewGormLog(db, domain.Live)
		if err != nil {
			return nil, nil, err
		}
		return p, l, nil
	}
	return nil, nil, errors.Errorf("unknown ledger backend %q", cfg.Backend)
}

// withMode turns data/trades.jsonl into data/trades.paper.jsonl.
func withMode(path string, mode domain.ExecMode) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + string(mode) + ext
}
