package paper

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/failure"
)

// PriceFeed returns the last traded price of an instrument.
type PriceFeed interface {
	LastPrice(ctx context.Context, in domain.Instrument) (decimal.Decimal, error)
}

// minTick keeps a sell fill from going to zero or below when slippage
// exceeds the reference price.
var minTick = decimal.RequireFromString("0.05")

// Simulator synthesizes fills for paper orders. Fills carry gross price only;
// charges are applied when the ledger settles a round trip.
type Simulator struct {
	settings     *SettingsStore
	feed         PriceFeed
	latencyMsMin int
	latencyMsMax int
	now          func() time.Time
}

type Option func(*Simulator)

func WithLatency(minMs, maxMs int) Option {
	return func(s *Simulator) {
		if maxMs < minMs {
			maxMs = minMs
		}
		s.latencyMsMin, s.latencyMsMax = minMs, maxMs
	}
}

func WithClock(now func() time.Time) Option { return func(s *Simulator) { s.now = now } }

func NewSimulator(settings *SettingsStore, feed PriceFeed, opts ...Option) *Simulator {
	s := &Simulator{settings: settings, feed: feed, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fill prices intent and returns the resulting trade. The trade id and
// sequence are assigned by the ledger.
func (s *Simulator) Fill(ctx context.Context, intent domain.OrderIntent) (domain.Trade, error) {
	if err := s.wait(ctx); err != nil {
		return domain.Trade{}, failure.Wrap(failure.KindTimeout, err, "simulated latency")
	}

	var (
		price  decimal.Decimal
		source domain.PriceSource
	)
	switch intent.OrderType {
	case domain.Limit:
		if !intent.Price.IsPositive() {
			return domain.Trade{}, failure.New(failure.KindValidation, "limit order without price")
		}
		price, source = intent.Price, domain.SourceAlert
	default:
		ref, src, err := s.reference(ctx, intent)
		if err != nil {
			return domain.Trade{}, err
		}
		cfg := s.settings.Get()
		if intent.Side == domain.Buy {
			price = ref.Add(cfg.BuySlippage)
		} else {
			price = ref.Sub(cfg.SellSlippage)
			if price.LessThan(minTick) {
				price = minTick
			}
		}
		source = src
	}

	return domain.Trade{
		OrderID:     "PAPER-" + strings.ToUpper(uuid.NewString()[:8]),
		Instrument:  intent.Instrument,
		Side:        intent.Side,
		Quantity:    intent.Quantity,
		Price:       price,
		Timestamp:   s.now().UTC(),
		Mode:        domain.Paper,
		PriceSource: source,
	}, nil
}

// reference prefers the price carried by the alert, then the price feed.
func (s *Simulator) reference(ctx context.Context, intent domain.OrderIntent) (decimal.Decimal, domain.PriceSource, error) {
	if intent.Price.IsPositive() {
		return intent.Price, domain.SourceAlert, nil
	}
	if s.feed == nil {
		return decimal.Zero, "", failure.New(failure.KindDispatch, "reference price unavailable")
	}
	ltp, err := s.feed.LastPrice(ctx, intent.Instrument)
	if err != nil {
		return decimal.Zero, "", failure.Wrap(failure.KindDispatch, err, "reference price unavailable")
	}
	if !ltp.IsPositive() {
		return decimal.Zero, "", failure.New(failure.KindDispatch, "reference price unavailable")
	}
	return ltp, domain.SourceResolver, nil
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.latencyMsMax <= 0 {
		return ctx.Err()
	}
	ms := s.latencyMsMin
	if span := s.latencyMsMax - s.latencyMsMin; span > 0 {
		ms += rand.Intn(span + 1)
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
