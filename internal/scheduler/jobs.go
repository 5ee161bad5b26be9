package scheduler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

type Poller interface {
	PollOpen(ctx context.Context) (int, error)
}

// Marker is a ledger that accepts reference prices for its open positions.
type Marker interface {
	Open() []domain.Instrument
	Mark(instrumentKey string, price decimal.Decimal)
}

type PriceFeed interface {
	LastPrice(ctx context.Context, in domain.Instrument) (decimal.Decimal, error)
}

type Purger interface {
	Purge() int
}

// PollLive reconciles open live orders with the venue.
func PollLive(p Poller) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := p.PollOpen(ctx)
		if n > 0 {
			observ.L().Info("live fills reconciled", zap.Int("count", n))
		}
		return err
	}
}

// MarkToMarket refreshes the last price of every open position. A price that
// cannot be fetched leaves the previous mark in place.
func MarkToMarket(book Marker, prices PriceFeed, timeout time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, in := range book.Open() {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			px, err := prices.LastPrice(pctx, in)
			cancel()
			if err != nil {
				observ.L().Debug("mark skipped", zap.String("symbol", in.TradingSymbol), zap.Error(err))
				continue
			}
			book.Mark(in.Key(), px)
		}
		return ctx.Err()
	}
}

func PurgeExpired(p Purger) func(context.Context) error {
	return func(context.Context) error {
		if n := p.Purge(); n > 0 {
			observ.L().Debug("idempotency keys purged", zap.Int("count", n))
		}
		return nil
	}
}

// RefreshInstruments wraps a master refresh with its own deadline.
func RefreshInstruments(refresh func(context.Context) error, timeout time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return refresh(rctx)
	}
}
