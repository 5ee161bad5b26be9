package broker

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

var ErrStale = errors.New("last price unavailable or stale")

var priceKeys = []string{"last_price", "lastPrice", "LastPrice", "ltp", "LTP", "lastTradedPrice", "last_traded_price"}

type priceEntry struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// PriceFeed serves last traded prices from the market feed endpoint behind
// a small TTL cache. A failed fetch falls back to a cached price younger than
// the stale ceiling.
type PriceFeed struct {
	client  *Client
	limiter *rate.Limiter
	ttl     time.Duration
	ceiling time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]priceEntry
}

func NewPriceFeed(c *Client, perSecond float64, ttl, ceiling time.Duration) *PriceFeed {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &PriceFeed{
		client:  c,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		ttl:     ttl,
		ceiling: ceiling,
		now:     time.Now,
		cache:   map[string]priceEntry{},
	}
}

func (f *PriceFeed) LastPrice(ctx context.Context, in domain.Instrument) (decimal.Decimal, error) {
	key := in.Key()
	f.mu.RLock()
	e, ok := f.cache[key]
	f.mu.RUnlock()
	if ok && f.now().Sub(e.fetchedAt) < f.ttl {
		observ.IncCounter("ltp_cache_hits_total", nil)
		return e.price, nil
	}

	p, err := f.fetch(ctx, in)
	if err == nil {
		f.mu.Lock()
		f.cache[key] = priceEntry{price: p, fetchedAt: f.now()}
		f.mu.Unlock()
		return p, nil
	}
	observ.IncCounter("ltp_errors_total", nil)
	if ok && f.now().Sub(e.fetchedAt) < f.ceiling {
		return e.price, nil
	}
	return decimal.Zero, errors.Wrapf(ErrStale, "%s: %v", key, err)
}

func (f *PriceFeed) fetch(ctx context.Context, in domain.Instrument) (decimal.Decimal, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	id, err := strconv.ParseInt(in.SecurityID, 10, 64)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "security id %q", in.SecurityID)
	}
	resp, err := f.client.do(ctx, http.MethodPost, "/marketfeed/ltp", map[string][]int64{in.Segment: {id}})
	if err != nil {
		return decimal.Zero, err
	}
	// {"data":{"NSE_FNO":{"49081":{"last_price":368.15}}}}
	if data, ok := resp["data"].(map[string]any); ok {
		if seg, ok := data[in.Segment].(map[string]any); ok {
			if p, ok := scanPrice(seg[in.SecurityID]); ok {
				return p, nil
			}
		}
	}
	if p, ok := scanPrice(resp); ok {
		return p, nil
	}
	return decimal.Zero, errors.New("no price in market feed response")
}

// scanPrice finds the first positive price-like field anywhere in v.
func scanPrice(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range priceKeys {
			if p, ok := toDecimal(t[k]); ok {
				return p, true
			}
		}
		for _, inner := range t {
			if p, ok := scanPrice(inner); ok {
				return p, true
			}
		}
	case []any:
		for _, inner := range t {
			if p, ok := scanPrice(inner); ok {
				return p, true
			}
		}
	}
	return decimal.Zero, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	var d decimal.Decimal
	switch t := v.(type) {
	case float64:
		d = decimal.NewFromFloat(t)
	case string:
		p, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero, false
		}
		d = p
	default:
		return decimal.Zero, false
	}
	return d, d.IsPositive()
}
