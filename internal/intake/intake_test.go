package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/failure"
	"github.com/Rajchodisetti/alert-bridge/internal/idempotency"
	"github.com/Rajchodisetti/alert-bridge/internal/instrument"
)

type fakeResolver struct {
	calls atomic.Int32
	last  instrument.Query
	mu    sync.Mutex
	inst  domain.Instrument
	err   error
	delay time.Duration
}

func (f *fakeResolver) Resolve(ctx context.Context, q instrument.Query) (domain.Instrument, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = q
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.Instrument{}, ctx.Err()
		}
	}
	return f.inst, f.err
}

var (
	clock   = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	niftyCE = domain.Instrument{
		SecurityID: "49081", TradingSymbol: "NIFTY-Jan2026-24000-CE", Underlying: "NIFTY",
		Segment: domain.SegmentNSEFNO, LotSize: 75, Strike: decimal.NewFromInt(24000), OptionType: domain.Call,
	}
)

func newIntake(res *fakeResolver, secret string) *Intake {
	return New(Config{Secret: secret, DedupeWindow: time.Minute, TimeBucket: time.Minute, ResolveTimeout: 100 * time.Millisecond},
		idempotency.NewMemoryStore().WithClock(func() time.Time { return clock }), res,
		WithClock(func() time.Time { return clock }))
}

func alert(t *testing.T, body string) Alert {
	t.Helper()
	a, err := ParseAlert([]byte(body))
	require.NoError(t, err)
	return a
}

func TestAcceptBuildsIntent(t *testing.T) {
	res := &fakeResolver{inst: niftyCE}
	in := newIntake(res, "s3cret")
	out := in.Accept(context.Background(), Request{
		Alert: alert(t, `{"index":"nifty","strike":"24010","option_type":"ce","side":"buy","lots":2,"product_type":"CNC"}`),
		Kind:  KindOptions, Token: "s3cret",
	})
	require.Equal(t, Accepted, out.Status, out.Reason)
	require.NotNil(t, out.Intent)
	assert.Equal(t, int64(150), out.Intent.Quantity)
	assert.Equal(t, domain.Intraday, out.Intent.Product, "CNC on a derivative segment")
	assert.Equal(t, domain.Market, out.Intent.OrderType)
	assert.Equal(t, domain.Day, out.Intent.Validity)
	assert.Equal(t, out.AlertID, out.Intent.CorrelationID)
	assert.NotEmpty(t, out.Fingerprint)
	assert.True(t, res.last.Strike.Equal(decimal.NewFromInt(24000)), "strike snapped to the 50 grid")
	assert.Equal(t, domain.Call, res.last.OptionType)
}

func TestAuthentication(t *testing.T) {
	res := &fakeResolver{inst: niftyCE}
	in := newIntake(res, "s3cret")
	body := `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":1}`

	out := in.Accept(context.Background(), Request{Alert: alert(t, body), Token: "wrong"})
	assert.Equal(t, Rejected, out.Status)
	assert.Equal(t, failure.KindAuthentication, out.Kind)
	assert.Zero(t, res.calls.Load())

	// a rejected credential leaves no dedupe trace
	out = in.Accept(context.Background(), Request{Alert: alert(t, `{"token":"s3cret",`+body[1:])})
	assert.Equal(t, Accepted, out.Status, out.Reason)
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"missing underlying":  `{"strike":24000,"option_type":"CE","side":"BUY","lots":1}`,
		"bad side":            `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"HOLD","lots":1}`,
		"no strike":           `{"index":"NIFTY","option_type":"CE","side":"BUY","lots":1}`,
		"bad option type":     `{"index":"NIFTY","strike":24000,"option_type":"XX","side":"BUY","lots":1}`,
		"no quantity":         `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY"}`,
		"limit without price": `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":1,"order_type":"LIMIT"}`,
		"negative lots":       `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":-1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			res := &fakeResolver{inst: niftyCE}
			out := newIntake(res, "").Accept(context.Background(), Request{Alert: alert(t, body), Kind: KindOptions})
			assert.Equal(t, Rejected, out.Status)
			assert.Equal(t, failure.KindValidation, out.Kind)
			assert.Zero(t, res.calls.Load())
		})
	}

	for name, body := range map[string]string{
		"fractional lots":   `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":"1.9"}`,
		"fractional qty":    `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","qty":75.5}`,
		"oversized lots":    `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":1e12}`,
		"non-numeric count": `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":"two"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAlert([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestValidationFailureReleasesClaims(t *testing.T) {
	res := &fakeResolver{inst: niftyCE}
	in := newIntake(res, "")

	bad := in.Accept(context.Background(), Request{Alert: alert(t, `{"idempotency_key":"tv-9","index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","qty":10}`)})
	require.Equal(t, Rejected, bad.Status)
	assert.Equal(t, failure.KindValidation, bad.Kind)

	fixed := in.Accept(context.Background(), Request{Alert: alert(t, `{"idempotency_key":"tv-9","index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","qty":75}`)})
	require.Equal(t, Accepted, fixed.Status, fixed.Reason)
	assert.Equal(t, bad.Fingerprint, fixed.Fingerprint)

	again := in.Accept(context.Background(), Request{Alert: alert(t, `{"idempotency_key":"tv-9","index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","qty":75}`)})
	assert.Equal(t, Duplicate, again.Status)

	body := `{"index":"NIFTY","strike":24000,"option_type":"PE","side":"SELL","lots":1,"product_type":"%s"}`
	badProduct := in.Accept(context.Background(), Request{Alert: alert(t, fmt.Sprintf(body, "BOGUS"))})
	require.Equal(t, Rejected, badProduct.Status)
	assert.Equal(t, failure.KindValidation, badProduct.Kind)
	ok := in.Accept(context.Background(), Request{Alert: alert(t, fmt.Sprintf(body, "NRML"))})
	assert.Equal(t, Accepted, ok.Status, ok.Reason)
}

func TestResolutionFailureKeepsClaim(t *testing.T) {
	res := &fakeResolver{err: instrument.ErrNotFound}
	in := newIntake(res, "")
	body := `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":1}`
	first := in.Accept(context.Background(), Request{Alert: alert(t, body)})
	require.Equal(t, failure.KindResolution, first.Kind)
	assert.Equal(t, Duplicate, in.Accept(context.Background(), Request{Alert: alert(t, body)}).Status)
}

func TestDuplicateFingerprintSkipsResolver(t *testing.T) {
	res := &fakeResolver{inst: niftyCE}
	in := newIntake(res, "")
	body := `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":1}`

	first := in.Accept(context.Background(), Request{Alert: alert(t, body)})
	require.Equal(t, Accepted, first.Status)
	second := in.Accept(context.Background(), Request{Alert: alert(t, body)})
	assert.Equal(t, Duplicate, second.Status)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Contains(t, second.Reason, first.AlertID)
	assert.Equal(t, int32(1), res.calls.Load())

	other := in.Accept(context.Background(), Request{Alert: alert(t, `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"SELL","lots":1}`)})
	assert.Equal(t, Accepted, other.Status)
}

func TestConcurrentDuplicatesYieldOneIntent(t *testing.T) {
	res := &fakeResolver{inst: niftyCE}
	in := newIntake(res, "")
	body := `{"index":"NIFTY","strike":24000,"option_type":"PE","side":"BUY","lots":1}`

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if in.Accept(context.Background(), Request{Alert: alert(t, body)}).Status == Accepted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestClientKeyDedupe(t *testing.T) {
	res := &fakeResolver{inst: niftyCE}
	in := newIntake(res, "")
	a := alert(t, `{"idempotency_key":"tv-1","index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":1,"timestamp":"2026-01-05T09:00:00Z"}`)
	first := in.Accept(context.Background(), Request{Alert: a})
	require.Equal(t, Accepted, first.Status)
	assert.Equal(t, "tv-1", first.AlertID)

	// same key, different bucket
	b := alert(t, `{"idempotency_key":"tv-1","index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":1,"timestamp":"2026-01-05T09:30:00Z"}`)
	assert.Equal(t, Duplicate, in.Accept(context.Background(), Request{Alert: b}).Status)
}

func TestResolutionFailures(t *testing.T) {
	res := &fakeResolver{err: instrument.ErrNotFound}
	out := newIntake(res, "").Accept(context.Background(), Request{Alert: alert(t, `{"index":"NIFTY","strike":99950,"option_type":"CE","side":"BUY","lots":1}`)})
	assert.Equal(t, Rejected, out.Status)
	assert.Equal(t, failure.KindResolution, out.Kind)
	assert.Contains(t, out.Reason, "NIFTY 99950CE")
	assert.False(t, failure.Retryable(failure.New(out.Kind, out.Reason)))

	slow := &fakeResolver{inst: niftyCE, delay: time.Second}
	out = newIntake(slow, "").Accept(context.Background(), Request{Alert: alert(t, `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":1}`)})
	assert.Equal(t, failure.KindResolution, out.Kind)
	assert.Contains(t, out.Reason, "timed out")

	broken := &fakeResolver{err: errors.New("connection refused")}
	out = newIntake(broken, "").Accept(context.Background(), Request{Alert: alert(t, `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":1}`)})
	assert.Equal(t, failure.KindResolution, out.Kind)
}

func TestQuantityRules(t *testing.T) {
	res := &fakeResolver{inst: niftyCE}
	in := newIntake(res, "")
	out := in.Accept(context.Background(), Request{Alert: alert(t, `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","qty":"150"}`)})
	require.Equal(t, Accepted, out.Status, out.Reason)
	assert.Equal(t, int64(150), out.Intent.Quantity)

	out = in.Accept(context.Background(), Request{Alert: alert(t, `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"SELL","qty":100}`)})
	assert.Equal(t, Rejected, out.Status)
	assert.Contains(t, out.Reason, "not a multiple of lot size 75")

	withDefault := New(Config{DefaultLots: 1}, idempotency.NewMemoryStore(), res)
	out = withDefault.Accept(context.Background(), Request{Alert: alert(t, `{"index":"NIFTY","strike":24000,"option_type":"PE","side":"BUY"}`)})
	require.Equal(t, Accepted, out.Status, out.Reason)
	assert.Equal(t, int64(75), out.Intent.Quantity)
}

func TestFuturesAlert(t *testing.T) {
	fut := domain.Instrument{SecurityID: "52175", TradingSymbol: "NIFTY-Jan2026-FUT", Underlying: "NIFTY", LotSize: 75}
	res := &fakeResolver{inst: fut}
	out := newIntake(res, "").Accept(context.Background(), Request{
		Alert: alert(t, `{"symbol":"NIFTY","action":"sell","lots":1,"expiry":"2026-01-27","order_type":"LIMIT","price":"24100.5"}`),
		Kind:  KindFutures,
	})
	require.Equal(t, Accepted, out.Status, out.Reason)
	assert.True(t, res.last.IsFuture())
	assert.Equal(t, 27, res.last.ExpiryHint.Day())
	assert.Equal(t, domain.SegmentNSEFNO, out.Intent.Instrument.Segment, "segment inferred from the symbol")
	assert.Equal(t, domain.Sell, out.Intent.Side)
	assert.True(t, out.Intent.Price.Equal(decimal.RequireFromString("24100.5")))
}

func TestSignalTime(t *testing.T) {
	fallback := time.Unix(0, 0)
	assert.Equal(t, int64(1767600000), Alert{Timestamp: "1767600000"}.SignalTime(fallback).Unix())
	assert.Equal(t, int64(1767600000), Alert{Timestamp: "1767600000000"}.SignalTime(fallback).Unix())
	assert.Equal(t, fallback, Alert{Timestamp: "soon"}.SignalTime(fallback))
}
