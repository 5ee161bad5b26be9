package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/failure"
	"github.com/Rajchodisetti/alert-bridge/internal/feed"
	"github.com/Rajchodisetti/alert-bridge/internal/idempotency"
	"github.com/Rajchodisetti/alert-bridge/internal/instrument"
	"github.com/Rajchodisetti/alert-bridge/internal/intake"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

type stubResolver struct {
	inst domain.Instrument
	err  error
}

func (s stubResolver) Resolve(ctx context.Context, q instrument.Query) (domain.Instrument, error) {
	return s.inst, s.err
}

type recordingDispatcher struct {
	mu        sync.Mutex
	submitted []domain.OrderIntent
	rejected  []string
	cancelled []string
}

func (d *recordingDispatcher) Submit(ctx context.Context, in domain.OrderIntent) domain.OrderResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitted = append(d.submitted, in)
	return domain.OrderResult{Status: domain.StatusSuccess, OrderID: "PAPER-1", Mode: domain.Paper, Intent: &in, RequestID: observ.RequestID(ctx)}
}

func (d *recordingDispatcher) Cancel(ctx context.Context, id string) domain.OrderResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, id)
	return domain.OrderResult{Status: domain.StatusFailure, OrderID: id, Kind: string(failure.KindNotCancellable), Message: "not cancellable"}
}

func (d *recordingDispatcher) Reject(ctx context.Context, corr string, err error) domain.OrderResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected = append(d.rejected, corr)
	return domain.OrderResult{Status: domain.StatusFailure, Kind: string(failure.KindOf(err)), Message: failure.Message(err)}
}

type stubSymbols struct{ m map[string]domain.Instrument }

func (s stubSymbols) Lookup(sym string) (domain.Instrument, bool) {
	in, ok := s.m[sym]
	return in, ok
}

func (s stubSymbols) Search(q, segment string, limit int) []domain.Instrument {
	var out []domain.Instrument
	for _, in := range s.m {
		out = append(out, in)
	}
	return out
}

var niftyCE = domain.Instrument{SecurityID: "49081", TradingSymbol: "NIFTY-Jan2026-24000-CE", Segment: domain.SegmentNSEFNO, LotSize: 75}

func newPipeline(res instrument.Resolver, secret string) (*Pipeline, *recordingDispatcher, *feed.Feed) {
	in := intake.New(intake.Config{Secret: secret, DedupeWindow: time.Minute}, idempotency.NewMemoryStore(), res)
	d := &recordingDispatcher{}
	f := feed.New(50, time.Minute)
	return New(in, d, f, stubSymbols{m: map[string]domain.Instrument{niftyCE.TradingSymbol: niftyCE}}), d, f
}

const optionAlert = `{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":1,"token":"s3cret"}`

func TestProcessAcceptedAlert(t *testing.T) {
	p, d, f := newPipeline(stubResolver{inst: niftyCE}, "s3cret")
	ctx := observ.WithRequestID(context.Background(), "rid-1")

	resp := p.Process(ctx, Request{Body: []byte(optionAlert), Kind: intake.KindOptions})
	require.Equal(t, intake.Accepted, resp.Outcome.Status, resp.Outcome.Reason)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "rid-1", resp.RequestID)
	assert.Len(t, d.submitted, 1)

	events := f.Recent(10)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, resp.EventID, e.ID)
	assert.Equal(t, feed.Accepted, e.Outcome)
	require.NotNil(t, e.Result, "order result attached to the event")
	assert.Equal(t, "PAPER-1", e.Result.OrderID)
	require.NotNil(t, e.Instrument)

	var req map[string]any
	require.NoError(t, json.Unmarshal(e.Request, &req))
	assert.NotContains(t, req, "token")
	assert.Equal(t, "NIFTY", req["index"])
}

func TestProcessDuplicateIsPublishedNotDispatched(t *testing.T) {
	p, d, f := newPipeline(stubResolver{inst: niftyCE}, "")
	p.Process(context.Background(), Request{Body: []byte(optionAlert)})
	resp := p.Process(context.Background(), Request{Body: []byte(optionAlert)})

	assert.Equal(t, intake.Duplicate, resp.Outcome.Status)
	assert.Nil(t, resp.Result)
	assert.Len(t, d.submitted, 1)
	events := f.Recent(10)
	require.Len(t, events, 2)
	assert.Equal(t, feed.Duplicate, events[0].Outcome)
	assert.NotEqual(t, events[0].ID, events[1].ID)
	assert.Equal(t, events[0].Fingerprint, events[1].Fingerprint)
}

func TestProcessUnauthorizedLeavesNoTrace(t *testing.T) {
	p, d, f := newPipeline(stubResolver{inst: niftyCE}, "other")
	resp := p.Process(context.Background(), Request{Body: []byte(optionAlert)})
	assert.Equal(t, failure.KindAuthentication, resp.Outcome.Kind)
	assert.Empty(t, f.History(10))
	assert.Empty(t, d.submitted)
}

func TestProcessMalformedIsRecorded(t *testing.T) {
	p, _, f := newPipeline(stubResolver{inst: niftyCE}, "")
	resp := p.Process(context.Background(), Request{Body: []byte(`{"index":`)})
	assert.Equal(t, intake.Rejected, resp.Outcome.Status)
	assert.Equal(t, failure.KindValidation, resp.Outcome.Kind)

	events := f.Recent(10)
	require.Len(t, events, 1)
	assert.True(t, events[0].Failed())
	assert.JSONEq(t, `"{\"index\":"`, string(events[0].Request))

	frac := p.Process(context.Background(), Request{Body: []byte(`{"index":"NIFTY","strike":24000,"option_type":"CE","side":"BUY","lots":"1.9"}`)})
	assert.Equal(t, intake.Rejected, frac.Outcome.Status)
	assert.Equal(t, failure.KindValidation, frac.Outcome.Kind)
	assert.Nil(t, frac.Result)
}

func TestProcessResolutionFailureForwarded(t *testing.T) {
	p, d, f := newPipeline(stubResolver{err: instrument.ErrNotFound}, "")
	resp := p.Process(context.Background(), Request{Body: []byte(optionAlert)})
	assert.Equal(t, failure.KindResolution, resp.Outcome.Kind)
	require.NotNil(t, resp.Result)
	assert.Equal(t, string(failure.KindResolution), resp.Result.Kind)
	assert.Equal(t, []string{resp.Outcome.AlertID}, d.rejected)
	assert.NotNil(t, f.Recent(1)[0].Result)
}

func TestPlaceManual(t *testing.T) {
	p, d, f := newPipeline(stubResolver{}, "")
	ctx := observ.WithRequestID(context.Background(), "manual-1")

	resp := p.PlaceManual(ctx, ManualOrder{Symbol: niftyCE.TradingSymbol, Segment: "NSE_FNO", Side: "SELL", Qty: 150, OrderType: "LIMIT", Price: decimal.NewFromInt(90)})
	require.True(t, resp.Result.OK(), resp.Result.Message)
	require.Len(t, d.submitted, 1)
	in := d.submitted[0]
	assert.True(t, in.Manual)
	assert.Equal(t, "manual-1", in.CorrelationID)
	assert.Equal(t, domain.Limit, in.OrderType)
	assert.Equal(t, feed.Manual, f.Recent(1)[0].Outcome)

	bad := p.PlaceManual(ctx, ManualOrder{Symbol: niftyCE.TradingSymbol, Side: "BUY", Qty: 10})
	assert.Equal(t, string(failure.KindValidation), bad.Result.Kind)
	assert.Contains(t, bad.Result.Message, "multiple of lot size")

	missing := p.PlaceManual(ctx, ManualOrder{Symbol: "NIFTY-XYZ", Segment: "NSE_FNO", Side: "BUY", Qty: 75})
	assert.Equal(t, string(failure.KindResolution), missing.Result.Kind)
	assert.Equal(t, []string{niftyCE.TradingSymbol}, missing.Suggestions)
	assert.Len(t, d.submitted, 1)
}

func TestCancelPublishes(t *testing.T) {
	p, d, f := newPipeline(stubResolver{}, "")
	res := p.Cancel(context.Background(), "PAPER-1")
	assert.Contains(t, res.Message, "not cancellable")
	assert.Equal(t, []string{"PAPER-1"}, d.cancelled)
	assert.Equal(t, "manual/cancel", f.Recent(1)[0].Source)
}
