package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/alert-bridge/internal/config"
	"github.com/Rajchodisetti/alert-bridge/internal/dispatch"
	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/failure"
	"github.com/Rajchodisetti/alert-bridge/internal/feed"
	"github.com/Rajchodisetti/alert-bridge/internal/intake"
	"github.com/Rajchodisetti/alert-bridge/internal/ledger"
	"github.com/Rajchodisetti/alert-bridge/internal/paper"
	"github.com/Rajchodisetti/alert-bridge/internal/pipeline"
)

func init() { gin.SetMode(gin.TestMode) }

type fakePipeline struct {
	resp      pipeline.Response
	manual    pipeline.ManualResponse
	cancel    domain.OrderResult
	lastReq   pipeline.Request
	lastOrder pipeline.ManualOrder
}

func (f *fakePipeline) Process(ctx context.Context, req pipeline.Request) pipeline.Response {
	f.lastReq = req
	return f.resp
}

func (f *fakePipeline) PlaceManual(ctx context.Context, m pipeline.ManualOrder) pipeline.ManualResponse {
	f.lastOrder = m
	return f.manual
}

func (f *fakePipeline) Cancel(ctx context.Context, id string) domain.OrderResult {
	f.cancel.OrderID = id
	return f.cancel
}

type fakeBook struct{}

func (fakeBook) Orders(limit int) []domain.OrderResult { return nil }
func (fakeBook) Book() []dispatch.Order                { return nil }

type harness struct {
	srv      *Server
	pipe     *fakePipeline
	feed     *feed.Feed
	settings *paper.SettingsStore
	paper    *ledger.Ledger
}

func newHarness(t *testing.T, cfg config.Server, hook config.Webhook) *harness {
	t.Helper()
	h := &harness{
		pipe:     &fakePipeline{},
		feed:     feed.New(50, time.Minute),
		settings: paper.NewSettingsStore(filepath.Join(t.TempDir(), "paper.json"), paper.Settings{Charge: decimal.NewFromInt(600)}),
	}
	h.paper = ledger.New(&ledger.MemoryLog{}, domain.Paper, h.settings.Charge)
	h.srv = New(cfg, hook, Deps{
		Pipeline: h.pipe,
		Orders:   fakeBook{},
		Feed:     h.feed,
		Paper:    h.paper,
		Settings: h.settings,
	}, WithHeartbeat(50*time.Millisecond))
	return h
}

func (h *harness) do(req *http.Request) (*httptest.ResponseRecorder, apiResponse) {
	w := httptest.NewRecorder()
	h.srv.Engine().ServeHTTP(w, req)
	var body apiResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestWebhookAccepted(t *testing.T) {
	h := newHarness(t, config.Server{}, config.Webhook{})
	h.pipe.resp = pipeline.Response{
		Outcome: intake.Outcome{Status: intake.Accepted},
		Result:  &domain.OrderResult{Status: domain.StatusSuccess, OrderID: "PAPER-1", Message: "paper order filled at 101.00"},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/futures", strings.NewReader(`{"symbol":"NIFTY"}`))
	req.Header.Set(webhookKeyHeader, "s3cret")
	req.Header.Set(ridHeader, "rid-42")

	w, body := h.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, statusSuccess, body.Status)
	assert.Equal(t, "rid-42", body.RID)
	assert.Equal(t, "rid-42", w.Header().Get(ridHeader))
	assert.Equal(t, "s3cret", h.pipe.lastReq.Token)
	assert.Equal(t, intake.KindFutures, h.pipe.lastReq.Kind)
	assert.JSONEq(t, `{"symbol":"NIFTY"}`, string(h.pipe.lastReq.Body))
}

func TestWebhookOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		resp   pipeline.Response
		code   int
		status string
	}{
		{"duplicate", pipeline.Response{Outcome: intake.Outcome{Status: intake.Duplicate, Kind: failure.KindDuplicate}}, http.StatusOK, statusDuplicate},
		{"unauthorized", pipeline.Response{Outcome: intake.Outcome{Status: intake.Rejected, Kind: failure.KindAuthentication}}, http.StatusUnauthorized, statusError},
		{"validation", pipeline.Response{Outcome: intake.Outcome{Status: intake.Rejected, Kind: failure.KindValidation}}, http.StatusBadRequest, statusError},
		{"resolution", pipeline.Response{
			Outcome: intake.Outcome{Status: intake.Rejected, Kind: failure.KindResolution},
			Result:  &domain.OrderResult{Status: domain.StatusFailure, Kind: string(failure.KindResolution)},
		}, http.StatusUnprocessableEntity, statusError},
		{"unknown", pipeline.Response{
			Outcome: intake.Outcome{Status: intake.Accepted},
			Result:  &domain.OrderResult{Status: domain.StatusUnknown, Kind: string(failure.KindTimeout)},
		}, http.StatusAccepted, statusUnknown},
		{"dispatch failure", pipeline.Response{
			Outcome: intake.Outcome{Status: intake.Accepted},
			Result:  &domain.OrderResult{Status: domain.StatusFailure, Kind: string(failure.KindDispatch)},
		}, http.StatusBadGateway, statusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, config.Server{}, config.Webhook{})
			h.pipe.resp = tc.resp
			w, body := h.do(httptest.NewRequest(http.MethodPost, "/webhook/trade", strings.NewReader(`{}`)))
			assert.Equal(t, tc.code, w.Code)
			assert.Equal(t, tc.status, body.Status)
		})
	}
}

func TestWebhookIPWhitelist(t *testing.T) {
	h := newHarness(t, config.Server{}, config.Webhook{IPWhitelist: []string{"10.0.0.1"}})
	w, body := h.do(httptest.NewRequest(http.MethodPost, "/webhook/trade", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(failure.KindAuthentication), body.Kind)
}

func TestWebhookPerClientLimit(t *testing.T) {
	h := newHarness(t, config.Server{}, config.Webhook{RateLimitPerMin: 2})
	h.pipe.resp = pipeline.Response{Outcome: intake.Outcome{Status: intake.Duplicate}}
	for i := 0; i < 2; i++ {
		w, _ := h.do(httptest.NewRequest(http.MethodPost, "/webhook/trade", strings.NewReader(`{}`)))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, body := h.do(httptest.NewRequest(http.MethodPost, "/webhook/trade", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(failure.KindRateLimited), body.Kind)
}

func TestAdminEndpointsNeedToken(t *testing.T) {
	h := newHarness(t, config.Server{AdminToken: "admin"}, config.Webhook{})

	w, _ := h.do(httptest.NewRequest(http.MethodPost, "/paper/enabled?value=true", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, h.settings.Enabled())

	req := httptest.NewRequest(http.MethodPost, "/paper/enabled?value=true", nil)
	req.Header.Set("Authorization", "Bearer admin")
	w, _ = h.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, h.settings.Enabled())

	// reads stay open
	w, body := h.do(httptest.NewRequest(http.MethodGet, "/paper/enabled", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"enabled": true}, body.Data)
}

func TestPaperSettingsUpdate(t *testing.T) {
	h := newHarness(t, config.Server{}, config.Webhook{})
	req := httptest.NewRequest(http.MethodPut, "/paper/settings", strings.NewReader(`{"charge":"450","buy_slippage":"2.5"}`))
	req.Header.Set("Content-Type", "application/json")
	w, _ := h.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	st := h.settings.Get()
	assert.True(t, st.Charge.Equal(decimal.NewFromInt(450)))
	assert.True(t, st.BuySlippage.Equal(decimal.RequireFromString("2.5")))

	req = httptest.NewRequest(http.MethodPut, "/paper/settings", strings.NewReader(`{"charge":"-1"}`))
	req.Header.Set("Content-Type", "application/json")
	w, body := h.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(failure.KindValidation), body.Kind)
}

func TestPaperLedgerViews(t *testing.T) {
	h := newHarness(t, config.Server{}, config.Webhook{})
	inst := domain.Instrument{SecurityID: "49081", TradingSymbol: "NIFTY-Jan2026-24000-CE", Segment: domain.SegmentNSEFNO, LotSize: 75}
	ctx := context.Background()
	for _, tr := range []domain.Trade{
		{Instrument: inst, Side: domain.Buy, Quantity: 75, Price: decimal.NewFromInt(100), Mode: domain.Paper},
		{Instrument: inst, Side: domain.Sell, Quantity: 75, Price: decimal.NewFromInt(110), Mode: domain.Paper},
	} {
		_, _, err := h.paper.Record(ctx, tr)
		require.NoError(t, err)
	}

	w, body := h.do(httptest.NewRequest(http.MethodGet, "/paper/trades?limit=1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body.Data, 1)

	w, body = h.do(httptest.NewRequest(http.MethodGet, "/paper/roundtrips", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body.Data, 1)

	w, _ = h.do(httptest.NewRequest(http.MethodPost, "/paper/clear", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, h.paper.Trades(0), 2)

	w, _ = h.do(httptest.NewRequest(http.MethodPost, "/paper/clear?confirm=yes", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, h.paper.Trades(0))
}

func TestLiveRoutesWithoutLedger(t *testing.T) {
	h := newHarness(t, config.Server{}, config.Webhook{})
	w, _ := h.do(httptest.NewRequest(http.MethodGet, "/live/trades", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPlaceAndCancelOrder(t *testing.T) {
	h := newHarness(t, config.Server{}, config.Webhook{})
	h.pipe.manual = pipeline.ManualResponse{Result: domain.OrderResult{Status: domain.StatusSuccess, OrderID: "PAPER-9"}}

	req := httptest.NewRequest(http.MethodPost, "/order/place", strings.NewReader(`{"symbol":"NIFTY-Jan2026-24000-CE","side":"BUY","qty":75,"price":"101.5"}`))
	req.Header.Set("Content-Type", "application/json")
	w, _ := h.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(75), h.pipe.lastOrder.Qty)
	assert.True(t, h.pipe.lastOrder.Price.Equal(decimal.RequireFromString("101.5")))

	w, _ = h.do(httptest.NewRequest(http.MethodPost, "/order/cancel", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.pipe.cancel = domain.OrderResult{Status: domain.StatusFailure, Kind: string(failure.KindNotCancellable), Message: "order PAPER-9: not cancellable"}
	w, body := h.do(httptest.NewRequest(http.MethodPost, "/order/cancel?order_id=PAPER-9", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, body.Message, "not cancellable")
}

func TestSymbolSearchRequiresQuery(t *testing.T) {
	h := newHarness(t, config.Server{}, config.Webhook{})
	w, _ := h.do(httptest.NewRequest(http.MethodGet, "/symbol-search", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, config.Server{}, config.Webhook{})
	w := httptest.NewRecorder()
	h.srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestReplayFrom(t *testing.T) {
	f := feed.New(10, time.Minute)
	a := f.Publish(feed.Event{Outcome: feed.Accepted})
	b := f.Publish(feed.Event{Outcome: feed.Rejected})
	c := f.Publish(feed.Event{Outcome: feed.Duplicate})

	ids := func(es []feed.Event) []string {
		var out []string
		for _, e := range es {
			out = append(out, e.ID)
		}
		return out
	}
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids(replayFrom(f, "")))
	assert.Equal(t, []string{c.ID}, ids(replayFrom(f, b.ID)))
	assert.Empty(t, replayFrom(f, c.ID))
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids(replayFrom(f, "gone")))
}

func TestStreamPushesEvents(t *testing.T) {
	h := newHarness(t, config.Server{}, config.Webhook{})
	first := h.feed.Publish(feed.Event{Outcome: feed.Accepted, Source: "webhook/options"})

	ts := httptest.NewServer(h.srv.Engine())
	defer ts.Close()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(ts.URL + "/feed/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	ev := readSSE(t, r)
	assert.Equal(t, "accepted", ev["event"])
	assert.Equal(t, first.ID, ev["id"])
	assert.Equal(t, "watermark", readSSE(t, r)["event"])

	next := h.feed.Publish(feed.Event{Outcome: feed.Rejected, Kind: "validation"})
	ev = readSSE(t, r)
	assert.Equal(t, "rejected", ev["event"])
	assert.Equal(t, next.ID, ev["id"])
	assert.Contains(t, ev["data"], `"kind":"validation"`)
}

// readSSE reads one event block, skipping heartbeat comments.
func readSSE(t *testing.T, r *bufio.Reader) map[string]string {
	t.Helper()
	out := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if len(out) > 0 {
				return out
			}
		case strings.HasPrefix(line, ":"):
		default:
			k, v, _ := strings.Cut(line, ": ")
			out[k] = v
		}
	}
}
