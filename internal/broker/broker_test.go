package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/failure"
)

var niftyCE = domain.Instrument{SecurityID: "49081", Segment: domain.SegmentNSEFNO, TradingSymbol: "NIFTY-Jan2026-24000-CE", LotSize: 75}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", ClientID: "1100", AccessToken: "tok", Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestPlaceOrder(t *testing.T) {
	var got placeRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("access-token"))
		assert.Equal(t, "1100", r.Header.Get("client-id"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		_, _ = w.Write([]byte(`{"orderId":"112111182198","orderStatus":"PENDING"}`))
	})

	res, err := c.PlaceOrder(context.Background(), domain.OrderIntent{
		Instrument:    niftyCE,
		Side:          domain.Buy,
		Quantity:      75,
		OrderType:     domain.Limit,
		Price:         decimal.RequireFromString("101.5"),
		Product:       domain.Intraday,
		Validity:      domain.Day,
		CorrelationID: "alert-0123456789abcdef0123456789",
	})
	require.NoError(t, err)
	assert.Equal(t, "112111182198", res.OrderID)
	assert.Equal(t, domain.OrderOpen, res.State)

	assert.Equal(t, "NSE_FNO", got.ExchangeSegment)
	assert.Equal(t, "BUY", got.TransactionType)
	assert.Equal(t, 101.5, got.Price)
	assert.Equal(t, "1100", got.DhanClientID)
	assert.Len(t, got.CorrelationID, maxCorrelationLen)
}

func TestPlaceOrderFilledOnPlacement(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orderId":"9","orderStatus":"TRADED","filledQty":75,"averageTradedPrice":120.4}`))
	})
	res, err := c.PlaceOrder(context.Background(), domain.OrderIntent{Instrument: niftyCE, Side: domain.Sell, Quantity: 75, OrderType: domain.Market})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, res.State)
	assert.Equal(t, int64(75), res.FilledQty)
	assert.True(t, res.AvgPrice.Equal(decimal.RequireFromString("120.4")))
}

func TestPlaceOrderNestedOrderID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"77","orderStatus":"TRANSIT"}}`))
	})
	res, err := c.PlaceOrder(context.Background(), domain.OrderIntent{Instrument: niftyCE, Side: domain.Sell, Quantity: 75, OrderType: domain.Market})
	require.NoError(t, err)
	assert.Equal(t, "77", res.OrderID)
	assert.Equal(t, domain.OrderPending, res.State)
}

func TestPlaceOrderBrokerErrorWithHint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorType":"Order_Error","errorCode":"DH-906","errorMessage":"Segment not active"}`))
	})
	_, err := c.PlaceOrder(context.Background(), domain.OrderIntent{Instrument: niftyCE, Side: domain.Buy, Quantity: 75, OrderType: domain.Market})
	require.Error(t, err)
	assert.Equal(t, failure.KindDispatch, failure.KindOf(err))
	assert.Contains(t, err.Error(), "DH-906")
	assert.Contains(t, err.Error(), "not enabled")
}

func TestPlaceOrderTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.PlaceOrder(ctx, domain.OrderIntent{Instrument: niftyCE, Side: domain.Buy, Quantity: 75, OrderType: domain.Market})
	require.Error(t, err)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
}

func TestCancelAndStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			assert.Equal(t, "/orders/55", r.URL.Path)
			_, _ = w.Write([]byte(`{"orderId":"55","orderStatus":"CANCELLED"}`))
		case http.MethodGet:
			_, _ = w.Write([]byte(`[{"orderId":"55","orderStatus":"TRADED","filledQty":75,"averageTradedPrice":101.35}]`))
		}
	})
	res, err := c.CancelOrder(context.Background(), "55")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, res.State)

	st, err := c.OrderStatus(context.Background(), "55")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, st.State)
	assert.Equal(t, int64(75), st.FilledQty)
	assert.True(t, st.AvgPrice.Equal(decimal.RequireFromString("101.35")), st.AvgPrice.String())
}

func TestPriceFeedParsesAndCaches(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string][]int64
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, []int64{49081}, body["NSE_FNO"])
		_, _ = w.Write([]byte(`{"data":{"NSE_FNO":{"49081":{"last_price":368.15}}},"status":"success"}`))
	})
	f := NewPriceFeed(c, 100, time.Minute, time.Hour)

	p, err := f.LastPrice(context.Background(), niftyCE)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("368.15")))

	_, err = f.LastPrice(context.Background(), niftyCE)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPriceFeedAlternateFieldNames(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"securityId":"49081","lastPrice":"212.40"}]}`))
	})
	f := NewPriceFeed(c, 100, 0, 0)
	p, err := f.LastPrice(context.Background(), niftyCE)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("212.4")))
}

func TestPriceFeedStale(t *testing.T) {
	var fail atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"NSE_FNO":{"49081":{"ltp":100}}}}`))
	})
	now := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	f := NewPriceFeed(c, 100, time.Second, time.Minute)
	f.now = func() time.Time { return now }

	_, err := f.LastPrice(context.Background(), niftyCE)
	require.NoError(t, err)

	fail.Store(true)
	now = now.Add(10 * time.Second)
	p, err := f.LastPrice(context.Background(), niftyCE)
	require.NoError(t, err, "cached price within the ceiling is still served")
	assert.True(t, p.Equal(decimal.NewFromInt(100)))

	now = now.Add(2 * time.Minute)
	_, err = f.LastPrice(context.Background(), niftyCE)
	assert.ErrorIs(t, err, ErrStale)
}
