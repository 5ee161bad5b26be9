package instrument

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
)

const compactMaster = `SEM_EXM_EXCH_ID,SEM_SEGMENT,SEM_SMST_SECURITY_ID,SEM_INSTRUMENT_NAME,SEM_TRADING_SYMBOL,SEM_LOT_UNITS,SEM_EXPIRY_DATE,SEM_STRIKE_PRICE,SEM_OPTION_TYPE
NSE,D,40001,OPTIDX,NIFTY-Jan2026-24000-CE,75.0,2026-01-06 14:30:00,24000.00000,CE
NSE,D,40002,OPTIDX,NIFTY-Jan2026-24000-CE,75.0,2026-01-13 14:30:00,24000.00000,CE
NSE,D,40003,OPTIDX,NIFTY-Jan2026-24000-CE,75.0,2026-01-27 14:30:00,24000.00000,CE
NSE,D,40004,OPTIDX,NIFTY-Jan2026-24000-PE,75.0,2026-01-06 14:30:00,24000.00000,PE
NSE,D,40005,OPTIDX,NIFTY-Dec2025-24000-CE,75.0,2025-12-30 14:30:00,24000.00000,CE
NSE,D,41001,FUTIDX,NIFTY-Jan2026-FUT,75.0,2026-01-27 14:30:00,-0.01000,XX
NSE,D,41002,FUTIDX,NIFTY-Feb2026-FUT,75.0,2026-02-24 14:30:00,-0.01000,XX
NSE,D,42001,OPTIDX,BANKNIFTY-Jan2026-52000-PE,35.0,2026-01-27 14:30:00,52000.00000,PE
NSE,E,1333,EQUITY,HDFCBANK,1.0,0001-01-01,-0.01000,XX
`

const legacyMaster = `securityId,tradingSymbol,segment,lotSize,expiry
50001,SENSEX-Jan2026-80100-CE,BSE_FNO,20,2026-01-08
`

var asOf = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

func loadedMaster(t *testing.T, opts ...MasterOption) *Master {
	t.Helper()
	m := NewMaster(append([]MasterOption{WithClock(func() time.Time { return asOf })}, opts...)...)
	require.NoError(t, m.Load(strings.NewReader(compactMaster)))
	return m
}

func TestResolveOptionNearestExpiry(t *testing.T) {
	m := loadedMaster(t)
	in, err := m.Resolve(context.Background(), Query{
		Underlying: "nifty",
		Strike:     decimal.NewFromInt(24012),
		OptionType: domain.Call,
		AsOf:       asOf,
	})
	require.NoError(t, err)
	assert.Equal(t, "40001", in.SecurityID)
	assert.Equal(t, domain.SegmentNSEFNO, in.Segment)
	assert.Equal(t, int64(75), in.LotSize)
	assert.True(t, in.Strike.Equal(decimal.NewFromInt(24000)))
}

func TestResolveSkipsExpired(t *testing.T) {
	m := loadedMaster(t)
	later := time.Date(2026, 1, 7, 9, 0, 0, 0, time.UTC)
	in, err := m.Resolve(context.Background(), Query{
		Underlying: "NIFTY", Strike: decimal.NewFromInt(24000), OptionType: domain.Call, AsOf: later,
	})
	require.NoError(t, err)
	assert.Equal(t, "40002", in.SecurityID)
}

func TestResolveMonthlyPolicy(t *testing.T) {
	m := loadedMaster(t, WithPolicy(Monthly{}))
	in, err := m.Resolve(context.Background(), Query{
		Underlying: "NIFTY", Strike: decimal.NewFromInt(24000), OptionType: domain.Call, AsOf: asOf,
	})
	require.NoError(t, err)
	assert.Equal(t, "40003", in.SecurityID)
}

func TestResolveFutures(t *testing.T) {
	m := loadedMaster(t)
	in, err := m.Resolve(context.Background(), Query{Underlying: "NIFTY", AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, "41001", in.SecurityID)

	hint := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	in, err = m.Resolve(context.Background(), Query{Underlying: "NIFTY", ExpiryHint: hint, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, "41002", in.SecurityID)
}

func TestResolveNotFound(t *testing.T) {
	m := loadedMaster(t)
	_, err := m.Resolve(context.Background(), Query{
		Underlying: "NIFTY", Strike: decimal.NewFromInt(30000), OptionType: domain.Put, AsOf: asOf,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Resolve(ctx, Query{Underlying: "NIFTY", AsOf: asOf})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadLegacyHeaders(t *testing.T) {
	m := NewMaster(WithClock(func() time.Time { return asOf }), WithStrikeSteps(map[string]float64{"sensex": 100}))
	require.NoError(t, m.Load(strings.NewReader(legacyMaster)))

	in, err := m.Resolve(context.Background(), Query{
		Underlying: "SENSEX", Strike: decimal.NewFromInt(80080), OptionType: domain.Call, AsOf: asOf,
	})
	require.NoError(t, err)
	assert.Equal(t, "50001", in.SecurityID)
	assert.Equal(t, domain.SegmentBSEFNO, in.Segment)
	assert.Equal(t, int64(20), in.LotSize)
}

func TestLoadRejectsMissingColumns(t *testing.T) {
	err := NewMaster().Load(strings.NewReader("foo,bar\n1,2\n"))
	assert.Error(t, err)
}

func TestSearchRanksExactFirst(t *testing.T) {
	m := loadedMaster(t)
	got := m.Search("hdfcbank", "", 10)
	require.Len(t, got, 1)
	assert.Equal(t, domain.SegmentNSEEQ, got[0].Segment)

	got = m.Search("NIFTY-Jan2026-FUT", domain.SegmentNSEFNO, 10)
	require.NotEmpty(t, got)
	assert.Equal(t, "41001", got[0].SecurityID)

	in, ok := m.Lookup("banknifty-jan2026-52000-pe")
	assert.True(t, ok)
	assert.Equal(t, int64(35), in.LotSize)
}

func TestRefreshSwapsCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(compactMaster))
	}))
	defer srv.Close()

	cache := filepath.Join(t.TempDir(), "master", "scrip.csv")
	m := NewMaster(WithClock(func() time.Time { return asOf }))
	require.NoError(t, m.Refresh(context.Background(), srv.URL, cache))
	assert.Equal(t, 9, m.Len())
	assert.Equal(t, asOf, m.LoadedAt())

	_, err := os.Stat(cache)
	require.NoError(t, err)

	fresh := NewMaster()
	require.NoError(t, fresh.LoadFile(cache))
	assert.Equal(t, 9, fresh.Len())
}

func TestRefreshKeepsIndexOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := loadedMaster(t)
	err := m.Refresh(context.Background(), srv.URL, filepath.Join(t.TempDir(), "scrip.csv"))
	assert.Error(t, err)
	assert.Equal(t, 9, m.Len())
}
