package instrument

import (
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

// header aliases: the compact broker master uses SEM_* columns, older
// exports use camelCase names.
var headerAliases = map[string]string{
	"SEM_SMST_SECURITY_ID": "security_id",
	"SECURITYID":           "security_id",
	"SECURITY_ID":          "security_id",
	"SEM_TRADING_SYMBOL":   "trading_symbol",
	"TRADINGSYMBOL":        "trading_symbol",
	"TRADING_SYMBOL":       "trading_symbol",
	"SEM_SEGMENT":          "segment",
	"SEGMENT":              "segment",
	"SEM_EXM_EXCH_ID":      "exchange",
	"EXCHANGE":             "exchange",
	"SEM_LOT_UNITS":        "lot_size",
	"LOTSIZE":              "lot_size",
	"LOT_SIZE":             "lot_size",
	"SEM_EXPIRY_DATE":      "expiry",
	"EXPIRY":               "expiry",
	"EXPIRY_DATE":          "expiry",
	"SEM_STRIKE_PRICE":     "strike",
	"STRIKE":               "strike",
	"STRIKEPRICE":          "strike",
	"SEM_OPTION_TYPE":      "option_type",
	"OPTIONTYPE":           "option_type",
	"OPTION_TYPE":          "option_type",
}

// exchange + single letter segment code -> broker segment name
var segmentCodes = map[string]string{
	"NSE/E": domain.SegmentNSEEQ,
	"NSE/D": domain.SegmentNSEFNO,
	"BSE/E": domain.SegmentBSEEQ,
	"BSE/D": domain.SegmentBSEFNO,
	"MCX/M": domain.SegmentMCX,
}

type index struct {
	all      []domain.Instrument
	bySymbol map[string]domain.Instrument
	byUnder  map[string][]domain.Instrument
	loadedAt time.Time
}

// Master is an in-memory instrument master. Reloads build a fresh index and
// swap it in, so readers never see a half-loaded table.
type Master struct {
	mu     sync.RWMutex
	idx    *index
	policy ExpiryPolicy
	steps  map[string]float64
	now    func() time.Time
	client *http.Client
}

type MasterOption func(*Master)

func WithPolicy(p ExpiryPolicy) MasterOption { return func(m *Master) { m.policy = p } }

func WithStrikeSteps(steps map[string]float64) MasterOption {
	return func(m *Master) {
		m.steps = make(map[string]float64, len(steps))
		for k, v := range steps {
			m.steps[strings.ToUpper(k)] = v
		}
	}
}

func WithClock(now func() time.Time) MasterOption { return func(m *Master) { m.now = now } }

func WithHTTPClient(c *http.Client) MasterOption { return func(m *Master) { m.client = c } }

func NewMaster(opts ...MasterOption) *Master {
	m := &Master{
		idx:    &index{bySymbol: map[string]domain.Instrument{}, byUnder: map[string][]domain.Instrument{}},
		policy: Nearest{},
		now:    time.Now,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Master) Policy() ExpiryPolicy { return m.policy }

func (m *Master) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.idx.all)
}

func (m *Master) LoadedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idx.loadedAt
}

// Load replaces the index with rows parsed from r.
func (m *Master) Load(r io.Reader) error {
	idx, err := parseMaster(r)
	if err != nil {
		return err
	}
	idx.loadedAt = m.now()
	m.mu.Lock()
	m.idx = idx
	m.mu.Unlock()
	return nil
}

func (m *Master) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open instrument master %s", path)
	}
	defer f.Close()
	return m.Load(f)
}

// Refresh downloads the master to a temp file next to cachePath, loads it,
// and only then replaces the cached copy.
func (m *Master) Refresh(ctx context.Context, url, cachePath string) error {
	start := time.Now()
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return errors.Wrap(err, "create master cache dir")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build master request")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "download instrument master")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download instrument master: http %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(cachePath), ".master-*.csv")
	if err != nil {
		return errors.Wrap(err, "create temp master")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp master")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp master")
	}
	if err := m.LoadFile(tmpPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, cachePath); err != nil {
		return errors.Wrap(err, "replace cached master")
	}
	observ.L().Info("instrument master refreshed",
		zap.Int("rows", m.Len()),
		zap.Duration("elapsed", time.Since(start)))
	observ.SetGauge("instrument_master_rows", float64(m.Len()), nil)
	return nil
}

// Lookup finds an instrument by exact trading symbol.
func (m *Master) Lookup(tradingSymbol string) (domain.Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.idx.bySymbol[strings.ToUpper(tradingSymbol)]
	return in, ok
}

// Search does a case-insensitive substring match, exact and prefix hits first.
func (m *Master) Search(q, segment string, limit int) []domain.Instrument {
	q = strings.ToUpper(strings.TrimSpace(q))
	if q == "" {
		return nil
	}
	if limit <= 0 {
		limit = 30
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	type hit struct {
		in   domain.Instrument
		rank int
	}
	var hits []hit
	for _, in := range m.idx.all {
		if segment != "" && in.Segment != segment {
			continue
		}
		sym := strings.ToUpper(in.TradingSymbol)
		switch {
		case sym == q:
			hits = append(hits, hit{in, 0})
		case strings.HasPrefix(sym, q):
			hits = append(hits, hit{in, 1})
		case strings.Contains(sym, q):
			hits = append(hits, hit{in, 2})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		return hits[i].in.TradingSymbol < hits[j].in.TradingSymbol
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]domain.Instrument, len(hits))
	for i, h := range hits {
		out[i] = h.in
	}
	return out
}

func (m *Master) Resolve(ctx context.Context, q Query) (domain.Instrument, error) {
	if err := ctx.Err(); err != nil {
		return domain.Instrument{}, err
	}
	under := strings.ToUpper(strings.TrimSpace(q.Underlying))
	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = m.now()
	}

	m.mu.RLock()
	rows := m.idx.byUnder[under]
	m.mu.RUnlock()

	var candidates []domain.Instrument
	if q.IsFuture() {
		for _, in := range rows {
			if strings.HasSuffix(strings.ToUpper(in.TradingSymbol), "-FUT") {
				candidates = append(candidates, in)
			}
		}
	} else {
		strike := RoundStrike(q.Strike, under, m.steps)
		for _, in := range rows {
			if in.OptionType == q.OptionType && in.Strike.Equal(strike) {
				candidates = append(candidates, in)
			}
		}
	}

	var (
		in domain.Instrument
		ok bool
	)
	if !q.ExpiryHint.IsZero() {
		in, ok = closestTo(candidates, asOf, q.ExpiryHint)
	} else {
		in, ok = m.policy.Select(candidates, asOf)
	}
	if !ok {
		return domain.Instrument{}, ErrNotFound
	}
	return in, nil
}

func parseMaster(r io.Reader) (*index, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read master header")
	}
	col := map[string]int{}
	for i, h := range header {
		key := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if canon, ok := headerAliases[key]; ok {
			if _, dup := col[canon]; !dup {
				col[canon] = i
			}
		}
	}
	for _, need := range []string{"security_id", "trading_symbol"} {
		if _, ok := col[need]; !ok {
			return nil, errors.Errorf("instrument master missing %s column", need)
		}
	}
	get := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	idx := &index{bySymbol: map[string]domain.Instrument{}, byUnder: map[string][]domain.Instrument{}}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read master row")
		}
		in, ok := parseRow(rec, get)
		if !ok {
			continue
		}
		idx.all = append(idx.all, in)
		idx.bySymbol[strings.ToUpper(in.TradingSymbol)] = in
		idx.byUnder[in.Underlying] = append(idx.byUnder[in.Underlying], in)
	}
	return idx, nil
}

func parseRow(rec []string, get func([]string, string) string) (domain.Instrument, bool) {
	id := get(rec, "security_id")
	sym := get(rec, "trading_symbol")
	if id == "" || sym == "" {
		return domain.Instrument{}, false
	}
	upper := strings.ToUpper(sym)
	parts := strings.Split(upper, "-")

	in := domain.Instrument{
		SecurityID:    id,
		TradingSymbol: sym,
		Underlying:    parts[0],
		Segment:       segmentOf(get(rec, "exchange"), get(rec, "segment"), sym),
		LotSize:       1,
	}
	if f, err := strconv.ParseFloat(get(rec, "lot_size"), 64); err == nil && f >= 1 {
		in.LotSize = int64(f)
	}
	if exp, ok := ParseExpiry(get(rec, "expiry")); ok {
		in.Expiry = exp
	}

	ot, _ := domain.ParseOptionType(get(rec, "option_type"))
	if ot == domain.None && len(parts) >= 3 {
		ot, _ = domain.ParseOptionType(parts[len(parts)-1])
	}
	in.OptionType = ot
	if ot != domain.None {
		if d, err := decimal.NewFromString(get(rec, "strike")); err == nil && d.IsPositive() {
			in.Strike = d
		} else if len(parts) >= 3 {
			if d, err := decimal.NewFromString(parts[len(parts)-2]); err == nil {
				in.Strike = d
			}
		}
	}
	return in, true
}

func segmentOf(exchange, segment, symbol string) string {
	segment = strings.ToUpper(segment)
	if strings.Contains(segment, "_") {
		return segment
	}
	if s, ok := segmentCodes[strings.ToUpper(exchange)+"/"+segment]; ok {
		return s
	}
	return InferSegment(symbol)
}
