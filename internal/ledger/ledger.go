package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/failure"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

type book struct {
	mu         sync.Mutex // serializes matching for one instrument
	instrument domain.Instrument
	lots       []Lot // all on one side; written only while holding Ledger.mu too
	net        int64
	exits      map[string]exitShare // by order id, for orders filled in parts
}

// Ledger records fills and maintains FIFO lots per instrument. The trade log
// is the source of truth; everything else here can be rebuilt from it.
//
// Lock order: gate, then book.mu, then mu.
type Ledger struct {
	gate   sync.RWMutex // shared by Record, exclusive for Clear and Rebuild
	mu     sync.RWMutex
	log    TradeLog
	mode   domain.ExecMode
	charge func() decimal.Decimal

	books  map[string]*book
	trades []domain.Trade
	trips  []RoundTrip
	marks  map[string]decimal.Decimal
	seq    atomic.Int64
}

// New builds an empty ledger; call Rebuild to load persisted trades. charge
// supplies the flat per-round-trip charge stamped on each new trade and
// allocated across the lots that trade closes.
func New(log TradeLog, mode domain.ExecMode, charge func() decimal.Decimal) *Ledger {
	if charge == nil {
		charge = func() decimal.Decimal { return decimal.Zero }
	}
	return &Ledger{
		log:    log,
		mode:   mode,
		charge: charge,
		books:  map[string]*book{},
		marks:  map[string]decimal.Decimal{},
	}
}

func (l *Ledger) Mode() domain.ExecMode { return l.mode }

// Record persists t and applies it. It returns the stored trade (with id and
// sequence assigned) and any round trips it closed. On error nothing changes.
func (l *Ledger) Record(ctx context.Context, t domain.Trade) (domain.Trade, []RoundTrip, error) {
	if err := validate(t); err != nil {
		observ.L().Error("ledger rejected trade", zap.Error(err), zap.String("order_id", t.OrderID))
		return domain.Trade{}, nil, err
	}

	l.gate.RLock()
	defer l.gate.RUnlock()

	b := l.bookFor(t.Instrument)
	b.mu.Lock()
	defer b.mu.Unlock()

	t.Seq = l.seq.Add(1)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Mode == "" {
		t.Mode = l.mode
	}
	t.RoundTripCharge = l.charge()

	res, err := apply(b, t)
	if err != nil {
		observ.L().Error("ledger inconsistency", zap.Error(err), zap.String("instrument", t.Instrument.Key()))
		return domain.Trade{}, nil, err
	}
	if err := l.log.Append(ctx, t); err != nil {
		return domain.Trade{}, nil, failure.Wrap(failure.KindInternal, err, "persist trade")
	}
	l.commit(b, t, res)

	observ.IncCounter("ledger_trades_total", map[string]string{"mode": string(l.mode)})
	return t, res.trips, nil
}

func (l *Ledger) bookFor(in domain.Instrument) *book {
	key := in.Key()
	l.mu.RLock()
	b, ok := l.books[key]
	l.mu.RUnlock()
	if ok {
		return b
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.books[key]; !ok {
		b = &book{instrument: in, exits: map[string]exitShare{}}
		l.books[key] = b
	}
	return b
}

func (l *Ledger) commit(b *book, t domain.Trade, res matched) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b.lots = res.lots
	b.net += t.SignedQty()
	b.instrument = t.Instrument
	if key := partKey(t); key != "" {
		if res.share.matched >= t.ChargeBasis() {
			delete(b.exits, key)
		} else {
			b.exits[key] = res.share
		}
	}
	l.trades = append(l.trades, t)
	l.trips = append(l.trips, res.trips...)
	l.marks[t.Instrument.Key()] = t.Price
}

// partKey identifies trades that are one fill of a larger order.
func partKey(t domain.Trade) string {
	if t.OrderID == "" || t.OrderQty <= t.Quantity {
		return ""
	}
	return t.OrderID
}

func validate(t domain.Trade) error {
	switch {
	case t.Quantity <= 0:
		return failure.Newf(failure.KindLedgerInconsistency, "non-positive quantity %d", t.Quantity)
	case !t.Side.Valid():
		return failure.Newf(failure.KindLedgerInconsistency, "unknown side %q", t.Side)
	case t.Instrument.SecurityID == "":
		return failure.New(failure.KindLedgerInconsistency, "trade without instrument")
	case t.OrderQty < 0:
		return failure.Newf(failure.KindLedgerInconsistency, "negative order quantity %d", t.OrderQty)
	case !t.Price.IsPositive():
		return failure.Newf(failure.KindLedgerInconsistency, "non-positive price %s", t.Price)
	}
	return nil
}

type matched struct {
	lots  []Lot
	trips []RoundTrip
	share exitShare
}

// apply matches t against b and checks that the resulting lots still sum to
// the running net quantity.
func apply(b *book, t domain.Trade) (matched, error) {
	share := exitShare{charge: t.RoundTripCharge, charged: decimal.Zero}
	if key := partKey(t); key != "" {
		if prev, ok := b.exits[key]; ok {
			share = prev
		}
	}
	res, err := match(b.lots, t, share)
	if err != nil {
		return matched{}, err
	}
	var open int64
	for _, lot := range res.lots {
		open += lot.Remaining * lot.Side.Sign()
	}
	if want := b.net + t.SignedQty(); open != want {
		return matched{}, failure.Newf(failure.KindLedgerInconsistency, "open lots %d != net %d", open, want)
	}
	return res, nil
}

// match applies t to a copy of lots. Opposing lots are consumed oldest
// first; any quantity left over opens a new lot on t's side.
//
// The closing order pays the flat charge once, prorated by matched quantity
// over the order size. The slice that completes the order takes the exact
// remainder.
func match(cur []Lot, t domain.Trade, share exitShare) (matched, error) {
	lots := make([]Lot, len(cur), len(cur)+1)
	copy(lots, cur)
	for i := 1; i < len(lots); i++ {
		if lots[i].Side != lots[0].Side {
			return matched{}, failure.New(failure.KindLedgerInconsistency, "open lots on both sides")
		}
	}

	basis := t.ChargeBasis()
	var trips []RoundTrip
	remaining := t.Quantity
	for remaining > 0 && len(lots) > 0 && lots[0].Side != t.Side {
		lot := &lots[0]
		if lot.Remaining <= 0 || lot.Remaining > lot.BaseQty {
			return matched{}, failure.Newf(failure.KindLedgerInconsistency, "lot %s has remaining %d of %d", lot.TradeID, lot.Remaining, lot.BaseQty)
		}
		take := min(lot.Remaining, remaining)

		share.matched += take
		charge := share.charge.Sub(share.charged)
		if share.matched < basis {
			charge = share.charge.Mul(decimal.NewFromInt(take)).Div(decimal.NewFromInt(basis)).Round(2)
		}
		share.charged = share.charged.Add(charge)
		gross := t.Price.Sub(lot.Price).Mul(decimal.NewFromInt(take))
		if lot.Side == domain.Sell {
			gross = gross.Neg()
		}

		lot.Remaining -= take
		trips = append(trips, RoundTrip{
			ID:           fmt.Sprintf("%s/%d", t.ID, len(trips)+1),
			Instrument:   t.Instrument,
			Direction:    lot.Side,
			Quantity:     take,
			EntryPrice:   lot.Price,
			ExitPrice:    t.Price,
			GrossPnL:     gross,
			Charge:       charge,
			NetPnL:       gross.Sub(charge),
			EntryTradeID: lot.TradeID,
			ExitTradeID:  t.ID,
			EntryAt:      lot.OpenedAt,
			ExitAt:       t.Timestamp,
			LotClosed:    lot.Remaining == 0,
		})
		if lot.Remaining == 0 {
			lots = lots[1:]
		}
		remaining -= take
	}
	if remaining > 0 {
		// the unmatched part still counts toward the order size
		share.matched += remaining
		lots = append(lots, Lot{
			TradeID:   t.ID,
			Side:      t.Side,
			Price:     t.Price,
			Remaining: remaining,
			BaseQty:   remaining,
			OpenedAt:  t.Timestamp,
		})
	}
	return matched{lots: lots, trips: trips, share: share}, nil
}

// Mark sets the last reference price used for unrealized P&L.
func (l *Ledger) Mark(instrumentKey string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	l.mu.Lock()
	l.marks[instrumentKey] = price
	l.mu.Unlock()
}

// Open returns the instruments that currently carry a position.
func (l *Ledger) Open() []domain.Instrument {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.Instrument
	for _, b := range l.books {
		if b.net != 0 {
			out = append(out, b.instrument)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Snapshot recomputes positions and aggregates from current lots, round
// trips and marks.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Snapshot{
		OpenPositions: l.positionsLocked(),
		RoundTrips:    append([]RoundTrip(nil), l.trips...),
	}
	a := Aggregates{
		RealizedGross: decimal.Zero,
		Charges:       decimal.Zero,
		Unrealized:    decimal.Zero,
		Trades:        len(l.trades),
		RoundTrips:    len(l.trips),
		OpenPositions: len(s.OpenPositions),
	}
	for _, rt := range l.trips {
		a.RealizedGross = a.RealizedGross.Add(rt.GrossPnL)
		a.Charges = a.Charges.Add(rt.Charge)
		switch {
		case rt.NetPnL.IsPositive():
			a.Wins++
		case rt.NetPnL.IsNegative():
			a.Losses++
		}
	}
	for _, p := range s.OpenPositions {
		a.Unrealized = a.Unrealized.Add(p.UnrealizedPnL)
	}
	a.RealizedNet = a.RealizedGross.Sub(a.Charges)
	a.GrandTotal = a.RealizedNet.Add(a.Unrealized)
	s.Aggregates = a
	return s
}

func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positionsLocked()
}

func (l *Ledger) positionsLocked() []Position {
	out := []Position{}
	for key, b := range l.books {
		if len(b.lots) == 0 {
			continue
		}
		var qty int64
		cost := decimal.Zero
		for _, lot := range b.lots {
			qty += lot.Remaining
			cost = cost.Add(lot.Price.Mul(decimal.NewFromInt(lot.Remaining)))
		}
		signed := qty * b.lots[0].Side.Sign()
		avg := cost.Div(decimal.NewFromInt(qty))
		last, ok := l.marks[key]
		if !ok {
			last = avg
		}
		out = append(out, Position{
			Instrument:    b.instrument,
			NetQty:        signed,
			AvgCost:       avg.Round(4),
			LastPrice:     last,
			UnrealizedPnL: last.Sub(avg).Mul(decimal.NewFromInt(signed)).Round(2),
			Lots:          append([]Lot(nil), b.lots...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument.Key() < out[j].Instrument.Key() })
	return out
}

// NetQty reports the signed open quantity for one instrument.
func (l *Ledger) NetQty(instrumentKey string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.books[instrumentKey]; ok {
		return b.net
	}
	return 0
}

// Trades returns up to limit trades, newest first. limit <= 0 means all.
func (l *Ledger) Trades(limit int) []domain.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return newestFirst(l.trades, limit)
}

// RoundTrips returns up to limit round trips, newest first.
func (l *Ledger) RoundTrips(limit int) []RoundTrip {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return newestFirst(l.trips, limit)
}

func newestFirst[T any](in []T, limit int) []T {
	n := len(in)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(in) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, in[i])
	}
	return out
}

// Rebuild discards in-memory state and replays the trade log in sequence
// order.
func (l *Ledger) Rebuild(ctx context.Context) error {
	l.gate.Lock()
	defer l.gate.Unlock()

	trades, err := l.log.Load(ctx)
	if err != nil {
		return failure.Wrap(failure.KindInternal, err, "load trade log")
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Seq < trades[j].Seq })

	l.reset()
	var maxSeq int64
	for _, t := range trades {
		if err := validate(t); err != nil {
			l.reset()
			return failure.Wrap(failure.KindLedgerInconsistency, err, fmt.Sprintf("replay trade %s", t.ID))
		}
		b := l.bookFor(t.Instrument)
		res, err := apply(b, t)
		if err != nil {
			l.reset()
			return failure.Wrap(failure.KindLedgerInconsistency, err, fmt.Sprintf("replay trade %s", t.ID))
		}
		l.commit(b, t, res)
		maxSeq = max(maxSeq, t.Seq)
	}
	if maxSeq > l.seq.Load() {
		l.seq.Store(maxSeq)
	}
	observ.L().Info("ledger rebuilt", zap.String("mode", string(l.mode)), zap.Int("trades", len(trades)))
	return nil
}

// Clear wipes the trade log and every derived structure. Irreversible.
func (l *Ledger) Clear(ctx context.Context) error {
	l.gate.Lock()
	defer l.gate.Unlock()
	if err := l.log.Truncate(ctx); err != nil {
		return failure.Wrap(failure.KindInternal, err, "truncate trade log")
	}
	l.reset()
	observ.L().Warn("ledger cleared", zap.String("mode", string(l.mode)))
	return nil
}

func (l *Ledger) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.books = map[string]*book{}
	l.trades = nil
	l.trips = nil
	l.marks = map[string]decimal.Decimal{}
}
