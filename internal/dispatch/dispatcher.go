package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/failure"
	"github.com/Rajchodisetti/alert-bridge/internal/idempotency"
	"github.com/Rajchodisetti/alert-bridge/internal/ledger"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

// Gateway is the live execution venue.
type Gateway interface {
	PlaceOrder(ctx context.Context, intent domain.OrderIntent) (domain.BrokerOrder, error)
	CancelOrder(ctx context.Context, orderID string) (domain.BrokerOrder, error)
	OrderStatus(ctx context.Context, orderID string) (domain.BrokerOrder, error)
}

// Filler synthesizes paper fills.
type Filler interface {
	Fill(ctx context.Context, intent domain.OrderIntent) (domain.Trade, error)
}

// Recorder is the trade ledger for one execution mode.
type Recorder interface {
	Record(ctx context.Context, t domain.Trade) (domain.Trade, []ledger.RoundTrip, error)
}

// ModeSwitch reports whether orders should go to the simulator.
type ModeSwitch interface {
	Enabled() bool
}

const guardPrefix = "dispatch:"

type Config struct {
	SubmitTimeout time.Duration
	CancelTimeout time.Duration
	// GuardTTL bounds how long a dispatched correlation id is remembered.
	GuardTTL      time.Duration
	RecentResults int
}

// Order is the dispatcher's book entry for one placed order.
type Order struct {
	OrderID     string             `json:"order_id"`
	Mode        domain.ExecMode    `json:"mode"`
	State       domain.OrderState  `json:"state"`
	Intent      domain.OrderIntent `json:"intent"`
	FilledQty   int64              `json:"filled_qty"`
	RecordedQty int64              `json:"recorded_qty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Dispatcher routes order intents to the live gateway or the paper simulator
// and keeps a book of what it placed. Live submissions pass through the pacer
// in FIFO order; nothing is retried.
type Dispatcher struct {
	cfg     Config
	gateway Gateway
	sim     Filler
	paper   Recorder
	live    Recorder
	mode    ModeSwitch
	pacer   *Pacer
	guard   idempotency.Store
	now     func() time.Time

	mu     sync.RWMutex
	orders map[string]*Order
	recent []domain.OrderResult
}

type Option func(*Dispatcher)

func WithGateway(g Gateway) Option { return func(d *Dispatcher) { d.gateway = g } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(cfg Config, mode ModeSwitch, sim Filler, paper, live Recorder, pacer *Pacer, guard idempotency.Store, opts ...Option) *Dispatcher {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 15 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = 24 * time.Hour
	}
	if cfg.RecentResults <= 0 {
		cfg.RecentResults = 200
	}
	d := &Dispatcher{
		cfg:    cfg,
		sim:    sim,
		paper:  paper,
		live:   live,
		mode:   mode,
		pacer:  pacer,
		guard:  guard,
		now:    time.Now,
		orders: map[string]*Order{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Submit places one order. The execution mode is fixed here and travels with
// the result and any trade it produces.
func (d *Dispatcher) Submit(ctx context.Context, intent domain.OrderIntent) domain.OrderResult {
	mode := domain.Live
	if d.mode != nil && d.mode.Enabled() {
		mode = domain.Paper
	}
	if err := checkIntent(intent); err != nil {
		return d.finish(ctx, d.failed(intent, mode, err))
	}

	guarded := !intent.Manual && intent.CorrelationID != "" && d.guard != nil
	if guarded {
		claimed, prev, err := d.guard.Claim(ctx, guardPrefix+intent.CorrelationID, string(mode), d.cfg.GuardTTL)
		if err != nil {
			return d.finish(ctx, d.failed(intent, mode, failure.Wrap(failure.KindInternal, err, "dispatch guard")))
		}
		if !claimed {
			res := d.failed(intent, mode, failure.Newf(failure.KindDuplicate, "correlation id %s already dispatched (%s)", intent.CorrelationID, prev))
			return d.finish(ctx, res)
		}
	}

	var res domain.OrderResult
	if mode == domain.Paper {
		res = d.submitPaper(ctx, intent)
	} else {
		res = d.submitLive(ctx, intent)
	}
	if guarded && res.Kind == string(failure.KindRateLimited) {
		// nothing left the process; let a redelivery try again
		_ = d.guard.Forget(context.WithoutCancel(ctx), guardPrefix+intent.CorrelationID)
	}
	return d.finish(ctx, res)
}

func checkIntent(in domain.OrderIntent) error {
	switch {
	case in.Instrument.SecurityID == "":
		return failure.New(failure.KindValidation, "intent without instrument")
	case !in.Side.Valid():
		return failure.Newf(failure.KindValidation, "invalid side %q", in.Side)
	case in.Quantity <= 0:
		return failure.Newf(failure.KindValidation, "invalid quantity %d", in.Quantity)
	case in.OrderType == domain.Limit && !in.Price.IsPositive():
		return failure.New(failure.KindValidation, "limit order requires a price")
	}
	return nil
}

func (d *Dispatcher) submitPaper(ctx context.Context, intent domain.OrderIntent) domain.OrderResult {
	if d.sim == nil || d.paper == nil {
		return d.failed(intent, domain.Paper, failure.New(failure.KindDispatch, "paper execution not configured"))
	}
	fill, err := d.sim.Fill(ctx, intent)
	if err != nil {
		return d.failed(intent, domain.Paper, err)
	}
	fill.Mode = domain.Paper
	trade, _, err := d.paper.Record(ctx, fill)
	if err != nil {
		return d.failed(intent, domain.Paper, err)
	}
	d.track(&Order{
		OrderID:     trade.OrderID,
		Mode:        domain.Paper,
		State:       domain.OrderFilled,
		Intent:      intent,
		FilledQty:   trade.Quantity,
		RecordedQty: trade.Quantity,
	})
	return domain.OrderResult{
		Status:  domain.StatusSuccess,
		OrderID: trade.OrderID,
		Message: "paper order filled at " + trade.Price.StringFixed(2),
		Mode:    domain.Paper,
		Intent:  &intent,
		Trade:   &trade,
	}
}

func (d *Dispatcher) submitLive(ctx context.Context, intent domain.OrderIntent) domain.OrderResult {
	if d.gateway == nil {
		return d.failed(intent, domain.Live, failure.New(failure.KindDispatch, "live gateway not configured"))
	}
	if d.pacer != nil {
		if err := d.pacer.Wait(ctx); err != nil {
			return d.failed(intent, domain.Live, failure.Wrap(failure.KindRateLimited, err, "rate wait abandoned"))
		}
	}

	cctx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	defer cancel()
	bo, err := d.gateway.PlaceOrder(cctx, intent)
	if err != nil {
		if failure.KindOf(err) == failure.KindTimeout || cctx.Err() != nil {
			observ.L().Warn("live submit without confirmed outcome",
				zap.String("correlation_id", intent.CorrelationID), zap.Error(err))
			return domain.OrderResult{
				Status:  domain.StatusUnknown,
				Message: "no confirmed outcome from broker: " + failure.Message(err),
				Kind:    string(failure.KindTimeout),
				Mode:    domain.Live,
				Intent:  &intent,
			}
		}
		return d.failed(intent, domain.Live, err)
	}

	state := bo.State
	if state == "" || state == domain.OrderUnknown {
		state = domain.OrderPending
	}
	o := &Order{OrderID: bo.OrderID, Mode: domain.Live, State: state, Intent: intent}
	d.track(o)
	if state == domain.OrderRejected {
		msg := bo.Message
		if msg == "" {
			msg = "order rejected by broker"
		}
		res := d.failed(intent, domain.Live, failure.New(failure.KindDispatch, msg))
		res.OrderID = bo.OrderID
		return res
	}

	res := domain.OrderResult{
		Status:  domain.StatusSuccess,
		OrderID: bo.OrderID,
		Message: "order placed (" + string(state) + ")",
		Mode:    domain.Live,
		Intent:  &intent,
	}
	if state == domain.OrderFilled {
		bo.FilledQty = max(bo.FilledQty, intent.Quantity)
		if t, ok := d.settle(ctx, o, bo); ok {
			res.Trade = &t
		}
	}
	return res
}

// Cancel cancels a pending or open order. Anything else is not cancellable.
func (d *Dispatcher) Cancel(ctx context.Context, orderID string) domain.OrderResult {
	d.mu.RLock()
	o, ok := d.orders[orderID]
	var snap Order
	if ok {
		snap = *o
	}
	d.mu.RUnlock()

	base := domain.OrderResult{OrderID: orderID, Mode: snap.Mode}
	if ok {
		base.Intent = &snap.Intent
	}
	if !ok {
		return d.finish(ctx, withErr(base, failure.Newf(failure.KindNotCancellable, "unknown order %s: not cancellable", orderID)))
	}
	if !snap.State.Cancellable() || snap.Mode != domain.Live {
		return d.finish(ctx, withErr(base, failure.Newf(failure.KindNotCancellable, "order %s is %s: not cancellable", orderID, snap.State)))
	}
	if d.gateway == nil {
		return d.finish(ctx, withErr(base, failure.New(failure.KindDispatch, "live gateway not configured")))
	}

	cctx, cancel := context.WithTimeout(ctx, d.cfg.CancelTimeout)
	defer cancel()
	bo, err := d.gateway.CancelOrder(cctx, orderID)
	if err != nil {
		if failure.KindOf(err) == failure.KindTimeout || cctx.Err() != nil {
			base.Status = domain.StatusUnknown
			base.Kind = string(failure.KindTimeout)
			base.Message = "no confirmed outcome for cancel: " + failure.Message(err)
			return d.finish(ctx, base)
		}
		return d.finish(ctx, withErr(base, err))
	}
	state := bo.State
	if state == "" || state == domain.OrderUnknown {
		state = domain.OrderCancelled
	}
	d.setState(orderID, state)
	base.Status = domain.StatusSuccess
	base.Message = "order " + string(state)
	return d.finish(ctx, base)
}

// Reject records a failure for an alert that never reached the venue, so
// the result history shows it alongside real submissions.
func (d *Dispatcher) Reject(ctx context.Context, correlationID string, err error) domain.OrderResult {
	res := withErr(domain.OrderResult{}, err)
	res.Intent = &domain.OrderIntent{CorrelationID: correlationID}
	return d.finish(ctx, res)
}

// PollOpen asks the gateway about every live order that is not terminal and
// records trades for newly confirmed fills. It returns how many orders
// changed state.
func (d *Dispatcher) PollOpen(ctx context.Context) (int, error) {
	if d.gateway == nil {
		return 0, nil
	}
	d.mu.RLock()
	var ids []string
	for id, o := range d.orders {
		if o.Mode == domain.Live && (!o.State.Terminal() || o.unrecordedFill()) {
			ids = append(ids, id)
		}
	}
	d.mu.RUnlock()
	sort.Strings(ids)

	changed := 0
	var firstErr error
	for _, id := range ids {
		cctx, cancel := context.WithTimeout(ctx, d.cfg.CancelTimeout)
		bo, err := d.gateway.OrderStatus(cctx, id)
		cancel()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			observ.L().Warn("order status poll failed", zap.String("order_id", id), zap.Error(err))
			continue
		}
		d.mu.Lock()
		o := d.orders[id]
		prev := o.State
		if bo.State != "" && bo.State != domain.OrderUnknown {
			o.State = bo.State
		}
		o.UpdatedAt = d.now().UTC()
		snap := *o
		d.mu.Unlock()
		if snap.State != prev {
			changed++
		}
		if bo.FilledQty > snap.RecordedQty {
			d.settle(ctx, &snap, bo)
		}
	}
	return changed, firstErr
}

// unrecordedFill is a fill confirmed without a usable price, still owed to
// the ledger.
func (o *Order) unrecordedFill() bool {
	return o.State == domain.OrderFilled && o.RecordedQty < o.Intent.Quantity
}

// settle records the not-yet-recorded part of a confirmed live fill. The
// quantity is reserved on the tracked order before the ledger write, so a
// concurrent poll cannot record the same fill again.
func (d *Dispatcher) settle(ctx context.Context, o *Order, bo domain.BrokerOrder) (domain.Trade, bool) {
	if d.live == nil {
		return domain.Trade{}, false
	}
	price := bo.AvgPrice
	if !price.IsPositive() {
		price = o.Intent.Price
	}
	if !price.IsPositive() {
		return domain.Trade{}, false
	}

	d.mu.Lock()
	cur, ok := d.orders[o.OrderID]
	if !ok || bo.FilledQty <= cur.RecordedQty {
		d.mu.Unlock()
		return domain.Trade{}, false
	}
	qty := bo.FilledQty - cur.RecordedQty
	cur.RecordedQty = bo.FilledQty
	cur.FilledQty = max(cur.FilledQty, bo.FilledQty)
	d.mu.Unlock()

	t, _, err := d.live.Record(ctx, domain.Trade{
		OrderID:     o.OrderID,
		Instrument:  o.Intent.Instrument,
		Side:        o.Intent.Side,
		Quantity:    qty,
		OrderQty:    o.Intent.Quantity,
		Price:       price,
		Timestamp:   d.now().UTC(),
		Mode:        domain.Live,
		PriceSource: domain.SourceResolver,
	})
	if err != nil {
		d.mu.Lock()
		cur.RecordedQty -= qty
		d.mu.Unlock()
		observ.L().Error("record live fill", zap.String("order_id", o.OrderID), zap.Error(err))
		return domain.Trade{}, false
	}
	return t, true
}

// Orders returns the most recent results, newest first.
func (d *Dispatcher) Orders(limit int) []domain.OrderResult {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := len(d.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.OrderResult, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, d.recent[i])
	}
	return out
}

// Book returns the tracked orders, most recently updated first.
func (d *Dispatcher) Book() []Order {
	d.mu.RLock()
	out := make([]Order, 0, len(d.orders))
	for _, o := range d.orders {
		out = append(out, *o)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (d *Dispatcher) track(o *Order) {
	o.UpdatedAt = d.now().UTC()
	d.mu.Lock()
	d.orders[o.OrderID] = o
	d.mu.Unlock()
}

func (d *Dispatcher) setState(id string, s domain.OrderState) {
	d.mu.Lock()
	if o, ok := d.orders[id]; ok {
		o.State = s
		o.UpdatedAt = d.now().UTC()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) failed(intent domain.OrderIntent, mode domain.ExecMode, err error) domain.OrderResult {
	res := withErr(domain.OrderResult{Mode: mode}, err)
	res.Intent = &intent
	return res
}

func withErr(r domain.OrderResult, err error) domain.OrderResult {
	r.Status = domain.StatusFailure
	r.Kind = string(failure.KindOf(err))
	r.Message = failure.Message(err)
	return r
}

// finish stamps the result, stores it in the recent ring and counts it.
func (d *Dispatcher) finish(ctx context.Context, r domain.OrderResult) domain.OrderResult {
	r.At = d.now().UTC()
	if r.RequestID == "" {
		r.RequestID = observ.RequestID(ctx)
	}
	d.mu.Lock()
	d.recent = append(d.recent, r)
	if over := len(d.recent) - d.cfg.RecentResults; over > 0 {
		d.recent = append([]domain.OrderResult(nil), d.recent[over:]...)
	}
	d.mu.Unlock()

	observ.IncCounter("dispatch_results_total", map[string]string{"mode": string(r.Mode), "status": string(r.Status)})
	fields := []zap.Field{
		zap.String("status", string(r.Status)),
		zap.String("mode", string(r.Mode)),
		zap.String("order_id", r.OrderID),
		zap.String("rid", r.RequestID),
	}
	if r.Status != domain.StatusSuccess {
		fields = append(fields, zap.String("kind", r.Kind), zap.String("message", r.Message))
	}
	observ.L().Info("dispatch result", fields...)
	return r
}
