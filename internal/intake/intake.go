package intake

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/failure"
	"github.com/Rajchodisetti/alert-bridge/internal/idempotency"
	"github.com/Rajchodisetti/alert-bridge/internal/instrument"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

type Status string

const (
	Accepted  Status = "ACCEPTED"
	Duplicate Status = "DUPLICATE"
	Rejected  Status = "REJECTED"
)

// Request is one webhook delivery. Token is the header credential; an alert
// may also carry its own token field.
type Request struct {
	Alert      Alert
	Kind       Kind
	Token      string
	ClientIP   string
	ReceivedAt time.Time
}

// Outcome is the terminal result of Accept.
type Outcome struct {
	Status      Status              `json:"status"`
	Kind        failure.Kind        `json:"kind,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	AlertID     string              `json:"alert_id"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	Intent      *domain.OrderIntent `json:"intent,omitempty"`
	Instrument  *domain.Instrument  `json:"instrument,omitempty"`
}

type Config struct {
	Secret         string
	DedupeWindow   time.Duration
	TimeBucket     time.Duration
	ResolveTimeout time.Duration
	StrikeSteps    map[string]float64
	// DefaultLots fills in an alert that names neither lots nor qty. Zero
	// makes a quantity mandatory.
	DefaultLots int64
}

// Intake authenticates, validates, deduplicates and resolves alerts into
// order intents. It never talks to a venue.
type Intake struct {
	cfg      Config
	store    idempotency.Store
	resolver instrument.Resolver
	now      func() time.Time
}

type Option func(*Intake)

func WithClock(now func() time.Time) Option { return func(in *Intake) { in.now = now } }

func New(cfg Config, store idempotency.Store, resolver instrument.Resolver, opts ...Option) *Intake {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 90 * time.Second
	}
	if cfg.TimeBucket <= 0 {
		cfg.TimeBucket = time.Minute
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 10 * time.Second
	}
	in := &Intake{cfg: cfg, store: store, resolver: resolver, now: time.Now}
	for _, o := range opts {
		o(in)
	}
	return in
}

// validated is an alert whose fields have been parsed into domain values.
type validated struct {
	underlying string
	strike     decimal.Decimal
	optionType domain.OptionType
	side       domain.Side
	orderType  domain.OrderType
	price      decimal.Decimal
	validity   domain.Validity
	lots, qty  int64
	expiryHint time.Time
}

// Accept runs one alert through authentication, validation, dedupe and
// resolution.
func (in *Intake) Accept(ctx context.Context, req Request) Outcome {
	out := in.accept(ctx, req)
	observ.IncCounter("intake_outcomes_total", map[string]string{"outcome": string(out.Status), "kind": string(out.Kind)})
	fields := []zap.Field{
		zap.String("alert_id", out.AlertID),
		zap.String("status", string(out.Status)),
		zap.String("underlying", req.Alert.Underlying),
		zap.String("client_ip", req.ClientIP),
		zap.String("rid", observ.RequestID(ctx)),
	}
	if out.Status == Accepted {
		observ.L().Info("alert accepted", append(fields, zap.String("security_id", out.Instrument.SecurityID), zap.Int64("qty", out.Intent.Quantity))...)
	} else {
		observ.L().Warn("alert not dispatched", append(fields, zap.String("kind", string(out.Kind)), zap.String("reason", out.Reason))...)
	}
	return out
}

func (in *Intake) accept(ctx context.Context, req Request) Outcome {
	a := req.Alert
	alertID := a.IdempotencyKey
	if alertID == "" {
		alertID = uuid.NewString()
	}
	out := Outcome{AlertID: alertID}
	reject := func(err error) Outcome {
		out.Status = Rejected
		out.Kind = failure.KindOf(err)
		out.Reason = failure.Message(err)
		return out
	}

	if !in.authenticated(req) {
		return reject(failure.New(failure.KindAuthentication, "unauthorized"))
	}
	v, err := in.validate(req)
	if err != nil {
		return reject(err)
	}

	received := req.ReceivedAt
	if received.IsZero() {
		received = in.now()
	}
	out.Fingerprint = in.fingerprint(req.Kind, v, a.SignalTime(received))

	var claimed []string
	if a.IdempotencyKey != "" {
		key := "key:" + a.IdempotencyKey
		dup, err := in.claim(ctx, key, alertID)
		if err != nil {
			return reject(err)
		}
		if dup != "" {
			out.Status = Duplicate
			out.Kind = failure.KindDuplicate
			out.Reason = "idempotency key already seen"
			return out
		}
		claimed = append(claimed, key)
	}
	fp := "fp:" + out.Fingerprint
	dup, err := in.claim(ctx, fp, alertID)
	if err != nil {
		in.release(ctx, claimed)
		return reject(err)
	}
	if dup != "" {
		out.Status = Duplicate
		out.Kind = failure.KindDuplicate
		out.Reason = "duplicate of alert " + dup
		return out
	}
	claimed = append(claimed, fp)

	inst, err := in.resolve(ctx, req.Kind, v, received)
	if err != nil {
		return reject(err)
	}
	out.Instrument = &inst

	// validation failures give their claims back; resolution failures keep them
	qty, err := in.quantity(v, inst.LotSize)
	if err != nil {
		in.release(ctx, claimed)
		return reject(err)
	}
	product, ok := domain.NormalizeProduct(a.ProductType, inst.Segment)
	if !ok {
		in.release(ctx, claimed)
		return reject(failure.Newf(failure.KindValidation, "unknown product type %q", a.ProductType))
	}

	out.Status = Accepted
	out.Intent = &domain.OrderIntent{
		Instrument:    inst,
		Side:          v.side,
		Quantity:      qty,
		OrderType:     v.orderType,
		Price:         v.price,
		Product:       product,
		Validity:      v.validity,
		CorrelationID: alertID,
		CreatedAt:     in.now().UTC(),
	}
	return out
}

func (in *Intake) authenticated(req Request) bool {
	if in.cfg.Secret == "" {
		return true
	}
	tok := req.Token
	if tok == "" {
		tok = req.Alert.Token
	}
	return subtle.ConstantTimeCompare([]byte(tok), []byte(in.cfg.Secret)) == 1
}

func (in *Intake) validate(req Request) (validated, error) {
	a := req.Alert
	v := validated{underlying: a.Underlying, price: a.Price.Decimal}
	if v.underlying == "" {
		return v, failure.New(failure.KindValidation, "underlying symbol is required")
	}
	side, ok := domain.ParseSide(a.Side)
	if !ok {
		return v, failure.Newf(failure.KindValidation, "side must be BUY or SELL, got %q", a.Side)
	}
	v.side = side
	if v.orderType, ok = domain.ParseOrderType(a.OrderType); !ok {
		return v, failure.Newf(failure.KindValidation, "unknown order type %q", a.OrderType)
	}
	if v.validity, ok = domain.ParseValidity(a.Validity); !ok {
		return v, failure.Newf(failure.KindValidation, "unknown validity %q", a.Validity)
	}
	if v.price.IsNegative() {
		return v, failure.New(failure.KindValidation, "price must not be negative")
	}
	if v.orderType == domain.Limit && !v.price.IsPositive() {
		return v, failure.New(failure.KindValidation, "limit order requires a price")
	}

	v.lots, v.qty = int64(a.Lots), int64(a.Qty)
	if v.lots < 0 || v.qty < 0 {
		return v, failure.New(failure.KindValidation, "lots and qty must not be negative")
	}
	if v.lots == 0 && v.qty == 0 && in.cfg.DefaultLots <= 0 {
		return v, failure.New(failure.KindValidation, "lots or qty is required")
	}

	if a.Expiry != "" {
		hint, ok := instrument.ParseExpiry(a.Expiry)
		if !ok {
			return v, failure.Newf(failure.KindValidation, "unreadable expiry %q", a.Expiry)
		}
		v.expiryHint = hint
	}

	if req.Kind == KindFutures {
		return v, nil
	}
	if !a.Strike.IsPositive() {
		return v, failure.New(failure.KindValidation, "option alerts require a positive strike")
	}
	ot, ok := domain.ParseOptionType(a.OptionType)
	if !ok || ot == domain.None {
		return v, failure.Newf(failure.KindValidation, "option type must be CE or PE, got %q", a.OptionType)
	}
	v.strike = instrument.RoundStrike(a.Strike.Decimal, v.underlying, in.cfg.StrikeSteps)
	v.optionType = ot
	return v, nil
}

// fingerprint identifies a trading signal: what is being traded, which way,
// and in which coarse time bucket.
func (in *Intake) fingerprint(kind Kind, v validated, at time.Time) string {
	bucket := at.Unix() / int64(in.cfg.TimeBucket/time.Second)
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%d", kind, v.underlying, v.strike.String(), v.optionType, v.side, bucket)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:16])
}

// claim returns the id of the earlier alert when key is already held.
func (in *Intake) claim(ctx context.Context, key, alertID string) (string, error) {
	claimed, existing, err := in.store.Claim(ctx, key, alertID, in.cfg.DedupeWindow)
	if err != nil {
		return "", failure.Wrap(failure.KindInternal, err, "idempotency store")
	}
	if claimed {
		return "", nil
	}
	if existing == "" {
		existing = "unknown"
	}
	return existing, nil
}

// release drops claims taken for an alert that will not be dispatched.
func (in *Intake) release(ctx context.Context, keys []string) {
	for _, k := range keys {
		if err := in.store.Forget(ctx, k); err != nil {
			observ.L().Warn("release idempotency claim", zap.String("key", k), zap.Error(err))
		}
	}
}

func (in *Intake) resolve(ctx context.Context, kind Kind, v validated, asOf time.Time) (domain.Instrument, error) {
	if in.resolver == nil {
		return domain.Instrument{}, failure.New(failure.KindResolution, "no instrument resolver configured")
	}
	rctx, cancel := context.WithTimeout(ctx, in.cfg.ResolveTimeout)
	defer cancel()

	q := instrument.Query{Underlying: v.underlying, ExpiryHint: v.expiryHint, AsOf: asOf}
	label := v.underlying + " FUT"
	if kind != KindFutures {
		q.Strike, q.OptionType = v.strike, v.optionType
		label = fmt.Sprintf("%s %s%s", v.underlying, v.strike.String(), v.optionType)
	}
	inst, err := in.resolver.Resolve(rctx, q)
	switch {
	case err == nil:
	case errors.Is(err, instrument.ErrNotFound):
		return inst, failure.Newf(failure.KindResolution, "no instrument found for %s", label)
	case rctx.Err() != nil:
		return inst, failure.Wrap(failure.KindResolution, err, "instrument resolver timed out for "+label)
	default:
		return inst, failure.Wrap(failure.KindResolution, err, "resolve "+label)
	}
	if inst.SecurityID == "" {
		return inst, failure.Newf(failure.KindResolution, "instrument for %s has no security id", label)
	}
	if inst.Segment == "" {
		inst.Segment = instrument.InferSegment(inst.TradingSymbol)
	}
	return inst, nil
}

// quantity turns lots or a raw qty into contract units.
func (in *Intake) quantity(v validated, lotSize int64) (int64, error) {
	if lotSize <= 0 {
		lotSize = 1
	}
	switch {
	case v.lots > 0:
		return v.lots * lotSize, nil
	case v.qty > 0:
		if v.qty%lotSize != 0 {
			return 0, failure.Newf(failure.KindValidation, "qty %d not a multiple of lot size %d", v.qty, lotSize)
		}
		return v.qty, nil
	}
	return in.cfg.DefaultLots * lotSize, nil
}
