package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/failure"
	"github.com/Rajchodisetti/alert-bridge/internal/feed"
	"github.com/Rajchodisetti/alert-bridge/internal/intake"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

type Accepter interface {
	Accept(ctx context.Context, req intake.Request) intake.Outcome
}

type Dispatcher interface {
	Submit(ctx context.Context, intent domain.OrderIntent) domain.OrderResult
	Cancel(ctx context.Context, orderID string) domain.OrderResult
	Reject(ctx context.Context, correlationID string, err error) domain.OrderResult
}

type Publisher interface {
	Publish(e feed.Event) feed.Event
	Attach(id string, r domain.OrderResult) (feed.Event, bool)
}

// SymbolLookup finds instruments for manual orders.
type SymbolLookup interface {
	Lookup(tradingSymbol string) (domain.Instrument, bool)
	Search(q, segment string, limit int) []domain.Instrument
}

// Request is a raw webhook delivery.
type Request struct {
	Body       []byte
	Kind       intake.Kind
	Token      string
	ClientIP   string
	ReceivedAt time.Time
}

// Response is what the webhook caller gets back.
type Response struct {
	EventID   string              `json:"event_id,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
	Outcome   intake.Outcome      `json:"outcome"`
	Result    *domain.OrderResult `json:"result,omitempty"`
}

// Pipeline joins intake, dispatch and the event feed for one alert.
type Pipeline struct {
	intake   Accepter
	dispatch Dispatcher
	feed     Publisher
	symbols  SymbolLookup
}

func New(in Accepter, d Dispatcher, f Publisher, symbols SymbolLookup) *Pipeline {
	return &Pipeline{intake: in, dispatch: d, feed: f, symbols: symbols}
}

// Process runs one alert to its terminal outcome. Every outcome except a
// failed credential check lands in the feed; accepted and resolution-failed
// alerts also get an order result attached.
func (p *Pipeline) Process(ctx context.Context, req Request) Response {
	if req.Kind == "" {
		req.Kind = intake.KindOptions
	}
	resp := Response{RequestID: observ.RequestID(ctx)}

	alert, err := intake.ParseAlert(req.Body)
	if err != nil {
		resp.Outcome = intake.Outcome{
			Status: intake.Rejected,
			Kind:   failure.KindValidation,
			Reason: "malformed alert payload: " + err.Error(),
		}
		observ.IncCounter("intake_outcomes_total", map[string]string{"outcome": string(intake.Rejected), "kind": string(failure.KindValidation)})
		resp.EventID = p.publish(ctx, req, resp.Outcome).ID
		return resp
	}

	out := p.intake.Accept(ctx, intake.Request{
		Alert:      alert,
		Kind:       req.Kind,
		Token:      req.Token,
		ClientIP:   req.ClientIP,
		ReceivedAt: req.ReceivedAt,
	})
	resp.Outcome = out
	if out.Kind == failure.KindAuthentication {
		return resp
	}
	ev := p.publish(ctx, req, out)
	resp.EventID = ev.ID

	var res domain.OrderResult
	switch {
	case out.Status == intake.Accepted && out.Intent != nil:
		res = p.dispatch.Submit(ctx, *out.Intent)
	case out.Status == intake.Rejected && out.Kind == failure.KindResolution:
		res = p.dispatch.Reject(ctx, out.AlertID, failure.New(out.Kind, out.Reason))
	default:
		return resp
	}
	p.feed.Attach(ev.ID, res)
	resp.Result = &res
	return resp
}

func (p *Pipeline) publish(ctx context.Context, req Request, out intake.Outcome) feed.Event {
	return p.feed.Publish(feed.Event{
		Source:      "webhook/" + string(req.Kind),
		RequestID:   observ.RequestID(ctx),
		Outcome:     feed.Outcome(out.Status),
		Kind:        string(out.Kind),
		Message:     out.Reason,
		Fingerprint: out.Fingerprint,
		Request:     redact(req.Body),
		Instrument:  out.Instrument,
	})
}

// redact drops credentials from a payload before it is shown to observers.
// Bodies that are not JSON objects are kept as a JSON string.
func redact(body []byte) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		b, _ := json.Marshal(string(body))
		return b
	}
	for k := range m {
		switch strings.ToLower(k) {
		case "token", "secret", "key", "api_key":
			delete(m, k)
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// ManualOrder is a dashboard-originated order. It skips intake but goes
// through the dispatcher and the ledger like any alert.
type ManualOrder struct {
	Symbol      string          `json:"symbol" form:"symbol"`
	SecurityID  string          `json:"security_id" form:"security_id"`
	Segment     string          `json:"segment" form:"segment"`
	Side        string          `json:"side" form:"side"`
	Qty         int64           `json:"qty" form:"qty"`
	OrderType   string          `json:"order_type" form:"order_type"`
	Price       decimal.Decimal `json:"price" form:"price"`
	ProductType string          `json:"product_type" form:"product_type"`
	Validity    string          `json:"validity" form:"validity"`
}

// ManualResponse adds lookup suggestions when the symbol is unknown.
type ManualResponse struct {
	EventID     string             `json:"event_id,omitempty"`
	Result      domain.OrderResult `json:"result"`
	Suggestions []string           `json:"suggestions,omitempty"`
}

func (p *Pipeline) PlaceManual(ctx context.Context, m ManualOrder) ManualResponse {
	intent, suggestions, err := p.manualIntent(ctx, m)
	var res domain.OrderResult
	if err != nil {
		res = domain.OrderResult{
			Status:    domain.StatusFailure,
			Kind:      string(failure.KindOf(err)),
			Message:   failure.Message(err),
			RequestID: observ.RequestID(ctx),
			At:        time.Now().UTC(),
		}
	} else {
		res = p.dispatch.Submit(ctx, intent)
	}
	body, _ := json.Marshal(m)
	ev := p.feed.Publish(feed.Event{
		Source:     "manual",
		RequestID:  observ.RequestID(ctx),
		Outcome:    feed.Manual,
		Kind:       res.Kind,
		Message:    res.Message,
		Request:    body,
		Instrument: instrumentOf(res),
		Result:     &res,
	})
	return ManualResponse{EventID: ev.ID, Result: res, Suggestions: suggestions}
}

func instrumentOf(r domain.OrderResult) *domain.Instrument {
	if r.Intent == nil || r.Intent.Instrument.SecurityID == "" {
		return nil
	}
	in := r.Intent.Instrument
	return &in
}

func (p *Pipeline) manualIntent(ctx context.Context, m ManualOrder) (domain.OrderIntent, []string, error) {
	side, ok := domain.ParseSide(m.Side)
	if !ok {
		return domain.OrderIntent{}, nil, failure.Newf(failure.KindValidation, "side must be BUY or SELL, got %q", m.Side)
	}
	if m.Qty <= 0 {
		return domain.OrderIntent{}, nil, failure.New(failure.KindValidation, "qty must be positive")
	}
	orderType, ok := domain.ParseOrderType(m.OrderType)
	if !ok {
		return domain.OrderIntent{}, nil, failure.Newf(failure.KindValidation, "unknown order type %q", m.OrderType)
	}
	validity, ok := domain.ParseValidity(m.Validity)
	if !ok {
		return domain.OrderIntent{}, nil, failure.Newf(failure.KindValidation, "unknown validity %q", m.Validity)
	}
	segment := strings.ToUpper(strings.TrimSpace(m.Segment))

	var inst domain.Instrument
	found := false
	if p.symbols != nil && m.Symbol != "" {
		inst, found = p.symbols.Lookup(m.Symbol)
		if found && segment != "" && inst.Segment != segment {
			found = false
		}
	}
	if !found {
		if m.SecurityID == "" {
			var suggestions []string
			if p.symbols != nil {
				for _, in := range p.symbols.Search(m.Symbol, segment, 5) {
					suggestions = append(suggestions, in.TradingSymbol)
				}
			}
			return domain.OrderIntent{}, suggestions, failure.Newf(failure.KindResolution, "symbol not found: %s (%s)", m.Symbol, segment)
		}
		if segment == "" {
			return domain.OrderIntent{}, nil, failure.New(failure.KindValidation, "segment is required with a bare security id")
		}
		inst = domain.Instrument{SecurityID: m.SecurityID, TradingSymbol: strings.ToUpper(m.Symbol), Segment: segment, LotSize: 1}
	} else if m.SecurityID != "" {
		inst.SecurityID = m.SecurityID
	}

	if lot := inst.LotSize; domain.IsDerivativeSegment(inst.Segment) && lot > 1 && m.Qty%lot != 0 {
		return domain.OrderIntent{}, nil, failure.Newf(failure.KindValidation, "qty must be a multiple of lot size (%d)", lot)
	}
	product, ok := domain.NormalizeProduct(m.ProductType, inst.Segment)
	if !ok {
		return domain.OrderIntent{}, nil, failure.Newf(failure.KindValidation, "unknown product type %q", m.ProductType)
	}

	corr := observ.RequestID(ctx)
	if corr == "" {
		corr = uuid.NewString()
	}
	return domain.OrderIntent{
		Instrument:    inst,
		Side:          side,
		Quantity:      m.Qty,
		OrderType:     orderType,
		Price:         m.Price,
		Product:       product,
		Validity:      validity,
		CorrelationID: corr,
		Manual:        true,
		CreatedAt:     time.Now().UTC(),
	}, nil, nil
}

// Cancel forwards to the dispatcher and records the result in the feed.
func (p *Pipeline) Cancel(ctx context.Context, orderID string) domain.OrderResult {
	res := p.dispatch.Cancel(ctx, orderID)
	p.feed.Publish(feed.Event{
		Source:    "manual/cancel",
		RequestID: observ.RequestID(ctx),
		Outcome:   feed.Manual,
		Kind:      res.Kind,
		Message:   res.Message,
		Result:    &res,
	})
	return res
}
