package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Sign is +1 for BUY and -1 for SELL.
func (s Side) Sign() int64 {
	if s == Sell {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == Sell {
		return Buy
	}
	return Sell
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

func ParseSide(v string) (Side, bool) {
	s := Side(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
	None OptionType = ""
)

func ParseOptionType(v string) (OptionType, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "CE", "CALL":
		return Call, true
	case "PE", "PUT":
		return Put, true
	case "":
		return None, true
	}
	return None, false
}

type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

func ParseOrderType(v string) (OrderType, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "MARKET", "MKT":
		return Market, true
	case "LIMIT", "LMT":
		return Limit, true
	}
	return "", false
}

type ProductType string

const (
	Intraday ProductType = "INTRADAY"
	CNC      ProductType = "CNC"
	Margin   ProductType = "MARGIN"
)

// NormalizeProduct maps user aliases onto broker product codes. Derivative
// segments do not take delivery, so CNC there becomes INTRADAY.
func NormalizeProduct(v, segment string) (ProductType, bool) {
	var p ProductType
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "INTRADAY", "INTRA", "MIS":
		p = Intraday
	case "CNC", "DELIVERY":
		p = CNC
	case "MARGIN", "NRML":
		p = Margin
	default:
		return "", false
	}
	if p == CNC && IsDerivativeSegment(segment) {
		p = Intraday
	}
	return p, true
}

type Validity string

const (
	Day Validity = "DAY"
	IOC Validity = "IOC"
)

func ParseValidity(v string) (Validity, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "DAY":
		return Day, true
	case "IOC":
		return IOC, true
	}
	return "", false
}

type ExecMode string

const (
	Live  ExecMode = "live"
	Paper ExecMode = "paper"
)

type PriceSource string

const (
	SourceAlert    PriceSource = "alert"
	SourceResolver PriceSource = "resolver"
)

const (
	SegmentNSEFNO = "NSE_FNO"
	SegmentNSEEQ  = "NSE_EQ"
	SegmentBSEEQ  = "BSE_EQ"
	SegmentBSEFNO = "BSE_FNO"
	SegmentMCX    = "MCX_COMM"
)

func IsDerivativeSegment(seg string) bool {
	switch seg {
	case SegmentNSEFNO, SegmentBSEFNO, SegmentMCX:
		return true
	}
	return false
}

// Instrument is a concrete tradable contract.
type Instrument struct {
	SecurityID    string          `json:"security_id"`
	TradingSymbol string          `json:"trading_symbol"`
	Underlying    string          `json:"underlying,omitempty"`
	Segment       string          `json:"segment"`
	LotSize       int64           `json:"lot_size"`
	Expiry        time.Time       `json:"expiry,omitempty"`
	Strike        decimal.Decimal `json:"strike"`
	OptionType    OptionType      `json:"option_type,omitempty"`
}

// Key identifies the instrument inside the ledger.
func (i Instrument) Key() string {
	return i.Segment + ":" + i.SecurityID
}

// OrderIntent is the resolved instruction handed to the dispatcher. Treat
// as a value; nothing mutates it after construction.
type OrderIntent struct {
	Instrument    Instrument      `json:"instrument"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	OrderType     OrderType       `json:"order_type"`
	Price         decimal.Decimal `json:"price"` // limit price, or alert reference price for MARKET
	Product       ProductType     `json:"product_type"`
	Validity      Validity        `json:"validity"`
	CorrelationID string          `json:"correlation_id"`
	Manual        bool            `json:"manual"`
	CreatedAt     time.Time       `json:"created_at"`
}

type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailure ResultStatus = "failure"
	StatusUnknown ResultStatus = "unknown"
)

// OrderResult answers a Submit or Cancel. Never mutated after creation.
type OrderResult struct {
	Status    ResultStatus `json:"status"`
	OrderID   string       `json:"order_id,omitempty"`
	Message   string       `json:"message"`
	Kind      string       `json:"kind,omitempty"`
	Mode      ExecMode     `json:"mode,omitempty"`
	Intent    *OrderIntent `json:"intent,omitempty"`
	Trade     *Trade       `json:"trade,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	At        time.Time    `json:"at"`
}

func (r OrderResult) OK() bool { return r.Status == StatusSuccess }

type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderOpen      OrderState = "open"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderRejected  OrderState = "rejected"
	OrderUnknown   OrderState = "unknown"
)

func (s OrderState) Cancellable() bool {
	return s == OrderPending || s == OrderOpen
}

// Terminal reports whether no further transitions are expected.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Trade is one executed fill.
type Trade struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	OrderID     string          `json:"order_id"`
	Instrument  Instrument      `json:"instrument"`
	Side        Side            `json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Timestamp   time.Time       `json:"timestamp"`
	Mode        ExecMode        `json:"mode"`
	PriceSource PriceSource     `json:"price_source"`
	// OrderQty is the full order size when this trade is one of several
	// fills of the same order. Zero means the trade is the whole order.
	OrderQty int64 `json:"order_qty,omitempty"`
	// RoundTripCharge is the flat charge in effect when the trade was
	// recorded. It is allocated across the lots this trade closes.
	RoundTripCharge decimal.Decimal `json:"round_trip_charge"`
}

// ChargeBasis is the quantity a closing trade's charge is prorated over.
func (t Trade) ChargeBasis() int64 { return max(t.Quantity, t.OrderQty) }

// SignedQty is the quantity with the side's sign applied.
func (t Trade) SignedQty() int64 { return t.Side.Sign() * t.Quantity }

// BrokerOrder is the gateway's view of one order, normalized at the broker
// boundary.
type BrokerOrder struct {
	OrderID   string          `json:"order_id"`
	State     OrderState      `json:"state"`
	FilledQty int64           `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Message   string          `json:"message,omitempty"`
}
