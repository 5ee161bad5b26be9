package intake

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Kind selects the contract family an alert asks for.
type Kind string

const (
	KindOptions Kind = "options"
	KindFutures Kind = "futures"
)

// Count accepts a JSON number or a numeric string; chart alert templates
// produce both. Fractional and oversized values are rejected.
type Count int64

var maxCount = decimal.NewFromInt(1_000_000_000)

func (c *Count) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || string(b) == "null" {
		*c = 0
		return nil
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return errors.Errorf("count %q is not a number", b)
	}
	if !d.IsInteger() || d.Abs().GreaterThan(maxCount) {
		return errors.Errorf("count %q must be a whole number up to %s", b, maxCount)
	}
	*c = Count(d.IntPart())
	return nil
}

// Amount is a decimal that tolerates empty strings and null.
type Amount struct{ decimal.Decimal }

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || string(b) == "null" {
		a.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return err
	}
	a.Decimal = d
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) { return a.Decimal.MarshalJSON() }

// Alert is the inbound webhook payload. Several field names are accepted for
// the same value; Normalize folds them.
type Alert struct {
	ID             string `json:"id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Index          string `json:"index,omitempty"`
	Symbol         string `json:"symbol,omitempty"`
	Underlying     string `json:"underlying,omitempty"`
	Strike         Amount `json:"strike"`
	OptionType     string `json:"option_type,omitempty"`
	Side           string `json:"side,omitempty"`
	Action         string `json:"action,omitempty"`
	OrderType      string `json:"order_type,omitempty"`
	Price          Amount `json:"price"`
	ProductType    string `json:"product_type,omitempty"`
	Validity       string `json:"validity,omitempty"`
	Lots           Count  `json:"lots,omitempty"`
	Qty            Count  `json:"qty,omitempty"`
	Quantity       Count  `json:"quantity,omitempty"`
	Expiry         string `json:"expiry,omitempty"`
	Token          string `json:"token,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
	Time           string `json:"time,omitempty"`
}

// ParseAlert decodes a webhook body.
func ParseAlert(body []byte) (Alert, error) {
	var a Alert
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&a); err != nil {
		return Alert{}, err
	}
	return a.Normalize(), nil
}

// Normalize folds aliases into their canonical fields and upper-cases codes.
func (a Alert) Normalize() Alert {
	a.Underlying = strings.ToUpper(strings.TrimSpace(first(a.Underlying, a.Index, a.Symbol)))
	a.Index, a.Symbol = "", ""
	a.Side = strings.ToUpper(strings.TrimSpace(first(a.Side, a.Action)))
	a.Action = ""
	a.OptionType = strings.ToUpper(strings.TrimSpace(a.OptionType))
	a.OrderType = strings.ToUpper(strings.TrimSpace(a.OrderType))
	a.ProductType = strings.ToUpper(strings.TrimSpace(a.ProductType))
	a.Validity = strings.ToUpper(strings.TrimSpace(a.Validity))
	if a.Qty == 0 {
		a.Qty = a.Quantity
	}
	a.Quantity = 0
	a.IdempotencyKey = strings.TrimSpace(first(a.IdempotencyKey, a.RequestID, a.ID))
	a.RequestID, a.ID = "", ""
	a.Timestamp = strings.TrimSpace(first(a.Timestamp, a.Time))
	a.Time = ""
	return a
}

// SignalTime is the alert's own timestamp, or fallback when it carries none
// or an unreadable one.
func (a Alert) SignalTime(fallback time.Time) time.Time {
	ts := strings.TrimSpace(a.Timestamp)
	if ts == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t
		}
	}
	if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	return fallback
}

func first(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
