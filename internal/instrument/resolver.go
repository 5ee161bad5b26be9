package instrument

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
)

var ErrNotFound = errors.New("instrument not found")

// Query is a logical contract request. Strike zero with no option type asks
// for a future.
type Query struct {
	Underlying string
	Strike     decimal.Decimal
	OptionType domain.OptionType
	ExpiryHint time.Time
	AsOf       time.Time
}

func (q Query) IsFuture() bool {
	return q.OptionType == domain.None && q.Strike.IsZero()
}

type Resolver interface {
	Resolve(ctx context.Context, q Query) (domain.Instrument, error)
}

const defaultStep = 100

// RoundStrike snaps strike to the listed strike grid of the underlying.
// Steps from config win; otherwise NIFTY-family names use 50 and everything
// else 100.
func RoundStrike(strike decimal.Decimal, underlying string, steps map[string]float64) decimal.Decimal {
	u := strings.ToUpper(underlying)
	step := decimal.NewFromInt(defaultStep)
	if s, ok := steps[u]; ok && s > 0 {
		step = decimal.NewFromFloat(s)
	} else if strings.Contains(u, "NIFTY") {
		step = decimal.NewFromInt(50)
	}
	return strike.Div(step).Round(0).Mul(step)
}

// InferSegment guesses the exchange segment from a symbol when the master
// row carries none.
func InferSegment(symbol string) string {
	s := strings.ToUpper(symbol)
	switch {
	case strings.Contains(s, "NIFTY"):
		return domain.SegmentNSEFNO
	case strings.Contains(s, "MCX"):
		return domain.SegmentMCX
	case strings.Contains(s, "BSE"):
		return domain.SegmentBSEEQ
	case strings.Contains(s, "NSE"):
		return domain.SegmentNSEEQ
	}
	return domain.SegmentNSEFNO
}

var expiryLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"02-01-2006",
	"02/01/2006",
	"2-Jan-2006",
	"02-Jan-2006",
	"02 Jan 2006",
	"Jan 2 2006",
}

// ParseExpiry accepts the date shapes seen in instrument masters and alert
// payloads. The zero sentinel "0001-01-01" and garbage both yield ok=false.
func ParseExpiry(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0001-01-01") {
		return time.Time{}, false
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return dateOf(t), true
		}
	}
	return time.Time{}, false
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
