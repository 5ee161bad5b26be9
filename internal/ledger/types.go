package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
)

// Lot is unmatched opening quantity from one trade.
type Lot struct {
	TradeID   string          `json:"trade_id"`
	Side      domain.Side     `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Remaining int64           `json:"remaining"`
	BaseQty   int64           `json:"base_qty"`
	OpenedAt  time.Time       `json:"opened_at"`
}

// exitShare is the part of an order's charge already allocated by earlier
// fills of the same order.
type exitShare struct {
	charge  decimal.Decimal
	matched int64
	charged decimal.Decimal
}

// RoundTrip is one matched slice of an opening lot against a closing trade.
type RoundTrip struct {
	ID           string            `json:"id"`
	Instrument   domain.Instrument `json:"instrument"`
	Direction    domain.Side       `json:"direction"` // side of the entry
	Quantity     int64             `json:"quantity"`
	EntryPrice   decimal.Decimal   `json:"entry_price"`
	ExitPrice    decimal.Decimal   `json:"exit_price"`
	GrossPnL     decimal.Decimal   `json:"gross_pnl"`
	Charge       decimal.Decimal   `json:"charge"`
	NetPnL       decimal.Decimal   `json:"net_pnl"`
	EntryTradeID string            `json:"entry_trade_id"`
	ExitTradeID  string            `json:"exit_trade_id"`
	EntryAt      time.Time         `json:"entry_at"`
	ExitAt       time.Time         `json:"exit_at"`
	// LotClosed is true when this slice exhausted the entry lot.
	LotClosed bool `json:"lot_closed"`
}

type Position struct {
	Instrument    domain.Instrument `json:"instrument"`
	NetQty        int64             `json:"net_qty"`
	AvgCost       decimal.Decimal   `json:"avg_cost"`
	LastPrice     decimal.Decimal   `json:"last_price"`
	UnrealizedPnL decimal.Decimal   `json:"unrealized_pnl"`
	Lots          []Lot             `json:"lots"`
}

type Aggregates struct {
	RealizedGross decimal.Decimal `json:"realized_gross"`
	Charges       decimal.Decimal `json:"charges"`
	RealizedNet   decimal.Decimal `json:"realized_net"`
	Unrealized    decimal.Decimal `json:"unrealized"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
	Trades        int             `json:"trades"`
	RoundTrips    int             `json:"round_trips"`
	OpenPositions int             `json:"open_positions"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
}

type Snapshot struct {
	OpenPositions []Position  `json:"open_positions"`
	RoundTrips    []RoundTrip `json:"round_trips"`
	Aggregates    Aggregates  `json:"aggregates"`
}
