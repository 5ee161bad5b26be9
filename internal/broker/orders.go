package broker

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/failure"
)

type placeRequest struct {
	DhanClientID      string  `json:"dhanClientId"`
	CorrelationID     string  `json:"correlationId,omitempty"`
	TransactionType   string  `json:"transactionType"`
	ExchangeSegment   string  `json:"exchangeSegment"`
	ProductType       string  `json:"productType"`
	OrderType         string  `json:"orderType"`
	Validity          string  `json:"validity"`
	SecurityID        string  `json:"securityId"`
	Quantity          int64   `json:"quantity"`
	DisclosedQuantity int64   `json:"disclosedQuantity"`
	Price             float64 `json:"price"`
	AfterMarketOrder  bool    `json:"afterMarketOrder"`
}

// broker correlation ids are capped at 25 characters
const maxCorrelationLen = 25

func (c *Client) PlaceOrder(ctx context.Context, in domain.OrderIntent) (domain.BrokerOrder, error) {
	req := placeRequest{
		DhanClientID:    c.cfg.ClientID,
		CorrelationID:   truncate(in.CorrelationID, maxCorrelationLen),
		TransactionType: string(in.Side),
		ExchangeSegment: in.Instrument.Segment,
		ProductType:     string(in.Product),
		OrderType:       string(in.OrderType),
		Validity:        string(in.Validity),
		SecurityID:      in.Instrument.SecurityID,
		Quantity:        in.Quantity,
	}
	if in.OrderType == domain.Limit {
		req.Price = in.Price.InexactFloat64()
	}
	resp, err := c.do(ctx, http.MethodPost, "/orders", req)
	if err != nil {
		return domain.BrokerOrder{}, err
	}
	id := firstString(resp, "orderId", "order_id", "orderNo")
	if id == "" {
		return domain.BrokerOrder{}, failure.New(failure.KindDispatch, "broker response carried no order id")
	}
	out := domain.BrokerOrder{
		OrderID: id,
		State:   mapState(firstString(resp, "orderStatus", "order_status")),
		Message: firstString(resp, "message", "omsErrorDescription"),
	}
	readFill(resp, &out)
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (domain.BrokerOrder, error) {
	resp, err := c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return domain.BrokerOrder{}, err
	}
	st := mapState(firstString(resp, "orderStatus", "order_status"))
	if st == domain.OrderUnknown {
		st = domain.OrderCancelled
	}
	return domain.BrokerOrder{OrderID: orderID, State: st}, nil
}

func (c *Client) OrderStatus(ctx context.Context, orderID string) (domain.BrokerOrder, error) {
	resp, err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return domain.BrokerOrder{}, err
	}
	obj := resp
	if list, ok := resp["data"].([]any); ok && len(list) > 0 {
		if m, ok := list[0].(map[string]any); ok {
			obj = m
		}
	}
	out := domain.BrokerOrder{
		OrderID: orderID,
		State:   mapState(firstString(obj, "orderStatus", "order_status")),
		Message: firstString(obj, "omsErrorDescription", "message"),
	}
	readFill(obj, &out)
	if !out.AvgPrice.IsPositive() {
		if p, err := decimal.NewFromString(firstString(obj, "price")); err == nil {
			out.AvgPrice = p
		}
	}
	return out, nil
}

// readFill copies filled quantity and average price when the payload has them.
func readFill(obj map[string]any, out *domain.BrokerOrder) {
	if q, err := strconv.ParseInt(firstString(obj, "filledQty", "filled_qty", "tradedQuantity"), 10, 64); err == nil {
		out.FilledQty = q
	}
	if p, err := decimal.NewFromString(firstString(obj, "averageTradedPrice", "average_traded_price", "tradedPrice")); err == nil {
		out.AvgPrice = p
	}
}

func mapState(s string) domain.OrderState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRANSIT":
		return domain.OrderPending
	case "PENDING", "PART_TRADED", "OPEN", "TRIGGERED":
		return domain.OrderOpen
	case "TRADED", "FILLED", "COMPLETE":
		return domain.OrderFilled
	case "CANCELLED", "EXPIRED":
		return domain.OrderCancelled
	case "REJECTED":
		return domain.OrderRejected
	}
	return domain.OrderUnknown
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
