package main

import (
	"flag"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// A local stand-in for the broker REST API: orders and last traded prices,
// enough to drive the live path end to end without a real account.

type placeRequest struct {
	DhanClientID    string  `json:"dhanClientId"`
	CorrelationID   string  `json:"correlationId"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	OrderType       string  `json:"orderType"`
	SecurityID      string  `json:"securityId"`
	Quantity        int64   `json:"quantity"`
	Price           float64 `json:"price"`
}

type order struct {
	OrderID            string  `json:"orderId"`
	CorrelationID      string  `json:"correlationId"`
	OrderStatus        string  `json:"orderStatus"`
	TransactionType    string  `json:"transactionType"`
	ExchangeSegment    string  `json:"exchangeSegment"`
	SecurityID         string  `json:"securityId"`
	Quantity           int64   `json:"quantity"`
	FilledQty          int64   `json:"filledQty"`
	AverageTradedPrice float64 `json:"averageTradedPrice"`
	Price              float64 `json:"price"`
	polls              int
}

type stub struct {
	mu       sync.Mutex
	orders   map[string]*order
	prices   map[string]decimal.Decimal
	seq      int
	latency  time.Duration
	blocked  map[string]bool
	token    string
	fillPoll int
}

func (s *stub) auth(c *gin.Context) {
	if s.token != "" && c.GetHeader("access-token") != s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"errorType": "Invalid_Authentication", "errorCode": "DH-901", "errorMessage": "invalid access token"})
		return
	}
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	c.Next()
}

// ltp walks a per-instrument price a few ticks from its last value.
func (s *stub) ltp(segment, id string) decimal.Decimal {
	key := segment + ":" + id
	px, ok := s.prices[key]
	if !ok {
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		px = decimal.NewFromInt(int64(50 + h.Sum32()%250))
	}
	step := decimal.NewFromFloat(float64(rand.Intn(21)-10) * 0.05)
	px = px.Add(step)
	if px.LessThan(decimal.NewFromFloat(0.05)) {
		px = decimal.NewFromFloat(0.05)
	}
	s.prices[key] = px
	return px
}

func (s *stub) place(c *gin.Context) {
	var req placeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorType": "Input_Exception", "errorCode": "DH-905", "errorMessage": err.Error()})
		return
	}
	if s.blocked[req.ExchangeSegment] {
		c.JSON(http.StatusBadRequest, gin.H{"errorType": "Order_Error", "errorCode": "DH-906", "errorMessage": "segment " + req.ExchangeSegment + " is not activated"})
		return
	}
	if req.Quantity <= 0 || req.SecurityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"errorType": "Input_Exception", "errorCode": "DH-905", "errorMessage": "quantity and securityId are required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	o := &order{
		OrderID:         fmt.Sprintf("STUB%08d", s.seq),
		CorrelationID:   req.CorrelationID,
		OrderStatus:     "PENDING",
		TransactionType: req.TransactionType,
		ExchangeSegment: req.ExchangeSegment,
		SecurityID:      req.SecurityID,
		Quantity:        req.Quantity,
		Price:           req.Price,
	}
	if req.OrderType == "MARKET" {
		o.OrderStatus = "TRADED"
		o.FilledQty = o.Quantity
		o.AverageTradedPrice = s.ltp(req.ExchangeSegment, req.SecurityID).InexactFloat64()
	}
	s.orders[o.OrderID] = o
	log.Printf("order %s %s %d x %s/%s -> %s", o.OrderID, o.TransactionType, o.Quantity, o.ExchangeSegment, o.SecurityID, o.OrderStatus)
	c.JSON(http.StatusOK, o)
}

// status fills a pending limit order at its limit price after fillPoll polls.
func (s *stub) status(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"errorType": "Order_Error", "errorCode": "DH-907", "errorMessage": "order not found"})
		return
	}
	o.polls++
	if o.OrderStatus == "PENDING" && o.polls >= s.fillPoll {
		o.OrderStatus = "TRADED"
		o.FilledQty = o.Quantity
		o.AverageTradedPrice = o.Price
	}
	c.JSON(http.StatusOK, gin.H{"data": []*order{o}})
}

func (s *stub) cancel(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"errorType": "Order_Error", "errorCode": "DH-907", "errorMessage": "order not found"})
		return
	}
	if o.OrderStatus != "PENDING" {
		c.JSON(http.StatusBadRequest, gin.H{"errorType": "Order_Error", "errorCode": "DH-908", "errorMessage": "order is " + o.OrderStatus})
		return
	}
	o.OrderStatus = "CANCELLED"
	c.JSON(http.StatusOK, gin.H{"orderId": o.OrderID, "orderStatus": o.OrderStatus})
}

func (s *stub) marketFeed(c *gin.Context) {
	var req map[string][]int64
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorType": "Input_Exception", "errorCode": "DH-905", "errorMessage": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data := map[string]map[string]gin.H{}
	for seg, ids := range req {
		data[seg] = map[string]gin.H{}
		for _, id := range ids {
			sid := fmt.Sprint(id)
			data[seg][sid] = gin.H{"last_price": s.ltp(seg, sid).InexactFloat64()}
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": data})
}

func main() {
	var (
		addr     string
		token    string
		blocked  string
		latency  time.Duration
		fillPoll int
	)
	flag.StringVar(&addr, "addr", ":8090", "listen address")
	flag.StringVar(&token, "token", "", "expected access-token header (empty accepts any)")
	flag.StringVar(&blocked, "blocked-segments", "", "comma separated segments answered with DH-906")
	flag.DurationVar(&latency, "latency", 0, "delay before every response, to exercise client timeouts")
	flag.IntVar(&fillPoll, "fill-after-polls", 2, "status polls before a limit order fills")
	flag.Parse()

	s := &stub{
		orders:   map[string]*order{},
		prices:   map[string]decimal.Decimal{},
		latency:  latency,
		blocked:  map[string]bool{},
		token:    token,
		fillPoll: fillPoll,
	}
	for _, seg := range strings.Split(blocked, ",") {
		if seg = strings.TrimSpace(seg); seg != "" {
			s.blocked[seg] = true
		}
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	v2 := r.Group("/v2", s.auth)
	v2.POST("/orders", s.place)
	v2.GET("/orders/:id", s.status)
	v2.DELETE("/orders/:id", s.cancel)
	v2.POST("/marketfeed/ltp", s.marketFeed)

	log.Printf("stub broker listening on %s (base_url http://localhost%s/v2)", addr, addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("stub broker: %v", err)
	}
}
