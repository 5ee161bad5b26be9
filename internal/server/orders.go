package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Rajchodisetti/alert-bridge/internal/failure"
	"github.com/Rajchodisetti/alert-bridge/internal/pipeline"
)

// placeOrder accepts a JSON or form-encoded manual order.
func (s *Server) placeOrder(c *gin.Context) {
	var m pipeline.ManualOrder
	if err := c.ShouldBind(&m); err != nil {
		Error(c, http.StatusBadRequest, failure.KindValidation, "invalid order: "+err.Error(), nil)
		return
	}
	resp := s.deps.Pipeline.PlaceManual(c.Request.Context(), m)
	replyResult(c, resp.Result, resp)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id := strings.TrimSpace(c.Query("order_id"))
	if id == "" {
		id = strings.TrimSpace(c.PostForm("order_id"))
	}
	if id == "" {
		Error(c, http.StatusBadRequest, failure.KindValidation, "order_id is required", nil)
		return
	}
	res := s.deps.Pipeline.Cancel(c.Request.Context(), id)
	replyResult(c, res, res)
}

func (s *Server) orders(c *gin.Context) {
	Ok(c, "", gin.H{
		"results": s.deps.Orders.Orders(intQuery(c, "limit", 50)),
		"book":    s.deps.Orders.Book(),
	})
}

func (s *Server) symbolSearch(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		q = strings.TrimSpace(c.Query("query"))
	}
	if q == "" {
		Error(c, http.StatusBadRequest, failure.KindValidation, "q is required", nil)
		return
	}
	if s.deps.Instruments == nil {
		Error(c, http.StatusServiceUnavailable, failure.KindResolution, "instrument master not loaded", nil)
		return
	}
	seg := strings.ToUpper(strings.TrimSpace(c.Query("segment")))
	Ok(c, "", s.deps.Instruments.Search(q, seg, intQuery(c, "limit", 20)))
}

func (s *Server) refreshInstruments(c *gin.Context) {
	if s.deps.Refresh == nil {
		Error(c, http.StatusServiceUnavailable, failure.KindResolution, "instrument refresh not configured", nil)
		return
	}
	if err := s.deps.Refresh(c.Request.Context()); err != nil {
		Error(c, http.StatusBadGateway, failure.KindResolution, "refresh failed: "+err.Error(), nil)
		return
	}
	data := gin.H{}
	if s.deps.Instruments != nil {
		data["instruments"] = s.deps.Instruments.Len()
		data["loaded_at"] = s.deps.Instruments.LoadedAt()
	}
	Ok(c, "instrument master refreshed", data)
}
