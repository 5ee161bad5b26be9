package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/alert-bridge/internal/failure"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
	"github.com/Rajchodisetti/alert-bridge/internal/paper"
)

func (s *Server) paperEnabled(c *gin.Context) {
	Ok(c, "", gin.H{"enabled": s.deps.Settings.Get().Enabled})
}

// setPaperEnabled takes ?value= or a JSON body {"enabled": bool}.
func (s *Server) setPaperEnabled(c *gin.Context) {
	var v bool
	if raw := strings.TrimSpace(c.Query("value")); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			Error(c, http.StatusBadRequest, failure.KindValidation, "value must be true or false", nil)
			return
		}
		v = b
	} else {
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
			Error(c, http.StatusBadRequest, failure.KindValidation, "value or enabled is required", nil)
			return
		}
		v = *body.Enabled
	}
	st, err := s.deps.Settings.SetEnabled(v)
	if err != nil {
		Error(c, httpStatus(failure.KindOf(err)), failure.KindOf(err), failure.Message(err), nil)
		return
	}
	observ.L().Info("paper mode switched", zap.Bool("enabled", st.Enabled), zap.String("rid", c.GetString(ridKey)))
	Ok(c, "paper mode updated", gin.H{"enabled": st.Enabled})
}

func (s *Server) paperSettings(c *gin.Context) {
	Ok(c, "", s.deps.Settings.Get())
}

func (s *Server) updatePaperSettings(c *gin.Context) {
	var p paper.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		Error(c, http.StatusBadRequest, failure.KindValidation, "invalid settings: "+err.Error(), nil)
		return
	}
	st, err := s.deps.Settings.Update(p)
	if err != nil {
		Error(c, httpStatus(failure.KindOf(err)), failure.KindOf(err), failure.Message(err), nil)
		return
	}
	Ok(c, "settings updated", st)
}

func (s *Server) paperTrades(c *gin.Context) {
	Ok(c, "", s.deps.Paper.Trades(intQuery(c, "limit", 100)))
}

func (s *Server) paperOpen(c *gin.Context) {
	Ok(c, "", s.deps.Paper.Positions())
}

func (s *Server) paperRoundTrips(c *gin.Context) {
	Ok(c, "", s.deps.Paper.RoundTrips(intQuery(c, "limit", 100)))
}

func (s *Server) paperSummary(c *gin.Context) {
	Ok(c, "", gin.H{"snapshot": s.deps.Paper.Snapshot(), "settings": s.deps.Settings.Get()})
}

func (s *Server) clearPaper(c *gin.Context) {
	if c.Query("confirm") != "yes" {
		Error(c, http.StatusBadRequest, failure.KindValidation, "pass confirm=yes to clear the paper ledger", nil)
		return
	}
	if err := s.deps.Paper.Clear(c.Request.Context()); err != nil {
		Error(c, httpStatus(failure.KindOf(err)), failure.KindOf(err), failure.Message(err), nil)
		return
	}
	observ.L().Warn("paper ledger cleared", zap.String("rid", c.GetString(ridKey)))
	Ok(c, "paper ledger cleared", nil)
}

func (s *Server) liveBook(c *gin.Context) bool {
	if s.deps.Live == nil {
		Error(c, http.StatusServiceUnavailable, failure.KindDispatch, "live trading not configured", nil)
		return false
	}
	return true
}

func (s *Server) liveTrades(c *gin.Context) {
	if s.liveBook(c) {
		Ok(c, "", s.deps.Live.Trades(intQuery(c, "limit", 100)))
	}
}

func (s *Server) livePositions(c *gin.Context) {
	if s.liveBook(c) {
		Ok(c, "", s.deps.Live.Positions())
	}
}

func (s *Server) liveSummary(c *gin.Context) {
	if s.liveBook(c) {
		Ok(c, "", s.deps.Live.Snapshot())
	}
}
