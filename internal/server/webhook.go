package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Rajchodisetti/alert-bridge/internal/failure"
	"github.com/Rajchodisetti/alert-bridge/internal/intake"
	"github.com/Rajchodisetti/alert-bridge/internal/pipeline"
)

const (
	webhookKeyHeader = "X-Webhook-Key"
	maxAlertBody     = 64 << 10
)

func (s *Server) webhook(kind intake.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAlertBody+1))
		if err != nil {
			Error(c, http.StatusBadRequest, failure.KindValidation, "unreadable body", nil)
			return
		}
		if len(body) > maxAlertBody {
			Error(c, http.StatusRequestEntityTooLarge, failure.KindValidation, "alert payload too large", nil)
			return
		}
		resp := s.deps.Pipeline.Process(c.Request.Context(), pipeline.Request{
			Body:       body,
			Kind:       kind,
			Token:      strings.TrimSpace(c.GetHeader(webhookKeyHeader)),
			ClientIP:   c.ClientIP(),
			ReceivedAt: time.Now(),
		})

		out := resp.Outcome
		switch {
		case out.Status == intake.Duplicate:
			reply(c, http.StatusOK, statusDuplicate, string(out.Kind), out.Reason, resp)
		case resp.Result != nil:
			replyResult(c, *resp.Result, resp)
		case out.Status == intake.Rejected:
			if out.Kind == failure.KindAuthentication {
				Error(c, http.StatusUnauthorized, out.Kind, out.Reason, nil)
				return
			}
			Error(c, httpStatus(out.Kind), out.Kind, out.Reason, resp)
		default:
			Ok(c, "accepted", resp)
		}
	}
}

// alerts lists recent feed events. all=1 ignores the display window.
func (s *Server) alerts(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	if c.Query("all") == "1" || c.Query("all") == "true" {
		Ok(c, "", s.deps.Feed.History(limit))
		return
	}
	Ok(c, "", s.deps.Feed.Recent(limit))
}
