package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"arb-core/internal/risk"
)

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status(c.Request.Context()))
}

func (s *Server) getPositions(c *gin.Context) {
	positions := s.Engine.Positions(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"count":     len(positions),
		"positions": positions,
	})
}

// kill trips the kill switch. It cannot be undone without restarting the process.
func (s *Server) kill(c *gin.Context) {
	var req struct {
		Detail string `json:"detail"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	operator := CurrentOperator(c)
	detail := "manual kill by " + operator
	if d := strings.TrimSpace(req.Detail); d != "" {
		detail += ": " + d
	}

	killed := s.Engine.Kill(c.Request.Context(), detail)
	s.Logger.Warn("manual kill requested",
		zap.String("operator", operator),
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.Bool("engaged", killed))

	c.JSON(http.StatusOK, gin.H{
		"killed":         true,
		"already_killed": !killed,
		"risk":           s.Engine.Status(c.Request.Context()).Risk,
	})
}

func (s *Server) setConnectivity(c *gin.Context) {
	var req struct {
		Venue     string `json:"venue"`
		Connected *bool  `json:"connected"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Connected == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "venue and connected are required",
		})
		return
	}

	venue := risk.Venue(strings.ToLower(strings.TrimSpace(req.Venue)))
	if venue != risk.VenueUpbit && venue != risk.VenueBybit {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "UNKNOWN_VENUE",
			"error": "venue must be upbit or bybit",
		})
		return
	}

	s.Engine.SetConnectivity(c.Request.Context(), venue, *req.Connected)
	st := s.Engine.Status(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"upbit_connected": st.Risk.UpbitConnected,
		"bybit_connected": st.Risk.BybitConnected,
		"entry_allowed":   st.Risk.EntryAllowed,
	})
}
