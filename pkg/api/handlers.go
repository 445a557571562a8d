package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freakwan/freakwan-node/pkg/protocol"
)

// ErrorResponse is the error body of every endpoint.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StatusResponse describes the node state.
type StatusResponse struct {
	Address      string  `json:"address"`
	Nick         string  `json:"nick"`
	Status       string  `json:"status"`
	UptimeSec    int64   `json:"uptimeSec"`
	DutyCycle    float64 `json:"dutyCyclePercent"`
	Neighbors    int     `json:"neighbors"`
	SendQueueLen int     `json:"sendQueueLen"`
	Quiet        bool    `json:"quiet"`
	FreqHz       uint32  `json:"freqHz"`
	BandwidthHz  uint32  `json:"bandwidthHz"`
	CodingRate   uint8   `json:"codingRate"`
	Spreading    uint8   `json:"spreading"`
	TXPowerDBM   int     `json:"txPowerDbm"`
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	cfg := s.fw.ConfigSnapshot()
	c.JSON(http.StatusOK, StatusResponse{
		Address:      s.fw.Address().String(),
		Nick:         cfg.Nick,
		Status:       cfg.Status,
		UptimeSec:    int64(s.fw.Uptime().Seconds()),
		DutyCycle:    s.fw.DutyCycle().Percentage(),
		Neighbors:    s.fw.Neighbors().Count(),
		SendQueueLen: s.fw.QueueLen(),
		Quiet:        cfg.Quiet,
		FreqHz:       cfg.Radio.FreqHz,
		BandwidthHz:  cfg.Radio.BandwidthHz,
		CodingRate:   cfg.Radio.CodingRate,
		Spreading:    cfg.Radio.Spreading,
		TXPowerDBM:   cfg.Radio.TXPowerDBM,
	})
}

// NeighborInfo describes one entry of the neighbor table.
type NeighborInfo struct {
	Address string `json:"address"`
	Nick    string `json:"nick"`
	Status  string `json:"status"`
	AgeSec  int64  `json:"ageSec"`
	RSSI    int    `json:"rssi"`
	Seen    uint8  `json:"seen"`
}

// handleNeighbors handles GET /api/v1/neighbors
func (s *Server) handleNeighbors(c *gin.Context) {
	list := s.fw.Neighbors().List()
	neighbors := make([]NeighborInfo, 0, len(list))
	for _, m := range list {
		neighbors = append(neighbors, NeighborInfo{
			Address: m.Sender.String(),
			Nick:    m.Nick,
			Status:  m.Text,
			AgeSec:  int64(time.Since(m.CTime).Seconds()),
			RSSI:    m.RSSI,
			Seen:    m.Seen,
		})
	}
	c.JSON(http.StatusOK, gin.H{"neighbors": neighbors})
}

// handleMessages handles GET /api/v1/messages?limit=N
func (s *Server) handleMessages(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "Archive disabled",
		})
		return
	}
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid limit",
				Message: "limit must be a positive number",
			})
			return
		}
		limit = n
	}
	msgs, err := s.archive.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Archive read failed", Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// handleKeys handles GET /api/v1/keys
func (s *Server) handleKeys(c *gin.Context) {
	names := s.fw.Keychain().ListKeys()
	keys := make([]gin.H, 0, len(names))
	for _, name := range names {
		fp, err := s.fw.Keychain().Fingerprint(name)
		if err != nil {
			continue
		}
		keys = append(keys, gin.H{"name": name, "fingerprint": fp})
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "default": s.ctrl.DefaultKey()})
}

// CommandRequest is the body of POST /api/v1/command.
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// handleCommand handles POST /api/v1/command: it runs one line through
// the command controller, collecting the reply lines.
func (s *Server) handleCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: "body must be {\"command\": \"...\"}",
		})
		return
	}
	var replies []string
	s.ctrl.Exec(req.Command, func(line string) {
		replies = append(replies, line)
	})
	if replies == nil {
		replies = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"replies": replies})
}

// SendRequest is the body of POST /api/v1/send.
type SendRequest struct {
	Text string `json:"text" binding:"required"`
	Key  string `json:"key"`
}

// handleSend handles POST /api/v1/send: a direct message injection that
// skips the command syntax.
func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: "body must be {\"text\": \"...\"}",
		})
		return
	}
	if req.Key != "" && !s.fw.Keychain().HasKey(req.Key) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "No such key: " + req.Key,
		})
		return
	}
	cfg := s.fw.ConfigSnapshot()
	m := protocol.NewDataMessage(s.fw.Address(), cfg.Nick, req.Text, req.Key)
	if !s.fw.SendAsynchronously(m, 0, 3, true) {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "Send queue full",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uid": m.UID})
}
