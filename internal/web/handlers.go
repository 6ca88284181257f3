package web

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"genai-orchestrator/internal/events"
	"genai-orchestrator/internal/repair"
	"genai-orchestrator/internal/tracking"
	"genai-orchestrator/internal/utils"
)

func (s *Server) handleHealthz(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"uptime": utils.FormatDuration(time.Since(s.startTime)),
	}

	if s.tracker != nil {
		if err := s.tracker.Healthy(c.Request.Context()); err != nil {
			resp["status"] = "degraded"
			resp["activity_log"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"start_time": s.startTime.Format("2006-01-02 15:04:05"),
		"uptime":     utils.FormatDuration(time.Since(s.startTime)),
		"events":     s.bus.GetStats(),
	}
	if s.tracker != nil {
		resp["activity_log"] = s.tracker.GetStats()
	}
	c.JSON(http.StatusOK, resp)
}

// handlePool 会话凭据快照，密钥只输出掩码
func (s *Server) handlePool(c *gin.Context) {
	session := s.pool.Session()

	resp := gin.H{
		"token_count": len(session.Tokens()),
	}

	if active := session.Active(); active != nil {
		resp["active"] = gin.H{
			"id":     active.ID,
			"secret": utils.MaskSecret(active.Secret),
			"origin": active.Origin,
		}
	}
	if user := session.User(); user != nil {
		resp["user"] = user
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleClaimable(c *gin.Context) {
	creds, err := s.pool.ListClaimable(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(creds))
	for _, cred := range creds {
		out = append(out, gin.H{
			"id":         cred.ID,
			"secret":     utils.MaskSecret(cred.Secret),
			"origin":     cred.Origin,
			"created_at": cred.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out, "total": len(out)})
}

func (s *Server) handleClaim(c *gin.Context) {
	var req struct {
		ID        string `json:"id" binding:"required"`
		ClaimerID string `json:"claimer_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claimerID := req.ClaimerID
	if claimerID == "" {
		if user := s.pool.Session().User(); user != nil {
			claimerID = user.ID
		}
	}

	cred, err := s.pool.Claim(c.Request.Context(), req.ID, claimerID, s.config.Credentials.ClaimerLabel)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.pool.Install(cred)
	c.JSON(http.StatusOK, gin.H{
		"id":     cred.ID,
		"secret": utils.MaskSecret(cred.Secret),
		"origin": cred.Origin,
	})
}

// handleCheckCredential 轻量校验一个密钥是否可用，不改变会话状态
func (s *Server) handleCheckCredential(c *gin.Context) {
	var req struct {
		Secret string `json:"secret" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := s.orch.CheckCredential(c.Request.Context(), req.Secret)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	session := s.pool.Session()
	results := s.prober.FullDiagnostics(c.Request.Context(), session.ActiveSecret(), session.Tokens().Tokens())
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleProbe(c *gin.Context) {
	session := s.pool.Session()
	result := s.prober.Minimal(c.Request.Context(), session.ActiveSecret(), session.Tokens().Tokens())
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleRepairStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"statuses": s.coordinator.Statuses()})
}

func (s *Server) handleTriggerRepair(c *gin.Context) {
	kind := repair.Kind(c.Param("kind"))
	switch kind {
	case repair.KindAPIKey:
		s.coordinator.TriggerAPIKey()
	case repair.KindVeoAuth:
		s.coordinator.TriggerVeoAuth()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown repair kind: %s", kind)})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"kind": kind, "triggered": true})
}

// handleActivity 活动日志查询，支持 operation/status/limit/offset 过滤
func (s *Server) handleActivity(c *gin.Context) {
	if s.tracker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "activity log is disabled"})
		return
	}

	filter := tracking.QueryFilter{
		Operation: c.Query("operation"),
		Status:    c.Query("status"),
	}
	if v := c.Query("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := c.Query("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	entries, err := s.tracker.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics collector is disabled"})
		return
	}
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

// handleEvents SSE事件流。每个连接独立订阅总线，断开时自动退订。
func (s *Server) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	eventChan := make(chan events.Event, 64)
	unsubscribe := s.bus.Subscribe("sse-"+c.ClientIP(), nil, func(event events.Event) {
		select {
		case eventChan <- event:
		default:
			// 慢客户端丢弃事件，不阻塞总线
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event := <-eventChan:
			c.SSEvent(frontendEventName(event.Type), event)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"time": time.Now().Unix()})
			return true
		}
	})
}

func frontendEventName(t events.EventType) string {
	if name, ok := events.EventTypeMapping[t]; ok {
		return name
	}
	return string(t)
}
