// Package web 提供管理接口：健康检查、诊断、凭据池状态、
// 自动修复控制、活动日志查询和SSE事件流。
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"genai-orchestrator/config"
	"genai-orchestrator/internal/credential"
	"genai-orchestrator/internal/events"
	"genai-orchestrator/internal/gen"
	"genai-orchestrator/internal/monitor"
	"genai-orchestrator/internal/prober"
	"genai-orchestrator/internal/repair"
	"genai-orchestrator/internal/tracking"
)

// Server 管理接口服务器
type Server struct {
	server      *http.Server
	engine      *gin.Engine
	logger      *slog.Logger
	config      *config.Config
	pool        *credential.Pool
	orch        *gen.Orchestrator
	prober      *prober.Prober
	coordinator *repair.Coordinator
	tracker     *tracking.Tracker
	metrics     *monitor.Collector
	bus         events.EventBus
	startTime   time.Time
}

// NewServer 创建管理接口服务器
func NewServer(cfg *config.Config, pool *credential.Pool, orch *gen.Orchestrator, prob *prober.Prober, coordinator *repair.Coordinator, tracker *tracking.Tracker, metrics *monitor.Collector, bus events.EventBus, logger *slog.Logger, startTime time.Time) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(ginLoggerMiddleware(logger))
	engine.Use(gin.Recovery())

	s := &Server{
		engine:      engine,
		logger:      logger,
		config:      cfg,
		pool:        pool,
		orch:        orch,
		prober:      prob,
		coordinator: coordinator,
		tracker:     tracker,
		metrics:     metrics,
		bus:         bus,
		startTime:   startTime,
	}

	s.setupRoutes()
	return s
}

// Start 启动管理接口
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE连接需要禁用写入超时
		IdleTimeout:  300 * time.Second,
	}

	s.logger.Info(fmt.Sprintf("🌐 管理接口启动中... - 地址: %s", addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("❌ 管理接口启动失败: %v", err))
		}
	}()

	return nil
}

// Stop 优雅关闭管理接口
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("🛑 正在关闭管理接口...")
	err := s.server.Shutdown(ctx)
	if err != nil {
		s.logger.Error(fmt.Sprintf("❌ 管理接口关闭失败: %v", err))
	} else {
		s.logger.Info("✅ 管理接口已安全关闭")
	}
	return err
}

// UpdateConfig 应用重载后的配置
func (s *Server) UpdateConfig(newConfig *config.Config) {
	s.config = newConfig
	s.logger.Info("🔄 管理接口配置已更新")
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)

	api := s.engine.Group("/api", s.authMiddleware())
	{
		api.GET("/status", s.handleStatus)
		api.GET("/pool", s.handlePool)
		api.GET("/pool/claimable", s.handleClaimable)
		api.POST("/pool/claim", s.handleClaim)
		api.POST("/credentials/check", s.handleCheckCredential)

		api.GET("/diagnostics", s.handleDiagnostics)
		api.GET("/probe", s.handleProbe)

		api.GET("/repair", s.handleRepairStatus)
		api.POST("/repair/:kind", s.handleTriggerRepair)

		api.GET("/activity", s.handleActivity)
		api.GET("/metrics", s.handleMetrics)
		api.GET("/events", s.handleEvents)
	}
}

// authMiddleware Bearer令牌鉴权，未开启鉴权时直接放行
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := s.config.Auth
		if !auth.Enabled {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header || token != auth.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// ginLoggerMiddleware 创建gin的日志中间件
func ginLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		if statusCode >= 400 {
			logger.Warn(fmt.Sprintf("🌐 管理请求 %s %s %d %v %s",
				c.Request.Method, path, statusCode, latency, c.ClientIP()))
		} else {
			logger.Debug(fmt.Sprintf("🌐 管理请求 %s %s %d %v %s",
				c.Request.Method, path, statusCode, latency, c.ClientIP()))
		}
	}
}
