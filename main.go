package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"genai-orchestrator/config"
	"genai-orchestrator/internal/api"
	"genai-orchestrator/internal/collab"
	"genai-orchestrator/internal/credential"
	"genai-orchestrator/internal/events"
	"genai-orchestrator/internal/gen"
	"genai-orchestrator/internal/logging"
	"genai-orchestrator/internal/monitor"
	"genai-orchestrator/internal/prober"
	"genai-orchestrator/internal/repair"
	"genai-orchestrator/internal/tracking"
	"genai-orchestrator/internal/web"
)

var (
	configPath  = flag.String("config", "config/example.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information")

	// Build-time variables (set via ldflags)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	// Runtime variables
	startTime         = time.Now()
	currentLogHandler *SimpleHandler // Track current log handler for cleanup
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("GenAI Orchestrator\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	// 先加载.env，配置中的环境变量兜底依赖它
	_ = godotenv.Load()

	// Setup initial logger (will be updated when config is loaded)
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"})
	slog.SetDefault(logger)

	// Create configuration watcher
	configWatcher, err := config.NewConfigWatcher(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create configuration watcher: %v\n", err)
		os.Exit(1)
	}
	defer configWatcher.Close()

	cfg := configWatcher.GetConfig()

	// Update logger with config settings
	logger = setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	configWatcher.UpdateLogger(logger)

	logger.Info("🚀 GenAI Orchestrator 启动中...",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config_file", *configPath)

	if cfg.Auth.Enabled {
		logger.Info("🔐 管理接口鉴权已启用，访问需要Bearer Token验证")
	} else if cfg.Server.Enabled {
		logger.Info("🔓 管理接口鉴权已禁用")
		if cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" && cfg.Server.Host != "::1" {
			logger.Warn("⚠️  注意：管理接口绑定到非本地地址但未启用鉴权，请确保网络环境安全")
		}
	}

	// Initialize EventBus
	eventBus := events.NewEventBus(logger)
	if err := eventBus.Start(); err != nil {
		logger.Error(fmt.Sprintf("❌ EventBus启动失败: %v", err))
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Stop(); err != nil {
			logger.Error(fmt.Sprintf("❌ EventBus关闭失败: %v", err))
		}
	}()

	// 凭据源与会话
	source := credential.NewHTTPSource(credential.HTTPSourceConfig{
		BaseURL: cfg.Credentials.SourceURL,
		Token:   cfg.Credentials.Token,
		Timeout: cfg.Credentials.Timeout,
	}, logger)
	session := credential.NewSession()
	pool := credential.NewPool(source, session, logger)

	// 远程生成服务客户端
	apiClient := api.NewHTTPClient(cfg.API, logger)

	// 健康探测器
	prob := prober.New(apiClient, prober.Models{
		Text:  cfg.Generation.TextModel,
		Image: cfg.Generation.ImageModel,
		Video: cfg.Generation.VideoModel,
	}, cfg.Prober.Timeout, logger)

	// 自动修复协调器
	coordinator := repair.NewCoordinator(pool, prob, eventBus, cfg.Repair.ResetAfter, logger)
	coordinator.Start()
	defer coordinator.Stop()

	// 生成指标收集
	metrics := monitor.NewCollector(logger)
	metrics.Start(eventBus)
	defer metrics.Stop()

	// 活动日志
	var tracker *tracking.Tracker
	if cfg.ActivityLog.Enabled {
		tracker, err = tracking.NewTracker(cfg.ActivityLog, logger)
		if err != nil {
			logger.Error(fmt.Sprintf("❌ 活动日志初始化失败: %v", err))
			os.Exit(1)
		}
		tracker.Start()
		defer tracker.Stop()
	}

	// 协作方服务（历史记录、用量、通知），未配置时不启用
	var collaborators *collab.Services
	if cfg.Collab.BaseURL != "" || cfg.Collab.WebhookURL != "" {
		collaborators = collab.NewServices(cfg.Collab, logger)
	}

	// 生成编排器
	orchestrator := gen.New(apiClient, pool, eventBus, tracker, collaborators, cfg.Generation, logger)

	// 启动时尽力拉取一次视频认证令牌，失败交给自动修复
	func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := pool.RefreshAuthTokens(ctx); err != nil {
			logger.Warn(fmt.Sprintf("⚠️ 启动时视频认证令牌拉取失败: %v", err))
		}
	}()

	// Web管理接口
	var webServer *web.Server
	if cfg.Server.Enabled {
		webServer = web.NewServer(cfg, pool, orchestrator, prob, coordinator, tracker, metrics, eventBus, logger, startTime)
		if err := webServer.Start(); err != nil {
			logger.Error(fmt.Sprintf("❌ 管理接口启动失败: %v", err))
			os.Exit(1)
		}
	}

	// Setup configuration reload callback to update components
	configWatcher.AddReloadCallback(func(newCfg *config.Config) {
		newLogger := setupLogger(newCfg.Logging)
		slog.SetDefault(newLogger)
		configWatcher.UpdateLogger(newLogger)

		if webServer != nil {
			webServer.UpdateConfig(newCfg)
		}

		eventBus.Publish(events.Event{
			Type:     events.EventConfigChanged,
			Source:   "config-watcher",
			Priority: events.PriorityNormal,
			Data:     map[string]interface{}{"config_file": *configPath},
		})

		newLogger.Info("🔄 所有组件已更新为新配置")
	})
	logger.Info("🔄 配置文件自动重载已启用")

	logger.Info("✅ 启动完成")
	if cfg.Server.Enabled {
		logger.Info(fmt.Sprintf("📡 管理接口地址: http://%s:%d", cfg.Server.Host, cfg.Server.Port))
	}

	// Wait for interrupt signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	sig := <-interrupt
	logger.Info(fmt.Sprintf("📡 收到终止信号，开始优雅关闭... - 信号: %v", sig))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if webServer != nil {
		webServer.Stop(ctx)
	}

	// 等待后台物化任务排干
	orchestrator.Wait()

	// Close log file handler before exit
	if currentLogHandler != nil {
		currentLogHandler.Close()
	}

	logger.Info("✅ 服务已安全关闭")
}

// setupLogger configures the structured logger
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var fileRotator *logging.FileRotator
	// Setup file logging if enabled
	if cfg.FileEnabled {
		maxSize, err := logging.ParseSize(cfg.MaxFileSize)
		if err != nil {
			fmt.Printf("警告：无法解析日志文件大小配置 '%s'，使用默认值 100MB: %v\n", cfg.MaxFileSize, err)
			maxSize = 100 * 1024 * 1024
		}

		fileRotator, err = logging.NewFileRotator(cfg.FilePath, maxSize, cfg.MaxFiles, cfg.CompressRotated)
		if err != nil {
			fmt.Printf("警告：无法创建日志文件轮转器: %v\n", err)
			fileRotator = nil
		}
	}

	handler := &SimpleHandler{
		level:       level,
		fileRotator: fileRotator,
	}
	currentLogHandler = handler

	return slog.New(handler)
}

// SimpleHandler only outputs the log message without any metadata
type SimpleHandler struct {
	level       slog.Level
	fileRotator *logging.FileRotator
}

func (h *SimpleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *SimpleHandler) Handle(_ context.Context, r slog.Record) error {
	message := r.Message

	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	pid := os.Getpid()
	gid := getGoroutineID()
	level := "INFO"
	switch r.Level {
	case slog.LevelDebug:
		level = "DEBUG"
	case slog.LevelWarn:
		level = "WARN"
	case slog.LevelError:
		level = "ERROR"
	}

	if h.fileRotator != nil {
		formattedMessage := fmt.Sprintf("[%s] [PID:%d] [GID:%d] [%s] %s\n", timestamp, pid, gid, level, message)
		h.fileRotator.Write([]byte(formattedMessage))
	}

	// 控制台输出限制单条长度
	displayMessage := message
	if len(displayMessage) > 500 {
		displayMessage = displayMessage[:500] + "... (显示截断)"
	}
	fmt.Printf("[%s] [PID:%d] [GID:%d] [%s] %s\n", timestamp, pid, gid, level, displayMessage)

	return nil
}

func (h *SimpleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// Return the same handler since we don't use attributes
	return h
}

func (h *SimpleHandler) WithGroup(name string) slog.Handler {
	// Return the same handler since we don't use groups
	return h
}

// Close gracefully closes the handler and syncs any buffered data
func (h *SimpleHandler) Close() error {
	if h.fileRotator != nil {
		h.fileRotator.Sync()
		return h.fileRotator.Close()
	}
	return nil
}

// getGoroutineID extracts the goroutine ID from runtime stack trace
func getGoroutineID() int {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	idField := strings.Fields(string(buf))[1]
	id, err := strconv.Atoi(idField)
	if err != nil {
		return 0
	}
	return id
}
