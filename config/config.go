package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"genai-orchestrator/internal/api"
	"genai-orchestrator/internal/collab"
	"genai-orchestrator/internal/gen"
	"genai-orchestrator/internal/tracking"
)

type Config struct {
	Server      ServerConfig         `yaml:"server"`       // Web管理接口
	Auth        AuthConfig           `yaml:"auth"`         // 管理接口鉴权
	Logging     LoggingConfig        `yaml:"logging"`
	Credentials CredentialsConfig    `yaml:"credentials"`  // 凭据来源协作方
	API         api.HTTPClientConfig `yaml:"api"`          // 远程生成服务
	Generation  gen.Config           `yaml:"generation"`   // 模型与视频轮询
	Repair      RepairConfig         `yaml:"repair"`       // 自动修复协调器
	Prober      ProberConfig         `yaml:"prober"`       // 健康探测
	Collab      collab.Config        `yaml:"collab"`       // 历史/用量/通知协作方
	ActivityLog tracking.Config      `yaml:"activity_log"` // 活动日志
	Timezone    string               `yaml:"timezone"`     // 全局时区
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"` // 启用Web管理接口，默认false
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`         // 启用鉴权，默认false
	Token   string `yaml:"token,omitempty"` // Bearer令牌
}

type LoggingConfig struct {
	Level           string `yaml:"level"`
	Format          string `yaml:"format"`           // "json" 或 "text"
	FileEnabled     bool   `yaml:"file_enabled"`     // 启用文件日志
	FilePath        string `yaml:"file_path"`        // 日志文件路径
	MaxFileSize     string `yaml:"max_file_size"`    // 单文件上限，如 "100MB"
	MaxFiles        int    `yaml:"max_files"`        // 保留的轮转文件数
	CompressRotated bool   `yaml:"compress_rotated"` // 压缩轮转出的文件
}

type CredentialsConfig struct {
	SourceURL    string        `yaml:"source_url"`    // 凭据来源服务地址
	Token        string        `yaml:"token"`         // Bearer令牌，可用环境变量兜底
	Timeout      time.Duration `yaml:"timeout"`
	ClaimerLabel string        `yaml:"claimer_label"` // 认领时携带的标签
}

type RepairConfig struct {
	ResetAfter time.Duration `yaml:"reset_after"` // 终态展示窗口，之后回到空闲
}

type ProberConfig struct {
	Timeout time.Duration `yaml:"timeout"` // 单次探测超时
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8088
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.FileEnabled && c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}
	if c.Logging.FileEnabled && c.Logging.MaxFileSize == "" {
		c.Logging.MaxFileSize = "100MB"
	}
	if c.Logging.FileEnabled && c.Logging.MaxFiles == 0 {
		c.Logging.MaxFiles = 10
	}

	// 密钥类配置支持环境变量兜底，配合.env文件使用
	if c.Credentials.Token == "" {
		c.Credentials.Token = os.Getenv("CREDENTIAL_SOURCE_TOKEN")
	}
	if c.Auth.Token == "" {
		c.Auth.Token = os.Getenv("ADMIN_AUTH_TOKEN")
	}
	if c.Collab.Token == "" {
		c.Collab.Token = os.Getenv("COLLAB_TOKEN")
	}

	if c.Credentials.Timeout == 0 {
		c.Credentials.Timeout = 15 * time.Second
	}
	if c.Credentials.ClaimerLabel == "" {
		c.Credentials.ClaimerLabel = "genai-orchestrator"
	}

	if c.API.Timeout == 0 {
		c.API.Timeout = 120 * time.Second
	}

	genDefaults := gen.DefaultConfig()
	if c.Generation.TextModel == "" {
		c.Generation.TextModel = genDefaults.TextModel
	}
	if c.Generation.ImageModel == "" {
		c.Generation.ImageModel = genDefaults.ImageModel
	}
	if c.Generation.VideoModel == "" {
		c.Generation.VideoModel = genDefaults.VideoModel
	}
	if c.Generation.SpeechModel == "" {
		c.Generation.SpeechModel = genDefaults.SpeechModel
	}
	if c.Generation.SharedMasterImageLimit == 0 {
		c.Generation.SharedMasterImageLimit = genDefaults.SharedMasterImageLimit
	}
	if c.Generation.VideoPollInterval == 0 {
		c.Generation.VideoPollInterval = genDefaults.VideoPollInterval
	}
	if c.Generation.VideoMaxPolls == 0 {
		c.Generation.VideoMaxPolls = genDefaults.VideoMaxPolls
	}

	if c.Repair.ResetAfter == 0 {
		c.Repair.ResetAfter = 8 * time.Second
	}
	if c.Prober.Timeout == 0 {
		c.Prober.Timeout = 30 * time.Second
	}

	trackDefaults := tracking.DefaultConfig()
	if c.ActivityLog.BufferSize == 0 {
		c.ActivityLog.BufferSize = trackDefaults.BufferSize
	}
	if c.ActivityLog.BatchSize == 0 {
		c.ActivityLog.BatchSize = trackDefaults.BatchSize
	}
	if c.ActivityLog.FlushInterval == 0 {
		c.ActivityLog.FlushInterval = trackDefaults.FlushInterval
	}
	if c.ActivityLog.RetentionDays == 0 {
		c.ActivityLog.RetentionDays = trackDefaults.RetentionDays
	}
	if c.ActivityLog.CleanupInterval == 0 {
		c.ActivityLog.CleanupInterval = trackDefaults.CleanupInterval
	}
	if c.ActivityLog.MaxPromptLength == 0 {
		c.ActivityLog.MaxPromptLength = trackDefaults.MaxPromptLength
	}

	if c.Timezone == "" {
		c.Timezone = "Asia/Shanghai"
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Credentials.SourceURL == "" {
		return fmt.Errorf("credentials source_url is required")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base_url is required")
	}

	if c.Auth.Enabled && c.Auth.Token == "" {
		return fmt.Errorf("auth token is required when auth is enabled")
	}

	if c.Generation.VideoPollInterval < time.Second {
		return fmt.Errorf("video poll interval must be at least 1s")
	}
	if c.Generation.VideoMaxPolls <= 0 {
		return fmt.Errorf("video max polls must be greater than 0")
	}

	if c.ActivityLog.Enabled {
		if c.ActivityLog.BufferSize <= 0 {
			return fmt.Errorf("activity log buffer size must be greater than 0")
		}
		if c.ActivityLog.BatchSize <= 0 {
			return fmt.Errorf("activity log batch size must be greater than 0")
		}
		if c.ActivityLog.BatchSize > c.ActivityLog.BufferSize {
			return fmt.Errorf("activity log batch size cannot be larger than buffer size")
		}
		if c.ActivityLog.RetentionDays < 0 {
			return fmt.Errorf("activity log retention days cannot be negative")
		}
		switch c.ActivityLog.Database.Type {
		case "", "sqlite", "mysql":
		default:
			return fmt.Errorf("activity log database type must be 'sqlite' or 'mysql'")
		}
		if c.ActivityLog.Database.Type == "mysql" {
			if c.ActivityLog.Database.Host == "" || c.ActivityLog.Database.Database == "" {
				return fmt.Errorf("mysql host and database are required for activity log")
			}
		}
	}

	return nil
}

// ConfigWatcher handles automatic configuration reloading
type ConfigWatcher struct {
	configPath    string
	config        *Config
	mutex         sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	callbacks     []func(*Config)
	lastModTime   time.Time
	debounceTimer *time.Timer
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *slog.Logger) (*ConfigWatcher, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		config:      config,
		watcher:     watcher,
		logger:      logger,
		callbacks:   make([]func(*Config), 0),
		lastModTime: fileInfo.ModTime(),
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go cw.watchLoop()

	return cw, nil
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// UpdateLogger updates the logger used by the config watcher
func (cw *ConfigWatcher) UpdateLogger(logger *slog.Logger) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.logger = logger
}

// AddReloadCallback adds a callback function that will be called when config is reloaded
func (cw *ConfigWatcher) AddReloadCallback(callback func(*Config)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// watchLoop monitors the config file for changes
func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) {
				fileInfo, err := os.Stat(cw.configPath)
				if err != nil {
					cw.logger.Warn(fmt.Sprintf("⚠️ 无法获取配置文件信息: %v", err))
					continue
				}

				if !fileInfo.ModTime().After(cw.lastModTime) {
					continue
				}

				cw.lastModTime = fileInfo.ModTime()

				if cw.debounceTimer != nil {
					cw.debounceTimer.Stop()
				}

				// 防抖，避免编辑器多次写入触发多次重载
				cw.debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
					cw.logger.Info(fmt.Sprintf("🔄 检测到配置文件变更，正在重新加载... - 文件: %s", event.Name))
					if err := cw.reloadConfig(); err != nil {
						cw.logger.Error(fmt.Sprintf("❌ 配置文件重新加载失败: %v", err))
					} else {
						cw.logger.Info("✅ 配置文件重新加载成功")
					}
				})
			}

			// 部分编辑器保存时重命名文件，需要重新挂监听
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				time.Sleep(100 * time.Millisecond)
				if _, err := os.Stat(cw.configPath); err == nil {
					cw.watcher.Add(cw.configPath)
					cw.logger.Info(fmt.Sprintf("🔄 重新监听配置文件: %s", cw.configPath))
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error(fmt.Sprintf("⚠️ 配置文件监听错误: %v", err))
		}
	}
}

// reloadConfig reloads the configuration from file
func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mutex.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mutex.Unlock()

	for _, callback := range callbacks {
		callback(newConfig)
	}

	cw.logConfigChanges(oldConfig, newConfig)

	return nil
}

// logConfigChanges logs the key differences between old and new configurations
func (cw *ConfigWatcher) logConfigChanges(oldConfig, newConfig *Config) {
	if oldConfig.Server.Port != newConfig.Server.Port {
		cw.logger.Info("🌐 管理接口端口变更",
			"old_port", oldConfig.Server.Port,
			"new_port", newConfig.Server.Port)
	}

	if oldConfig.Auth.Enabled != newConfig.Auth.Enabled {
		cw.logger.Info("🔐 鉴权状态变更",
			"old_enabled", oldConfig.Auth.Enabled,
			"new_enabled", newConfig.Auth.Enabled)
	}

	if oldConfig.Generation.VideoModel != newConfig.Generation.VideoModel {
		cw.logger.Info("🎬 视频模型变更",
			"old_model", oldConfig.Generation.VideoModel,
			"new_model", newConfig.Generation.VideoModel)
	}

	if oldConfig.Generation.VideoPollInterval != newConfig.Generation.VideoPollInterval {
		cw.logger.Info("🎬 视频轮询间隔变更",
			"old_interval", oldConfig.Generation.VideoPollInterval,
			"new_interval", newConfig.Generation.VideoPollInterval)
	}

	if oldConfig.Generation.SharedMasterImageLimit != newConfig.Generation.SharedMasterImageLimit {
		cw.logger.Info("🔑 共享主密钥图片阈值变更",
			"old_limit", oldConfig.Generation.SharedMasterImageLimit,
			"new_limit", newConfig.Generation.SharedMasterImageLimit)
	}

	if oldConfig.Repair.ResetAfter != newConfig.Repair.ResetAfter {
		cw.logger.Info("🔧 修复状态展示窗口变更",
			"old_window", oldConfig.Repair.ResetAfter,
			"new_window", newConfig.Repair.ResetAfter)
	}

	if oldConfig.ActivityLog.Enabled != newConfig.ActivityLog.Enabled {
		cw.logger.Info("📒 活动日志状态变更",
			"old_enabled", oldConfig.ActivityLog.Enabled,
			"new_enabled", newConfig.ActivityLog.Enabled)
	}

	if oldConfig.Timezone != newConfig.Timezone {
		cw.logger.Info("🌍 全局时区配置变更",
			"old_timezone", oldConfig.Timezone,
			"new_timezone", newConfig.Timezone)
	}
}

// Close stops the configuration watcher
func (cw *ConfigWatcher) Close() error {
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	return cw.watcher.Close()
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
