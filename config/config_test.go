package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
credentials:
  source_url: "https://keys.example.com"
api:
  base_url: "https://generativelanguage.example.com"
`

// 测试最小配置加载后各项默认值就位
func TestLoadConfigDefaults(t *testing.T) {
	path := writeTestConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "gemini-2.5-flash", cfg.Generation.TextModel)
	assert.Equal(t, "veo-3.1-fast-generate-001", cfg.Generation.VideoModel)
	assert.Equal(t, 100, cfg.Generation.SharedMasterImageLimit)
	assert.Equal(t, 10*time.Second, cfg.Generation.VideoPollInterval)
	assert.Greater(t, cfg.Generation.VideoMaxPolls, 0)
	assert.Equal(t, 8*time.Second, cfg.Repair.ResetAfter)
	assert.Equal(t, "genai-orchestrator", cfg.Credentials.ClaimerLabel)
	assert.Equal(t, "Asia/Shanghai", cfg.Timezone)
}

// 测试显式配置覆盖默认值
func TestLoadConfigOverrides(t *testing.T) {
	path := writeTestConfig(t, `
server:
  enabled: true
  host: "0.0.0.0"
  port: 9000
credentials:
  source_url: "https://keys.example.com"
  token: "secret-token"
api:
  base_url: "https://generativelanguage.example.com"
generation:
  video_poll_interval: 5s
  video_max_polls: 30
  shared_master_image_limit: 50
repair:
  reset_after: 12s
activity_log:
  enabled: true
  database:
    type: sqlite
    database_path: ":memory:"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "secret-token", cfg.Credentials.Token)
	assert.Equal(t, 5*time.Second, cfg.Generation.VideoPollInterval)
	assert.Equal(t, 30, cfg.Generation.VideoMaxPolls)
	assert.Equal(t, 50, cfg.Generation.SharedMasterImageLimit)
	assert.Equal(t, 12*time.Second, cfg.Repair.ResetAfter)
	assert.True(t, cfg.ActivityLog.Enabled)
	assert.Equal(t, "sqlite", cfg.ActivityLog.Database.Type)
}

// 测试缺少必填项时报错
func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		errText string
	}{
		{
			"缺少凭据源地址",
			`api:
  base_url: "https://g.example.com"`,
			"source_url is required",
		},
		{
			"缺少API地址",
			`credentials:
  source_url: "https://keys.example.com"`,
			"base_url is required",
		},
		{
			"轮询间隔过短",
			minimalConfig + `
generation:
  video_poll_interval: 100ms`,
			"at least 1s",
		},
		{
			"鉴权开启但无令牌",
			minimalConfig + `
auth:
  enabled: true`,
			"auth token is required",
		},
		{
			"不支持的数据库类型",
			minimalConfig + `
activity_log:
  enabled: true
  database:
    type: oracle`,
			"sqlite",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTestConfig(t, tc.content)
			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errText)
		})
	}
}

// 测试密钥从环境变量兜底
func TestLoadConfigEnvFallback(t *testing.T) {
	t.Setenv("CREDENTIAL_SOURCE_TOKEN", "env-token")

	path := writeTestConfig(t, minimalConfig)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Credentials.Token)
}

// 测试配置加载失败的场景
func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	require.Error(t, err)

	path := writeTestConfig(t, "::: not yaml :::")
	_, err = LoadConfig(path)
	require.Error(t, err)
}

// 测试配置监听器在文件变更后重载并触发回调
func TestConfigWatcherReload(t *testing.T) {
	path := writeTestConfig(t, minimalConfig)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	watcher, err := NewConfigWatcher(path, logger)
	require.NoError(t, err)
	defer watcher.Close()

	assert.Equal(t, 8088, watcher.GetConfig().Server.Port)

	reloaded := make(chan *Config, 1)
	watcher.AddReloadCallback(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})

	// 留出修改时间精度的余量后改写文件
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig+`
server:
  port: 9100
`), 0644))

	select {
	case newConfig := <-reloaded:
		assert.Equal(t, 9100, newConfig.Server.Port)
		assert.Equal(t, 9100, watcher.GetConfig().Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("配置重载回调未触发")
	}
}
