package tracking

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func createTestTracker(t *testing.T) *Tracker {
	t.Helper()

	config := DefaultConfig()
	config.Database = DatabaseConfig{Type: "sqlite", DatabasePath: ":memory:"}
	config.FlushInterval = 20 * time.Millisecond
	config.BatchSize = 10

	tracker, err := NewTracker(config, testLogger())
	require.NoError(t, err)

	tracker.Start()
	t.Cleanup(tracker.Stop)
	return tracker
}

// 测试追加记录后可以查询到
func TestAppendAndQuery(t *testing.T) {
	tracker := createTestTracker(t)

	tracker.Append(LogEntry{
		RequestID: "req-1",
		Operation: "text",
		Model:     "gemini-2.5-flash",
		Prompt:    "你好",
		Output:    "你好！",
		Status:    "success",
		Duration:  120 * time.Millisecond,
	})
	tracker.Append(LogEntry{
		RequestID: "req-2",
		Operation: "image",
		Model:     "gemini-2.5-flash-image",
		Prompt:    "一只猫",
		Status:    "error",
		Error:     "[Code: 429] quota exceeded",
	})

	require.Eventually(t, func() bool {
		entries, err := tracker.Query(context.Background(), QueryFilter{})
		return err == nil && len(entries) == 2
	}, 2*time.Second, 20*time.Millisecond, "两条记录应在刷新间隔内落盘")

	entries, err := tracker.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byID := map[string]LogEntry{}
	for _, e := range entries {
		byID[e.RequestID] = e
	}

	textEntry, ok := byID["req-1"]
	require.True(t, ok)
	assert.Equal(t, "text", textEntry.Operation)
	assert.Equal(t, "success", textEntry.Status)
	assert.Equal(t, int64(120), textEntry.DurationMS)
	assert.Equal(t, "你好", textEntry.Prompt)

	imageEntry, ok := byID["req-2"]
	require.True(t, ok)
	assert.Equal(t, "error", imageEntry.Status)
	assert.Contains(t, imageEntry.Error, "429")
}

// 测试按操作类型和状态过滤查询
func TestQueryFilters(t *testing.T) {
	tracker := createTestTracker(t)

	for i := 0; i < 3; i++ {
		tracker.Append(LogEntry{RequestID: "t", Operation: "text", Model: "m", Status: "success"})
	}
	tracker.Append(LogEntry{RequestID: "v", Operation: "video", Model: "m", Status: "error", Error: "boom"})

	require.Eventually(t, func() bool {
		entries, err := tracker.Query(context.Background(), QueryFilter{})
		return err == nil && len(entries) == 4
	}, 2*time.Second, 20*time.Millisecond)

	textOnly, err := tracker.Query(context.Background(), QueryFilter{Operation: "text"})
	require.NoError(t, err)
	assert.Len(t, textOnly, 3)

	failedOnly, err := tracker.Query(context.Background(), QueryFilter{Status: "error"})
	require.NoError(t, err)
	require.Len(t, failedOnly, 1)
	assert.Equal(t, "video", failedOnly[0].Operation)
}

// 测试超长提示词被截断后写入
func TestAppendTruncatesLongPrompt(t *testing.T) {
	config := DefaultConfig()
	config.Database = DatabaseConfig{Type: "sqlite", DatabasePath: ":memory:"}
	config.FlushInterval = 20 * time.Millisecond
	config.MaxPromptLength = 50

	tracker, err := NewTracker(config, testLogger())
	require.NoError(t, err)
	tracker.Start()
	t.Cleanup(tracker.Stop)

	tracker.Append(LogEntry{
		RequestID: "long",
		Operation: "text",
		Model:     "m",
		Prompt:    strings.Repeat("a", 500),
		Status:    "success",
	})

	require.Eventually(t, func() bool {
		entries, err := tracker.Query(context.Background(), QueryFilter{})
		return err == nil && len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := tracker.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Contains(t, entries[0].Prompt, "[truncated]")
	assert.Less(t, len(entries[0].Prompt), 100)
}

// 测试Stop落盘尚未刷新的记录
func TestStopFlushesRemaining(t *testing.T) {
	config := DefaultConfig()
	config.Database = DatabaseConfig{Type: "sqlite", DatabasePath: ":memory:"}
	config.FlushInterval = time.Hour // 仅靠Stop触发落盘
	config.BatchSize = 100

	tracker, err := NewTracker(config, testLogger())
	require.NoError(t, err)
	tracker.Start()

	tracker.Append(LogEntry{RequestID: "pending", Operation: "speech", Model: "m", Status: "success"})
	tracker.Stop()

	stats := tracker.GetStats()
	assert.Equal(t, int64(1), stats.Enqueued)
	assert.Equal(t, int64(1), stats.Written)
	assert.Equal(t, int64(0), stats.Dropped)
}

// 测试不支持的数据库类型报错
func TestUnsupportedDatabaseType(t *testing.T) {
	_, err := NewDatabaseAdapter(DatabaseConfig{Type: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}
