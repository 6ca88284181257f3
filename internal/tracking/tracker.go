package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"genai-orchestrator/internal/utils"
)

// LogEntry 一条活动日志记录，每次生成调用追加一条
type LogEntry struct {
	RequestID  string        `json:"request_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Operation  string        `json:"operation"` // text / image / video / speech / probe
	Model      string        `json:"model"`
	Prompt     string        `json:"prompt"`
	Output     string        `json:"output"`
	Status     string        `json:"status"` // success / error
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// Config 活动日志配置
type Config struct {
	Enabled         bool           `yaml:"enabled"`
	Database        DatabaseConfig `yaml:"database"`
	BufferSize      int            `yaml:"buffer_size"`
	BatchSize       int            `yaml:"batch_size"`
	FlushInterval   time.Duration  `yaml:"flush_interval"`
	RetentionDays   int            `yaml:"retention_days"`
	CleanupInterval time.Duration  `yaml:"cleanup_interval"`
	MaxPromptLength int            `yaml:"max_prompt_length"`
}

// DefaultConfig 返回默认活动日志配置
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		BufferSize:      1000,
		BatchSize:       50,
		FlushInterval:   5 * time.Second,
		RetentionDays:   30,
		CleanupInterval: 24 * time.Hour,
		MaxPromptLength: 2000,
	}
}

// Stats 活动日志运行统计
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Written  int64 `json:"written"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
}

// Tracker 追加式活动日志。写入经缓冲通道进入后台批量写协程，
// 调用方永不阻塞；编排器只写不读，读取仅供管理接口查询。
type Tracker struct {
	config  Config
	adapter DatabaseAdapter
	logger  *slog.Logger

	entryChan chan LogEntry

	stats   Stats
	statsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker 创建活动日志并打开数据库
func NewTracker(config Config, logger *slog.Logger) (*Tracker, error) {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = defaults.RetentionDays
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.MaxPromptLength <= 0 {
		config.MaxPromptLength = defaults.MaxPromptLength
	}

	adapter, err := NewDatabaseAdapter(config.Database)
	if err != nil {
		return nil, fmt.Errorf("create database adapter: %w", err)
	}
	if err := adapter.Open(); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := adapter.InitSchema(); err != nil {
		adapter.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Tracker{
		config:    config,
		adapter:   adapter,
		logger:    logger,
		entryChan: make(chan LogEntry, config.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start 启动后台写入和清理协程
func (t *Tracker) Start() {
	t.wg.Add(2)
	go t.writeLoop()
	go t.cleanupLoop()

	t.logger.Info(fmt.Sprintf("📒 [活动日志] 已启动: 数据库=%s 缓冲=%d 批量=%d",
		t.adapter.GetDatabaseType(), t.config.BufferSize, t.config.BatchSize))
}

// Stop 停止并落盘剩余记录
func (t *Tracker) Stop() {
	t.cancel()
	close(t.entryChan)
	t.wg.Wait()

	if err := t.adapter.Close(); err != nil {
		t.logger.Warn("活动日志数据库关闭失败", "error", err)
	}
	t.logger.Info("📒 [活动日志] 已停止")
}

// Append 追加一条记录。缓冲满时丢弃并计数，绝不阻塞调用方。
func (t *Tracker) Append(entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.DurationMS = entry.Duration.Milliseconds()
	entry.Prompt = utils.Truncate(entry.Prompt, t.config.MaxPromptLength)
	entry.Output = utils.Truncate(entry.Output, t.config.MaxPromptLength)

	select {
	case t.entryChan <- entry:
		t.bumpStat(func(s *Stats) { s.Enqueued++ })
	default:
		t.bumpStat(func(s *Stats) { s.Dropped++ })
		t.logger.Warn("活动日志缓冲已满，丢弃记录", "operation", entry.Operation)
	}
}

// GetStats 返回运行统计
func (t *Tracker) GetStats() Stats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}

// Healthy 数据库连通性检查
func (t *Tracker) Healthy(ctx context.Context) error {
	return t.adapter.Ping(ctx)
}

// QueryFilter 管理接口的查询条件
type QueryFilter struct {
	Operation string
	Status    string
	Limit     int
	Offset    int
}

// Query 查询最近的活动记录，按时间倒序
func (t *Tracker) Query(ctx context.Context, filter QueryFilter) ([]LogEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}

	query := "SELECT request_id, timestamp, operation, model, prompt, output, status, error, duration_ms FROM activity_log"
	var conditions []string
	var args []interface{}

	if filter.Operation != "" {
		conditions = append(conditions, "operation = ?")
		args = append(args, filter.Operation)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC" + t.adapter.BuildLimitOffset(filter.Limit, filter.Offset)

	rows, err := t.adapter.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var ts string
		var errText sql.NullString
		if err := rows.Scan(&entry.RequestID, &ts, &entry.Operation, &entry.Model,
			&entry.Prompt, &entry.Output, &entry.Status, &errText, &entry.DurationMS); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		entry.Error = errText.String
		if parsed, err := time.Parse("2006-01-02 15:04:05.000000", ts); err == nil {
			entry.Timestamp = parsed
		} else if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.Timestamp = parsed
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// writeLoop 后台批量写入协程
func (t *Tracker) writeLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]LogEntry, 0, t.config.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := t.writeBatch(batch); err != nil {
			t.bumpStat(func(s *Stats) { s.Failed += int64(len(batch)) })
			t.logger.Error("活动日志批量写入失败", "count", len(batch), "error", err)
		} else {
			t.bumpStat(func(s *Stats) { s.Written += int64(len(batch)) })
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-t.entryChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= t.config.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// writeBatch 单事务写入一批记录
func (t *Tracker) writeBatch(batch []LogEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := t.adapter.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO activity_log (request_id, timestamp, operation, model, prompt, output, status, error, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, entry := range batch {
		_, err := stmt.ExecContext(ctx,
			entry.RequestID,
			entry.Timestamp.Format("2006-01-02 15:04:05.000000"),
			entry.Operation,
			entry.Model,
			entry.Prompt,
			entry.Output,
			entry.Status,
			entry.Error,
			entry.DurationMS)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// cleanupLoop 定期删除超过保留期的记录
func (t *Tracker) cleanupLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanup()
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Tracker) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -t.config.RetentionDays).Format("2006-01-02 15:04:05.000000")

	result, err := t.adapter.GetDB().ExecContext(ctx, "DELETE FROM activity_log WHERE timestamp < ?", cutoff)
	if err != nil {
		t.logger.Warn("活动日志清理失败", "error", err)
		return
	}

	if removed, err := result.RowsAffected(); err == nil && removed > 0 {
		t.logger.Info(fmt.Sprintf("🧹 [活动日志] 清理完成: 删除 %d 条过期记录", removed))
	}
}

func (t *Tracker) bumpStat(update func(*Stats)) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	update(&t.stats)
}
