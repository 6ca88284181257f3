// Package monitor 基于事件流的生成调用指标收集
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"genai-orchestrator/internal/events"
)

// OperationStats 单个操作类型的聚合指标
type OperationStats struct {
	Started       int64         `json:"started"`
	Completed     int64         `json:"completed"`
	TotalDuration time.Duration `json:"-"`
	MinDuration   time.Duration `json:"-"`
	MaxDuration   time.Duration `json:"-"`
	LastActivity  time.Time     `json:"last_activity"`
}

// AverageDuration 平均耗时，无完成记录时为0
func (s *OperationStats) AverageDuration() time.Duration {
	if s.Completed == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Completed)
}

// InFlight 进行中的调用数估计
func (s *OperationStats) InFlight() int64 {
	n := s.Started - s.Completed
	if n < 0 {
		return 0
	}
	return n
}

// Snapshot 对外暴露的指标快照
type Snapshot struct {
	Operations map[string]OperationView `json:"operations"`
	VideoJobs  VideoJobStats            `json:"video_jobs"`
	StartTime  time.Time                `json:"start_time"`
}

// OperationView 快照中单操作的展示形态
type OperationView struct {
	Started         int64  `json:"started"`
	Completed       int64  `json:"completed"`
	InFlight        int64  `json:"in_flight"`
	AverageDuration string `json:"average_duration"`
	MinDuration     string `json:"min_duration"`
	MaxDuration     string `json:"max_duration"`
	LastActivity    string `json:"last_activity"`
}

// VideoJobStats 视频任务状态计数
type VideoJobStats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Collector 订阅事件总线并聚合生成调用指标
type Collector struct {
	mu         sync.RWMutex
	operations map[string]*OperationStats
	videoJobs  VideoJobStats
	startTime  time.Time

	logger      *slog.Logger
	unsubscribe func()
}

// NewCollector 创建指标收集器
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		operations: make(map[string]*OperationStats),
		startTime:  time.Now(),
		logger:     logger,
	}
}

// Start 订阅生成事件
func (c *Collector) Start(bus events.EventBus) {
	c.unsubscribe = bus.Subscribe("metrics-collector",
		[]events.EventType{
			events.EventGenerationStarted,
			events.EventGenerationCompleted,
			events.EventVideoJobUpdated,
		},
		c.handleEvent)
	c.logger.Info("📊 [指标] 生成指标收集器已启动")
}

// Stop 退订事件
func (c *Collector) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

func (c *Collector) handleEvent(event events.Event) {
	switch event.Type {
	case events.EventGenerationStarted:
		c.recordStarted(stringField(event.Data, "operation"))
	case events.EventGenerationCompleted:
		duration := time.Duration(int64Field(event.Data, "duration_ms")) * time.Millisecond
		c.recordCompleted(stringField(event.Data, "operation"), duration)
	case events.EventVideoJobUpdated:
		c.recordVideoJob(stringField(event.Data, "state"))
	}
}

func (c *Collector) recordStarted(operation string) {
	if operation == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats(operation)
	stats.Started++
	stats.LastActivity = time.Now()
}

func (c *Collector) recordCompleted(operation string, duration time.Duration) {
	if operation == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats(operation)
	stats.Completed++
	stats.TotalDuration += duration
	stats.LastActivity = time.Now()
	if stats.MinDuration == 0 || duration < stats.MinDuration {
		stats.MinDuration = duration
	}
	if duration > stats.MaxDuration {
		stats.MaxDuration = duration
	}
}

func (c *Collector) recordVideoJob(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch state {
	case "completed":
		c.videoJobs.Completed++
	case "failed":
		c.videoJobs.Failed++
	}
}

// stats 按操作取聚合槽，不存在时创建。调用方须持有锁。
func (c *Collector) stats(operation string) *OperationStats {
	s, ok := c.operations[operation]
	if !ok {
		s = &OperationStats{}
		c.operations[operation] = s
	}
	return s
}

// Snapshot 返回当前指标快照
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := Snapshot{
		Operations: make(map[string]OperationView, len(c.operations)),
		VideoJobs:  c.videoJobs,
		StartTime:  c.startTime,
	}
	for op, stats := range c.operations {
		out.Operations[op] = OperationView{
			Started:         stats.Started,
			Completed:       stats.Completed,
			InFlight:        stats.InFlight(),
			AverageDuration: stats.AverageDuration().String(),
			MinDuration:     stats.MinDuration.String(),
			MaxDuration:     stats.MaxDuration.String(),
			LastActivity:    stats.LastActivity.Format("2006-01-02 15:04:05"),
		}
	}
	return out
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func int64Field(data map[string]interface{}, key string) int64 {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
