package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventBus 接口
type EventBus interface {
	// 发布事件
	Publish(event Event)

	// 订阅管理
	Subscribe(name string, types []EventType, handler Handler) func()

	// 启动和停止
	Start() error
	Stop() error

	// 获取统计信息
	GetStats() BusStats
}

// Handler 处理单个事件，在总线的处理协程中被调用
type Handler func(event Event)

// 事件过滤器
type EventFilter struct {
	// 是否分发给订阅者
	ShouldDispatch func(event Event) bool

	// 数据转换器
	DataTransformer func(event Event) map[string]interface{}

	// 频率限制（防止过度推送）
	RateLimit time.Duration

	// 豁免频率限制的事件（终态等必达更新）
	RateLimitExempt func(event Event) bool
}

// EventBus 实现
type eventBus struct {
	// 基础配置
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// 事件处理
	eventChan chan Event

	// 订阅者注册表
	subscribers map[int64]*subscription
	nextSubID   int64
	subMu       sync.RWMutex

	// 过滤和限制
	filters      map[EventType]EventFilter
	rateLimiters map[EventType]*rateLimiter

	// 统计信息
	stats   BusStats
	statsMu sync.RWMutex

	// 内部状态。runMu保护running，Publish持读锁期间通道不会被关闭
	running bool
	runMu   sync.RWMutex
	wg      sync.WaitGroup
}

type subscription struct {
	name    string
	types   map[EventType]bool // 空表示接收全部
	handler Handler
}

// 统计信息
type BusStats struct {
	TotalEvents      int64                   `json:"total_events"`
	ProcessedEvents  int64                   `json:"processed_events"`
	DroppedEvents    int64                   `json:"dropped_events"`
	EventsByType     map[EventType]int64     `json:"events_by_type"`
	EventsByPriority map[EventPriority]int64 `json:"events_by_priority"`
	Subscribers      int                     `json:"subscribers"`
	StartTime        time.Time               `json:"start_time"`
}

// 频率限制器
type rateLimiter struct {
	lastTime time.Time
	limit    time.Duration
	mu       sync.Mutex
}

func (rl *rateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastTime) >= rl.limit {
		rl.lastTime = now
		return true
	}
	return false
}

// NewEventBus 创建新的EventBus实例
func NewEventBus(logger *slog.Logger) EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	bus := &eventBus{
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
		eventChan:    make(chan Event, 1000), // 缓冲区大小
		subscribers:  make(map[int64]*subscription),
		filters:      make(map[EventType]EventFilter),
		rateLimiters: make(map[EventType]*rateLimiter),
		stats: BusStats{
			EventsByType:     make(map[EventType]int64),
			EventsByPriority: make(map[EventPriority]int64),
			StartTime:        time.Now(),
		},
	}

	// 设置默认过滤器
	bus.setupDefaultFilters()

	return bus
}

// 设置默认过滤器
func (eb *eventBus) setupDefaultFilters() {
	passthrough := func(event Event) map[string]interface{} { return event.Data }

	// 修复触发事件过滤器 - 关键事件，立即分发
	eb.filters[EventAutoRepairAPIKey] = EventFilter{
		ShouldDispatch:  func(event Event) bool { return true },
		DataTransformer: passthrough,
		RateLimit:       0, // 无限制
	}

	eb.filters[EventAutoRepairVeoAuth] = EventFilter{
		ShouldDispatch:  func(event Event) bool { return true },
		DataTransformer: passthrough,
		RateLimit:       0, // 无限制
	}

	eb.filters[EventRepairStateChanged] = EventFilter{
		ShouldDispatch:  func(event Event) bool { return true },
		DataTransformer: passthrough,
		RateLimit:       0, // 无限制
	}

	// 凭据事件过滤器 - 关键事件，立即分发
	eb.filters[EventCredentialClaimed] = EventFilter{
		ShouldDispatch:  func(event Event) bool { return true },
		DataTransformer: passthrough,
		RateLimit:       0, // 无限制
	}

	eb.filters[EventCredentialHealthy] = EventFilter{
		ShouldDispatch:  func(event Event) bool { return true },
		DataTransformer: passthrough,
		RateLimit:       0, // 无限制
	}

	eb.filters[EventCredentialFailed] = EventFilter{
		ShouldDispatch:  func(event Event) bool { return true },
		DataTransformer: passthrough,
		RateLimit:       0, // 无限制
	}

	// 生成调用事件过滤器 - 高频率但重要
	eb.filters[EventGenerationStarted] = EventFilter{
		ShouldDispatch:  func(event Event) bool { return true },
		DataTransformer: passthrough,
		RateLimit:       100 * time.Millisecond, // 高频率允许
	}

	eb.filters[EventGenerationCompleted] = EventFilter{
		ShouldDispatch:  func(event Event) bool { return true },
		DataTransformer: passthrough,
		RateLimit:       100 * time.Millisecond,
	}

	// 视频任务事件过滤器 - 轮询期间更新频繁，适度限制；终态更新必达
	eb.filters[EventVideoJobUpdated] = EventFilter{
		ShouldDispatch:  func(event Event) bool { return true },
		DataTransformer: passthrough,
		RateLimit:       500 * time.Millisecond,
		RateLimitExempt: func(event Event) bool {
			state, _ := event.Data["state"].(string)
			return state == "completed" || state == "failed"
		},
	}

	// 用量事件过滤器
	eb.filters[EventUserUsageUpdated] = EventFilter{
		ShouldDispatch:  func(event Event) bool { return true },
		DataTransformer: passthrough,
		RateLimit:       0, // 无限制
	}

	// 系统事件过滤器 - 重要系统事件
	eb.filters[EventSystemError] = EventFilter{
		ShouldDispatch:  func(event Event) bool { return true },
		DataTransformer: passthrough,
		RateLimit:       0, // 无限制
	}

	eb.filters[EventConfigChanged] = EventFilter{
		ShouldDispatch:  func(event Event) bool { return true },
		DataTransformer: passthrough,
		RateLimit:       0, // 无限制
	}

	// 初始化频率限制器
	for eventType, filter := range eb.filters {
		if filter.RateLimit > 0 {
			eb.rateLimiters[eventType] = &rateLimiter{
				limit: filter.RateLimit,
			}
		}
	}
}

// Publish 发布事件
func (eb *eventBus) Publish(event Event) {
	eb.runMu.RLock()
	defer eb.runMu.RUnlock()

	if !eb.running {
		eb.logger.Debug("EventBus not running, dropping event", "type", event.Type)
		return
	}

	// 设置时间戳
	event.Timestamp = time.Now()

	// 更新统计信息
	eb.updateStats(event, "total")

	select {
	case eb.eventChan <- event:
		// 事件发送成功
	default:
		// 缓冲区满，丢弃事件
		eb.updateStats(event, "dropped")
		eb.logger.Warn("EventBus buffer full, dropping event", "type", event.Type, "source", event.Source)
	}
}

// Subscribe 注册订阅者，返回取消函数。types 为空表示接收全部事件。
func (eb *eventBus) Subscribe(name string, types []EventType, handler Handler) func() {
	eb.subMu.Lock()
	defer eb.subMu.Unlock()

	id := eb.nextSubID
	eb.nextSubID++

	typeSet := make(map[EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	eb.subscribers[id] = &subscription{
		name:    name,
		types:   typeSet,
		handler: handler,
	}

	eb.logger.Debug("Subscriber registered", "name", name, "types", len(types))

	return func() {
		eb.subMu.Lock()
		defer eb.subMu.Unlock()
		delete(eb.subscribers, id)
		eb.logger.Debug("Subscriber removed", "name", name)
	}
}

// Start 启动EventBus
func (eb *eventBus) Start() error {
	eb.runMu.Lock()
	defer eb.runMu.Unlock()

	if eb.running {
		return nil
	}

	eb.running = true
	eb.wg.Add(1)

	go eb.eventProcessor()

	eb.logger.Info("EventBus started")
	return nil
}

// Stop 停止EventBus。写锁排空所有在途的Publish后才关闭通道
func (eb *eventBus) Stop() error {
	eb.runMu.Lock()
	if !eb.running {
		eb.runMu.Unlock()
		return nil
	}

	eb.running = false
	eb.cancel()
	close(eb.eventChan)
	eb.runMu.Unlock()

	eb.wg.Wait()

	eb.logger.Info("EventBus stopped")
	return nil
}

// GetStats 获取统计信息
func (eb *eventBus) GetStats() BusStats {
	eb.statsMu.RLock()
	defer eb.statsMu.RUnlock()

	// 深拷贝统计信息
	stats := BusStats{
		TotalEvents:      eb.stats.TotalEvents,
		ProcessedEvents:  eb.stats.ProcessedEvents,
		DroppedEvents:    eb.stats.DroppedEvents,
		EventsByType:     make(map[EventType]int64),
		EventsByPriority: make(map[EventPriority]int64),
		StartTime:        eb.stats.StartTime,
	}

	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range eb.stats.EventsByPriority {
		stats.EventsByPriority[k] = v
	}

	eb.subMu.RLock()
	stats.Subscribers = len(eb.subscribers)
	eb.subMu.RUnlock()

	return stats
}

// 事件处理器
func (eb *eventBus) eventProcessor() {
	defer eb.wg.Done()

	eb.logger.Debug("EventBus processor started")

	for {
		select {
		case event, ok := <-eb.eventChan:
			if !ok {
				eb.logger.Debug("EventBus processor stopped")
				return
			}

			eb.processEvent(event)

		case <-eb.ctx.Done():
			eb.logger.Debug("EventBus processor context cancelled")
			return
		}
	}
}

// 处理单个事件
func (eb *eventBus) processEvent(event Event) {
	// 更新处理统计
	eb.updateStats(event, "processed")

	// 获取事件过滤器
	filter, exists := eb.filters[event.Type]
	if !exists {
		eb.logger.Debug("No filter for event type", "type", event.Type)
		return
	}

	// 检查是否应该分发
	if !filter.ShouldDispatch(event) {
		eb.logger.Debug("Event filtered out", "type", event.Type)
		return
	}

	// 检查频率限制，豁免的事件直接放行
	if limiter, exists := eb.rateLimiters[event.Type]; exists {
		exempt := filter.RateLimitExempt != nil && filter.RateLimitExempt(event)
		if !exempt && !limiter.Allow() {
			eb.logger.Debug("Event rate limited", "type", event.Type)
			return
		}
	}

	// 转换数据并分发
	event.Data = filter.DataTransformer(event)

	eb.subMu.RLock()
	targets := make([]*subscription, 0, len(eb.subscribers))
	for _, sub := range eb.subscribers {
		if len(sub.types) == 0 || sub.types[event.Type] {
			targets = append(targets, sub)
		}
	}
	eb.subMu.RUnlock()

	for _, sub := range targets {
		sub.handler(event)
	}

	eb.logger.Debug("Event dispatched", "type", event.Type, "subscribers", len(targets))
}

// 更新统计信息
func (eb *eventBus) updateStats(event Event, statType string) {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	switch statType {
	case "total":
		eb.stats.TotalEvents++
		eb.stats.EventsByType[event.Type]++
		eb.stats.EventsByPriority[event.Priority]++
	case "processed":
		eb.stats.ProcessedEvents++
	case "dropped":
		eb.stats.DroppedEvents++
	}
}
