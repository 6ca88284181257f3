package events

import "time"

// 事件类型枚举
type EventType string

const (
	// 自动修复触发事件
	EventAutoRepairAPIKey  EventType = "auto_repair_api_key"
	EventAutoRepairVeoAuth EventType = "auto_repair_veo_auth"

	// 凭据事件
	EventCredentialClaimed EventType = "credential_claimed"
	EventCredentialHealthy EventType = "credential_healthy"
	EventCredentialFailed  EventType = "credential_failed"

	// 修复协调器状态事件
	EventRepairStateChanged EventType = "repair_state_changed"

	// 生成调用事件
	EventGenerationStarted   EventType = "generation_started"
	EventGenerationCompleted EventType = "generation_completed"
	EventVideoJobUpdated     EventType = "video_job_updated"

	// 用户用量事件
	EventUserUsageUpdated EventType = "user_usage_updated"

	// 系统级事件
	EventSystemError   EventType = "system_error"
	EventConfigChanged EventType = "config_changed"
)

// 事件优先级
type EventPriority int

const (
	PriorityLow      EventPriority = iota // 批量处理，如统计数据
	PriorityNormal                        // 延迟处理，如生成完成
	PriorityHigh                          // 立即处理，如凭据状态变化
	PriorityCritical                      // 紧急处理，如系统错误
)

// 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // 事件来源组件
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Priority  EventPriority          `json:"priority"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// 前端事件类型映射
var EventTypeMapping = map[EventType]string{
	EventAutoRepairAPIKey:    "repair",
	EventAutoRepairVeoAuth:   "repair",
	EventRepairStateChanged:  "repair",
	EventCredentialClaimed:   "credential",
	EventCredentialHealthy:   "credential",
	EventCredentialFailed:    "credential",
	EventGenerationStarted:   "generation",
	EventGenerationCompleted: "generation",
	EventVideoJobUpdated:     "video",
	EventUserUsageUpdated:    "usage",
	EventSystemError:         "status",
	EventConfigChanged:       "config",
}
