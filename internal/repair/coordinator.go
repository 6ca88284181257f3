package repair

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"genai-orchestrator/internal/credential"
	"genai-orchestrator/internal/events"
	"genai-orchestrator/internal/utils"
)

// Kind 修复类型
type Kind string

const (
	KindAPIKey  Kind = "api_key"
	KindVeoAuth Kind = "veo_auth"
)

// State 单个修复类型的状态机取值
type State string

const (
	StateIdle       State = "idle"
	StateInProgress State = "in-progress"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
)

// KindStatus 对外暴露的修复状态快照
type KindStatus struct {
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	ChangedAt time.Time `json:"changed_at"`
	LastError string    `json:"last_error,omitempty"`
}

// HealthProber 修复流程使用的探测能力
type HealthProber interface {
	ImageHealthy(ctx context.Context, secret string) bool
}

// Coordinator 自动修复协调器。每种修复类型独立的单飞行状态机：
// Idle -> InProgress -> Success/Failed -> Idle。
// InProgress 期间的同类触发被丢弃，不排队。
type Coordinator struct {
	pool   *credential.Pool
	prober HealthProber
	bus    events.EventBus
	logger *slog.Logger

	mu     sync.Mutex
	states map[Kind]*kindState

	// 成功/失败状态的展示窗口，窗口结束后自动回到Idle
	resetAfter time.Duration

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

type kindState struct {
	state     State
	changedAt time.Time
	lastError string
}

// NewCoordinator 创建自动修复协调器
func NewCoordinator(pool *credential.Pool, prober HealthProber, bus events.EventBus, resetAfter time.Duration, logger *slog.Logger) *Coordinator {
	if resetAfter <= 0 {
		resetAfter = 8 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		pool:   pool,
		prober: prober,
		bus:    bus,
		logger: logger,
		states: map[Kind]*kindState{
			KindAPIKey:  {state: StateIdle},
			KindVeoAuth: {state: StateIdle},
		},
		resetAfter: resetAfter,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 订阅修复触发事件
func (c *Coordinator) Start() {
	c.unsubscribe = c.bus.Subscribe("repair-coordinator",
		[]events.EventType{events.EventAutoRepairAPIKey, events.EventAutoRepairVeoAuth},
		func(event events.Event) {
			switch event.Type {
			case events.EventAutoRepairAPIKey:
				c.TriggerAPIKey()
			case events.EventAutoRepairVeoAuth:
				c.TriggerVeoAuth()
			}
		})

	c.logger.Info("🔧 [自动修复] 协调器已启动")
}

// Stop 停止协调器并等待进行中的修复结束
func (c *Coordinator) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.cancel()
	c.wg.Wait()
	c.logger.Info("🔧 [自动修复] 协调器已停止")
}

// Statuses 返回所有修复类型的状态快照
func (c *Coordinator) Statuses() []KindStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]KindStatus, 0, len(c.states))
	for _, kind := range []Kind{KindAPIKey, KindVeoAuth} {
		ks := c.states[kind]
		out = append(out, KindStatus{
			Kind:      kind,
			State:     ks.state,
			ChangedAt: ks.changedAt,
			LastError: ks.lastError,
		})
	}
	return out
}

// TriggerAPIKey 触发密钥修复。已在进行中时丢弃本次触发。
func (c *Coordinator) TriggerAPIKey() {
	if !c.begin(KindAPIKey) {
		c.logger.Info("⏭️ [自动修复] 密钥修复进行中，忽略重复触发")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.finish(KindAPIKey, c.RepairAPIKey(c.ctx))
	}()
}

// TriggerVeoAuth 触发视频令牌修复。已在进行中时丢弃本次触发。
func (c *Coordinator) TriggerVeoAuth() {
	if !c.begin(KindVeoAuth) {
		c.logger.Info("⏭️ [自动修复] 视频令牌修复进行中，忽略重复触发")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.finish(KindVeoAuth, c.RepairVeoAuth(c.ctx))
	}()
}

// RepairAPIKey 执行一次密钥修复：按存储顺序探测候选凭据，
// 认领第一个健康的并安装为激活凭据，之后不再探测剩余候选。
func (c *Coordinator) RepairAPIKey(ctx context.Context) error {
	candidates, err := c.pool.ListClaimable(ctx)
	if err != nil {
		return fmt.Errorf("list claimable keys: %w", err)
	}

	if len(candidates) == 0 {
		return fmt.Errorf("no claimable keys available")
	}

	c.logger.Info(fmt.Sprintf("🔍 [自动修复] 开始探测候选凭据: %d 个", len(candidates)))

	claimerID, claimerLabel := c.claimerIdentity()

	for i, candidate := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !c.prober.ImageHealthy(ctx, candidate.Secret) {
			c.logger.Info(fmt.Sprintf("❌ [自动修复] 候选凭据不健康，继续下一个: %s (%d/%d)",
				utils.MaskSecret(candidate.Secret), i+1, len(candidates)))
			continue
		}

		claimed, err := c.pool.Claim(ctx, candidate.ID, claimerID, claimerLabel)
		if err != nil {
			c.logger.Warn(fmt.Sprintf("⚠️ [自动修复] 健康凭据认领失败: %s, 错误: %v",
				utils.MaskSecret(candidate.Secret), err))
			continue
		}

		c.pool.Install(claimed)

		c.bus.Publish(events.Event{
			Type:     events.EventCredentialClaimed,
			Source:   "repair-coordinator",
			Priority: events.PriorityHigh,
			Data: map[string]interface{}{
				"credential_id": claimed.ID,
				"secret":        claimed.Secret,
				"origin":        string(claimed.Origin),
			},
		})

		c.logger.Info(fmt.Sprintf("✅ [自动修复] 密钥修复成功: %s (探测了 %d/%d 个候选)",
			utils.MaskSecret(claimed.Secret), i+1, len(candidates)))
		return nil
	}

	return fmt.Errorf("no healthy claimable key found among %d candidates", len(candidates))
}

// RepairVeoAuth 执行一次视频令牌修复：拉取最新令牌集并整体安装
func (c *Coordinator) RepairVeoAuth(ctx context.Context) error {
	tokens, err := c.pool.RefreshAuthTokens(ctx)
	if err != nil {
		return fmt.Errorf("refresh auth tokens: %w", err)
	}

	c.logger.Info(fmt.Sprintf("✅ [自动修复] 视频令牌修复成功: %d 个令牌", len(tokens)))
	return nil
}

// begin 尝试进入InProgress，已在进行中时返回false
func (c *Coordinator) begin(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ks := c.states[kind]
	if ks.state == StateInProgress {
		return false
	}

	ks.state = StateInProgress
	ks.changedAt = time.Now()
	ks.lastError = ""

	c.publishStateChange(kind, StateInProgress, "")
	return true
}

// finish 记录修复结论并安排展示窗口后的自动复位
func (c *Coordinator) finish(kind Kind, err error) {
	c.mu.Lock()

	ks := c.states[kind]
	ks.changedAt = time.Now()
	if err != nil {
		ks.state = StateFailed
		ks.lastError = err.Error()
		c.logger.Warn(fmt.Sprintf("❌ [自动修复] %s 修复失败: %v", kind, err))
	} else {
		ks.state = StateSuccess
		ks.lastError = ""
	}
	finalState := ks.state
	c.mu.Unlock()

	c.publishStateChange(kind, finalState, errString(err))

	// 展示窗口结束后回到Idle
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		select {
		case <-time.After(c.resetAfter):
		case <-c.ctx.Done():
			return
		}

		c.mu.Lock()
		ks := c.states[kind]
		if ks.state == finalState {
			ks.state = StateIdle
			ks.changedAt = time.Now()
		}
		c.mu.Unlock()
	}()
}

func (c *Coordinator) publishStateChange(kind Kind, state State, lastError string) {
	data := map[string]interface{}{
		"kind":  string(kind),
		"state": string(state),
	}
	if lastError != "" {
		data["last_error"] = lastError
	}

	c.bus.Publish(events.Event{
		Type:     events.EventRepairStateChanged,
		Source:   "repair-coordinator",
		Priority: events.PriorityHigh,
		Data:     data,
	})
}

// claimerIdentity 取会话用户作为认领者身份，缺省为本机编排器
func (c *Coordinator) claimerIdentity() (string, string) {
	if user := c.pool.Session().User(); user != nil {
		return user.ID, user.Username
	}
	return "orchestrator", "orchestrator"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
