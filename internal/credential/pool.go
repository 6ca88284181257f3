package credential

import (
	"context"
	"fmt"
	"log/slog"

	"genai-orchestrator/internal/utils"
)

// Pool 凭据池。封装凭据源并持有会话上下文，
// 认领和安装操作都经由它完成。
type Pool struct {
	source  Source
	session *Session
	logger  *slog.Logger
}

// NewPool 创建凭据池
func NewPool(source Source, session *Session, logger *slog.Logger) *Pool {
	return &Pool{
		source:  source,
		session: session,
		logger:  logger,
	}
}

// Session 返回池持有的会话上下文
func (p *Pool) Session() *Session {
	return p.session
}

// ListClaimable 按存储顺序列出可认领凭据
func (p *Pool) ListClaimable(ctx context.Context) ([]Credential, error) {
	return p.source.ListClaimable(ctx)
}

// Claim 认领指定凭据。同一认领者对同一凭据的重复认领是确定性成功，
// 不产生第二次状态变化。
func (p *Pool) Claim(ctx context.Context, id string, claimerID string, claimerLabel string) (*Credential, error) {
	result, err := p.source.Claim(ctx, id, claimerID, claimerLabel)
	if err != nil {
		return nil, err
	}

	if result.ClaimedByOther {
		return nil, fmt.Errorf("key %s already claimed by another user", id)
	}

	if result.AlreadyClaimed {
		p.logger.Info(fmt.Sprintf("🔁 [凭据池] 重复认领视为成功: %s", utils.MaskSecret(result.Credential.Secret)))
	} else {
		p.logger.Info(fmt.Sprintf("✅ [凭据池] 认领成功: %s (认领者: %s)", utils.MaskSecret(result.Credential.Secret), claimerLabel))
	}

	cred := result.Credential
	return &cred, nil
}

// Install 将凭据安装为会话激活凭据
func (p *Pool) Install(cred *Credential) {
	p.session.SetActive(cred)
	if cred != nil {
		p.logger.Info(fmt.Sprintf("🔑 [凭据池] 激活凭据已更新: %s (来源: %s)", utils.MaskSecret(cred.Secret), cred.Origin))
	} else {
		p.logger.Info("🔑 [凭据池] 激活凭据已清空")
	}
}

// SharedMaster 获取共享主密钥
func (p *Pool) SharedMaster(ctx context.Context) (string, error) {
	return p.source.SharedMaster(ctx)
}

// RefreshAuthTokens 拉取最新令牌集。非空则整体安装，空则清空旧令牌并报错。
func (p *Pool) RefreshAuthTokens(ctx context.Context) (AuthTokenSet, error) {
	tokens, err := p.source.AuthTokens(ctx)
	if err != nil {
		return nil, err
	}

	if len(tokens) == 0 {
		p.session.ClearTokens()
		p.logger.Warn("⚠️ [凭据池] 未获取到视频认证令牌，已清空旧令牌集")
		return nil, fmt.Errorf("no auth tokens available")
	}

	p.session.SetTokens(tokens)
	p.logger.Info(fmt.Sprintf("🎬 [凭据池] 视频认证令牌集已更新: %d 个令牌", len(tokens)))
	return tokens, nil
}
