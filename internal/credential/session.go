package credential

import (
	"sync"
)

// Session 会话级凭据上下文。持有当前激活的凭据槽位和视频认证令牌集，
// 由编排器在每次调用时显式传入，不存在全局激活凭据。
type Session struct {
	mu     sync.RWMutex
	active *Credential
	tokens AuthTokenSet
	user   *User
}

// NewSession 创建空会话
func NewSession() *Session {
	return &Session{}
}

// Active 返回当前激活凭据的副本，未设置时返回nil
func (s *Session) Active() *Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.active == nil {
		return nil
	}
	cred := *s.active
	return &cred
}

// SetActive 替换激活凭据，对后续调用立即可见
func (s *Session) SetActive(cred *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred == nil {
		s.active = nil
		return
	}
	copied := *cred
	s.active = &copied
}

// ActiveSecret 返回激活凭据的密钥值，未设置时返回空串
func (s *Session) ActiveSecret() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.active == nil {
		return ""
	}
	return s.active.Secret
}

// Tokens 返回令牌集的副本
func (s *Session) Tokens() AuthTokenSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(AuthTokenSet, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// SetTokens 整体替换令牌集
func (s *Session) SetTokens(tokens AuthTokenSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = make(AuthTokenSet, len(tokens))
	copy(s.tokens, tokens)
}

// ClearTokens 清空令牌集
func (s *Session) ClearTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = nil
}

// User 返回会话用户记录的副本
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.user == nil {
		return nil
	}
	user := *s.user
	return &user
}

// SetUser 更新会话用户记录
func (s *Session) SetUser(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user == nil {
		s.user = nil
		return
	}
	copied := *user
	s.user = &copied
}
