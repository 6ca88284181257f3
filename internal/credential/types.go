package credential

import "time"

// Origin 凭据来源枚举
type Origin string

const (
	OriginPersonal      Origin = "personal"       // 用户自有密钥
	OriginSharedMaster  Origin = "shared-master"  // 共享主密钥
	OriginClaimablePool Origin = "claimable-pool" // 可认领临时密钥池
	OriginAuthToken     Origin = "auth-token"     // 短期视频认证令牌
)

// Credential API密钥凭据
type Credential struct {
	ID        string     `json:"id"`
	Secret    string     `json:"secret"`
	Origin    Origin     `json:"origin"`
	OwnerID   string     `json:"owner_id,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// AuthToken 短期视频认证令牌
type AuthToken struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthTokenSet 有序的令牌集合，整体安装替换
type AuthTokenSet []AuthToken

// Tokens 返回裸令牌值列表，保持存储顺序
func (s AuthTokenSet) Tokens() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = t.Token
	}
	return out
}

// ClaimResult 认领操作的结果
type ClaimResult struct {
	Credential      Credential `json:"credential"`
	AlreadyClaimed  bool       `json:"already_claimed"`  // 同一认领者重复认领
	ClaimedByOther  bool       `json:"claimed_by_other"` // 已被他人占用
}

// User 当前会话的用户记录
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Status      string `json:"status"` // trial 或正式
	TotalImages int    `json:"total_images"`
	TotalVideos int    `json:"total_videos"`
}

// IsTrial 是否试用账户
func (u *User) IsTrial() bool {
	return u != nil && u.Status == "trial"
}
