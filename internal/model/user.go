// Package model はドメインモデルを定義する。
package model

import "time"

const (
	// DefaultPosition はポジション未設定時の表示値。
	DefaultPosition = "Unspecified"
	// AnonymousPlayerName は投稿者名が取れない場合の表示名。
	AnonymousPlayerName = "Anonymous Player"
)

// Account はメールアドレスとパスワードで認証するアカウントを表す。
// プロフィール本体はドキュメントストアのusersコレクションに保持する。
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// UserProfile はusers/<uid> に保存される公開プロフィール。
type UserProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Position  string    `json:"position"`
	Club      string    `json:"club"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Instagram string    `json:"instagram"`
	Twitter   string    `json:"twitter"`
	TikTok    string    `json:"tiktok"`
	Followers []string  `json:"followers"`
	Following []string  `json:"following"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewDefaultProfile は初回サインイン時に作成するプロフィールを返す。
// 名前は "Player" + uidの先頭6文字になる。
func NewDefaultProfile(uid string) *UserProfile {
	prefix := uid
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	return &UserProfile{
		ID:        uid,
		Name:      "Player" + prefix,
		Position:  DefaultPosition,
		Followers: []string{},
		Following: []string{},
	}
}

// IsFollowing はtargetをフォロー済みかどうかを返す。
func (p *UserProfile) IsFollowing(target string) bool {
	if p == nil {
		return false
	}
	for _, id := range p.Following {
		if id == target {
			return true
		}
	}
	return false
}

// DisplayName は投稿などに埋め込む表示名を返す。
func (p *UserProfile) DisplayName() string {
	if p == nil || p.Name == "" {
		return AnonymousPlayerName
	}
	return p.Name
}
