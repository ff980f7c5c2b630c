package model

import "time"

// コレクション名。
const (
	CollectionUsers            = "users"
	CollectionPosts            = "football_posts"
	CollectionHighlights       = "football_highlights"
	CollectionChats            = "football_chats"
	CollectionHighlightSources = "highlight_sources"
)

// Post はフィードに流れる短文投稿。
// 投稿者の名前・ポジション・クラブは投稿時点の値を複製して持つ。
type Post struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Position  string    `json:"position"`
	Club      string    `json:"club"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Highlight はユーザーが共有した動画リンク。
type Highlight struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	VideoURL  string    `json:"videoUrl"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// SourceStatus はハイライト取り込み元の状態。
type SourceStatus string

const (
	// SourceStatusActive は定期取り込みの対象。
	SourceStatusActive SourceStatus = "active"
	// SourceStatusStopped は取り込みを停止した状態。
	SourceStatusStopped SourceStatus = "stopped"
)

// HighlightSource はハイライトを自動取り込みするチャンネルのフィード。
// FeedURLはページURLから検出されるまで空のまま。
type HighlightSource struct {
	ID                string       `json:"id"`
	UserID            string       `json:"userId"`
	PageURL           string       `json:"pageUrl"`
	FeedURL           string       `json:"feedUrl"`
	Status            SourceStatus `json:"status"`
	ETag              string       `json:"etag"`
	LastModified      string       `json:"lastModified"`
	ConsecutiveErrors int          `json:"consecutiveErrors"`
	LastError         string       `json:"lastError"`
	NextImportAt      time.Time    `json:"nextImportAt"`
	CreatedAt         time.Time    `json:"createdAt"`
}
