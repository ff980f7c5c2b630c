package model

import "time"

// ThreadType はチャットスレッドの種別。
type ThreadType string

const (
	// ThreadTypeDirect は2人だけのダイレクトメッセージ。
	ThreadTypeDirect ThreadType = "direct"
	// ThreadTypeBroadcast は全員参加のチャンネル。
	ThreadTypeBroadcast ThreadType = "broadcast"
)

// ChatThread はfootball_chats/<key> に保存されるスレッド。
// メッセージはスレッドドキュメント内の配列として保持する。
type ChatThread struct {
	ID            string     `json:"id"`
	Type          ThreadType `json:"type"`
	Title         string     `json:"title,omitempty"`
	Members       []string   `json:"members"`
	Messages      []Message  `json:"messages"`
	LastMessage   string     `json:"lastMessage"`
	LastTimestamp time.Time  `json:"lastTimestamp"`
}

// Message はスレッド内の1メッセージ。
// Timeは送信側端末のローカル時刻文字列で、並び順には使わない。
type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Time       string `json:"time"`
}

// HasMember はuidがスレッドのメンバーかどうかを返す。
func (t *ChatThread) HasMember(uid string) bool {
	for _, m := range t.Members {
		if m == uid {
			return true
		}
	}
	return false
}

// Counterpart はダイレクトスレッドの相手のIDを返す。
func (t *ChatThread) Counterpart(uid string) string {
	for _, m := range t.Members {
		if m != uid {
			return m
		}
	}
	return ""
}
