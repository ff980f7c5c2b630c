// Package chat はダイレクトメッセージと全体チャンネルの同期を提供する。
package chat

import (
	"sort"
	"strings"

	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/hitoshi/uscout/internal/model"
)

const (
	// BroadcastThreadKey は全員参加チャンネルのキー。
	BroadcastThreadKey = "global_team_chat"
	// BroadcastTitle は全員参加チャンネルの表示名。
	BroadcastTitle = "Global Team Chat"

	directPrefix = "dm_"
)

// DeriveThreadKey は2人のユーザーのダイレクトスレッドのキーを返す。
// 引数の順序によらず同じキーになる。
func DeriveThreadKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return directPrefix + strings.Join(pair, "_")
}

// IsDirectKey はキーがダイレクトスレッドのものかを返す。
func IsDirectKey(key string) bool {
	return strings.HasPrefix(key, directPrefix)
}

// DecodeThread はスレッドドキュメントをChatThreadに変換する。
func DecodeThread(doc docstore.Document) (model.ChatThread, error) {
	var t model.ChatThread
	if err := doc.Decode(&t); err != nil {
		return model.ChatThread{}, err
	}
	t.ID = doc.Key
	if t.Members == nil {
		t.Members = []string{}
	}
	if t.Messages == nil {
		t.Messages = []model.Message{}
	}
	return t, nil
}

func directThreadFields(members []string) docstore.Fields {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	return docstore.Fields{
		"type":          string(model.ThreadTypeDirect),
		"members":       sorted,
		"messages":      []any{},
		"lastMessage":   "",
		"lastTimestamp": docstore.ServerTimestamp(),
	}
}

func broadcastThreadFields() docstore.Fields {
	return docstore.Fields{
		"type":          string(model.ThreadTypeBroadcast),
		"title":         BroadcastTitle,
		"members":       []any{},
		"messages":      []any{},
		"lastMessage":   "",
		"lastTimestamp": docstore.ServerTimestamp(),
	}
}

// directListQuery はuidが参加しているダイレクトスレッドを新しい順に並べる。
func directListQuery(uid string) docstore.Query {
	return docstore.NewQuery(model.CollectionChats).
		Where("type", docstore.OpEqual, string(model.ThreadTypeDirect)).
		Where("members", docstore.OpArrayContains, uid).
		Order("lastTimestamp", docstore.Descending)
}
