// Package session はUIコンテキストごとの認証状態とSession Gateを提供する。
package session

import (
	"sync/atomic"

	"github.com/hitoshi/uscout/internal/model"
)

// identity は認証済みユーザーIDと自分のプロフィールの組。
type identity struct {
	uid     string
	profile *model.UserProfile
}

// State は1つのUIコンテキストが共有する「現在のユーザー」と「自分のプロフィール」。
// 各同期エンジンにはこのStateを明示的に渡す。
// 読み取りは常に一貫した組を返す。
type State struct {
	current atomic.Pointer[identity]
}

// NewState は未認証のStateを返す。
func NewState() *State {
	s := &State{}
	s.current.Store(&identity{})
	return s
}

// UserID は現在のユーザーIDを返す。未認証の場合は空文字列。
func (s *State) UserID() string {
	return s.current.Load().uid
}

// Profile は自分のプロフィールの投影を返す。読み取り専用として扱うこと。
// 未認証またはプロフィール未取得の場合はnil。
func (s *State) Profile() *model.UserProfile {
	return s.current.Load().profile
}

// RequireUser は認証済みのユーザーIDを返す。未認証の場合はエラーを返す。
func (s *State) RequireUser() (string, error) {
	uid := s.UserID()
	if uid == "" {
		return "", model.NewNotAuthenticatedError()
	}
	return uid, nil
}

// SignIn はユーザーIDとプロフィールを設定する。
func (s *State) SignIn(uid string, profile *model.UserProfile) {
	s.current.Store(&identity{uid: uid, profile: profile})
}

// UpdateProfile は自分のプロフィールの投影を差し替える。
// profileのIDが現在のユーザーと異なる場合は無視する。
func (s *State) UpdateProfile(profile *model.UserProfile) {
	for {
		cur := s.current.Load()
		if cur.uid == "" || profile == nil || profile.ID != cur.uid {
			return
		}
		if s.current.CompareAndSwap(cur, &identity{uid: cur.uid, profile: profile}) {
			return
		}
	}
}

// Clear は未認証状態に戻す。
func (s *State) Clear() {
	s.current.Store(&identity{})
}
