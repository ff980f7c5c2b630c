// Package follow はフォロー関係の切り替えを提供する。
package follow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/hitoshi/uscout/internal/model"
	"github.com/hitoshi/uscout/internal/session"
)

// Action はToggleFollowが行った操作。
type Action string

const (
	// Followed はフォローを追加した。
	Followed Action = "follow"
	// Unfollowed はフォローを解除した。
	Unfollowed Action = "unfollow"
)

// Result はToggleFollowの結果。
type Result struct {
	Target string `json:"target"`
	Action Action `json:"action"`
}

// PartialWriteError は2回の書き込みのうち1回目だけが成功した状態を表す。
// 自分のfollowingと相手のfollowersが一時的に非対称になっている。
type PartialWriteError struct {
	Actor  string
	Target string
	Action Action
	Err    error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("%s applied to users/%s.following but users/%s.followers failed: %v",
		e.Action, e.Actor, e.Target, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// Notifier はフォローされたユーザーへの通知を送る。
type Notifier interface {
	NotifyFollowed(ctx context.Context, target string, follower *model.UserProfile)
}

// Mutator はフォロー関係を切り替える。
type Mutator struct {
	store    docstore.Store
	state    *session.State
	notifier Notifier
	logger   *slog.Logger
}

// NewMutator はMutatorを生成する。notifierはnilでもよい。
func NewMutator(store docstore.Store, state *session.State, notifier Notifier, logger *slog.Logger) *Mutator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutator{store: store, state: state, notifier: notifier, logger: logger}
}

// ToggleFollow はtargetのフォロー状態を反転する。
//
// フォロー中かどうかはローカルに複製された自分のプロフィールで判定し、
// 自分のfollowingと相手のfollowersにそれぞれ集合演算の書き込みを1回ずつ行う。
// 2回の書き込みはトランザクションではない。
// 未認証または自分自身が対象の場合は書き込みを行わずにエラーを返す。
func (m *Mutator) ToggleFollow(ctx context.Context, target string) (*Result, error) {
	me, err := m.state.RequireUser()
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, model.NewEmptyInputError("フォローするユーザーを指定してください。")
	}
	if target == me {
		return nil, model.NewSelfFollowError()
	}

	profile := m.state.Profile()
	action := Followed
	if profile.IsFollowing(target) {
		action = Unfollowed
	}

	op := docstore.ArrayUnion
	if action == Unfollowed {
		op = docstore.ArrayRemove
	}

	if err := m.store.Update(ctx, model.CollectionUsers, me, docstore.Fields{
		"following": op(target),
	}); err != nil {
		return nil, fmt.Errorf("failed to update following: %w", err)
	}

	if err := m.store.Update(ctx, model.CollectionUsers, target, docstore.Fields{
		"followers": op(me),
	}); err != nil {
		m.logger.Error("follow edge is asymmetric",
			slog.String("user_id", me),
			slog.String("target", target),
			slog.String("action", string(action)),
			slog.String("error", err.Error()),
		)
		return nil, &PartialWriteError{Actor: me, Target: target, Action: action, Err: err}
	}

	m.logger.Info("follow toggled",
		slog.String("user_id", me),
		slog.String("target", target),
		slog.String("action", string(action)),
	)

	if action == Followed && m.notifier != nil {
		m.notifier.NotifyFollowed(ctx, target, profile)
	}

	return &Result{Target: target, Action: action}, nil
}
