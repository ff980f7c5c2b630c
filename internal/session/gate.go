package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/uscout/internal/model"
)

// Phase はSession Gateの状態。
type Phase int32

const (
	// Unauthenticated は未認証状態。
	Unauthenticated Phase = iota
	// Authenticated は認証済みでプロフィールの用意ができた状態。
	Authenticated
)

// String はログ出力用の名前を返す。
func (p Phase) String() string {
	if p == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// IdentityProvider は認証状態の変化を通知するプロバイダ。
// 登録直後に現在の状態を1回通知し、以降は変化のたびに通知する。
// サインアウト状態は空文字列で通知される。
type IdentityProvider interface {
	OnStateChange(fn func(uid string)) (unsubscribe func())
}

// ProfileEnsurer はプロフィールドキュメントを必要に応じて作成する。
type ProfileEnsurer interface {
	EnsureProfile(ctx context.Context, uid string) (*model.UserProfile, error)
}

// ReadyFunc は認証済みかつプロフィール準備完了時に呼ばれる。
type ReadyFunc func(ctx context.Context, profile *model.UserProfile)

// Gate は認証状態を監視し、サインイン時にプロフィールを用意してから下流を起動する。
type Gate struct {
	provider IdentityProvider
	ensurer  ProfileEnsurer
	state    *State
	logger   *slog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	phase   atomic.Int32
	onError func(error)
}

// NewGate はGateを生成する。
func NewGate(provider IdentityProvider, ensurer ProfileEnsurer, state *State, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		provider: provider,
		ensurer:  ensurer,
		state:    state,
		logger:   logger,
		timeout:  10 * time.Second,
	}
}

// OnError はプロフィール作成失敗などのエラー通知先を設定する。Startより前に呼ぶこと。
func (g *Gate) OnError(fn func(error)) {
	g.onError = fn
}

// Phase は現在の状態を返す。
func (g *Gate) Phase() Phase {
	return Phase(g.phase.Load())
}

// Start は認証状態の監視を開始する。返り値の関数で監視を停止する。
//
// サインイン通知ではプロフィールを作成（存在しない場合のみ）してからonReadyを呼ぶ。
// 同じユーザーのサインイン通知が重複してもonReadyは1回しか呼ばない。
// サインアウト通知ではStateを消去してからonClearedを呼ぶ。
func (g *Gate) Start(onReady ReadyFunc, onCleared func()) (stop func()) {
	return g.provider.OnStateChange(func(uid string) {
		g.mu.Lock()
		defer g.mu.Unlock()

		if uid == "" {
			g.signOut(onCleared)
			return
		}
		g.signIn(uid, onReady, onCleared)
	})
}

func (g *Gate) signIn(uid string, onReady ReadyFunc, onCleared func()) {
	if g.Phase() == Authenticated {
		if g.state.UserID() == uid {
			return
		}
		// 別ユーザーへの切り替えは一度サインアウトとして扱う
		g.signOut(onCleared)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	profile, err := g.ensurer.EnsureProfile(ctx, uid)
	if err != nil {
		g.logger.Error("failed to ensure profile",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		g.reportError(fmt.Errorf("failed to ensure profile: %w", err))
		return
	}

	g.state.SignIn(uid, profile)
	g.phase.Store(int32(Authenticated))
	g.logger.Info("session ready", slog.String("user_id", uid))

	if onReady != nil {
		onReady(context.Background(), profile)
	}
}

func (g *Gate) signOut(onCleared func()) {
	wasAuthenticated := g.Phase() == Authenticated
	g.state.Clear()
	g.phase.Store(int32(Unauthenticated))

	if wasAuthenticated {
		g.logger.Info("session cleared")
	}
	if onCleared != nil {
		onCleared()
	}
}

func (g *Gate) reportError(err error) {
	if g.onError != nil {
		g.onError(err)
	}
}
