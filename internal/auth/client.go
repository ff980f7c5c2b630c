package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/hitoshi/uscout/internal/model"
)

// Client は1つのUIコンテキスト（WebSocket接続）に対応する認証状態。
// session.IdentityProviderとして認証状態の変化を通知する。
type Client struct {
	svc *Service

	// emitMu は通知の順序を保つ。リスナーはこのロックを保持したまま呼ばれる。
	emitMu sync.Mutex

	mu        sync.Mutex
	uid       string
	sessionID string
	nextID    int
	listeners map[int]func(uid string)
}

// NewClient はサインアウト状態のClientを生成する。
func NewClient(svc *Service) *Client {
	return &Client{
		svc:       svc,
		listeners: make(map[int]func(uid string)),
	}
}

// OnStateChange はリスナーを登録し、直ちに現在の状態を通知する。
// サインアウト状態は空文字列で通知される。
func (c *Client) OnStateChange(fn func(uid string)) (unsubscribe func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	uid := c.uid
	c.mu.Unlock()

	fn(uid)

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// UserID は現在のユーザーIDを返す。サインアウト状態では空文字列。
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// SessionID は現在のセッションIDを返す。チケットで認証した場合は空文字列。
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SignIn はサインインしてセッションを発行する。
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	session, err := c.svc.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.Attach(session.UserID, session.ID)
	return session, nil
}

// SignUp はアカウントを作成し、そのままサインインする。
func (c *Client) SignUp(ctx context.Context, email, password string) (*model.Session, error) {
	if _, err := c.svc.SignUp(ctx, email, password); err != nil {
		return nil, err
	}
	return c.SignIn(ctx, email, password)
}

// Resume は保存済みのセッションIDで認証状態を復元する。
func (c *Client) Resume(ctx context.Context, sessionID string) error {
	session, err := c.svc.FindSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return model.NewNotAuthenticatedError()
	}
	c.Attach(session.UserID, session.ID)
	return nil
}

// SignOut はセッションを破棄してサインアウト状態にする。
// セッションの削除に失敗しても状態はサインアウトに遷移し、エラーを返す。
func (c *Client) SignOut(ctx context.Context) error {
	sessionID := c.SessionID()
	c.Attach("", "")
	if sessionID == "" {
		return nil
	}
	if err := c.svc.SignOut(ctx, sessionID); err != nil {
		return fmt.Errorf("sign-out failed: %w", err)
	}
	return nil
}

// Attach は検証済みのユーザーを現在の状態に設定する。
// 状態が変化した場合のみリスナーに通知する。
func (c *Client) Attach(uid, sessionID string) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	changed := c.uid != uid
	c.uid = uid
	c.sessionID = sessionID
	fns := make([]func(string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range fns {
		fn(uid)
	}
}
