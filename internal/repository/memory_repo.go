package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/uscout/internal/model"
)

// MemoryAccountRepo はプロセス内にアカウントを保持するリポジトリ。
// STORE_BACKEND=memoryでの起動とテストに使用する。
type MemoryAccountRepo struct {
	mu      sync.RWMutex
	byID    map[string]model.Account
	byEmail map[string]string
}

// NewMemoryAccountRepo はMemoryAccountRepoを生成する。
func NewMemoryAccountRepo() *MemoryAccountRepo {
	return &MemoryAccountRepo{
		byID:    make(map[string]model.Account),
		byEmail: make(map[string]string),
	}
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *MemoryAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return &account, nil
}

// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
func (r *MemoryAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[email]
	if !ok {
		return nil, nil
	}
	account := r.byID[id]
	return &account, nil
}

// Create はアカウントを作成する。
func (r *MemoryAccountRepo) Create(ctx context.Context, account *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[account.Email]; ok {
		return ErrDuplicateEmail
	}
	r.byID[account.ID] = *account
	r.byEmail[account.Email] = account.ID
	return nil
}

// MemorySessionRepo はプロセス内にセッションを保持するリポジトリ。
type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	now      func() time.Time
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		sessions: make(map[string]model.Session),
		now:      time.Now,
	}
}

// Create はセッションを作成する。
func (r *MemorySessionRepo) Create(ctx context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = *session
	return nil
}

// FindByID は指定IDのセッションを取得する。
// メモリ版にはcleanupジョブが無いため、期限切れはここで削除する。
func (r *MemorySessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	if !session.ExpiresAt.After(r.now()) {
		delete(r.sessions, id)
		return nil, nil
	}
	return &session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

var (
	_ AccountRepository = (*MemoryAccountRepo)(nil)
	_ SessionRepository = (*MemorySessionRepo)(nil)
)
