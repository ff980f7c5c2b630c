package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore はプロセス内で完結するStore実装。
// テストとSTORE_BACKEND=memoryでの起動に使用する。
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*Document
	clock       *Clock
	watchers    *Watchers
}

// MemoryOption はMemoryStoreの設定を変更する。
type MemoryOption func(*MemoryStore)

// WithClock はサーバータイムスタンプの時刻源を差し替える。
func WithClock(source func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = NewClock(source)
	}
}

// WithLogger は購読エラーのログ出力先を差し替える。
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.watchers = NewWatchers(0, logger)
	}
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		collections: make(map[string]map[string]*Document),
		clock:       NewClock(nil),
		watchers:    NewWatchers(0, nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get はドキュメントを取得する。存在しない場合はnil, nilを返す。
func (s *MemoryStore) Get(ctx context.Context, collection, key string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections[collection][key].Clone(), nil
}

// Set はドキュメントを作成または全体を上書きする。
func (s *MemoryStore) Set(ctx context.Context, collection, key string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	now := s.clock.Now()
	resolved, err := ResolveNew(fields, now)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to set %s/%s: %w", collection, key, err)
	}
	created := now
	if existing := s.collections[collection][key]; existing != nil {
		created = existing.CreateTime
	}
	s.put(collection, key, resolved, created, now)
	s.mu.Unlock()

	s.watchers.Notify(collection, key)
	return nil
}

// Create はドキュメントが存在しない場合のみ作成する。
func (s *MemoryStore) Create(ctx context.Context, collection, key string, fields Fields) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	if s.collections[collection][key] != nil {
		s.mu.Unlock()
		return false, nil
	}
	now := s.clock.Now()
	resolved, err := ResolveNew(fields, now)
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("failed to create %s/%s: %w", collection, key, err)
	}
	s.put(collection, key, resolved, now, now)
	s.mu.Unlock()

	s.watchers.Notify(collection, key)
	return true, nil
}

// Add は生成したキーでドキュメントを作成する。
func (s *MemoryStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	key := uuid.New().String()
	if _, err := s.Create(ctx, collection, key, fields); err != nil {
		return "", err
	}
	return key, nil
}

// Update は既存ドキュメントにフィールドをマージする。
func (s *MemoryStore) Update(ctx context.Context, collection, key string, patch Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	existing := s.collections[collection][key]
	if existing == nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to update %s/%s: %w", collection, key, ErrNotFound)
	}
	now := s.clock.Now()
	merged, err := ApplyPatch(existing.Fields, patch, now)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to update %s/%s: %w", collection, key, err)
	}
	s.put(collection, key, merged, existing.CreateTime, now)
	s.mu.Unlock()

	s.watchers.Notify(collection, key)
	return nil
}

// Query はクエリを1回だけ実行する。
func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	docs := make([]Document, 0, len(s.collections[q.Collection]))
	for _, d := range s.collections[q.Collection] {
		docs = append(docs, *d.Clone())
	}
	s.mu.RUnlock()
	return q.Apply(docs), nil
}

// SubscribeQuery はクエリ結果の購読を開始する。
func (s *MemoryStore) SubscribeQuery(q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error) {
	if onSnapshot == nil {
		return nil, fmt.Errorf("onSnapshot is required")
	}
	return s.watchers.WatchQuery(q, func(ctx context.Context) ([]Document, error) {
		return s.Query(ctx, q)
	}, onSnapshot, onError), nil
}

// SubscribeDocument は単一ドキュメントの購読を開始する。
func (s *MemoryStore) SubscribeDocument(collection, key string, onSnapshot DocumentFunc, onError ErrorFunc) (Unsubscribe, error) {
	if onSnapshot == nil {
		return nil, fmt.Errorf("onSnapshot is required")
	}
	return s.watchers.WatchDocument(collection, key, func(ctx context.Context) (*Document, error) {
		return s.Get(ctx, collection, key)
	}, onSnapshot, onError), nil
}

// Close はすべての購読を終了する。
func (s *MemoryStore) Close() {
	s.watchers.Close()
}

// put はロック取得済みの状態でドキュメントを保存する。
func (s *MemoryStore) put(collection, key string, fields Fields, created, updated time.Time) {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]*Document)
		s.collections[collection] = docs
	}
	docs[key] = &Document{
		Collection: collection,
		Key:        key,
		Fields:     fields,
		CreateTime: created,
		UpdateTime: updated,
	}
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
