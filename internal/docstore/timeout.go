package docstore

import (
	"context"
	"time"
)

// timeoutStore は各呼び出しにタイムアウトを付与するStoreのラッパー。
type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout はすべてのブロッキング呼び出しに期限dを設定するStoreを返す。
// dが0以下の場合はnextをそのまま返す。
func WithTimeout(next Store, d time.Duration) Store {
	if d <= 0 {
		return next
	}
	return &timeoutStore{next: next, timeout: d}
}

func (s *timeoutStore) Get(ctx context.Context, collection, key string) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Get(ctx, collection, key)
}

func (s *timeoutStore) Set(ctx context.Context, collection, key string, fields Fields) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Set(ctx, collection, key, fields)
}

func (s *timeoutStore) Create(ctx context.Context, collection, key string, fields Fields) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Create(ctx, collection, key, fields)
}

func (s *timeoutStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Add(ctx, collection, fields)
}

func (s *timeoutStore) Update(ctx context.Context, collection, key string, patch Fields) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Update(ctx, collection, key, patch)
}

func (s *timeoutStore) Query(ctx context.Context, q Query) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Query(ctx, q)
}

func (s *timeoutStore) SubscribeQuery(q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error) {
	return s.next.SubscribeQuery(q, onSnapshot, onError)
}

func (s *timeoutStore) SubscribeDocument(collection, key string, onSnapshot DocumentFunc, onError ErrorFunc) (Unsubscribe, error) {
	return s.next.SubscribeDocument(collection, key, onSnapshot, onError)
}

var _ Store = (*timeoutStore)(nil)
