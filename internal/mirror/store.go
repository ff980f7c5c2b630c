// Package mirror はリモートコレクションのローカル複製を提供する。
//
// Storeは単一の書き込み元と複数の読み手を持つバージョン付きの値で、
// ReplaceAllによる置き換えはポインタの差し替え1回で行われる。
// 読み手は置き換え前か置き換え後のどちらかの完全なスナップショットのみを観測する。
package mirror

import (
	"sync"
	"sync/atomic"
)

// Snapshot はある時点の複製内容。
// Itemsは読み取り専用として扱うこと。
type Snapshot[T any] struct {
	Version uint64
	Items   []T
}

// Len は要素数を返す。
func (s Snapshot[T]) Len() int {
	return len(s.Items)
}

// Store はバージョン付きのローカル複製。
type Store[T any] struct {
	current atomic.Pointer[Snapshot[T]]

	writeMu sync.Mutex

	subMu     sync.Mutex
	nextSubID uint64
	subs      map[uint64]func(Snapshot[T])
}

// NewStore は空の複製を返す。初期バージョンは0。
func NewStore[T any]() *Store[T] {
	s := &Store[T]{subs: make(map[uint64]func(Snapshot[T]))}
	s.current.Store(&Snapshot[T]{Items: []T{}})
	return s
}

// Current は最新のスナップショットを返す。
func (s *Store[T]) Current() Snapshot[T] {
	return *s.current.Load()
}

// ReplaceAll は内容を丸ごと置き換え、新しいスナップショットを購読者に通知する。
// 置き換えは常に最後の呼び出しが勝つ。
func (s *Store[T]) ReplaceAll(items []T) Snapshot[T] {
	copied := make([]T, len(items))
	copy(copied, items)

	s.writeMu.Lock()
	next := &Snapshot[T]{
		Version: s.current.Load().Version + 1,
		Items:   copied,
	}
	s.current.Store(next)

	// 通知順がバージョン順になるよう書き込みロック内で配送する
	s.subMu.Lock()
	subs := make([]func(Snapshot[T]), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(*next)
	}
	s.writeMu.Unlock()

	return *next
}

// Subscribe は置き換えのたびに呼ばれるコールバックを登録する。
// 返り値の関数で登録を解除する。
func (s *Store[T]) Subscribe(fn func(Snapshot[T])) func() {
	s.subMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Find はpredに一致する最初の要素を返す。
func (s *Store[T]) Find(pred func(T) bool) (T, bool) {
	for _, item := range s.Current().Items {
		if pred(item) {
			return item, true
		}
	}
	var zero T
	return zero, false
}
