package docstore

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Watchers はリアルタイム購読の登録と変更通知の配送を管理する。
// 各ストア実装は書き込み後にNotifyを呼び、購読ごとのgoroutineが再評価して通知する。
type Watchers struct {
	mu           sync.Mutex
	nextID       uint64
	watchers     map[uint64]*watcher
	fetchTimeout time.Duration
	logger       *slog.Logger
}

// NewWatchers はWatchersを生成する。
// fetchTimeoutは購読の再評価1回あたりのタイムアウト。
func NewWatchers(fetchTimeout time.Duration, logger *slog.Logger) *Watchers {
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchers{
		watchers:     make(map[uint64]*watcher),
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

type watcher struct {
	collection string
	key        string // 空文字列の場合はコレクション全体を監視する
	refresh    func(ctx context.Context) bool
	wake       chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	stopped    atomic.Bool
}

// WatchQuery はクエリ購読を登録する。fetchは現在のクエリ結果を返す関数。
func (ws *Watchers) WatchQuery(
	q Query,
	fetch func(ctx context.Context) ([]Document, error),
	onSnapshot SnapshotFunc,
	onError ErrorFunc,
) Unsubscribe {
	var last []Document
	delivered := false

	w := &watcher{collection: q.Collection}
	w.refresh = func(ctx context.Context) bool {
		docs, err := fetch(ctx)
		if w.stopped.Load() {
			return false
		}
		if err != nil {
			ws.logger.Warn("subscription refresh failed",
				slog.String("collection", q.Collection),
				slog.String("error", err.Error()),
			)
			if onError != nil {
				onError(err)
			}
			return false
		}
		if delivered && sameDocuments(last, docs) {
			return true
		}
		last = docs
		delivered = true
		onSnapshot(cloneDocuments(docs))
		return true
	}
	return ws.start(w)
}

// WatchDocument は単一ドキュメントの購読を登録する。
func (ws *Watchers) WatchDocument(
	collection, key string,
	fetch func(ctx context.Context) (*Document, error),
	onSnapshot DocumentFunc,
	onError ErrorFunc,
) Unsubscribe {
	var last *Document
	delivered := false

	w := &watcher{collection: collection, key: key}
	w.refresh = func(ctx context.Context) bool {
		doc, err := fetch(ctx)
		if w.stopped.Load() {
			return false
		}
		if err != nil {
			ws.logger.Warn("document subscription refresh failed",
				slog.String("collection", collection),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			if onError != nil {
				onError(err)
			}
			return false
		}
		if delivered && sameDocument(last, doc) {
			return true
		}
		last = doc
		delivered = true
		onSnapshot(doc.Clone())
		return true
	}
	return ws.start(w)
}

// Notify はcollection/keyの変更を該当する購読に通知する。
func (ws *Watchers) Notify(collection, key string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, w := range ws.watchers {
		if w.collection != collection {
			continue
		}
		if w.key != "" && key != "" && w.key != key {
			continue
		}
		w.notify()
	}
}

// NotifyAll はすべての購読に再評価を要求する。
// 変更通知を取りこぼした可能性がある場合（再接続後など）に使う。
func (ws *Watchers) NotifyAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, w := range ws.watchers {
		w.notify()
	}
}

// Len は有効な購読数を返す。
func (ws *Watchers) Len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.watchers)
}

// Close はすべての購読を終了する。
func (ws *Watchers) Close() {
	ws.mu.Lock()
	all := ws.watchers
	ws.watchers = make(map[uint64]*watcher)
	ws.mu.Unlock()

	for _, w := range all {
		w.close()
	}
}

func (ws *Watchers) start(w *watcher) Unsubscribe {
	w.wake = make(chan struct{}, 1)
	w.stop = make(chan struct{})

	ws.mu.Lock()
	ws.nextID++
	id := ws.nextID
	ws.watchers[id] = w
	ws.mu.Unlock()

	go ws.loop(id, w)

	return func() {
		ws.remove(id)
		w.close()
	}
}

func (ws *Watchers) loop(id uint64, w *watcher) {
	if !ws.runRefresh(w) {
		ws.remove(id)
		return
	}
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
			if w.stopped.Load() {
				return
			}
			if !ws.runRefresh(w) {
				ws.remove(id)
				return
			}
		}
	}
}

func (ws *Watchers) runRefresh(w *watcher) bool {
	ctx, cancel := context.WithTimeout(context.Background(), ws.fetchTimeout)
	defer cancel()
	return w.refresh(ctx)
}

func (ws *Watchers) remove(id uint64) {
	ws.mu.Lock()
	delete(ws.watchers, id)
	ws.mu.Unlock()
}

func (w *watcher) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) close() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		close(w.stop)
	})
}

func sameDocuments(a, b []Document) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || !reflect.DeepEqual(a[i].Fields, b[i].Fields) {
			return false
		}
	}
	return true
}

func sameDocument(a, b *Document) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Key == b.Key && reflect.DeepEqual(a.Fields, b.Fields)
}

func cloneDocuments(docs []Document) []Document {
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = d
		out[i].Fields = cloneFields(d.Fields)
	}
	return out
}
