package mirror

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/uscout/internal/docstore"
)

// Decoder はドキュメントを複製の要素型に変換する。
type Decoder[T any] func(doc docstore.Document) (T, error)

// Recorder は複製の更新とエラーを記録するメトリクスのインターフェース。
type Recorder interface {
	RecordSnapshot(mirror string, size int)
	RecordSubscriptionError(mirror string)
}

// Collection はクエリ購読の結果をStoreに反映し続ける複製。
//
// スナップショットを受け取るたびに全件を置き換える。
// 購読エラー時は最後に成功した内容を保持し、自動での再購読は行わない。
type Collection[T any] struct {
	name     string
	store    docstore.Store
	query    docstore.Query
	decode   Decoder[T]
	mirror   *Store[T]
	logger   *slog.Logger
	recorder Recorder

	mu    sync.Mutex
	unsub docstore.Unsubscribe
	err   error
}

// NewCollection はCollectionを生成する。Startを呼ぶまで購読は開始しない。
func NewCollection[T any](
	name string,
	store docstore.Store,
	query docstore.Query,
	decode Decoder[T],
	logger *slog.Logger,
	recorder Recorder,
) *Collection[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection[T]{
		name:     name,
		store:    store,
		query:    query,
		decode:   decode,
		mirror:   NewStore[T](),
		logger:   logger,
		recorder: recorder,
	}
}

// Start は購読を開始する。既に開始済みの場合は何もしない。
func (c *Collection[T]) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unsub != nil {
		return nil
	}

	unsub, err := c.store.SubscribeQuery(c.query, c.apply, c.fail)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", c.name, err)
	}
	c.unsub = unsub
	c.err = nil
	return nil
}

// Stop は購読を解除する。複製の内容はそのまま残る。
func (c *Collection[T]) Stop() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Mirror は複製本体を返す。
func (c *Collection[T]) Mirror() *Store[T] {
	return c.mirror
}

// Err は最後に発生した購読エラーを返す。
func (c *Collection[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Collection[T]) apply(docs []docstore.Document) {
	items := make([]T, 0, len(docs))
	for _, d := range docs {
		item, err := c.decode(d)
		if err != nil {
			c.logger.Warn("skipping undecodable document",
				slog.String("mirror", c.name),
				slog.String("key", d.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, item)
	}

	c.mirror.ReplaceAll(items)
	if c.recorder != nil {
		c.recorder.RecordSnapshot(c.name, len(items))
	}
}

func (c *Collection[T]) fail(err error) {
	c.logger.Error("subscription error; keeping last known state",
		slog.String("mirror", c.name),
		slog.String("error", err.Error()),
	)

	c.mu.Lock()
	c.err = err
	c.unsub = nil
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordSubscriptionError(c.name)
	}
}
