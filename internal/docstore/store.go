package docstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound はUpdate対象のドキュメントが存在しない場合に返される。
var ErrNotFound = errors.New("document not found")

// Unsubscribe は購読を解除する。複数回呼び出しても安全。
type Unsubscribe func()

// SnapshotFunc はクエリ結果の全件を受け取るコールバック。
type SnapshotFunc func(docs []Document)

// DocumentFunc は単一ドキュメントの最新状態を受け取るコールバック。
// ドキュメントが存在しない場合はnilが渡される。
type DocumentFunc func(doc *Document)

// ErrorFunc は購読エラーを受け取るコールバック。
// エラー通知後、その購読は終了する。
type ErrorFunc func(err error)

// Store はコレクション/ドキュメント型ストアの契約。
//
// リアルタイム購読のコールバックは購読ごとに単一のgoroutineから順序通りに呼ばれる。
// 変更が連続した場合は最新状態にまとめて通知されることがある。
type Store interface {
	// Get はドキュメントを取得する。存在しない場合はnil, nilを返す。
	Get(ctx context.Context, collection, key string) (*Document, error)

	// Set はドキュメントを作成または全体を上書きする。
	Set(ctx context.Context, collection, key string, fields Fields) error

	// Create はドキュメントが存在しない場合のみ作成する。
	// 既に存在する場合は何も変更せずfalseを返す。
	Create(ctx context.Context, collection, key string, fields Fields) (bool, error)

	// Add は生成したキーでドキュメントを作成し、そのキーを返す。
	Add(ctx context.Context, collection string, fields Fields) (string, error)

	// Update は既存ドキュメントにフィールドをマージする。
	// 存在しない場合はErrNotFoundを返す。
	// FieldOpは同一ドキュメントへの他の更新に対してアトミックに適用される。
	Update(ctx context.Context, collection, key string, patch Fields) error

	// Query はクエリを1回だけ実行する。
	Query(ctx context.Context, q Query) ([]Document, error)

	// SubscribeQuery はクエリ結果の購読を開始する。
	// 登録直後と変更のたびに、並び替え済みの全件がonSnapshotに渡される。
	SubscribeQuery(q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error)

	// SubscribeDocument は単一ドキュメントの購読を開始する。
	SubscribeDocument(collection, key string, onSnapshot DocumentFunc, onError ErrorFunc) (Unsubscribe, error)
}

// Clock はサーバータイムスタンプ用の単調増加する時計。
// 同じ時刻が続いた場合も1ナノ秒ずつ進めて返す。
type Clock struct {
	mu     sync.Mutex
	last   time.Time
	source func() time.Time
}

// NewClock はsourceを元にした時計を返す。sourceがnilの場合はtime.Nowを使う。
func NewClock(source func() time.Time) *Clock {
	if source == nil {
		source = time.Now
	}
	return &Clock{source: source}
}

// Now は直前に返した時刻より後の時刻を返す。
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.source().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}
