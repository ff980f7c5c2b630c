package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/hitoshi/uscout/internal/mirror"
	"github.com/hitoshi/uscout/internal/model"
	"github.com/hitoshi/uscout/internal/push"
	"github.com/hitoshi/uscout/internal/session"
)

// AppendMode はメッセージ追記の方式。
type AppendMode string

const (
	// AppendAtomic はストアの配列追記演算で1回だけ書き込む。同時送信でも失われない。
	AppendAtomic AppendMode = "atomic"
	// AppendReplace は手元のスナップショットに追記した配列全体を書き戻し、
	// プレビュー項目を別に更新する。同時送信ではどちらかの追記が失われうる。
	AppendReplace AppendMode = "replace"
)

// ThreadFunc は開いているスレッドの最新状態を受け取る。
// コールバック内からSubscribeThreadやOpen系のメソッドを呼んではならない。
type ThreadFunc func(thread model.ChatThread)

// Recorder はチャットのメトリクスを記録する。
type Recorder interface {
	mirror.Recorder
	RecordMessageSent(threadType string, mode string)
}

// EngineConfig はEngineの設定。
type EngineConfig struct {
	AppendMode AppendMode
	// Now は送信端末の時計。メッセージのtimeに使う。nilの場合はtime.Now。
	Now func() time.Time
}

// Engine は1つのUIコンテキストのチャット同期を行う。
// 同時に開けるスレッドは1つだけ。
type Engine struct {
	store    docstore.Store
	state    *session.State
	notifier push.Notifier
	config   EngineConfig
	logger   *slog.Logger
	recorder Recorder

	mu         sync.Mutex
	openKey    string
	openUnsub  docstore.Unsubscribe
	generation uint64
	latest     *model.ChatThread
	threads    *mirror.Collection[model.ChatThread]
	onError    func(error)

	// deliverMu は世代の切り替えとコールバック呼び出しを直列化する。
	deliverMu sync.Mutex
	delivered uint64
}

// NewEngine はEngineを生成する。notifierとrecorderはnilでもよい。
func NewEngine(
	store docstore.Store,
	state *session.State,
	notifier push.Notifier,
	config EngineConfig,
	logger *slog.Logger,
	recorder Recorder,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.AppendMode == "" {
		config.AppendMode = AppendAtomic
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Engine{
		store:    store,
		state:    state,
		notifier: notifier,
		config:   config,
		logger:   logger,
		recorder: recorder,
	}
}

// OnError はスレッド購読のエラー通知先を設定する。
func (e *Engine) OnError(fn func(error)) {
	e.mu.Lock()
	e.onError = fn
	e.mu.Unlock()
}

// OpenOrCreateDirectThread はtargetとのダイレクトスレッドを開く。
// スレッドが無ければ条件付き作成で作り、既にあればそのまま使う。
func (e *Engine) OpenOrCreateDirectThread(ctx context.Context, target string, onChange ThreadFunc) (string, error) {
	me, err := e.state.RequireUser()
	if err != nil {
		return "", err
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return "", model.NewEmptyInputError("チャット相手を指定してください。")
	}
	if target == me {
		return "", model.NewSelfMessageError()
	}

	key := DeriveThreadKey(me, target)
	created, err := e.store.Create(ctx, model.CollectionChats, key, directThreadFields([]string{me, target}))
	if err != nil {
		return "", fmt.Errorf("failed to open direct thread: %w", err)
	}
	if created {
		e.logger.Info("direct thread created",
			slog.String("thread_key", key),
			slog.String("user_id", me),
			slog.String("target", target),
		)
	}

	if err := e.SubscribeThread(key, onChange); err != nil {
		return "", err
	}
	return key, nil
}

// OpenBroadcast は全員参加チャンネルを開く。
func (e *Engine) OpenBroadcast(ctx context.Context, onChange ThreadFunc) (string, error) {
	if _, err := e.state.RequireUser(); err != nil {
		return "", err
	}
	if _, err := e.store.Create(ctx, model.CollectionChats, BroadcastThreadKey, broadcastThreadFields()); err != nil {
		return "", fmt.Errorf("failed to open broadcast thread: %w", err)
	}
	if err := e.SubscribeThread(BroadcastThreadKey, onChange); err != nil {
		return "", err
	}
	return BroadcastThreadKey, nil
}

// SubscribeThread はkeyのスレッドを開いて購読する。
// 既に開いているスレッドの購読は先に解除し、その購読からの遅れて届いた通知は捨てる。
func (e *Engine) SubscribeThread(key string, onChange ThreadFunc) error {
	e.deliverMu.Lock()
	e.mu.Lock()
	if e.openUnsub != nil {
		e.openUnsub()
		e.openUnsub = nil
	}
	e.generation++
	gen := e.generation
	e.openKey = key
	e.latest = nil
	e.mu.Unlock()
	e.delivered = gen
	e.deliverMu.Unlock()

	unsub, err := e.store.SubscribeDocument(model.CollectionChats, key,
		func(doc *docstore.Document) { e.deliver(gen, key, doc, onChange) },
		func(err error) { e.fail(gen, key, err) },
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe thread: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen {
		unsub()
		return nil
	}
	e.openUnsub = unsub
	return nil
}

func (e *Engine) deliver(gen uint64, key string, doc *docstore.Document, onChange ThreadFunc) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if e.delivered != gen {
		return
	}
	if doc == nil {
		e.reportError(model.NewThreadNotFoundError(key))
		return
	}
	thread, err := DecodeThread(*doc)
	if err != nil {
		e.logger.Warn("skipping undecodable thread",
			slog.String("thread_key", key),
			slog.String("error", err.Error()),
		)
		return
	}

	e.mu.Lock()
	if e.generation == gen {
		snapshot := thread
		e.latest = &snapshot
	}
	e.mu.Unlock()

	if onChange != nil {
		onChange(thread)
	}
}

func (e *Engine) fail(gen uint64, key string, err error) {
	e.mu.Lock()
	stale := e.generation != gen
	if !stale {
		e.openUnsub = nil
	}
	e.mu.Unlock()
	if stale {
		return
	}
	e.logger.Error("thread subscription failed",
		slog.String("thread_key", key),
		slog.String("error", err.Error()),
	)
	e.reportError(err)
}

func (e *Engine) reportError(err error) {
	e.mu.Lock()
	fn := e.onError
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// OpenThreadKey は開いているスレッドのキーを返す。開いていない場合は空文字列。
func (e *Engine) OpenThreadKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openKey
}

// SendMessage は開いているスレッドにメッセージを追記する。
// 空のメッセージは書き込まずにエラーを返す。
func (e *Engine) SendMessage(ctx context.Context, body string) (*model.Message, error) {
	me, err := e.state.RequireUser()
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(body)
	if text == "" {
		return nil, model.NewEmptyInputError("メッセージを入力してください。")
	}

	e.mu.Lock()
	key := e.openKey
	var latest *model.ChatThread
	if e.latest != nil {
		snapshot := *e.latest
		latest = &snapshot
	}
	e.mu.Unlock()
	if key == "" {
		return nil, model.NewNoOpenThreadError()
	}

	msg := model.Message{
		ID:         ulid.Make().String(),
		SenderID:   me,
		SenderName: e.state.Profile().DisplayName(),
		Text:       text,
		Time:       e.config.Now().Format(time.RFC3339),
	}

	switch e.config.AppendMode {
	case AppendReplace:
		err = e.appendReplace(ctx, key, latest, msg)
	default:
		err = e.store.Update(ctx, model.CollectionChats, key, docstore.Fields{
			"messages":      docstore.ArrayAppend(msg),
			"lastMessage":   text,
			"lastTimestamp": docstore.ServerTimestamp(),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	threadType := string(model.ThreadTypeBroadcast)
	if IsDirectKey(key) {
		threadType = string(model.ThreadTypeDirect)
	}
	if e.recorder != nil {
		e.recorder.RecordMessageSent(threadType, string(e.config.AppendMode))
	}
	e.logger.Info("message sent",
		slog.String("thread_key", key),
		slog.String("user_id", me),
		slog.String("message_id", msg.ID),
	)

	if IsDirectKey(key) {
		e.notifyCounterpart(ctx, key, me, latest, msg)
	}
	return &msg, nil
}

// appendReplace は最新スナップショットのメッセージ列に追記して配列全体を書き戻す。
// 書き戻しとプレビュー更新は別々の書き込みで、同時送信の追記は上書きされうる。
func (e *Engine) appendReplace(ctx context.Context, key string, latest *model.ChatThread, msg model.Message) error {
	if latest == nil {
		doc, err := e.store.Get(ctx, model.CollectionChats, key)
		if err != nil {
			return err
		}
		if doc == nil {
			return model.NewThreadNotFoundError(key)
		}
		thread, err := DecodeThread(*doc)
		if err != nil {
			return err
		}
		latest = &thread
	}

	messages := make([]model.Message, 0, len(latest.Messages)+1)
	messages = append(messages, latest.Messages...)
	messages = append(messages, msg)

	if err := e.store.Update(ctx, model.CollectionChats, key, docstore.Fields{
		"messages": messages,
	}); err != nil {
		return err
	}
	return e.store.Update(ctx, model.CollectionChats, key, docstore.Fields{
		"lastMessage":   msg.Text,
		"lastTimestamp": docstore.ServerTimestamp(),
	})
}

func (e *Engine) notifyCounterpart(ctx context.Context, key, me string, latest *model.ChatThread, msg model.Message) {
	if e.notifier == nil {
		return
	}
	var target string
	if latest != nil {
		target = latest.Counterpart(me)
	}
	if target == "" {
		target = counterpartFromKey(key, me)
	}
	if target == "" {
		return
	}
	err := e.notifier.Notify(ctx, target, push.Payload{
		Title: msg.SenderName,
		Body:  msg.Text,
		Data:  map[string]string{"type": "message", "threadKey": key},
	})
	if err != nil {
		e.logger.Warn("failed to deliver message notification",
			slog.String("thread_key", key),
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
	}
}

// counterpartFromKey はユーザーIDに "_" を含まない場合に限りキーから相手を求める。
func counterpartFromKey(key, me string) string {
	rest := strings.TrimPrefix(key, directPrefix)
	a, b, ok := strings.Cut(rest, "_")
	if !ok || strings.Contains(b, "_") {
		return ""
	}
	switch me {
	case a:
		return b
	case b:
		return a
	}
	return ""
}

// SubscribeDirectThreadsList は自分が参加しているダイレクトスレッド一覧の購読を開始する。
// 既存の一覧購読は置き換える。
func (e *Engine) SubscribeDirectThreadsList(onChange func(mirror.Snapshot[model.ChatThread])) (stop func(), err error) {
	me, err := e.state.RequireUser()
	if err != nil {
		return nil, err
	}

	var rec mirror.Recorder
	if e.recorder != nil {
		rec = e.recorder
	}
	threads := mirror.NewCollection("threads", e.store, directListQuery(me), DecodeThread, e.logger, rec)
	cancel := threads.Mirror().Subscribe(func(snap mirror.Snapshot[model.ChatThread]) {
		if onChange != nil {
			onChange(snap)
		}
	})

	e.mu.Lock()
	prev := e.threads
	e.threads = threads
	e.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	if err := threads.Start(); err != nil {
		cancel()
		return nil, err
	}
	return func() {
		threads.Stop()
		cancel()
	}, nil
}

// Threads は複製中のダイレクトスレッド一覧を返す。
func (e *Engine) Threads() mirror.Snapshot[model.ChatThread] {
	e.mu.Lock()
	threads := e.threads
	e.mu.Unlock()
	if threads == nil {
		return mirror.Snapshot[model.ChatThread]{}
	}
	return threads.Mirror().Current()
}

// Close は開いているスレッドと一覧の購読を解除する。
func (e *Engine) Close() {
	e.deliverMu.Lock()
	e.mu.Lock()
	if e.openUnsub != nil {
		e.openUnsub()
		e.openUnsub = nil
	}
	e.generation++
	e.openKey = ""
	e.latest = nil
	threads := e.threads
	e.threads = nil
	e.mu.Unlock()
	e.delivered = 0
	e.deliverMu.Unlock()

	if threads != nil {
		threads.Stop()
	}
}
