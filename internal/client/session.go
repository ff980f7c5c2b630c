// Package client は1つのUIコンテキストを表すセッションを提供する。
// Session Gateが準備完了を通知した時点で各同期エンジンを接続し、
// 複製の変化をイベントとして送り出し、UIからのコマンドを受け付ける。
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/uscout/internal/chat"
	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/hitoshi/uscout/internal/feed"
	"github.com/hitoshi/uscout/internal/follow"
	"github.com/hitoshi/uscout/internal/highlight"
	"github.com/hitoshi/uscout/internal/mirror"
	"github.com/hitoshi/uscout/internal/model"
	"github.com/hitoshi/uscout/internal/profile"
	"github.com/hitoshi/uscout/internal/push"
	"github.com/hitoshi/uscout/internal/session"
)

// イベント種別。
const (
	EventReady        = "ready"
	EventCleared      = "cleared"
	EventProfiles     = "profiles"
	EventMe           = "me"
	EventFeed         = "feed"
	EventHighlights   = "highlights"
	EventThreads      = "threads"
	EventThread       = "thread"
	EventDiscover     = "discover"
	EventError        = "error"
	EventNotification = "notification"
)

// Event はUIに送る1件の通知。VersionはEvent種別ごとの複製のバージョン。
type Event struct {
	Type    string `json:"type"`
	Version uint64 `json:"version,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Command はUIから受け取る操作。
type Command struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ErrorData はerrorイベントの内容。
type ErrorData struct {
	CommandID string `json:"commandId,omitempty"`
	Command   string `json:"command,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
}

// HighlightView はハイライトと表示用の分類結果の組。
type HighlightView struct {
	model.Highlight
	Embed highlight.Embed `json:"embed"`
}

// Emitter はイベントをUIへ送る。ブロックしてはならない。
type Emitter func(Event)

// IdentityClient はUIコンテキストの認証状態。auth.Clientが満たす。
type IdentityClient interface {
	session.IdentityProvider
	SignOut(ctx context.Context) error
}

// Recorder はセッションが記録するメトリクス。
type Recorder interface {
	chat.Recorder
	RecordCommand(command string, result string)
}

// CommandLimiter はユーザーごとのコマンド数を制限する。
type CommandLimiter interface {
	AllowCommand(userID string) bool
}

// Config はセッションの動作設定。
type Config struct {
	ChatAppendMode     chat.AppendMode
	HighlightTimestamp highlight.TimestampSource
}

// Deps はSessionの依存関係。Identity以外はnilでもよい。
type Deps struct {
	Store     docstore.Store
	Identity  IdentityClient
	Notifier  push.Notifier
	Validator highlight.URLValidator
	Limiter   CommandLimiter
	Recorder  Recorder
	Config    Config
	Logger    *slog.Logger
}

// engines は準備完了後に接続される同期エンジン一式。
type engines struct {
	profiles   *profile.Service
	feed       *feed.Service
	highlights *highlight.Service
	follow     *follow.Mutator
	chat       *chat.Engine
	stops      []func()
}

// Session は1つのUIコンテキスト。
type Session struct {
	deps   Deps
	emit   Emitter
	state  *session.State
	gate   *session.Gate
	logger *slog.Logger

	mu       sync.Mutex
	engines  *engines
	stopGate func()
	closed   bool
}

// New はSessionを生成する。Startを呼ぶまで何も購読しない。
func New(deps Deps, emit Emitter) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		deps:   deps,
		emit:   emit,
		state:  session.NewState(),
		logger: logger,
	}
	// Gateのプロフィール作成は購読を持たない専用のServiceで行う
	ensurer := profile.NewService(deps.Store, s.state, logger, nil)
	s.gate = session.NewGate(deps.Identity, ensurer, s.state, logger)
	s.gate.OnError(func(err error) { s.emitError(Command{}, err) })
	return s
}

// Start は認証状態の監視を開始する。
func (s *Session) Start() {
	stop := s.gate.Start(s.onReady, s.onCleared)
	s.mu.Lock()
	s.stopGate = stop
	s.mu.Unlock()
}

// UserID は現在のユーザーIDを返す。
func (s *Session) UserID() string {
	return s.state.UserID()
}

// Close は認証状態の監視とすべての購読を停止する。
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stopGate := s.stopGate
	s.mu.Unlock()

	if stopGate != nil {
		stopGate()
	}
	s.teardown()
}

func (s *Session) onReady(ctx context.Context, me *model.UserProfile) {
	s.mu.Lock()
	if s.closed || s.engines != nil {
		s.mu.Unlock()
		return
	}
	e := s.newEngines()
	s.engines = e
	s.mu.Unlock()

	s.emit(Event{Type: EventReady, Data: me})
	s.wire(e)
}

func (s *Session) onCleared() {
	s.teardown()
	s.emit(Event{Type: EventCleared})
}

func (s *Session) newEngines() *engines {
	d := s.deps
	var mirrorRec mirror.Recorder
	var chatRec chat.Recorder
	if d.Recorder != nil {
		mirrorRec = d.Recorder
		chatRec = d.Recorder
	}
	var followNotifier follow.Notifier
	if d.Notifier != nil {
		followNotifier = push.FollowAlerts{Notifier: d.Notifier, Logger: s.logger}
	}

	e := &engines{
		profiles: profile.NewService(d.Store, s.state, s.logger, mirrorRec),
		feed:     feed.NewService(d.Store, s.state, s.logger, mirrorRec),
		highlights: highlight.NewService(d.Store, s.state, d.Validator, highlight.ServiceConfig{
			TimestampSource: d.Config.HighlightTimestamp,
		}, s.logger, mirrorRec),
		follow: follow.NewMutator(d.Store, s.state, followNotifier, s.logger),
		chat: chat.NewEngine(d.Store, s.state, d.Notifier, chat.EngineConfig{
			AppendMode: d.Config.ChatAppendMode,
		}, s.logger, chatRec),
	}
	e.chat.OnError(func(err error) { s.emitError(Command{}, err) })
	return e
}

// wire は各複製の購読を開始する。購読の開始に失敗した複製はerrorイベントで知らせ、
// 他の複製はそのまま動かす。
func (s *Session) wire(e *engines) {
	start := func(name string, fn func() (func(), error)) {
		stop, err := fn()
		if err != nil {
			s.logger.Error("failed to start subscription",
				slog.String("mirror", name),
				slog.String("user_id", s.state.UserID()),
				slog.String("error", err.Error()),
			)
			s.emitError(Command{}, err)
			return
		}
		s.mu.Lock()
		if s.engines != e {
			// 既にサインアウト済み
			s.mu.Unlock()
			stop()
			return
		}
		e.stops = append(e.stops, stop)
		s.mu.Unlock()
	}

	start("profiles", func() (func(), error) {
		return e.profiles.SubscribeAllProfiles(func(snap mirror.Snapshot[model.UserProfile]) {
			s.emit(Event{Type: EventProfiles, Version: snap.Version, Data: snap.Items})
			if me := s.state.Profile(); me != nil {
				s.emit(Event{Type: EventMe, Version: snap.Version, Data: me})
			}
		})
	})
	start("feed", func() (func(), error) {
		return e.feed.SubscribeFeed(func(snap mirror.Snapshot[model.Post]) {
			s.emit(Event{Type: EventFeed, Version: snap.Version, Data: snap.Items})
		})
	})
	start("highlights", func() (func(), error) {
		return e.highlights.Subscribe(func(snap mirror.Snapshot[model.Highlight]) {
			views := make([]HighlightView, len(snap.Items))
			for i, h := range snap.Items {
				views[i] = HighlightView{Highlight: h, Embed: highlight.Classify(h.VideoURL)}
			}
			s.emit(Event{Type: EventHighlights, Version: snap.Version, Data: views})
		})
	})
	start("threads", func() (func(), error) {
		return e.chat.SubscribeDirectThreadsList(func(snap mirror.Snapshot[model.ChatThread]) {
			s.emit(Event{Type: EventThreads, Version: snap.Version, Data: snap.Items})
		})
	})
}

func (s *Session) teardown() {
	s.mu.Lock()
	e := s.engines
	s.engines = nil
	s.mu.Unlock()
	if e == nil {
		return
	}
	for _, stop := range e.stops {
		stop()
	}
	e.chat.Close()
}

func (s *Session) current() *engines {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engines
}

// Handle はコマンドを1件実行する。
// 書き込み結果はイベントでは返さず、後続の複製の更新で観測される。
// 失敗はerrorイベントとして送り、同じエラーを返す。
func (s *Session) Handle(ctx context.Context, cmd Command) error {
	err := s.dispatch(ctx, cmd)
	result := "ok"
	if err != nil {
		result = errorCode(err)
		s.emitError(cmd, err)
	}
	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordCommand(cmd.Name, result)
	}
	return err
}

func (s *Session) dispatch(ctx context.Context, cmd Command) error {
	if cmd.Name == "auth.signOut" {
		return s.deps.Identity.SignOut(ctx)
	}

	e := s.current()
	if e == nil {
		return model.NewNotAuthenticatedError()
	}
	if s.deps.Limiter != nil && !s.deps.Limiter.AllowCommand(s.state.UserID()) {
		return model.NewRateLimitedError()
	}

	switch cmd.Name {
	case "post.submit":
		var args struct {
			Body string `json:"body"`
		}
		if err := decodeArgs(cmd, &args); err != nil {
			return err
		}
		_, err := e.feed.SubmitPost(ctx, args.Body)
		return err

	case "highlight.submit":
		var args struct {
			URL   string `json:"url"`
			Title string `json:"title"`
		}
		if err := decodeArgs(cmd, &args); err != nil {
			return err
		}
		_, err := e.highlights.Submit(ctx, args.URL, args.Title)
		return err

	case "highlight.addSource":
		var args struct {
			URL string `json:"url"`
		}
		if err := decodeArgs(cmd, &args); err != nil {
			return err
		}
		_, err := e.highlights.AddSource(ctx, args.URL)
		return err

	case "follow.toggle":
		var args struct {
			UserID string `json:"userId"`
		}
		if err := decodeArgs(cmd, &args); err != nil {
			return err
		}
		_, err := e.follow.ToggleFollow(ctx, args.UserID)
		return err

	case "profile.update":
		var args profile.Update
		if err := decodeArgs(cmd, &args); err != nil {
			return err
		}
		return e.profiles.UpdateProfile(ctx, args)

	case "thread.openDirect":
		var args struct {
			UserID string `json:"userId"`
		}
		if err := decodeArgs(cmd, &args); err != nil {
			return err
		}
		_, err := e.chat.OpenOrCreateDirectThread(ctx, args.UserID, s.emitThread)
		return err

	case "thread.openBroadcast":
		_, err := e.chat.OpenBroadcast(ctx, s.emitThread)
		return err

	case "message.send":
		var args struct {
			Body string `json:"body"`
		}
		if err := decodeArgs(cmd, &args); err != nil {
			return err
		}
		_, err := e.chat.SendMessage(ctx, args.Body)
		return err

	case "discover.search":
		var args struct {
			Term string `json:"term"`
		}
		if err := decodeArgs(cmd, &args); err != nil {
			return err
		}
		results := e.profiles.Discover(args.Term)
		if results == nil {
			results = []model.UserProfile{}
		}
		s.emit(Event{Type: EventDiscover, Data: map[string]any{"term": args.Term, "results": results}})
		return nil

	default:
		return model.NewUnknownCommandError(cmd.Name)
	}
}

func (s *Session) emitThread(thread model.ChatThread) {
	s.emit(Event{Type: EventThread, Data: thread})
}

// Notify はプッシュ通知をnotificationイベントとして送る。
func (s *Session) Notify(p push.Payload) {
	s.emit(Event{Type: EventNotification, Data: p.Normalize()})
}

func (s *Session) emitError(cmd Command, err error) {
	apiErr := toAPIError(err)
	if apiErr.Code == model.ErrCodeInternal {
		s.logger.Error("command failed",
			slog.String("command", cmd.Name),
			slog.String("user_id", s.state.UserID()),
			slog.String("error", err.Error()),
		)
	}
	s.emit(Event{Type: EventError, Data: ErrorData{
		CommandID: cmd.ID,
		Command:   cmd.Name,
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
	}})
}

func decodeArgs(cmd Command, v any) error {
	if len(cmd.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(cmd.Args, v); err != nil {
		return model.NewInvalidRequestError()
	}
	return nil
}

// toAPIError はエラーをUIに表示できる形に変換する。
// フォローの片側だけが反映された場合も内部エラーとして扱う。
func toAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return model.NewInternalError()
}

func errorCode(err error) string {
	return toAPIError(err).Code
}
