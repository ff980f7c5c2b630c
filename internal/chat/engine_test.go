package chat

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/hitoshi/uscout/internal/mirror"
	"github.com/hitoshi/uscout/internal/model"
	"github.com/hitoshi/uscout/internal/push"
	"github.com/hitoshi/uscout/internal/session"
)

const waitTimeout = 2 * time.Second

// --- テスト用ストア ---

// countingStore は書き込み回数を数える。
type countingStore struct {
	*docstore.MemoryStore
	writes int32
}

func (s *countingStore) Update(ctx context.Context, collection, key string, patch docstore.Fields) error {
	atomic.AddInt32(&s.writes, 1)
	return s.MemoryStore.Update(ctx, collection, key, patch)
}

func (s *countingStore) Create(ctx context.Context, collection, key string, fields docstore.Fields) (bool, error) {
	atomic.AddInt32(&s.writes, 1)
	return s.MemoryStore.Create(ctx, collection, key, fields)
}

// frozenStore はドキュメント購読の初回スナップショットだけを配送する。
// 手元のスナップショットが古いまま送信する状況を再現する。
type frozenStore struct {
	*docstore.MemoryStore
}

func (s *frozenStore) SubscribeDocument(collection, key string, onSnapshot docstore.DocumentFunc, onError docstore.ErrorFunc) (docstore.Unsubscribe, error) {
	var once sync.Once
	return s.MemoryStore.SubscribeDocument(collection, key, func(doc *docstore.Document) {
		once.Do(func() { onSnapshot(doc) })
	}, onError)
}

type recordingNotifier struct {
	mu       sync.Mutex
	targets  []string
	payloads []push.Payload
}

func (r *recordingNotifier) Notify(_ context.Context, uid string, p push.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, uid)
	r.payloads = append(r.payloads, p)
	return nil
}

// --- ヘルパー ---

func signedIn(uid, name string) *session.State {
	state := session.NewState()
	p := model.NewDefaultProfile(uid)
	p.Name = name
	state.SignIn(uid, p)
	return state
}

func threadChan() (chan model.ChatThread, ThreadFunc) {
	ch := make(chan model.ChatThread, 32)
	return ch, func(t model.ChatThread) { ch <- t }
}

// waitThread は条件を満たすスナップショットが届くまで待つ。
func waitThread(t *testing.T, ch <-chan model.ChatThread, cond func(model.ChatThread) bool) model.ChatThread {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case th := <-ch:
			if cond(th) {
				return th
			}
		case <-deadline:
			t.Fatal("timed out waiting for thread snapshot")
			return model.ChatThread{}
		}
	}
}

func hasMessages(n int) func(model.ChatThread) bool {
	return func(th model.ChatThread) bool { return len(th.Messages) == n }
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != code {
		t.Errorf("err = %v, want %s", err, code)
	}
}

// --- テスト ---

func TestDeriveThreadKey_Commutative(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		a := fmt.Sprintf("u%x", r.Int63())
		b := fmt.Sprintf("u%x", r.Int63())
		if DeriveThreadKey(a, b) != DeriveThreadKey(b, a) {
			t.Fatalf("DeriveThreadKey(%q, %q) is not commutative", a, b)
		}
	}
	if got := DeriveThreadKey("bob", "alice"); got != "dm_alice_bob" {
		t.Errorf("DeriveThreadKey = %q, want dm_alice_bob", got)
	}
}

func TestOpenDirectThread_SelfIsRejectedWithoutWrite(t *testing.T) {
	store := &countingStore{MemoryStore: docstore.NewMemoryStore()}
	defer store.Close()
	e := NewEngine(store, signedIn("a", "A"), nil, EngineConfig{}, nil, nil)

	_, err := e.OpenOrCreateDirectThread(context.Background(), "a", nil)
	assertCode(t, err, model.ErrCodeSelfMessage)
	if store.writes != 0 {
		t.Errorf("writes = %d, want 0", store.writes)
	}
}

func TestOpenDirectThread_ReusesExisting(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	a := NewEngine(store, signedIn("a", "A"), nil, EngineConfig{}, nil, nil)
	defer a.Close()
	key, err := a.OpenOrCreateDirectThread(ctx, "b", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := a.SendMessage(ctx, "first"); err != nil {
		t.Fatalf("send: %v", err)
	}

	b := NewEngine(store, signedIn("b", "B"), nil, EngineConfig{}, nil, nil)
	defer b.Close()
	ch, fn := threadChan()
	keyB, err := b.OpenOrCreateDirectThread(ctx, "a", fn)
	if err != nil {
		t.Fatalf("open from b: %v", err)
	}
	if keyB != key || key != "dm_a_b" {
		t.Errorf("keys = %q / %q, want dm_a_b", key, keyB)
	}
	th := waitThread(t, ch, hasMessages(1))
	if th.Type != model.ThreadTypeDirect || len(th.Members) != 2 {
		t.Errorf("thread = %+v", th)
	}
}

func TestSendMessage_EmptyBodyIsNoOp(t *testing.T) {
	store := &countingStore{MemoryStore: docstore.NewMemoryStore()}
	defer store.Close()
	e := NewEngine(store, signedIn("a", "A"), nil, EngineConfig{}, nil, nil)
	defer e.Close()
	if _, err := e.OpenBroadcast(context.Background(), nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	before := atomic.LoadInt32(&store.writes)

	_, err := e.SendMessage(context.Background(), "   \n")
	assertCode(t, err, model.ErrCodeEmptyInput)
	if got := atomic.LoadInt32(&store.writes); got != before {
		t.Errorf("writes = %d, want %d", got, before)
	}
}

func TestSendMessage_RequiresOpenThread(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	e := NewEngine(store, signedIn("a", "A"), nil, EngineConfig{}, nil, nil)

	_, err := e.SendMessage(context.Background(), "hello")
	assertCode(t, err, model.ErrCodeNoOpenThread)
}

// TestDirectMessage_EndToEnd はAが送った"hello"がBの購読に1件だけ届くことを検証する。
func TestDirectMessage_EndToEnd(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	notifier := &recordingNotifier{}

	a := NewEngine(store, signedIn("a", "Alice"), notifier, EngineConfig{}, nil, nil)
	defer a.Close()
	b := NewEngine(store, signedIn("b", "Bob"), notifier, EngineConfig{}, nil, nil)
	defer b.Close()

	key, err := a.OpenOrCreateDirectThread(ctx, "b", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if key != DeriveThreadKey("a", "b") {
		t.Errorf("key = %q", key)
	}

	ch, fn := threadChan()
	if err := b.SubscribeThread(key, fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitThread(t, ch, hasMessages(0))

	if _, err := a.SendMessage(ctx, " hello "); err != nil {
		t.Fatalf("send: %v", err)
	}

	th := waitThread(t, ch, hasMessages(1))
	msg := th.Messages[0]
	if msg.SenderID != "a" || msg.Text != "hello" || msg.SenderName != "Alice" {
		t.Errorf("message = %+v", msg)
	}
	if msg.ID == "" || msg.Time == "" {
		t.Errorf("message id/time should be set: %+v", msg)
	}
	if th.LastMessage != "hello" {
		t.Errorf("lastMessage = %q", th.LastMessage)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.targets) != 1 || notifier.targets[0] != "b" {
		t.Errorf("notified = %v, want [b]", notifier.targets)
	}
	if notifier.payloads[0].Title != "Alice" || notifier.payloads[0].Body != "hello" {
		t.Errorf("payload = %+v", notifier.payloads[0])
	}
}

func TestSendMessage_BroadcastDoesNotNotify(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	notifier := &recordingNotifier{}
	e := NewEngine(store, signedIn("a", "A"), notifier, EngineConfig{}, nil, nil)
	defer e.Close()

	ch, fn := threadChan()
	if _, err := e.OpenBroadcast(context.Background(), fn); err != nil {
		t.Fatalf("open: %v", err)
	}
	th := waitThread(t, ch, hasMessages(0))
	if th.Title != BroadcastTitle || th.Type != model.ThreadTypeBroadcast {
		t.Errorf("thread = %+v", th)
	}
	if _, err := e.SendMessage(context.Background(), "hi all"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitThread(t, ch, hasMessages(1))
	if len(notifier.targets) != 0 {
		t.Errorf("broadcast should not push, got %v", notifier.targets)
	}
}

// sendConcurrentlyFromStaleSnapshots は2人が同じ古いスナップショットから送信した結果のメッセージ数を返す。
func sendConcurrentlyFromStaleSnapshots(t *testing.T, mode AppendMode) int {
	t.Helper()
	mem := docstore.NewMemoryStore()
	defer mem.Close()
	store := &frozenStore{MemoryStore: mem}
	ctx := context.Background()

	senders := []*Engine{
		NewEngine(store, signedIn("a", "A"), nil, EngineConfig{AppendMode: mode}, nil, nil),
		NewEngine(store, signedIn("b", "B"), nil, EngineConfig{AppendMode: mode}, nil, nil),
	}
	for _, e := range senders {
		defer e.Close()
		ch, fn := threadChan()
		if _, err := e.OpenBroadcast(ctx, fn); err != nil {
			t.Fatalf("open: %v", err)
		}
		waitThread(t, ch, hasMessages(0))
	}

	for i, e := range senders {
		if _, err := e.SendMessage(ctx, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	doc, err := mem.Get(ctx, model.CollectionChats, BroadcastThreadKey)
	if err != nil || doc == nil {
		t.Fatalf("get thread: %v", err)
	}
	th, err := DecodeThread(*doc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return len(th.Messages)
}

func TestSendMessage_ReplaceModeLosesConcurrentAppend(t *testing.T) {
	if got := sendConcurrentlyFromStaleSnapshots(t, AppendReplace); got != 1 {
		t.Errorf("replace mode kept %d messages, want 1 (second write overwrites the first)", got)
	}
}

func TestSendMessage_AtomicModeKeepsEveryAppend(t *testing.T) {
	if got := sendConcurrentlyFromStaleSnapshots(t, AppendAtomic); got != 2 {
		t.Errorf("atomic mode kept %d messages, want 2", got)
	}
}

func TestSubscribeThread_DropsCallbacksFromPreviousThread(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	e := NewEngine(store, signedIn("a", "A"), nil, EngineConfig{}, nil, nil)
	defer e.Close()
	other := NewEngine(store, signedIn("c", "C"), nil, EngineConfig{}, nil, nil)
	defer other.Close()

	first, firstFn := threadChan()
	key, err := e.OpenOrCreateDirectThread(ctx, "c", firstFn)
	if err != nil {
		t.Fatalf("open dm: %v", err)
	}
	waitThread(t, first, hasMessages(0))

	second, secondFn := threadChan()
	if _, err := e.OpenBroadcast(ctx, secondFn); err != nil {
		t.Fatalf("open broadcast: %v", err)
	}
	waitThread(t, second, hasMessages(0))
	if e.OpenThreadKey() != BroadcastThreadKey {
		t.Errorf("open key = %q", e.OpenThreadKey())
	}

	// 相手側から古いスレッドに書き込んでも、切り替え前のコールバックには届かない
	if err := other.SubscribeThread(key, nil); err != nil {
		t.Fatalf("subscribe other: %v", err)
	}
	if _, err := other.SendMessage(ctx, "late"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case th := <-first:
		t.Errorf("stale subscription delivered %+v", th)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscribeDirectThreadsList(t *testing.T) {
	tick := 0
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store := docstore.NewMemoryStore(docstore.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	defer store.Close()
	ctx := context.Background()

	a := NewEngine(store, signedIn("a", "A"), nil, EngineConfig{}, nil, nil)
	defer a.Close()
	if _, err := a.OpenOrCreateDirectThread(ctx, "b", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := a.OpenOrCreateDirectThread(ctx, "c", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := a.OpenBroadcast(ctx, nil); err != nil {
		t.Fatal(err)
	}

	snaps := make(chan mirror.Snapshot[model.ChatThread], 16)
	stop, err := a.SubscribeDirectThreadsList(func(s mirror.Snapshot[model.ChatThread]) { snaps <- s })
	if err != nil {
		t.Fatalf("subscribe list: %v", err)
	}
	defer stop()

	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-snaps:
			if s.Len() != 2 {
				continue
			}
			if s.Items[0].ID != "dm_a_c" || s.Items[1].ID != "dm_a_b" {
				t.Errorf("order = [%s %s], want newest first", s.Items[0].ID, s.Items[1].ID)
			}
			if a.Threads().Len() != 2 {
				t.Errorf("Threads() = %d", a.Threads().Len())
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for direct thread list")
		}
	}
}

func TestCounterpartFromKey(t *testing.T) {
	if got := counterpartFromKey("dm_a_b", "a"); got != "b" {
		t.Errorf("got %q, want b", got)
	}
	if got := counterpartFromKey("dm_a_b_c", "a"); got != "" {
		t.Errorf("ambiguous key should yield empty, got %q", got)
	}
}
