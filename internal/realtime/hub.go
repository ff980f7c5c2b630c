// Package realtime はWebSocket接続ごとにUIコンテキストを生成し、
// イベントの送出とコマンドの受信を中継する。
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/uscout/internal/auth"
	"github.com/hitoshi/uscout/internal/client"
	"github.com/hitoshi/uscout/internal/middleware"
	"github.com/hitoshi/uscout/internal/model"
	"github.com/hitoshi/uscout/internal/push"
)

// Config はHubの設定。
type Config struct {
	SendQueue      int           // 接続ごとの送信キュー長（デフォルト: 64）
	WriteTimeout   time.Duration // 1フレームの書き込み期限（デフォルト: 10秒）
	PongTimeout    time.Duration // Pongを待つ期限（デフォルト: 60秒）
	MaxMessageSize int64         // 受信メッセージの上限バイト数（デフォルト: 64KiB）
	AllowedOrigins []string      // 空の場合はgorilla/websocketの同一オリジン検査
}

func (c Config) withDefaults() Config {
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
	return c
}

// pingInterval はPongTimeoutより短くなければならない。
func (c Config) pingInterval() time.Duration {
	return c.PongTimeout * 9 / 10
}

// Recorder は接続と通知配送のメトリクス。
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	RecordPushDelivery(result string)
}

// Hub はWebSocket接続を管理し、ユーザー宛ての通知を配送する。
// push.Notifierを満たす。
type Hub struct {
	auth     *auth.Service
	deps     client.Deps
	config   Config
	recorder Recorder
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}
	all   map[*conn]struct{}
}

// NewHub はHubを生成する。depsは接続ごとのSessionの雛形で、
// Identityは接続ごとに差し替え、Notifierにはこのハブを加える。
func NewHub(authSvc *auth.Service, deps client.Deps, config Config, recorder Recorder, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()
	h := &Hub{
		auth:     authSvc,
		config:   config,
		recorder: recorder,
		logger:   logger,
		conns:    make(map[string]map[*conn]struct{}),
		all:      make(map[*conn]struct{}),
	}
	if deps.Notifier != nil {
		deps.Notifier = push.Multi{h, deps.Notifier}
	} else {
		deps.Notifier = h
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	h.deps = deps

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(config.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(config.AllowedOrigins))
		for _, o := range config.AllowedOrigins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	return h
}

// ServeHTTP はWebSocketにアップグレードし、接続が閉じるまで処理する。
// NewRealtimeAuthMiddlewareの後に配置すること。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}
	sessionID := middleware.SessionIDFromContext(r.Context())

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		h.logger.Warn("websocket upgrade failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, h.config.SendQueue),
		ctx:    ctx,
		cancel: cancel,
	}

	identity := auth.NewClient(h.auth)
	identity.Attach(userID, sessionID)
	c.identity = identity

	deps := h.deps
	deps.Identity = identity
	c.session = client.New(deps, c.emit)

	h.add(c)
	if h.recorder != nil {
		h.recorder.ConnectionOpened()
	}
	h.logger.Info("realtime connection opened", slog.String("user_id", userID))

	// サインアウト後は配送先から外し、同じセッションの他の接続もサインアウトさせる
	unwatch := identity.OnStateChange(func(uid string) { h.move(c, uid, identity.SessionID()) })

	go c.writeLoop()
	c.session.Start()
	c.readLoop()

	unwatch()
	c.session.Close()
	c.close()
	h.remove(c)
	if h.recorder != nil {
		h.recorder.ConnectionClosed()
	}
	h.logger.Info("realtime connection closed", slog.String("user_id", userID))
}

// Notify はuidの全接続にnotificationイベントを送る。
// 接続が無い場合は配送せずにnilを返す。
func (h *Hub) Notify(_ context.Context, uid string, p push.Payload) error {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns[uid]))
	for c := range h.conns[uid] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	result := "delivered"
	if len(targets) == 0 {
		result = "offline"
	}
	for _, c := range targets {
		c.session.Notify(p)
	}
	if h.recorder != nil {
		h.recorder.RecordPushDelivery(result)
	}
	return nil
}

// ConnectionCount はuidの接続数を返す。
func (h *Hub) ConnectionCount(uid string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[uid])
}

// Shutdown はすべての接続を閉じる。
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.all))
	for c := range h.all {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
}

// move は接続の配送先ユーザーを切り替える。uidが空の場合は配送先から外し、
// 直前まで同じユーザーとセッションで登録されていた接続もサインアウトさせる。
func (h *Hub) move(c *conn, uid, sessionID string) {
	h.mu.Lock()
	prevUID, prevSession := c.uid, c.sessionID
	h.unregisterLocked(c)

	var siblings []*conn
	if uid == "" && prevUID != "" {
		for other := range h.conns[prevUID] {
			if other.sessionID == prevSession {
				siblings = append(siblings, other)
			}
		}
	} else if uid != "" {
		set, ok := h.conns[uid]
		if !ok {
			set = make(map[*conn]struct{})
			h.conns[uid] = set
		}
		set[c] = struct{}{}
		c.uid = uid
		c.sessionID = sessionID
	}
	h.mu.Unlock()

	// 各接続のmoveで登録が外れるため、同じ接続へ二重に伝播しない
	for _, other := range siblings {
		other.identity.Attach("", "")
	}
	if len(siblings) > 0 {
		h.logger.Info("sign-out propagated",
			slog.String("user_id", prevUID),
			slog.Int("connections", len(siblings)),
		)
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(c)
	delete(h.all, c)
}

func (h *Hub) unregisterLocked(c *conn) {
	if c.uid == "" {
		return
	}
	if set, ok := h.conns[c.uid]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.uid)
		}
	}
	c.uid = ""
	c.sessionID = ""
}

// conn は1つのWebSocket接続。
type conn struct {
	hub     *Hub
	ws      *websocket.Conn
	session *client.Session
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	identity *auth.Client

	// uid とsessionID はhub.muで保護する。
	uid       string
	sessionID string

	mu     sync.Mutex
	closed bool
}

// emit はイベントを送信キューに積む。キューが溢れた接続は切断する。
func (c *conn) emit(e client.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		c.hub.logger.Error("failed to encode event",
			slog.String("type", e.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("slow consumer disconnected",
			slog.String("event", e.Type),
		)
		c.closeLocked()
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.cancel()
}

func (c *conn) readLoop() {
	cfg := c.hub.config
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		var cmd client.Command
		if err := c.ws.ReadJSON(&cmd); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			switch {
			case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
				apiErr := model.NewInvalidRequestError()
				c.emit(client.Event{Type: client.EventError, Data: client.ErrorData{
					Code:     apiErr.Code,
					Message:  apiErr.Message,
					Category: apiErr.Category,
					Action:   apiErr.Action,
				}})
				continue
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				c.hub.logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		// エラーはSessionがerrorイベントとして送る
		_ = c.session.Handle(c.ctx, cmd)
	}
}

func (c *conn) writeLoop() {
	cfg := c.hub.config
	ticker := time.NewTicker(cfg.pingInterval())
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
