package handler

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/uscout/internal/auth"
	"github.com/hitoshi/uscout/internal/client"
	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/hitoshi/uscout/internal/feed"
	"github.com/hitoshi/uscout/internal/highlight"
	"github.com/hitoshi/uscout/internal/middleware"
	"github.com/hitoshi/uscout/internal/profile"
	"github.com/hitoshi/uscout/internal/realtime"
	"github.com/hitoshi/uscout/internal/repository"
	"github.com/hitoshi/uscout/internal/session"
)

// --- 統合テスト用のサーバー構築ヘルパー ---

// integrationServer はメモリ実装のバックエンド一式でルーターを起動する。
func integrationServer(t *testing.T) *httptest.Server {
	t.Helper()

	store := docstore.NewMemoryStore()
	sessions := repository.NewMemorySessionRepo()
	authSvc := auth.NewService(repository.NewMemoryAccountRepo(), sessions, auth.ServiceConfig{
		SessionMaxAge: 86400,
		TicketSecret:  []byte("integration-secret"),
		TicketTTL:     time.Minute,
		BcryptCost:    bcrypt.MinCost,
	})

	// 一回読みのサービスは購読しないため、空のStateで足りる
	state := session.NewState()
	profiles := profile.NewService(store, state, nil, nil)
	viewer := profile.NewViewer(
		profiles,
		feed.NewService(store, state, nil, nil),
		highlight.NewService(store, state, nil, highlight.ServiceConfig{}, nil, nil),
	)

	hub := realtime.NewHub(authSvc, client.Deps{Store: store}, realtime.Config{}, nil, nil)

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	router := NewRouter(&RouterDeps{
		SessionFinder:     sessions,
		TicketVerifier:    authSvc,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		AuthService:       authSvc,
		AuthConfig:        AuthHandlerConfig{SessionMaxAge: 86400},
		Profiles:          profiles,
		Viewer:            viewer,
		Realtime:          hub,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
		rl.Stop()
	})
	return srv
}

func newJarClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New failed: %v", err)
	}
	return &http.Client{Jar: jar, Timeout: 5 * time.Second}
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

// --- 統合テスト ---

// TestIntegration_SignUpToRealtimePost はサインアップからWebSocketでの投稿、
// 公開プロフィールへの反映までを一通り検証する。
func TestIntegration_SignUpToRealtimePost(t *testing.T) {
	srv := integrationServer(t)
	httpClient := newJarClient(t)

	// 1. サインアップ（セッションCookieが発行される）
	resp, err := httpClient.Post(srv.URL+"/auth/signup", "application/json", strings.NewReader(
		`{"email":"alice@example.com","password":"password123","name":"Alice","position":"FW"}`,
	))
	if err != nil {
		t.Fatalf("POST /auth/signup failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /auth/signup status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var signUp struct {
		UserID string `json:"userId"`
	}
	decodeBody(t, resp, &signUp)
	if signUp.UserID == "" {
		t.Fatal("userIdが空")
	}

	// 2. 自分のプロフィール
	resp, err = httpClient.Get(srv.URL + "/auth/me")
	if err != nil {
		t.Fatalf("GET /auth/me failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /auth/me status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var me struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Position string `json:"position"`
	}
	decodeBody(t, resp, &me)
	if me.ID != signUp.UserID || me.Name != "Alice" || me.Position != "FW" {
		t.Errorf("me = %+v", me)
	}

	// 3. 接続チケット
	resp, err = httpClient.Get(srv.URL + "/auth/ticket")
	if err != nil {
		t.Fatalf("GET /auth/ticket failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /auth/ticket status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var ticket struct {
		Ticket string `json:"ticket"`
	}
	decodeBody(t, resp, &ticket)

	// 4. チケットでWebSocket接続
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?ticket=" + ticket.Ticket
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close()

	readEvent(t, ws, client.EventReady, nil)

	// 5. 投稿
	if err := ws.WriteJSON(client.Command{ID: "c1", Name: "post.submit", Args: json.RawMessage(`{"body":"初ゴール"}`)}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	readEvent(t, ws, client.EventFeed, func(data json.RawMessage) bool {
		var posts []struct {
			Content string `json:"content"`
		}
		return json.Unmarshal(data, &posts) == nil && len(posts) == 1 && posts[0].Content == "初ゴール"
	})

	// 6. 公開プロフィールに投稿が載る
	resp, err = httpClient.Get(srv.URL + "/api/users/" + signUp.UserID)
	if err != nil {
		t.Fatalf("GET /api/users failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/users status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var view profile.View
	decodeBody(t, resp, &view)
	if !view.IsSelf {
		t.Error("IsSelf = false, want true")
	}
	if len(view.Posts) != 1 || view.Posts[0].Content != "初ゴール" {
		t.Errorf("Posts = %+v", view.Posts)
	}
}

func TestIntegration_SignInFailuresAndSignOut(t *testing.T) {
	srv := integrationServer(t)
	httpClient := newJarClient(t)

	resp, err := httpClient.Post(srv.URL+"/auth/signup", "application/json", strings.NewReader(
		`{"email":"bob@example.com","password":"password123","name":"Bob"}`,
	))
	if err != nil {
		t.Fatalf("POST /auth/signup failed: %v", err)
	}
	resp.Body.Close()

	// 同じメールアドレスでは登録できない
	resp, err = http.Post(srv.URL+"/auth/signup", "application/json", strings.NewReader(
		`{"email":"BOB@example.com","password":"password123"}`,
	))
	if err != nil {
		t.Fatalf("POST /auth/signup failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("重複サインアップ status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	// 誤ったパスワード
	resp, err = http.Post(srv.URL+"/auth/signin", "application/json", strings.NewReader(
		`{"email":"bob@example.com","password":"wrong-password"}`,
	))
	if err != nil {
		t.Fatalf("POST /auth/signin failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("誤ったパスワード status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	// サインアウト（CSRFトークンを取得してから）
	resp, err = httpClient.Get(srv.URL + "/api/csrf-token")
	if err != nil {
		t.Fatalf("GET /api/csrf-token failed: %v", err)
	}
	var csrf struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &csrf)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/auth/signout", nil)
	req.Header.Set("X-CSRF-Token", csrf.Token)
	resp, err = httpClient.Do(req)
	if err != nil {
		t.Fatalf("POST /auth/signout failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST /auth/signout status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	// セッションは無効になっている
	resp, err = httpClient.Get(srv.URL + "/auth/ticket")
	if err != nil {
		t.Fatalf("GET /auth/ticket failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("サインアウト後 status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

// readEvent はtypeのイベントを受信するまで読み進める。
func readEvent(t *testing.T, ws *websocket.Conn, eventType string, pred func(json.RawMessage) bool) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var e struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := ws.ReadJSON(&e); err != nil {
			t.Fatalf("%sイベントを受信できなかった: %v", eventType, err)
		}
		if e.Type == eventType && (pred == nil || pred(e.Data)) {
			return
		}
	}
}
