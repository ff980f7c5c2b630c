package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/uscout/internal/model"
)

// --- モック定義 ---

type mockSessionRepository struct {
	findByIDFn func(ctx context.Context, id string) (*model.Session, error)
}

func (m *mockSessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

// --- テスト ---

func TestSessionMiddleware(t *testing.T) {
	repo := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			switch id {
			case "sess-abc":
				return &model.Session{ID: id, UserID: "player-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
			case "broken":
				return nil, context.DeadlineExceeded
			}
			// 期限切れや未知のIDはnilで返る
			return nil, nil
		},
	}

	tests := []struct {
		name       string
		cookie     *http.Cookie
		wantStatus int
		wantUser   string
	}{
		{name: "有効なセッション", cookie: &http.Cookie{Name: SessionCookieName, Value: "sess-abc"}, wantStatus: http.StatusOK, wantUser: "player-1"},
		{name: "Cookieなし", wantStatus: http.StatusUnauthorized},
		{name: "空のCookie", cookie: &http.Cookie{Name: SessionCookieName, Value: ""}, wantStatus: http.StatusUnauthorized},
		{name: "期限切れ", cookie: &http.Cookie{Name: SessionCookieName, Value: "expired"}, wantStatus: http.StatusUnauthorized},
		{name: "リポジトリエラー", cookie: &http.Cookie{Name: SessionCookieName, Value: "broken"}, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser, gotSession string
			handler := NewSessionMiddleware(repo)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser, _ = UserIDFromContext(r.Context())
				gotSession = SessionIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/auth/signout", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if body := decodeErrorBody(t, w); body.Code != model.ErrCodeNotAuthenticated {
					t.Errorf("code = %q, want %q", body.Code, model.ErrCodeNotAuthenticated)
				}
				return
			}
			if gotUser != tt.wantUser || gotSession != tt.cookie.Value {
				t.Errorf("context = (%q, %q), want (%q, %q)", gotUser, gotSession, tt.wantUser, tt.cookie.Value)
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); !errors.Is(err, ErrNoUserInContext) {
		t.Errorf("空のコンテキスト err = %v, want ErrNoUserInContext", err)
	}

	userID, err := UserIDFromContext(ContextWithUserID(context.Background(), "player-2"))
	if err != nil || userID != "player-2" {
		t.Errorf("UserIDFromContext = %q, %v", userID, err)
	}
	if SessionIDFromContext(context.Background()) != "" {
		t.Error("空のコンテキストでセッションIDが返った")
	}
}

// --- リアルタイム接続の認証 ---

type mockTicketVerifier struct {
	verifyFn func(token string) (string, string, error)
}

func (m *mockTicketVerifier) VerifyTicket(token string) (string, string, error) {
	return m.verifyFn(token)
}

func TestRealtimeAuthMiddleware(t *testing.T) {
	repo := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id == "cookie-session" {
				return &model.Session{ID: id, UserID: "cookie-user", ExpiresAt: time.Now().Add(time.Hour)}, nil
			}
			return nil, nil
		},
	}
	verifier := &mockTicketVerifier{
		verifyFn: func(token string) (string, string, error) {
			switch token {
			case "good-ticket":
				return "ticket-user", "", nil
			case "session-ticket":
				return "cookie-user", "cookie-session", nil
			case "signed-out-ticket":
				return "cookie-user", "deleted-session", nil
			}
			return "", "", errors.New("invalid ticket")
		},
	}

	tests := []struct {
		name        string
		cookie      string
		query       string
		wantStatus  int
		wantUser    string
		wantSession string
	}{
		{"Cookieが優先される", "cookie-session", "?ticket=good-ticket", http.StatusOK, "cookie-user", "cookie-session"},
		{"有効なチケット", "", "?ticket=good-ticket", http.StatusOK, "ticket-user", ""},
		{"セッション付きのチケット", "", "?ticket=session-ticket", http.StatusOK, "cookie-user", "cookie-session"},
		{"サインアウト済みセッションのチケット", "", "?ticket=signed-out-ticket", http.StatusUnauthorized, "", ""},
		{"無効なチケット", "", "?ticket=forged", http.StatusUnauthorized, "", ""},
		{"Cookieが無効でチケットも無い", "unknown", "", http.StatusUnauthorized, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser, gotSession string
			handler := NewRealtimeAuthMiddleware(repo, verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser, _ = UserIDFromContext(r.Context())
				gotSession = SessionIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotUser != tt.wantUser || gotSession != tt.wantSession {
				t.Errorf("context = (%q, %q), want (%q, %q)", gotUser, gotSession, tt.wantUser, tt.wantSession)
			}
		})
	}
}
