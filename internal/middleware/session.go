// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/uscout/internal/model"
)

const (
	// SessionCookieName はセッションIDを保持するCookieの名前。
	SessionCookieName = "session_id"

	// ticketQueryParam はWebSocket接続時にチケットを渡すクエリパラメータ名。
	ticketQueryParam = "ticket"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey    = contextKey("user_id")
	sessionIDContextKey = contextKey("session_id")
)

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// TicketVerifier は短命の接続チケットを検証してユーザーIDと発行元のセッションIDを返す。
type TicketVerifier interface {
	VerifyTicket(token string) (userID, sessionID string, err error)
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み取り、
// 有効性を検証するミドルウェアを返す。
// 認証済みユーザーIDとセッションIDをリクエストコンテキストに注入する。
// 未認証リクエストにはNOT_AUTHENTICATEDの401を返す。
func NewSessionMiddleware(sessionFinder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := sessionFromCookie(r, sessionFinder)
			if !ok {
				WriteUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextWithSession(r.Context(), session)))
		})
	}
}

// NewRealtimeAuthMiddleware はWebSocketのハンドシェイク用の認証ミドルウェアを返す。
// セッションCookieを優先し、無ければ ticket クエリパラメータを検証する。
// チケットが発行元のセッションを持つ場合、そのセッションが残っていることも確認する。
func NewRealtimeAuthMiddleware(sessionFinder SessionFinder, verifier TicketVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if session, ok := sessionFromCookie(r, sessionFinder); ok {
				next.ServeHTTP(w, r.WithContext(contextWithSession(r.Context(), session)))
				return
			}

			ticket := r.URL.Query().Get(ticketQueryParam)
			if ticket == "" {
				WriteUnauthorized(w)
				return
			}
			userID, sessionID, err := verifier.VerifyTicket(ticket)
			if err != nil {
				slog.Warn("ticket verification failed",
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				WriteUnauthorized(w)
				return
			}
			if sessionID == "" {
				next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
				return
			}
			// サインアウト済みのセッションから発行されたチケットは使えない
			session, err := sessionFinder.FindByID(r.Context(), sessionID)
			if err != nil || session == nil || session.UserID != userID {
				WriteUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextWithSession(r.Context(), session)))
		})
	}
}

// sessionFromCookie はCookieのセッションIDから有効なセッションを引く。
func sessionFromCookie(r *http.Request, sessionFinder SessionFinder) (*model.Session, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}

	session, err := sessionFinder.FindByID(r.Context(), cookie.Value)
	if err != nil {
		slog.Error("failed to find session",
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if session == nil {
		return nil, false
	}
	return session, true
}

func contextWithSession(ctx context.Context, session *model.Session) context.Context {
	recordUserID(ctx, session.UserID)
	ctx = context.WithValue(ctx, userIDContextKey, session.UserID)
	return context.WithValue(ctx, sessionIDContextKey, session.ID)
}

// ErrNoUserInContext は認証ミドルウェアを通っていないコンテキストで返る。
var ErrNoUserInContext = errors.New("user ID not found in context")

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", ErrNoUserInContext
	}
	return userID, nil
}

// SessionIDFromContext はリクエストコンテキストからセッションIDを取得する。
// 見つからない場合は空文字を返す。
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDContextKey).(string)
	return id
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	recordUserID(ctx, userID)
	return context.WithValue(ctx, userIDContextKey, userID)
}
