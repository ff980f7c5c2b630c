package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/uscout/internal/middleware"
)

// HealthChecker はバックエンドの疎通を確認する。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	TicketVerifier    middleware.TicketVerifier
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 運用。nilの場合はそれぞれ疎通確認なし、/metrics なし
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
	Profiles    ProfileRegistrar

	// プロフィール閲覧
	Viewer ProfileViewer

	// ハイライトのアップロード。nilの場合は無効
	Uploads UploadPresigner

	// WebSocket接続（realtime.Hub）
	Realtime http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → SessionMiddleware → CSRF → RateLimit(General)
//
// /auth/signup, /auth/signin, /health, /metrics はセッション不要。
// /ws はCookieまたはチケットで認証する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.AuthConfig.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Profiles, deps.AuthConfig)
	userHandler := NewUserHandler(deps.Viewer)
	highlightHandler := NewHighlightHandler(deps.Uploads)
	sessionMiddleware := middleware.NewSessionMiddleware(deps.SessionFinder)
	csrfMiddleware := middleware.NewCSRFMiddleware(deps.CSRFConfig)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", authHandler.SignUp)
		r.Post("/signin", authHandler.SignIn)
		r.Get("/me", authHandler.Me)
		r.With(csrfMiddleware).Post("/signout", authHandler.SignOut)
		r.With(sessionMiddleware).Get("/ticket", authHandler.Ticket)
	})

	// --- リアルタイム接続 ---
	if deps.Realtime != nil {
		r.With(middleware.NewRealtimeAuthMiddleware(deps.SessionFinder, deps.TicketVerifier)).
			Get("/ws", deps.Realtime.ServeHTTP)
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(sessionMiddleware)
		r.Use(csrfMiddleware)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/users/{id}", userHandler.GetUser)

		r.Route("/api/highlights", func(r chi.Router) {
			r.Get("/classify", highlightHandler.Classify)
			// アップロードは書き込み用のレート制限を追加
			r.With(deps.RateLimiter.WriteMiddleware()).Post("/uploads", highlightHandler.CreateUpload)
		})
	})

	return r
}

// healthHandler はバックエンドの疎通を確認して200または503を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
