// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/uscout/internal/middleware"
	"github.com/hitoshi/uscout/internal/model"
	"github.com/hitoshi/uscout/internal/profile"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, email, password string) (string, error)
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	SignOut(ctx context.Context, sessionID string) error
	CurrentUserID(ctx context.Context, sessionID string) (string, error)
	IssueTicket(uid, sessionID string) (string, error)
}

// ProfileRegistrar はサインアップ時のプロフィール作成と参照を行う。
type ProfileRegistrar interface {
	CreateRegistered(ctx context.Context, uid string, reg profile.Registration) error
	GetProfile(ctx context.Context, uid string) (*model.UserProfile, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はアカウントとセッションのHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	profiles ProfileRegistrar
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, profiles ProfileRegistrar, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		profiles: profiles,
		config:   config,
	}
}

type signUpRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Name      string `json:"name"`
	Position  string `json:"position"`
	Phone     string `json:"phone"`
	Instagram string `json:"instagram"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	UserID string `json:"userId"`
}

// SignUp はアカウントと登録済みプロフィールを作成し、セッションを発行する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	uid, err := h.service.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	err = h.profiles.CreateRegistered(r.Context(), uid, profile.Registration{
		Name:      req.Name,
		Email:     strings.TrimSpace(req.Email),
		Position:  req.Position,
		Phone:     req.Phone,
		Instagram: req.Instagram,
	})
	if err != nil {
		// アカウントは作成済み。プロフィールは初回接続時に既定値で補われる
		slog.Error("failed to create registered profile",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
	}

	session, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, session.ID, h.config.SessionMaxAge)
	writeJSON(w, http.StatusCreated, sessionResponse{UserID: session.UserID})
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	session, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, session.ID, h.config.SessionMaxAge)
	writeJSON(w, http.StatusOK, sessionResponse{UserID: session.UserID})
}

// SignOut はセッションを破棄する。
// POST /auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if signOutErr := h.service.SignOut(r.Context(), cookie.Value); signOutErr != nil {
			slog.Error("failed to sign out", slog.String("error", signOutErr.Error()))
			// 失敗してもCookieはクリアする
		}
	}

	h.setSessionCookie(w, "", -1)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のユーザーのプロフィールを返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		writeUnauthorized(w)
		return
	}

	uid, err := h.service.CurrentUserID(r.Context(), cookie.Value)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	p, err := h.profiles.GetProfile(r.Context(), uid)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Ticket はWebSocket接続用の短命チケットを発行する。
// GET /auth/ticket（SessionMiddlewareの後に配置）
func (h *AuthHandler) Ticket(w http.ResponseWriter, r *http.Request) {
	uid, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	ticket, err := h.service.IssueTicket(uid, middleware.SessionIDFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ticket": ticket})
}

// setSessionCookie はセッションCookieを設定する。maxAgeが負の場合は削除する。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
