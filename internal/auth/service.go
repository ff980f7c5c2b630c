// Package auth はメールアドレスとパスワードによる認証、セッション管理、
// リアルタイム接続用チケットの発行を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/uscout/internal/model"
	"github.com/hitoshi/uscout/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultMinPasswordLength はパスワードの最小文字数。
	DefaultMinPasswordLength = 6
	// ticketIssuer はチケットのiss。
	ticketIssuer = "uscout"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge     int           // セッション有効期間（秒）
	TicketSecret      []byte        // チケット署名用のHMAC鍵
	TicketTTL         time.Duration // チケット有効期間
	MinPasswordLength int
	BcryptCost        int
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	accounts repository.AccountRepository
	sessions repository.SessionRepository
	config   ServiceConfig
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	accounts repository.AccountRepository,
	sessions repository.SessionRepository,
	config ServiceConfig,
) *Service {
	if config.MinPasswordLength <= 0 {
		config.MinPasswordLength = DefaultMinPasswordLength
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.TicketTTL <= 0 {
		config.TicketTTL = time.Minute
	}
	return &Service{
		accounts: accounts,
		sessions: sessions,
		config:   config,
		now:      time.Now,
	}
}

// NormalizeEmail は前後の空白を除去し小文字に揃える。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignUp はアカウントを作成し、ユーザーIDを返す。
func (s *Service) SignUp(ctx context.Context, email, password string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", model.NewEmptyInputError("メールアドレスを入力してください。")
	}
	if len(password) < s.config.MinPasswordLength {
		return "", model.NewWeakPasswordError(s.config.MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	account := &model.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return "", model.NewEmailTakenError()
		}
		return "", fmt.Errorf("failed to create account: %w", err)
	}

	slog.Info("account created", slog.String("user_id", account.ID))
	return account.ID, nil
}

// SignIn はメールアドレスとパスワードを検証し、セッションを発行する。
// アカウントが存在しない場合とパスワード不一致は同じエラーを返す。
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, model.NewEmptyInputError("メールアドレスとパスワードを入力してください。")
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewInvalidCredentialsError()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, model.NewInvalidCredentialsError()
	}

	session, err := s.createSession(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user signed in", slog.String("user_id", account.ID))
	return session, nil
}

// SignOut はセッションを破棄する。
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user signed out", slog.String("session_id", sessionID))
	return nil
}

// FindSession は有効なセッションを返す。存在しないか期限切れの場合はnilを返す。
func (s *Service) FindSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// CurrentUserID はセッションに紐づくユーザーIDを返す。
func (s *Service) CurrentUserID(ctx context.Context, sessionID string) (string, error) {
	session, err := s.FindSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", model.NewNotAuthenticatedError()
	}
	return session.UserID, nil
}

// ticketClaims はリアルタイム接続用チケットのクレーム。
// SessionID は発行元のセッション。サインアウトを同じセッションの接続に伝えるために使う。
type ticketClaims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// IssueTicket はuidとセッションに対する短命のHS256チケットを発行する。
// Cookieを送れないクライアントがWebSocket接続時にクエリで渡す。
func (s *Service) IssueTicket(uid, sessionID string) (string, error) {
	if len(s.config.TicketSecret) == 0 {
		return "", fmt.Errorf("ticket secret is not configured")
	}
	now := s.now()
	claims := ticketClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ticketIssuer,
			Subject:   uid,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TicketTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.TicketSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign ticket: %w", err)
	}
	return token, nil
}

// VerifyTicket はチケットを検証し、uidと発行元のセッションIDを返す。
func (s *Service) VerifyTicket(token string) (userID, sessionID string, err error) {
	if len(s.config.TicketSecret) == 0 {
		return "", "", fmt.Errorf("ticket secret is not configured")
	}
	claims := &ticketClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.config.TicketSecret, nil
	},
		jwt.WithIssuer(ticketIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", "", fmt.Errorf("invalid ticket: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", "", fmt.Errorf("invalid ticket")
	}
	return claims.Subject, claims.SessionID, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
