// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/uscout/internal/model"
)

// AccountRepository はメールアドレス認証アカウントの永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail は正規化済みメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// Create はアカウントを作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, account *model.Account) error
}

// SessionRepository はログインセッションの永続化インターフェース。
// 期限切れの行の物理削除はworkerのcleanupジョブが行う。
type SessionRepository interface {
	Create(ctx context.Context, session *model.Session) error
	// FindByID は期限切れの場合もnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	DeleteByID(ctx context.Context, id string) error
}

// ErrDuplicateEmail はメールアドレスが登録済みの場合にCreateが返す。
var ErrDuplicateEmail = errors.New("email already registered")
