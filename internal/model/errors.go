// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, social, chat, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeEmptyInput         = "EMPTY_INPUT"
	ErrCodeNotAuthenticated   = "NOT_AUTHENTICATED"
	ErrCodeSelfFollow         = "SELF_FOLLOW"
	ErrCodeSelfMessage        = "SELF_MESSAGE"
	ErrCodeNoOpenThread       = "NO_OPEN_THREAD"
	ErrCodeThreadNotFound     = "THREAD_NOT_FOUND"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeInvalidURL         = "INVALID_URL"
	ErrCodeSSRFBlocked        = "SSRF_BLOCKED"
	ErrCodeFetchFailed        = "FETCH_FAILED"
	ErrCodeFeedNotDetected    = "FEED_NOT_DETECTED"
	ErrCodeParseFailed        = "PARSE_FAILED"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeWeakPassword       = "WEAK_PASSWORD"
	ErrCodeStorageDisabled    = "STORAGE_DISABLED"
	ErrCodeUnknownCommand     = "UNKNOWN_COMMAND"
	ErrCodeUnsupportedMedia   = "UNSUPPORTED_MEDIA"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeCSRFRejected       = "CSRF_REJECTED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewEmptyInputError は必須入力が空の場合のエラーを生成する。
// messageはそのままユーザーに表示される。
func NewEmptyInputError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeEmptyInput,
		Message:  message,
		Category: "validation",
		Action:   "内容を入力してから再度お試しください。",
	}
}

// NewNotAuthenticatedError はサインインが必要な操作を未認証で行った場合のエラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewSelfFollowError は自分自身をフォローしようとした場合のエラーを生成する。
func NewSelfFollowError() *APIError {
	return &APIError{
		Code:     ErrCodeSelfFollow,
		Message:  "自分自身はフォローできません。",
		Category: "validation",
		Action:   "他のプレイヤーを選択してください。",
	}
}

// NewSelfMessageError は自分自身とのダイレクトメッセージを開こうとした場合のエラーを生成する。
func NewSelfMessageError() *APIError {
	return &APIError{
		Code:     ErrCodeSelfMessage,
		Message:  "自分自身にメッセージは送れません。",
		Category: "validation",
		Action:   "他のプレイヤーを選択してください。",
	}
}

// NewNoOpenThreadError はスレッド未選択でメッセージを送ろうとした場合のエラーを生成する。
func NewNoOpenThreadError() *APIError {
	return &APIError{
		Code:     ErrCodeNoOpenThread,
		Message:  "チャットが選択されていません。",
		Category: "chat",
		Action:   "チャットを開いてから送信してください。",
	}
}

// NewThreadNotFoundError はスレッドが見つからない場合のエラーを生成する。
func NewThreadNotFoundError(key string) *APIError {
	return &APIError{
		Code:     ErrCodeThreadNotFound,
		Message:  fmt.Sprintf("指定されたチャットが見つかりません: %s", key),
		Category: "chat",
		Action:   "チャット一覧を確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "social",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "social",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewFeedNotDetectedError はチャンネルページからフィードを検出できなかった場合のエラーを生成する。
func NewFeedNotDetectedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotDetected,
		Message:  fmt.Sprintf("指定されたURLからRSS/Atomフィードを検出できませんでした: %s", url),
		Category: "social",
		Action:   "チャンネルのフィードURLを直接入力してください。",
	}
}

// NewParseFailedError はパース失敗エラーを生成する。
func NewParseFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeParseFailed,
		Message:  "フィードの解析に失敗しました。",
		Category: "social",
		Action:   "有効なRSS/Atomフィードかどうか確認してください。",
	}
}

// NewEmailTakenError はメールアドレスが登録済みの場合のエラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスを使用してください。",
	}
}

// NewInvalidCredentialsError はメールアドレスまたはパスワードが誤っている場合のエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認してください。",
	}
}

// NewWeakPasswordError はパスワードが短すぎる場合のエラーを生成する。
func NewWeakPasswordError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("パスワードは%d文字以上にしてください。", minLength),
		Category: "auth",
		Action:   "より長いパスワードを入力してください。",
	}
}

// NewStorageDisabledError はアップロード先が未設定の場合のエラーを生成する。
func NewStorageDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeStorageDisabled,
		Message:  "動画アップロードは現在利用できません。",
		Category: "system",
		Action:   "動画のリンクを貼り付けて共有してください。",
	}
}

// NewUnknownCommandError はリアルタイム接続で未知のコマンドを受信した場合のエラーを生成する。
func NewUnknownCommandError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownCommand,
		Message:  fmt.Sprintf("不明なコマンドです: %s", name),
		Category: "validation",
		Action:   "クライアントを更新してください。",
	}
}

// NewUnsupportedMediaError はアップロードできない形式が指定された場合のエラーを生成する。
func NewUnsupportedMediaError(contentType string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedMedia,
		Message:  fmt.Sprintf("この形式の動画はアップロードできません: %s", contentType),
		Category: "validation",
		Action:   "MP4、MOV、WebM形式の動画を選択してください。",
	}
}

// NewInvalidRequestError はリクエストの形式が不正な場合のエラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式で送信してください。",
	}
}

// NewRateLimitedError は短時間に操作が集中した場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "操作が多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFRejectedError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFRejectedError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFRejected,
		Message:  "リクエストを検証できませんでした。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は詳細を利用者に見せない内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
