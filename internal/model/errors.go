// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, notification, project, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeNotificationNotFound = "NOTIFICATION_NOT_FOUND"
	ErrCodeProjectNotFound      = "PROJECT_NOT_FOUND"
	ErrCodeProfileNotFound      = "PROFILE_NOT_FOUND"
	ErrCodeProfileInactive      = "PROFILE_INACTIVE"
	ErrCodeSessionNotFound      = "SESSION_NOT_FOUND"
	ErrCodeCommentEmpty         = "COMMENT_EMPTY"
	ErrCodeCommentTooLong       = "COMMENT_TOO_LONG"
	ErrCodePermissionDenied     = "PERMISSION_DENIED"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeCSRFInvalid          = "CSRF_INVALID"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewNotificationNotFoundError は通知未検出エラーを生成する。
func NewNotificationNotFoundError(notificationID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotificationNotFound,
		Message:  fmt.Sprintf("指定された通知が見つかりません: %s", notificationID),
		Category: "notification",
		Action:   "通知一覧を再読み込みしてください。",
	}
}

// NewProjectNotFoundError はプロジェクト未検出エラーを生成する。
func NewProjectNotFoundError(projectID string) *APIError {
	return &APIError{
		Code:     ErrCodeProjectNotFound,
		Message:  fmt.Sprintf("指定されたプロジェクトが見つかりません: %s", projectID),
		Category: "project",
		Action:   "プロジェクトIDを確認してください。",
	}
}

// NewProfileNotFoundError はプロフィール未検出エラーを生成する。
func NewProfileNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  "プロフィールが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewProfileInactiveError はプロフィールが有効化されていない場合のエラーを生成する。
func NewProfileInactiveError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileInactive,
		Message:  "アカウントが有効化されていません。",
		Category: "auth",
		Action:   "管理者にアカウントの有効化を依頼してください。",
	}
}

// NewSessionNotFoundError はセッションが存在しない、または期限切れの場合のエラーを生成する。
func NewSessionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  "セッションが見つからないか、期限切れです。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewCommentEmptyError は空コメントの投稿エラーを生成する。
func NewCommentEmptyError() *APIError {
	return &APIError{
		Code:     ErrCodeCommentEmpty,
		Message:  "コメントが空です。",
		Category: "validation",
		Action:   "コメント本文を入力してください。",
	}
}

// NewCommentTooLongError はコメントが上限文字数を超えた場合のエラーを生成する。
func NewCommentTooLongError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeCommentTooLong,
		Message:  fmt.Sprintf("コメントが長すぎます（上限%d文字）。", limit),
		Category: "validation",
		Action:   "コメントを短くしてから再度投稿してください。",
	}
}

// NewPermissionDeniedError は権限不足エラーを生成する。
func NewPermissionDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodePermissionDenied,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "プロジェクトの管理者に確認してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewCSRFInvalidError はCSRFトークン検証エラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// ErrorKind はバックエンドアクセス層で分類されたエラー種別を表す。
// リトライ可否はこの種別のみで判定する。
type ErrorKind int

const (
	// ErrorKindUnknown は分類できないエラー。
	ErrorKindUnknown ErrorKind = iota
	// ErrorKindTransient はタイムアウトや接続断などの一時的なエラー。
	ErrorKindTransient
	// ErrorKindNotFound は対象レコードが存在しないエラー。
	ErrorKindNotFound
	// ErrorKindPermissionDenied は権限不足のエラー。
	ErrorKindPermissionDenied
)

// String はログ出力用の名前を返す。
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTransient:
		return "transient"
	case ErrorKindNotFound:
		return "not_found"
	case ErrorKindPermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// BackendError はバックエンド呼び出しの失敗を種別付きで表す。
type BackendError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *BackendError) Unwrap() error {
	return e.Err
}

// KindOf はエラーチェーンからErrorKindを取り出す。
// BackendErrorを含まない場合はErrorKindUnknownを返す。
func KindOf(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ErrorKindUnknown
}

// IsTransient はエラーが一時的なものかを判定する。
func IsTransient(err error) bool {
	return KindOf(err) == ErrorKindTransient
}
