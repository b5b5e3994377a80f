package apperr

import (
	"errors"
	"net/http"
)

// Kind はエラーの種別を表す。
type Kind int

const (
	// KindInternal は分類されていない内部エラー。
	KindInternal Kind = iota
	// KindInvalid はリクエストの入力値が不正であることを表す。
	KindInvalid
	// KindConflict はメールアドレスまたはユーザー名が既に使用されていることを表す。
	KindConflict
	// KindInvalidCredentials は認証情報が一致しないことを表す。
	KindInvalidCredentials
	// KindEmailNotVerified はメールアドレスが未確認であることを表す。
	KindEmailNotVerified
	// KindInvalidCode はOTPが一致しないか存在しないことを表す。
	KindInvalidCode
	// KindExpired はOTPの有効期限切れを表す。
	KindExpired
	// KindTooManyAttempts はOTPの試行回数上限に達したことを表す。
	KindTooManyAttempts
	// KindInvalidToken は署名またはレジャー上の状態が不正なトークンを表す。
	KindInvalidToken
	// KindUnauthenticated は認証されていないリクエストを表す。
	KindUnauthenticated
	// KindForbidden はロールが許可されていないことを表す。
	KindForbidden
	// KindServiceUnavailable は下流サービスまたはストアの障害を表す。
	KindServiceUnavailable
)

// String はKindの安定したエラーコードを返す。
func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid_request"
	case KindConflict:
		return "conflict"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindEmailNotVerified:
		return "email_not_verified"
	case KindInvalidCode:
		return "invalid_code"
	case KindExpired:
		return "expired"
	case KindTooManyAttempts:
		return "too_many_attempts"
	case KindInvalidToken:
		return "invalid_token"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindServiceUnavailable:
		return "service_unavailable"
	default:
		return "internal_error"
	}
}

// HTTPStatus はKindに対応するHTTPステータスコードを返す。
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalid, KindInvalidCode, KindExpired:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindInvalidCredentials, KindInvalidToken, KindUnauthenticated:
		return http.StatusUnauthorized
	case KindEmailNotVerified, KindForbidden:
		return http.StatusForbidden
	case KindTooManyAttempts:
		return http.StatusTooManyRequests
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error は種別付きのアプリケーションエラー。
type Error struct {
	// Kind はエラーの種別。
	Kind Kind
	// Code はクライアントに返す詳細コード。空の場合はKindのコードを使う。
	Code string
	// Message はクライアントに返すメッセージ。
	Message string
	// Err は原因となった内部エラー。クライアントには返さない。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Is は同じKindかつ同じCodeのエラーと一致する。
// errors.Is(err, apperr.New(apperr.KindExpired, "")) のように種別で比較できる。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// ErrorCode はクライアントに返すエラーコードを返す。
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Kind.String()
}

// New は新しいアプリケーションエラーを生成する。
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithCode は詳細コード付きのアプリケーションエラーを生成する。
func WithCode(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap は内部エラーを種別付きエラーで包む。
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf はエラーチェーンからKindを取り出す。
// アプリケーションエラーを含まない場合はKindInternalを返す。
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// As はエラーチェーンからアプリケーションエラーを取り出す。
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
