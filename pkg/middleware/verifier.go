package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/nao1215/authgate/pkg/apperr"
	"github.com/nao1215/authgate/pkg/session"
	"github.com/nao1215/authgate/pkg/token"
)

// Identity は検証済みのリクエスト主体。
type Identity struct {
	// AccountID はアカウントの一意識別子。
	AccountID string
	// Email はアカウントのメールアドレス。
	Email string
	// Username はアカウントのユーザー名。
	Username string
	// Role はアカウントのロール。
	Role token.Role
}

// SessionStore はVerifierが参照するセッションキャッシュ。
type SessionStore interface {
	Get(ctx context.Context, accountID string) (session.Session, error)
	IsBlacklisted(ctx context.Context, rawToken string) (bool, error)
}

// Verifier はアクセストークンとセッション状態を検証する。
type Verifier struct {
	issuer   *token.Issuer
	sessions SessionStore
}

// NewVerifier は新しいVerifierを生成する。
func NewVerifier(issuer *token.Issuer, sessions SessionStore) *Verifier {
	return &Verifier{issuer: issuer, sessions: sessions}
}

// 認証失敗の詳細コード。クライアントの表示切り替え用であり、
// いずれも同じ拒否として扱う。
const (
	CodeMissingToken       = "missing_token"
	CodeRevoked            = "revoked"
	CodeTokenExpired       = "token_expired"
	CodeTokenMalformed     = "token_malformed"
	CodeSessionInvalid     = "session_invalid"
	CodeSessionUnavailable = "session_unavailable"
)

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	scheme, raw, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

// Verify はAuthorizationヘッダーの値を検証し、主体を返す。
// 検証順序はブラックリスト、署名と有効期限、セッションの順。
// キャッシュ障害時はフェイルクローズとして未認証エラーを返す。
func (v *Verifier) Verify(ctx context.Context, authorization string) (Identity, error) {
	raw, ok := BearerToken(authorization)
	if !ok {
		return Identity{}, apperr.WithCode(apperr.KindUnauthenticated, CodeMissingToken, "Bearerトークンが必要です")
	}

	revoked, err := v.sessions.IsBlacklisted(ctx, raw)
	if err != nil {
		return Identity{}, unavailable(err)
	}
	if revoked {
		return Identity{}, apperr.WithCode(apperr.KindUnauthenticated, CodeRevoked, "トークンは失効しています")
	}

	claims, err := v.issuer.ParseAccess(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return Identity{}, apperr.WithCode(apperr.KindUnauthenticated, CodeTokenExpired, "トークンの有効期限が切れています")
		}
		return Identity{}, apperr.WithCode(apperr.KindUnauthenticated, CodeTokenMalformed, "トークンが無効です")
	}

	sess, err := v.sessions.Get(ctx, claims.AccountID())
	if errors.Is(err, session.ErrNotFound) {
		return Identity{}, apperr.WithCode(apperr.KindUnauthenticated, CodeSessionInvalid, "セッションが無効です")
	}
	if err != nil {
		return Identity{}, unavailable(err)
	}

	// ロールはセッションの値を正とする。ロール変更はセッションの再作成で反映される。
	role := claims.Role
	if sess.Role != "" {
		role = sess.Role
	}
	return Identity{
		AccountID: claims.AccountID(),
		Email:     claims.Email,
		Username:  claims.Username,
		Role:      role,
	}, nil
}

func unavailable(err error) error {
	return &apperr.Error{
		Kind:    apperr.KindUnauthenticated,
		Code:    CodeSessionUnavailable,
		Message: "認証状態を確認できません",
		Err:     err,
	}
}
