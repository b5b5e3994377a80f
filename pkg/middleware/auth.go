package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/authgate/pkg/apperr"
	"github.com/nao1215/authgate/pkg/token"
)

// サービス間で検証済みの主体を伝播するためのHTTPヘッダーキー。
// バックエンドはGateway経由で届いたリクエストに限りこれらを信頼する。
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderEmail    = "X-User-Email"
	HeaderUsername = "X-User-Name"
)

// identityHeaders は主体伝播に使う全ヘッダー。
var identityHeaders = []string{HeaderUserID, HeaderUserRole, HeaderEmail, HeaderUsername}

// contextKeyIdentity はGinコンテキストに主体を格納するキー。
const contextKeyIdentity = "identity"

// StripIdentityHeaders はクライアントが送った主体ヘッダーを削除する。
// 偽装を防ぐため、Gatewayは検証前に必ず呼び出す。
func StripIdentityHeaders(h http.Header) {
	for _, k := range identityHeaders {
		h.Del(k)
	}
}

// SetIdentityHeaders は検証済みの主体をヘッダーに設定する。
func SetIdentityHeaders(h http.Header, id Identity) {
	h.Set(HeaderUserID, id.AccountID)
	h.Set(HeaderUserRole, id.Role.String())
	h.Set(HeaderEmail, id.Email)
	h.Set(HeaderUsername, id.Username)
}

// Authenticate はアクセストークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに主体を設定する。失敗した場合は401を返す。
func Authenticate(v *Verifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		StripIdentityHeaders(c.Request.Header)

		id, err := v.Verify(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			logUnavailable(c, logger, err)
			apperr.Respond(c, logger, err)
			return
		}

		setIdentity(c, id)
		c.Next()
	}
}

// OptionalAuth はアクセストークンがあれば検証するGinミドルウェアを返す。
// 検証に失敗してもリクエストは拒否せず、主体を設定しないまま次に進む。
// 公開ページと個人向け表示を同じハンドラで扱うために使う。
func OptionalAuth(v *Verifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		StripIdentityHeaders(c.Request.Header)

		if c.GetHeader("Authorization") != "" {
			id, err := v.Verify(c.Request.Context(), c.GetHeader("Authorization"))
			if err == nil {
				setIdentity(c, id)
			} else {
				logUnavailable(c, logger, err)
			}
		}
		c.Next()
	}
}

// RequireRole は許可されたロールのみを通すGinミドルウェアを返す。
// AuthenticateまたはOptionalAuthの後に適用する。
func RequireRole(roles ...token.Role) gin.HandlerFunc {
	allowed := make(map[token.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			apperr.Respond(c, nil, apperr.WithCode(apperr.KindUnauthenticated, CodeMissingToken, "認証が必要です"))
			return
		}
		if _, ok := allowed[id.Role]; !ok {
			apperr.Respond(c, nil, apperr.New(apperr.KindForbidden, "この操作を行う権限がありません"))
			return
		}
		c.Next()
	}
}

// GetIdentity はGinコンテキストから検証済みの主体を取得する。
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// 主体が設定されていない場合は空文字列を返す。
func GetUserID(c *gin.Context) string {
	id, _ := GetIdentity(c)
	return id.AccountID
}

func setIdentity(c *gin.Context, id Identity) {
	c.Set(contextKeyIdentity, id)
	c.Set("user_id", id.AccountID)
}

// logUnavailable はキャッシュ障害による拒否を警告ログに出力する。
func logUnavailable(c *gin.Context, logger *zap.Logger, err error) {
	if logger == nil {
		return
	}
	if appErr, ok := apperr.As(err); ok && appErr.Code == CodeSessionUnavailable {
		logger.Warn("セッションキャッシュ障害のためリクエストを拒否",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
}
