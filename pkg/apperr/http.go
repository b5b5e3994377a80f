package apperr

import (
	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Respond はエラーをJSONレスポンスに変換してリクエストを中断する。
// 内部エラーとストア障害は詳細をログとSentryにのみ記録し、
// クライアントには汎用メッセージだけを返す。
func Respond(c *gin.Context, logger *zap.Logger, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = Wrap(KindInternal, "内部サーバーエラーが発生しました", err)
	}

	message := appErr.Message
	switch appErr.Kind {
	case KindInternal:
		message = "内部サーバーエラーが発生しました"
		report(c, logger, err)
	case KindServiceUnavailable:
		if message == "" {
			message = "サービスが一時的に利用できません"
		}
		report(c, logger, err)
	}

	c.AbortWithStatusJSON(appErr.Kind.HTTPStatus(), gin.H{
		"error":   appErr.ErrorCode(),
		"message": message,
	})
}

// report は内部エラーをログに出力し、Sentryに送信する。
func report(c *gin.Context, logger *zap.Logger, err error) {
	if logger != nil {
		logger.Error("リクエスト処理中にエラーが発生",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	if hub := sentry.CurrentHub(); hub != nil && hub.Client() != nil {
		hub.CaptureException(err)
	}
}
