package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/authgate/pkg/httpclient"
)

// HeaderRequestID はリクエストIDを伝播するHTTPヘッダーキー。
const HeaderRequestID = "X-Request-ID"

// RequestID はリクエストIDを付与するGinミドルウェアを返す。
// クライアントが指定したIDがあればそれを使い、無ければUUIDを生成する。
// IDはリクエストのコンテキストにも格納し、httpclientによるサービス間通信に引き継ぐ。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set(HeaderRequestID, id)
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(httpclient.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// Logger はリクエストごとにアクセスログを出力するGinミドルウェアを返す。
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.Request.Header.Get(HeaderRequestID)),
		}
		if id := GetUserID(c); id != "" {
			fields = append(fields, zap.String("user_id", id))
		}

		switch {
		case c.Writer.Status() >= 500:
			logger.Error("リクエスト処理完了", fields...)
		case c.Writer.Status() >= 400:
			logger.Warn("リクエスト処理完了", fields...)
		default:
			logger.Info("リクエスト処理完了", fields...)
		}
	}
}
