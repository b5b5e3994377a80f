package identity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/authgate/internal/identity/store"
	"github.com/nao1215/authgate/pkg/httpclient"
)

// Mailer はワンタイムコードを利用者に届ける外部の協調者。
type Mailer interface {
	// SendCode は宛先にワンタイムコードを送信する。
	SendCode(ctx context.Context, to string, purpose store.Purpose, code string, ttl time.Duration) error
}

// emailRequest は通知サービスに送るメール送信依頼。
type emailRequest struct {
	// To は宛先メールアドレス。
	To string `json:"to"`
	// Template はメールテンプレート名。用途と同じ値を使う。
	Template string `json:"template"`
	// Code はワンタイムコード。
	Code string `json:"code"`
	// ExpiresInMinutes はコードの有効期間（分）。
	ExpiresInMinutes int `json:"expires_in_minutes"`
}

// NotificationMailer は通知サービスのHTTP APIにメール送信を依頼する。
type NotificationMailer struct {
	client *httpclient.Client
}

// NewNotificationMailer は通知サービスのベースURLを指定してNotificationMailerを生成する。
func NewNotificationMailer(baseURL string, timeout time.Duration) *NotificationMailer {
	return &NotificationMailer{client: httpclient.New(baseURL, httpclient.WithTimeout(timeout))}
}

// SendCode は通知サービスの /api/v1/notifications/email にメール送信を依頼する。
func (m *NotificationMailer) SendCode(ctx context.Context, to string, purpose store.Purpose, code string, ttl time.Duration) error {
	req := emailRequest{
		To:               to,
		Template:         string(purpose),
		Code:             code,
		ExpiresInMinutes: int(ttl / time.Minute),
	}
	if err := m.client.PostJSON(ctx, "/api/v1/notifications/email", req, nil); err != nil {
		return fmt.Errorf("メール送信依頼に失敗: %w", err)
	}
	return nil
}

// LogMailer はコードをログに出力するだけの開発用Mailer。
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer はLogMailerを生成する。
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// SendCode はコードをログに出力する。
func (m *LogMailer) SendCode(_ context.Context, to string, purpose store.Purpose, code string, ttl time.Duration) error {
	m.logger.Info("ワンタイムコードを発行しました（開発用）",
		zap.String("to", to),
		zap.String("purpose", string(purpose)),
		zap.String("code", code),
		zap.Duration("ttl", ttl),
	)
	return nil
}
