// Identityサービスのエントリポイント。
// アカウント登録、メールアドレス確認、ログイン、トークンのローテーションと失効、
// パスワードリセットを担当する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/authgate/internal/identity"
	"github.com/nao1215/authgate/internal/identity/store"
	"github.com/nao1215/authgate/pkg/config"
	"github.com/nao1215/authgate/pkg/logging"
	"github.com/nao1215/authgate/pkg/session"
	"github.com/nao1215/authgate/pkg/telemetry"
	"github.com/nao1215/authgate/pkg/token"
)

// serviceConfig はIdentityサービスの設定。
type serviceConfig struct {
	Port string `env:"PORT" envDefault:"8081"`
	// NotificationURL は通知サービスのベースURL。空の場合はコードをログに出力する。
	NotificationURL string        `env:"NOTIFICATION_URL"`
	MailTimeout     time.Duration `env:"NOTIFICATION_TIMEOUT" envDefault:"5s"`
	// TrustedProxies はX-Forwarded-Forを信頼する送信元（Gateway）。
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	Logging   logging.Config
	Telemetry telemetry.Config
	Token     token.Config
	Session   session.Config
	Store     store.Config
	Authority identity.Config
}

func main() {
	var cfg serviceConfig
	if err := config.Load(&cfg); err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New(cfg.Logging, "identity")
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("Identityサービスが異常終了しました", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg serviceConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, "identity")
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("テレメトリの終了処理に失敗", zap.Error(err))
		}
	}()

	if cfg.Token.UsesDevelopmentSecrets() {
		logger.Warn("開発用の署名鍵を使用しています。本番環境ではJWT_ACCESS_SECRETとJWT_REFRESH_SECRETを設定してください")
	}
	issuer, err := token.NewIssuer(cfg.Token)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Store.DSN, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	cache := session.New(session.NewClient(cfg.Session), cfg.Session.KeyPrefix)
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		// 起動は続け、ヘルスチェックとリクエスト単位で503を返す
		logger.Warn("セッションキャッシュに接続できません", zap.Error(err))
	}

	var mailer identity.Mailer
	if cfg.NotificationURL != "" {
		mailer = identity.NewNotificationMailer(cfg.NotificationURL, cfg.MailTimeout)
	} else {
		logger.Warn("NOTIFICATION_URLが未設定のため確認コードをログに出力します")
		mailer = identity.NewLogMailer(logger)
	}

	authority := identity.NewAuthority(st, cache, issuer, mailer, logger, cfg.Authority)
	defer authority.Wait()
	server, err := identity.NewServer(cfg.Port, authority, logger, cfg.TrustedProxies)
	if err != nil {
		return err
	}

	logger.Info("Identityサービスを起動します", zap.String("port", cfg.Port))
	return server.Run(ctx)
}
