// API Gatewayサービスのエントリポイント。
// アクセストークンとセッションを検証し、ルート表に従ってバックエンドに転送する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/authgate/internal/gateway"
	"github.com/nao1215/authgate/pkg/config"
	"github.com/nao1215/authgate/pkg/logging"
	"github.com/nao1215/authgate/pkg/middleware"
	"github.com/nao1215/authgate/pkg/session"
	"github.com/nao1215/authgate/pkg/telemetry"
	"github.com/nao1215/authgate/pkg/token"
)

// serviceConfig はGatewayの設定。
type serviceConfig struct {
	Port string `env:"PORT" envDefault:"8080"`
	// FrontendURLs はCORSを許可するオリジン。
	FrontendURLs   []string `env:"FRONTEND_URL" envDefault:"http://localhost:3000" envSeparator:","`
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	Logging   logging.Config
	Telemetry telemetry.Config
	Token     token.Config
	Session   session.Config
	Backends  gateway.BackendConfig
}

func main() {
	var cfg serviceConfig
	if err := config.Load(&cfg); err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New(cfg.Logging, "gateway")
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("Gatewayが異常終了しました", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg serviceConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, "gateway")
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

	cache := session.New(session.NewClient(cfg.Session), cfg.Session.KeyPrefix)
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		logger.Warn("セッションキャッシュに接続できません。認証必須のルートは拒否されます", zap.Error(err))
	}

	registry, err := gateway.NewRegistry(gateway.DefaultRoutes(cfg.Backends))
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(cfg.Port, registry, middleware.NewVerifier(issuer, cache), cache, logger, gateway.Options{
		AllowedOrigins: cfg.FrontendURLs,
		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		return err
	}

	logger.Info("Gatewayを起動します",
		zap.String("port", cfg.Port),
		zap.Int("routes", len(registry.Routes())),
	)
	return server.Run(ctx)
}
