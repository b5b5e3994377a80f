package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/authgate/pkg/httpserver"
	"github.com/nao1215/authgate/pkg/middleware"
)

const healthTimeout = 2 * time.Second

// Pinger は疎通確認できる依存先。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options はGatewayサーバーの任意設定。
type Options struct {
	// AllowedOrigins はCORSを許可するオリジン。
	AllowedOrigins []string
	// TrustedProxies はX-Forwarded-Forを信頼する送信元。
	TrustedProxies []string
}

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// registry はルート表。
	registry *Registry
	// verifier はアクセストークンとセッションを検証する。
	verifier *middleware.Verifier
	// cache はヘルスチェックで疎通を確認するセッションキャッシュ。
	cache Pinger
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(port string, registry *Registry, verifier *middleware.Verifier, cache Pinger, logger *zap.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	if err := router.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(opts.AllowedOrigins))

	s := &Server{
		router:   router,
		port:     port,
		registry: registry,
		verifier: verifier,
		cache:    cache,
		logger:   logger,
	}
	if err := s.setupRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はctxが終了するまでHTTPサーバーを実行する。
func (s *Server) Run(ctx context.Context) error {
	return httpserver.Serve(ctx, httpserver.New(s.port, s.router), s.logger)
}

// setupRoutes はルート表の各接頭辞に認証チェーンとプロキシを登録する。
func (s *Server) setupRoutes() error {
	for _, route := range s.registry.Routes() {
		u, err := newUpstream(route)
		if err != nil {
			return fmt.Errorf("ルート %q: %w", route.Name, err)
		}

		chain := s.enforcement(route)
		chain = append(chain, s.handleProxy(u))
		s.router.Any(route.Prefix, chain...)
		s.router.Any(route.Prefix+"/*path", chain...)

		s.logger.Debug("ルートを登録しました",
			zap.String("route", route.Name),
			zap.String("prefix", route.Prefix),
			zap.String("access", string(route.Access)),
		)
	}

	s.router.GET("/health", s.handleHealth())
	return nil
}

// enforcement はルートの認証要件に応じたミドルウェアを返す。
func (s *Server) enforcement(route Route) []gin.HandlerFunc {
	switch route.Access {
	case AccessProtected:
		chain := []gin.HandlerFunc{middleware.Authenticate(s.verifier, s.logger)}
		if len(route.Roles) > 0 {
			chain = append(chain, middleware.RequireRole(route.Roles...))
		}
		return chain
	case AccessOptional:
		return []gin.HandlerFunc{middleware.OptionalAuth(s.verifier, s.logger)}
	default:
		return nil
	}
}

// handleHealth はGatewayとセッションキャッシュの状態を返すハンドラを返す。
// バックエンドの障害はルート単位で扱うため、ここでは確認しない。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := http.StatusOK
		checks := gin.H{"cache": "ok"}
		if err := s.cache.Ping(ctx); err != nil {
			s.logger.Warn("キャッシュのヘルスチェックに失敗", zap.Error(err))
			checks["cache"] = "unavailable"
			status = http.StatusServiceUnavailable
		}

		result := "ok"
		if status != http.StatusOK {
			result = "degraded"
		}
		c.JSON(status, gin.H{"status": result, "service": "gateway", "checks": checks})
	}
}
