package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/authgate/internal/identity/store"
	"github.com/nao1215/authgate/pkg/apperr"
	"github.com/nao1215/authgate/pkg/httpserver"
	"github.com/nao1215/authgate/pkg/middleware"
)

const healthTimeout = 2 * time.Second

var errBadRequest = apperr.WithCode(apperr.KindInvalid, "invalid_request", "リクエストの形式が正しくありません")

// Server はアイデンティティサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// authority はトークンの発行と検証を行う。
	authority *Authority
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は新しいアイデンティティサーバーを生成する。
// trustedProxiesにはX-Forwarded-Forを信頼する送信元（ゲートウェイ）を指定する。
func NewServer(port string, authority *Authority, logger *zap.Logger, trustedProxies []string) (*Server, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recovery(logger))

	s := &Server{
		router:    router,
		port:      port,
		authority: authority,
		logger:    logger,
	}
	s.setupRoutes()

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

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/api/v1/auth")
	{
		auth.POST("/register", s.handleRegister())
		auth.POST("/verify-email", s.handleVerifyEmail())
		auth.POST("/login", s.handleLogin())
		auth.POST("/refresh-token", s.handleRefresh())
		auth.POST("/logout", s.handleLogout())
		auth.POST("/request-password-reset", s.handleRequestPasswordReset())
		auth.POST("/reset-password", s.handleResetPassword())
		auth.POST("/resend-otp", s.handleResendOTP())
	}

	// ゲートウェイが検証済みのアイデンティティヘッダーを付与する
	s.router.GET("/api/v1/account/me", s.handleMe())

	s.router.GET("/health", s.handleHealth())
}

// registerRequest はアカウント登録リクエストのJSON構造。
type registerRequest struct {
	Email    string `json:"email" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	FullName string `json:"full_name"`
}

// handleRegister はアカウント登録を処理するハンドラを返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, s.logger, errBadRequest)
			return
		}

		acc, err := s.authority.Register(c.Request.Context(), req.Email, req.Username, req.Password, req.FullName)
		if err != nil {
			apperr.Respond(c, s.logger, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":             acc.ID,
			"email":          acc.Email,
			"username":       acc.Username,
			"email_verified": acc.EmailVerified,
		})
	}
}

// verifyEmailRequest はメールアドレス確認リクエストのJSON構造。
type verifyEmailRequest struct {
	Email string `json:"email" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

// handleVerifyEmail はメールアドレス確認を処理するハンドラを返す。
func (s *Server) handleVerifyEmail() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyEmailRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, s.logger, errBadRequest)
			return
		}

		if err := s.authority.VerifyEmail(c.Request.Context(), req.Email, req.Code); err != nil {
			apperr.Respond(c, s.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "メールアドレスを確認しました"})
	}
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleLogin はログインを処理するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, s.logger, errBadRequest)
			return
		}

		result, err := s.authority.Login(c.Request.Context(), req.Email, req.Password, c.ClientIP())
		if err != nil {
			apperr.Respond(c, s.logger, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// refreshRequest はトークン更新リクエストのJSON構造。
type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// handleRefresh はリフレッシュトークンのローテーションを処理するハンドラを返す。
func (s *Server) handleRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, s.logger, errBadRequest)
			return
		}

		pair, err := s.authority.Refresh(c.Request.Context(), req.RefreshToken, c.ClientIP())
		if err != nil {
			apperr.Respond(c, s.logger, err)
			return
		}
		c.JSON(http.StatusOK, pair)
	}
}

// logoutRequest はログアウトリクエストのJSON構造。ボディは省略できる。
type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleLogout はログアウトを処理するハンドラを返す。
// アクセストークンはAuthorizationヘッダー、リフレッシュトークンはボディで受け取る。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req logoutRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			apperr.Respond(c, s.logger, errBadRequest)
			return
		}
		accessToken, _ := middleware.BearerToken(c.GetHeader("Authorization"))

		if err := s.authority.Logout(c.Request.Context(), accessToken, req.RefreshToken, c.ClientIP()); err != nil {
			apperr.Respond(c, s.logger, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// emailOnlyRequest はメールアドレスのみを含むリクエストのJSON構造。
type emailOnlyRequest struct {
	Email string `json:"email" binding:"required"`
}

// handleRequestPasswordReset はパスワードリセットコードの送信を処理するハンドラを返す。
// アカウントの有無にかかわらず同じ応答を返す。
func (s *Server) handleRequestPasswordReset() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req emailOnlyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, s.logger, errBadRequest)
			return
		}

		if err := s.authority.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
			apperr.Respond(c, s.logger, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "アカウントが存在する場合はリセット用のコードを送信しました"})
	}
}

// resetPasswordRequest はパスワードリセットリクエストのJSON構造。
type resetPasswordRequest struct {
	Email       string `json:"email" binding:"required"`
	Code        string `json:"code" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// handleResetPassword はパスワードリセットを処理するハンドラを返す。
func (s *Server) handleResetPassword() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resetPasswordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, s.logger, errBadRequest)
			return
		}

		if err := s.authority.ResetPassword(c.Request.Context(), req.Email, req.Code, req.NewPassword, c.ClientIP()); err != nil {
			apperr.Respond(c, s.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "パスワードを変更しました"})
	}
}

// resendOTPRequest はコード再送リクエストのJSON構造。
type resendOTPRequest struct {
	Email   string `json:"email" binding:"required"`
	Purpose string `json:"purpose"`
}

// handleResendOTP はワンタイムコードの再送を処理するハンドラを返す。
func (s *Server) handleResendOTP() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resendOTPRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, s.logger, errBadRequest)
			return
		}

		var purpose store.Purpose
		if req.Purpose != "" {
			p, err := store.ParsePurpose(req.Purpose)
			if err != nil {
				apperr.Respond(c, s.logger, errInvalidPurpose)
				return
			}
			purpose = p
		}

		if err := s.authority.ResendOTP(c.Request.Context(), req.Email, purpose); err != nil {
			apperr.Respond(c, s.logger, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "アカウントが存在する場合はコードを再送しました"})
	}
}

// handleMe はゲートウェイが付与したユーザーIDのアカウント情報を返すハンドラを返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.GetHeader(middleware.HeaderUserID)
		if accountID == "" {
			apperr.Respond(c, s.logger, apperr.WithCode(apperr.KindUnauthenticated, middleware.CodeMissingToken, "認証が必要です"))
			return
		}

		acc, err := s.authority.Me(c.Request.Context(), accountID)
		if err != nil {
			apperr.Respond(c, s.logger, err)
			return
		}
		c.JSON(http.StatusOK, acc)
	}
}

// handleHealth はCredential StoreとSession Cacheの疎通を確認するハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := http.StatusOK
		checks := gin.H{"database": "ok", "cache": "ok"}
		if err := s.authority.store.Ping(ctx); err != nil {
			s.logger.Warn("データベースのヘルスチェックに失敗", zap.Error(err))
			checks["database"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
		if err := s.authority.sessions.Ping(ctx); err != nil {
			s.logger.Warn("キャッシュのヘルスチェックに失敗", zap.Error(err))
			checks["cache"] = "unavailable"
			status = http.StatusServiceUnavailable
		}

		result := "ok"
		if status != http.StatusOK {
			result = "degraded"
		}
		c.JSON(status, gin.H{"status": result, "service": "identity", "checks": checks})
	}
}
