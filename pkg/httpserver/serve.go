// Package httpserver はHTTPサーバーの起動とグレースフルシャットダウンを提供する。
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// ShutdownTimeout はシャットダウン時に処理中のリクエストを待つ時間。
	ShutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// New はタイムアウトを設定したhttp.Serverを生成する。
func New(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort("", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Serve はctxが終了するまでサーバーを実行し、終了後に処理中のリクエストを待って停止する。
func Serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	serveErr := make(chan error, 1)
	logger.Info("HTTPサーバーを起動します", zap.String("addr", srv.Addr))
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("HTTPサーバーを停止します")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの実行に失敗: %w", err)
	}
}
