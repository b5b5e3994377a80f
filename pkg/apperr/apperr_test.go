package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestKindOf はエラーチェーンからKindを取り出せることを検証する。
func TestKindOf(t *testing.T) {
	t.Parallel()

	t.Run("ラップされたアプリケーションエラーのKindを返すこと", func(t *testing.T) {
		t.Parallel()

		err := fmt.Errorf("ログイン処理に失敗: %w", New(KindInvalidCredentials, "認証情報が不正です"))
		if got := KindOf(err); got != KindInvalidCredentials {
			t.Errorf("KindOf() = %v, want %v", got, KindInvalidCredentials)
		}
	})

	t.Run("通常のエラーはKindInternalになること", func(t *testing.T) {
		t.Parallel()

		if got := KindOf(errors.New("boom")); got != KindInternal {
			t.Errorf("KindOf() = %v, want %v", got, KindInternal)
		}
	})
}

// TestErrorIs はerrors.IsでKindとCodeによる比較ができることを検証する。
func TestErrorIs(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrap: %w", WithCode(KindUnauthenticated, "revoked", "トークンは失効しています"))

	if !errors.Is(err, New(KindUnauthenticated, "")) {
		t.Error("Kindのみの比較で一致するべき")
	}
	if !errors.Is(err, WithCode(KindUnauthenticated, "revoked", "")) {
		t.Error("KindとCodeの比較で一致するべき")
	}
	if errors.Is(err, WithCode(KindUnauthenticated, "token_expired", "")) {
		t.Error("Codeが異なる場合は一致しないべき")
	}
	if errors.Is(err, New(KindForbidden, "")) {
		t.Error("Kindが異なる場合は一致しないべき")
	}
}

// TestHTTPStatus は各Kindのステータスコードを検証する。
func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want int
	}{
		{KindConflict, http.StatusConflict},
		{KindInvalidCredentials, http.StatusUnauthorized},
		{KindEmailNotVerified, http.StatusForbidden},
		{KindInvalidCode, http.StatusBadRequest},
		{KindExpired, http.StatusBadRequest},
		{KindTooManyAttempts, http.StatusTooManyRequests},
		{KindInvalidToken, http.StatusUnauthorized},
		{KindUnauthenticated, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindServiceUnavailable, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.HTTPStatus(); got != tt.want {
			t.Errorf("%s: HTTPStatus() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

// TestRespond はエラーレスポンスの形式を検証する。
func TestRespond(t *testing.T) {
	t.Parallel()

	t.Run("アプリケーションエラーのコードとメッセージを返すこと", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.GET("/test", func(c *gin.Context) {
			Respond(c, zap.NewNop(), New(KindConflict, "メールアドレスは既に使用されています"))
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		if w.Code != http.StatusConflict {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusConflict)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if body["error"] != "conflict" {
			t.Errorf("error = %q, want %q", body["error"], "conflict")
		}
		if body["message"] != "メールアドレスは既に使用されています" {
			t.Errorf("message = %q", body["message"])
		}
	})

	t.Run("内部エラーの詳細はクライアントに返さないこと", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.GET("/test", func(c *gin.Context) {
			Respond(c, zap.NewNop(), errors.New("pq: relation accounts does not exist"))
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if body["error"] != "internal_error" {
			t.Errorf("error = %q, want %q", body["error"], "internal_error")
		}
		if body["message"] != "内部サーバーエラーが発生しました" {
			t.Errorf("内部エラーの詳細が漏洩している: %q", body["message"])
		}
	})
}
