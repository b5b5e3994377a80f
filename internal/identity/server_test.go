package identity

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/authgate/internal/identity/store"
	"github.com/nao1215/authgate/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupTestServer はテスト用のアイデンティティサーバーを生成する。
func setupTestServer(t *testing.T) (*Server, *testEnv) {
	t.Helper()

	e := newTestEnv(t)
	s, err := NewServer("0", e.authority, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	return s, e
}

// doJSON はJSONボディのリクエストを送信する。
func doJSON(t *testing.T, h http.Handler, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("JSONのエンコードに失敗: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// decode はレスポンスボディをデコードする。
func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()

	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v (body = %s)", err, w.Body.String())
	}
}

// errorCode はエラーレスポンスのerrorフィールドを返す。
func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	decode(t, w, &body)
	return body.Error
}

// TestServerFlow は登録からログアウトまでのHTTPフローを検証する。
func TestServerFlow(t *testing.T) {
	t.Parallel()

	s, e := setupTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email": "a@x.com", "username": "alice", "password": testPassword, "full_name": "Alice",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status = %d, body = %s", w.Code, w.Body.String())
	}
	var registered map[string]any
	decode(t, w, &registered)
	if registered["email"] != "a@x.com" || registered["email_verified"] != false || registered["id"] == "" {
		t.Errorf("register: body = %v", registered)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email": "a@x.com", "username": "alice2", "password": testPassword,
	}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("重複登録: status = %d, want 409", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email": "a@x.com", "password": testPassword,
	}, nil)
	if w.Code != http.StatusForbidden || errorCode(t, w) != "email_not_verified" {
		t.Errorf("確認前のlogin: status = %d, body = %s", w.Code, w.Body.String())
	}

	code := e.lastCode(t, "a@x.com", store.PurposeEmailVerification)
	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/verify-email", map[string]string{
		"email": "a@x.com", "code": wrongCode(code),
	}, nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "invalid_code" {
		t.Errorf("誤ったコード: status = %d, body = %s", w.Code, w.Body.String())
	}
	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/verify-email", map[string]string{
		"email": "a@x.com", "code": code,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify-email: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email": "a@x.com", "password": "wrong-password",
	}, nil)
	if w.Code != http.StatusUnauthorized || errorCode(t, w) != "invalid_credentials" {
		t.Errorf("誤ったパスワード: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email": "a@x.com", "password": testPassword,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login: status = %d, body = %s", w.Code, w.Body.String())
	}
	var login LoginResult
	decode(t, w, &login)
	if login.AccessToken == "" || login.RefreshToken == "" || login.TokenType != "Bearer" || login.Account.Username != "alice" {
		t.Errorf("login: body = %+v", login)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/refresh-token", map[string]string{
		"refresh_token": login.RefreshToken,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh-token: status = %d, body = %s", w.Code, w.Body.String())
	}
	var pair TokenPair
	decode(t, w, &pair)

	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/refresh-token", map[string]string{
		"refresh_token": login.RefreshToken,
	}, nil)
	if w.Code != http.StatusUnauthorized || errorCode(t, w) != "invalid_token" {
		t.Errorf("再使用: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/account/me", nil, http.Header{
		middleware.HeaderUserID: []string{login.Account.ID},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("me: status = %d, body = %s", w.Code, w.Body.String())
	}
	var me AccountSummary
	decode(t, w, &me)
	if me.ID != login.Account.ID || me.Email != "a@x.com" {
		t.Errorf("me: body = %+v", me)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/logout", map[string]string{
		"refresh_token": pair.RefreshToken,
	}, http.Header{"Authorization": []string{"Bearer " + pair.AccessToken}})
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout: status = %d, body = %s", w.Code, w.Body.String())
	}
	if _, err := e.verifier.Verify(t.Context(), "Bearer "+pair.AccessToken); err == nil {
		t.Error("ログアウト後もアクセストークンが受け入れられている")
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/refresh-token", map[string]string{
		"refresh_token": pair.RefreshToken,
	}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("ログアウト後のrefresh: status = %d, want 401", w.Code)
	}
}

// TestServerPasswordReset はパスワードリセットのHTTPフローを検証する。
func TestServerPasswordReset(t *testing.T) {
	t.Parallel()

	s, e := setupTestServer(t)
	h := s.Handler()
	e.registerVerified(t, "a@x.com", "alice")

	for _, email := range []string{"a@x.com", "nobody@x.com"} {
		w := doJSON(t, h, http.MethodPost, "/api/v1/auth/request-password-reset", map[string]string{"email": email}, nil)
		if w.Code != http.StatusAccepted {
			t.Errorf("request-password-reset(%s): status = %d", email, w.Code)
		}
	}

	code := e.lastCode(t, "a@x.com", store.PurposePasswordReset)
	w := doJSON(t, h, http.MethodPost, "/api/v1/auth/reset-password", map[string]string{
		"email": "a@x.com", "code": code, "new_password": "N3wPassword!",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset-password: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email": "a@x.com", "password": "N3wPassword!",
	}, nil)
	if w.Code != http.StatusOK {
		t.Errorf("新しいパスワードでのlogin: status = %d", w.Code)
	}
}

// TestServerResendOTP はコード再送のHTTPフローを検証する。
func TestServerResendOTP(t *testing.T) {
	t.Parallel()

	s, e := setupTestServer(t)
	h := s.Handler()
	e.register(t, "a@x.com", "alice")

	w := doJSON(t, h, http.MethodPost, "/api/v1/auth/resend-otp", map[string]string{"email": "a@x.com"}, nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("resend-otp: status = %d", w.Code)
	}
	if e.sentCount() != 2 {
		t.Errorf("送信数 = %d, want 2", e.sentCount())
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/resend-otp", map[string]string{
		"email": "a@x.com", "purpose": "two_factor",
	}, nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "invalid_purpose" {
		t.Errorf("two_factor: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/resend-otp", map[string]string{
		"email": "a@x.com", "purpose": "sms",
	}, nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "invalid_purpose" {
		t.Errorf("不明な用途: status = %d, body = %s", w.Code, w.Body.String())
	}
	if e.sentCount() != 2 {
		t.Errorf("送信数 = %d, want 2", e.sentCount())
	}
}

// TestServerRequestIDPropagation はリクエストIDが通知サービスまで引き継がれることを検証する。
func TestServerRequestIDPropagation(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	notification := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(middleware.HeaderRequestID)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(notification.Close)

	e := newTestEnv(t)
	a := NewAuthority(e.store, e.cache, e.issuer, NewNotificationMailer(notification.URL, time.Second), nil, Config{
		OTPTTL:     10 * time.Minute,
		BcryptCost: bcrypt.MinCost,
	})
	s, err := NewServer("0", a, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}

	w := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email": "a@x.com", "username": "alice", "password": testPassword,
	}, http.Header{middleware.HeaderRequestID: []string{"req-abc"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status = %d, body = %s", w.Code, w.Body.String())
	}
	a.Wait()

	select {
	case id := <-got:
		if id != "req-abc" {
			t.Errorf("通知サービスが受け取ったX-Request-ID = %q, want req-abc", id)
		}
	default:
		t.Fatal("通知サービスにリクエストが届いていない")
	}
}

// TestServerBadRequest は不正なリクエストボディを検証する。
func TestServerBadRequest(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t)
	h := s.Handler()

	tests := []struct {
		name string
		path string
		body any
	}{
		{name: "登録の必須項目が欠けている", path: "/api/v1/auth/register", body: map[string]string{"email": "a@x.com"}},
		{name: "ログインのボディが空", path: "/api/v1/auth/login", body: nil},
		{name: "リフレッシュトークンが無い", path: "/api/v1/auth/refresh-token", body: map[string]string{}},
		{name: "確認コードが無い", path: "/api/v1/auth/verify-email", body: map[string]string{"email": "a@x.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name+"場合は400になること", func(t *testing.T) {
			t.Parallel()

			w := doJSON(t, h, http.MethodPost, tt.path, tt.body, nil)
			if w.Code != http.StatusBadRequest || errorCode(t, w) != "invalid_request" {
				t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
			}
		})
	}

	t.Run("ボディなしのログアウトは204になること", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})

	t.Run("ユーザーIDヘッダーの無いmeは401になること", func(t *testing.T) {
		t.Parallel()

		w := doJSON(t, h, http.MethodGet, "/api/v1/account/me", nil, nil)
		if w.Code != http.StatusUnauthorized || errorCode(t, w) != middleware.CodeMissingToken {
			t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})
}

// TestServerHealth はヘルスチェックを検証する。
func TestServerHealth(t *testing.T) {
	t.Parallel()

	t.Run("依存先が正常な場合は200になること", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t)
		w := doJSON(t, s.Handler(), http.MethodGet, "/health", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var body map[string]any
		decode(t, w, &body)
		if body["status"] != "ok" || body["service"] != "identity" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("キャッシュが停止している場合は503になること", func(t *testing.T) {
		t.Parallel()

		s, e := setupTestServer(t)
		e.redis.Close()
		w := doJSON(t, s.Handler(), http.MethodGet, "/health", nil, nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		decode(t, w, &body)
		if body.Status != "degraded" || body.Checks["cache"] != "unavailable" || body.Checks["database"] != "ok" {
			t.Errorf("body = %+v", body)
		}
	})
}
