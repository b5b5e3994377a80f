package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/authgate/pkg/session"
	"github.com/nao1215/authgate/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testEnv はミドルウェアテスト用の依存一式。
type testEnv struct {
	issuer   *token.Issuer
	sessions *session.Cache
	redis    *miniredis.Miniredis
	verifier *Verifier
}

// newTestEnv はminiredisとテスト用Issuerを使ってVerifierを生成する。
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	issuer, err := token.NewIssuer(token.Config{
		AccessSecret:  "test-access-secret",
		RefreshSecret: "test-refresh-secret",
	})
	if err != nil {
		t.Fatalf("NewIssuer()でエラーが発生: %v", err)
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	sessions := session.New(client, "")

	return &testEnv{
		issuer:   issuer,
		sessions: sessions,
		redis:    mr,
		verifier: NewVerifier(issuer, sessions),
	}
}

// login はセッションを作成し、アクセストークンを発行する。
func (e *testEnv) login(t *testing.T, accountID string, role token.Role) string {
	t.Helper()

	sub := token.Subject{AccountID: accountID, Email: accountID + "@example.com", Username: accountID, Role: role}
	raw, _, err := e.issuer.IssueAccess(sub)
	if err != nil {
		t.Fatalf("IssueAccess()でエラーが発生: %v", err)
	}
	if err := e.sessions.Put(context.Background(), session.Session{
		AccountID: sub.AccountID, Email: sub.Email, Username: sub.Username, Role: role,
	}, time.Hour); err != nil {
		t.Fatalf("Put()でエラーが発生: %v", err)
	}
	return raw
}

// protectedRouter はAuthenticateを適用したルーターを返す。
// ハンドラは受け取った主体ヘッダーをそのまま返す。
func (e *testEnv) protectedRouter(extra ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	handlers := append([]gin.HandlerFunc{Authenticate(e.verifier, zap.NewNop())}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		id, _ := GetIdentity(c)
		c.JSON(http.StatusOK, gin.H{"user_id": id.AccountID, "role": id.Role, "header_user_id": c.GetHeader(HeaderUserID)})
	})
	router.GET("/protected", handlers...)
	return router
}

func doRequest(router http.Handler, authorization string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	return body["error"]
}

// TestAuthenticate はAuthenticateミドルウェアを検証する。
func TestAuthenticate(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンとセッションでリクエストが成功すること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		raw := env.login(t, "user-1", token.RoleUser)

		w := doRequest(env.protectedRouter(), "Bearer "+raw)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if body["user_id"] != "user-1" {
			t.Errorf("user_id = %q, want %q", body["user_id"], "user-1")
		}
	})

	t.Run("クライアントが送った主体ヘッダーは削除されること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		raw := env.login(t, "user-1", token.RoleUser)

		w := doRequest(env.protectedRouter(), "Bearer "+raw, HeaderUserID, "admin-spoofed")
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if body["header_user_id"] != "" {
			t.Errorf("偽装ヘッダーが残っている: %q", body["header_user_id"])
		}
	})

	tests := []struct {
		name  string
		setup func(t *testing.T, env *testEnv) string
		code  string
	}{
		{
			name:  "Authorizationヘッダーが無い場合401が返ること",
			setup: func(*testing.T, *testEnv) string { return "" },
			code:  CodeMissingToken,
		},
		{
			name: "Bearer接頭辞が無い場合401が返ること",
			setup: func(t *testing.T, env *testEnv) string {
				return env.login(t, "user-1", token.RoleUser)
			},
			code: CodeMissingToken,
		},
		{
			name: "ブラックリストに登録されたトークンは401が返ること",
			setup: func(t *testing.T, env *testEnv) string {
				raw := env.login(t, "user-1", token.RoleUser)
				if err := env.sessions.Blacklist(context.Background(), raw, time.Minute); err != nil {
					t.Fatalf("Blacklist()でエラーが発生: %v", err)
				}
				return "Bearer " + raw
			},
			code: CodeRevoked,
		},
		{
			name: "期限切れトークンは401が返ること",
			setup: func(t *testing.T, env *testEnv) string {
				past := time.Now().Add(-time.Hour)
				raw, _, err := env.issuer.WithClock(func() time.Time { return past }).IssueAccess(token.Subject{AccountID: "user-1", Role: token.RoleUser})
				if err != nil {
					t.Fatalf("IssueAccess()でエラーが発生: %v", err)
				}
				return "Bearer " + raw
			},
			code: CodeTokenExpired,
		},
		{
			name:  "不正なトークンは401が返ること",
			setup: func(*testing.T, *testEnv) string { return "Bearer invalid-token" },
			code:  CodeTokenMalformed,
		},
		{
			name: "リフレッシュトークンはアクセストークンとして使えないこと",
			setup: func(t *testing.T, env *testEnv) string {
				raw, _, err := env.issuer.IssueRefresh(token.Subject{AccountID: "user-1", Role: token.RoleUser})
				if err != nil {
					t.Fatalf("IssueRefresh()でエラーが発生: %v", err)
				}
				return "Bearer " + raw
			},
			code: CodeTokenMalformed,
		},
		{
			name: "セッションが無い場合は有効なトークンでも401が返ること",
			setup: func(t *testing.T, env *testEnv) string {
				raw := env.login(t, "user-1", token.RoleUser)
				if err := env.sessions.Delete(context.Background(), "user-1"); err != nil {
					t.Fatalf("Delete()でエラーが発生: %v", err)
				}
				return "Bearer " + raw
			},
			code: CodeSessionInvalid,
		},
		{
			name: "キャッシュ障害時はフェイルクローズで401が返ること",
			setup: func(t *testing.T, env *testEnv) string {
				raw := env.login(t, "user-1", token.RoleUser)
				env.redis.Close()
				return "Bearer " + raw
			},
			code: CodeSessionUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			authorization := tt.setup(t, env)

			w := doRequest(env.protectedRouter(), authorization)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if got := errorCode(t, w); got != tt.code {
				t.Errorf("error = %q, want %q", got, tt.code)
			}
		})
	}
}

// TestOptionalAuth はOptionalAuthミドルウェアを検証する。
func TestOptionalAuth(t *testing.T) {
	t.Parallel()

	newRouter := func(env *testEnv) *gin.Engine {
		router := gin.New()
		router.GET("/protected", OptionalAuth(env.verifier, zap.NewNop()), func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c)})
		})
		return router
	}

	t.Run("有効なトークンでは主体が設定されること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		raw := env.login(t, "user-1", token.RoleUser)

		w := doRequest(newRouter(env), "Bearer "+raw)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := w.Body.String(); got != `{"user_id":"user-1"}` {
			t.Errorf("body = %s", got)
		}
	})

	t.Run("検証に失敗してもリクエストは成功し主体は設定されないこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		for _, authorization := range []string{"", "Bearer invalid-token"} {
			w := doRequest(newRouter(env), authorization)
			if w.Code != http.StatusOK {
				t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
			}
			if got := w.Body.String(); got != `{"user_id":""}` {
				t.Errorf("body = %s", got)
			}
		}
	})

	t.Run("キャッシュ障害時も主体を設定せずに通過すること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		raw := env.login(t, "user-1", token.RoleUser)
		env.redis.Close()

		w := doRequest(newRouter(env), "Bearer "+raw)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := w.Body.String(); got != `{"user_id":""}` {
			t.Errorf("body = %s", got)
		}
	})
}

// TestRequireRole はロールによる認可を検証する。
func TestRequireRole(t *testing.T) {
	t.Parallel()

	t.Run("許可されたロールは通過すること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		raw := env.login(t, "admin-1", token.RoleAdmin)

		w := doRequest(env.protectedRouter(RequireRole(token.RoleSupport, token.RoleAdmin)), "Bearer "+raw)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("許可されていないロールは403が返ること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		raw := env.login(t, "user-1", token.RoleUser)

		w := doRequest(env.protectedRouter(RequireRole(token.RoleAdmin)), "Bearer "+raw)
		if w.Code != http.StatusForbidden {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
		if got := errorCode(t, w); got != "forbidden" {
			t.Errorf("error = %q, want %q", got, "forbidden")
		}
	})

	t.Run("主体が無い場合は401が返ること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.GET("/protected", RequireRole(token.RoleAdmin), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		w := doRequest(router, "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("ロールはセッションの値が優先されること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		raw := env.login(t, "user-1", token.RoleUser)
		// 管理者に昇格した後のセッション
		if err := env.sessions.Put(context.Background(), session.Session{AccountID: "user-1", Role: token.RoleAdmin}, time.Hour); err != nil {
			t.Fatalf("Put()でエラーが発生: %v", err)
		}

		w := doRequest(env.protectedRouter(RequireRole(token.RoleAdmin)), "Bearer "+raw)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})
}

// TestBearerToken はAuthorizationヘッダーの解析を検証する。
func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"  Bearer   abc  ", "abc", true},
		{"abc", "", false},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
