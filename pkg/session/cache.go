package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/authgate/pkg/token"
)

var (
	// ErrNotFound はセッションが存在しないことを表す。
	ErrNotFound = errors.New("セッションが存在しません")
	// ErrUnavailable はキャッシュに接続できないことを表す。
	ErrUnavailable = errors.New("セッションキャッシュが利用できません")
)

const (
	sessionNamespace   = "session:"
	blacklistNamespace = "blacklist:"
	blacklistSentinel  = "1"
)

// Session はキャッシュに保存するログイン状態。
type Session struct {
	// AccountID はアカウントの一意識別子。
	AccountID string `json:"account_id"`
	// Email はアカウントのメールアドレス。
	Email string `json:"email"`
	// Username はアカウントのユーザー名。
	Username string `json:"username"`
	// Role はアカウントのロール。
	Role token.Role `json:"role"`
}

// Config はRedis接続の設定。
type Config struct {
	// Addr はRedisのアドレス（host:port）。
	Addr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	// Password はRedisのパスワード。
	Password string `env:"REDIS_PASSWORD"`
	// DB はRedisのデータベース番号。
	DB int `env:"REDIS_DB" envDefault:"0"`
	// KeyPrefix は全キーに付与する接頭辞。
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"authgate:"`
	// Timeout は1回のコマンドのタイムアウト。
	Timeout time.Duration `env:"REDIS_TIMEOUT" envDefault:"2s"`
}

// Cache はRedisを使ったセッションキャッシュ。並行利用に対して安全。
type Cache struct {
	client *redis.Client
	prefix string
}

// NewClient は設定からRedisクライアントを生成する。
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
}

// New は新しいセッションキャッシュを生成する。
func New(client *redis.Client, keyPrefix string) *Cache {
	return &Cache{client: client, prefix: keyPrefix}
}

// Close はRedisクライアントを閉じる。
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) sessionKey(accountID string) string {
	return c.prefix + sessionNamespace + accountID
}

func (c *Cache) blacklistKey(rawToken string) string {
	return c.prefix + blacklistNamespace + rawToken
}

// Put はセッションを保存する。既存のセッションは上書きする。
func (c *Cache) Put(ctx context.Context, s Session, ttl time.Duration) error {
	if s.AccountID == "" {
		return errors.New("アカウントIDが空のセッションは保存できません")
	}
	value, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("セッションのシリアライズに失敗: %w", err)
	}
	if err := c.client.Set(ctx, c.sessionKey(s.AccountID), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: セッションの保存に失敗: %v", ErrUnavailable, err)
	}
	return nil
}

// Get はアカウントIDに対応するセッションを返す。
// 存在しない場合はErrNotFound、通信エラーの場合はErrUnavailableを返す。
func (c *Cache) Get(ctx context.Context, accountID string) (Session, error) {
	value, err := c.client.Get(ctx, c.sessionKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("%w: セッションの取得に失敗: %v", ErrUnavailable, err)
	}

	var s Session
	if err := json.Unmarshal(value, &s); err != nil {
		return Session{}, fmt.Errorf("セッションのデシリアライズに失敗: %w", err)
	}
	return s, nil
}

// Delete はセッションを削除する。存在しない場合も成功とする。
func (c *Cache) Delete(ctx context.Context, accountID string) error {
	if err := c.client.Del(ctx, c.sessionKey(accountID)).Err(); err != nil {
		return fmt.Errorf("%w: セッションの削除に失敗: %v", ErrUnavailable, err)
	}
	return nil
}

// Blacklist はアクセストークンをブラックリストに登録する。
// ttlが0以下（既に期限切れ）の場合は何もしない。
func (c *Cache) Blacklist(ctx context.Context, rawToken string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, c.blacklistKey(rawToken), blacklistSentinel, ttl).Err(); err != nil {
		return fmt.Errorf("%w: ブラックリストへの登録に失敗: %v", ErrUnavailable, err)
	}
	return nil
}

// IsBlacklisted はアクセストークンがブラックリストに登録されているかを返す。
func (c *Cache) IsBlacklisted(ctx context.Context, rawToken string) (bool, error) {
	n, err := c.client.Exists(ctx, c.blacklistKey(rawToken)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: ブラックリストの確認に失敗: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// Ping はキャッシュへの疎通を確認する。
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
