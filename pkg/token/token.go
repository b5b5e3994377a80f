package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultAccessTTL はアクセストークンの既定の有効期限。
	DefaultAccessTTL = 15 * time.Minute
	// DefaultRefreshTTL はリフレッシュトークンの既定の有効期限。
	DefaultRefreshTTL = 7 * 24 * time.Hour
	// DefaultIssuer はトークンの既定の発行者名。
	DefaultIssuer = "authgate-identity"
)

// Type はトークンの種類。
type Type string

const (
	// TypeAccess はアクセストークン。
	TypeAccess Type = "access"
	// TypeRefresh はリフレッシュトークン。
	TypeRefresh Type = "refresh"
)

var (
	// ErrExpired はトークンの有効期限が切れていることを表す。
	ErrExpired = errors.New("トークンの有効期限が切れています")
	// ErrMalformed は署名・形式・種類のいずれかが不正であることを表す。
	ErrMalformed = errors.New("トークンが不正です")
)

// Claims はJWTトークンのクレーム（ペイロード）を表す。
type Claims struct {
	jwt.RegisteredClaims
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Username はユーザー名。
	Username string `json:"username"`
	// Role はアカウントのロール。
	Role Role `json:"role"`
	// Type はトークンの種類（access / refresh）。
	Type Type `json:"typ"`
}

// AccountID はトークンの主体であるアカウントIDを返す。
func (c *Claims) AccountID() string {
	return c.Subject
}

// Subject はトークンに埋め込むアカウント情報。
type Subject struct {
	AccountID string
	Email     string
	Username  string
	Role      Role
}

// Config はIssuerの設定。
type Config struct {
	// AccessSecret はアクセストークンの署名鍵。
	AccessSecret string `env:"JWT_ACCESS_SECRET" envDefault:"dev-access-secret"`
	// RefreshSecret はリフレッシュトークンの署名鍵。AccessSecretと異なる必要がある。
	RefreshSecret string `env:"JWT_REFRESH_SECRET" envDefault:"dev-refresh-secret"`
	// AccessTTL はアクセストークンの有効期限。
	AccessTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	// RefreshTTL はリフレッシュトークンの有効期限。
	RefreshTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	// Issuer はissクレームに設定する発行者名。
	Issuer string `env:"JWT_ISSUER" envDefault:"authgate-identity"`
}

// 開発用の既定の署名鍵。Configのタグの既定値と一致させる。
const (
	devAccessSecret  = "dev-access-secret"
	devRefreshSecret = "dev-refresh-secret"
)

// UsesDevelopmentSecrets は署名鍵のいずれかが開発用の既定値のままかどうかを返す。
func (c Config) UsesDevelopmentSecrets() bool {
	return c.AccessSecret == devAccessSecret || c.RefreshSecret == devRefreshSecret
}

// Issuer はトークンの発行と検証を行う。
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// NewIssuer は新しいIssuerを生成する。
// 署名鍵が空の場合、または2つの署名鍵が同じ場合はエラーを返す。
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("署名鍵が設定されていません")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("アクセストークンとリフレッシュトークンには異なる署名鍵が必要です")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	return &Issuer{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		now:           time.Now,
	}, nil
}

// WithClock は現在時刻の取得関数を差し替えたIssuerを返す。テスト用。
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	cp := *i
	cp.now = now
	return &cp
}

// AccessTTL はアクセストークンの有効期限を返す。
func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// RefreshTTL はリフレッシュトークンの有効期限を返す。
func (i *Issuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

// IssueAccess はアクセストークンを発行する。
func (i *Issuer) IssueAccess(sub Subject) (string, time.Time, error) {
	return i.issue(sub, TypeAccess, i.accessSecret, i.accessTTL)
}

// IssueRefresh はリフレッシュトークンを発行する。
// jtiに一意なIDを含めるため、同じ秒に発行しても文字列は重複しない。
func (i *Issuer) IssueRefresh(sub Subject) (string, time.Time, error) {
	return i.issue(sub, TypeRefresh, i.refreshSecret, i.refreshTTL)
}

func (i *Issuer) issue(sub Subject, typ Type, secret []byte, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   sub.AccountID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    i.issuer,
		},
		Email:    sub.Email,
		Username: sub.Username,
		Role:     sub.Role,
		Type:     typ,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseAccess はアクセストークンの署名と有効期限を検証してクレームを返す。
func (i *Issuer) ParseAccess(raw string) (*Claims, error) {
	return i.parse(raw, TypeAccess, i.accessSecret)
}

// ParseRefresh はリフレッシュトークンの署名と有効期限を検証してクレームを返す。
func (i *Issuer) ParseRefresh(raw string) (*Claims, error) {
	return i.parse(raw, TypeRefresh, i.refreshSecret)
}

// ParseAccessAllowExpired は有効期限切れのアクセストークンも受け入れてクレームを返す。
// 署名は検証する。ログアウト時にセッションを削除するために使用する。
func (i *Issuer) ParseAccessAllowExpired(raw string) (*Claims, error) {
	claims, err := i.parse(raw, TypeAccess, i.accessSecret)
	if errors.Is(err, ErrExpired) {
		return claims, nil
	}
	return claims, err
}

func (i *Issuer) parse(raw string, typ Type, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && claims.Type == typ && claims.Subject != "" {
			return claims, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !token.Valid || claims.Type != typ || claims.Subject == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

// RemainingLifetime はトークンの残り有効期間を返す。期限切れの場合は0以下になる。
func (i *Issuer) RemainingLifetime(c *Claims) time.Duration {
	if c == nil || c.ExpiresAt == nil {
		return 0
	}
	return c.ExpiresAt.Sub(i.now())
}
