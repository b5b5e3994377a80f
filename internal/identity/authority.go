package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/authgate/internal/identity/store"
	"github.com/nao1215/authgate/pkg/apperr"
	"github.com/nao1215/authgate/pkg/session"
	"github.com/nao1215/authgate/pkg/token"
)

const (
	minPasswordBytes = 8
	// bcryptは72バイトを超える入力を扱えない
	maxPasswordBytes = 72
	maxDisplayName   = 100
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

var (
	errInvalidCredentials = apperr.New(apperr.KindInvalidCredentials, "メールアドレスまたはパスワードが正しくありません")
	errEmailNotVerified   = apperr.New(apperr.KindEmailNotVerified, "メールアドレスが確認されていません")
	errInvalidToken       = apperr.New(apperr.KindInvalidToken, "リフレッシュトークンが無効です")
)

// Config はToken Authorityの設定。
type Config struct {
	// OTPTTL はワンタイムコードの有効期間。
	OTPTTL time.Duration `env:"OTP_TTL" envDefault:"10m"`
	// BcryptCost はパスワードハッシュのコスト。
	BcryptCost int `env:"BCRYPT_COST" envDefault:"10"`
}

// Sessions はToken Authorityが更新するSession Cacheの操作。
type Sessions interface {
	Put(ctx context.Context, s session.Session, ttl time.Duration) error
	Delete(ctx context.Context, accountID string) error
	Blacklist(ctx context.Context, rawToken string, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// Authority はトークンの発行・ローテーション・失効とOTPフローを担当する。
// 状態はすべてCredential StoreとSession Cacheにあり、複数インスタンスで共有できる。
type Authority struct {
	store      *store.Store
	sessions   Sessions
	issuer     *token.Issuer
	mailer     Mailer
	logger     *zap.Logger
	otpTTL     time.Duration
	bcryptCost int
	now        func() time.Time
	// deliveries は送信中のワンタイムコード。
	deliveries sync.WaitGroup
}

// NewAuthority はAuthorityを生成する。
func NewAuthority(st *store.Store, sessions Sessions, issuer *token.Issuer, mailer Mailer, logger *zap.Logger, cfg Config) *Authority {
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 10 * time.Minute
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authority{
		store:      st,
		sessions:   sessions,
		issuer:     issuer,
		mailer:     mailer,
		logger:     logger,
		otpTTL:     cfg.OTPTTL,
		bcryptCost: cfg.BcryptCost,
		now:        time.Now,
	}
}

// Wait は送信中のワンタイムコードがすべて送信を終えるまで待つ。
func (a *Authority) Wait() {
	a.deliveries.Wait()
}

// WithClock は台帳の時刻とOTPの有効期限の判定に使う時計を差し替える。
func (a *Authority) WithClock(now func() time.Time) *Authority {
	a.now = now
	return a
}

// AccountSummary はクライアントに返すアカウント情報。
type AccountSummary struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Username      string     `json:"username"`
	DisplayName   string     `json:"display_name"`
	Role          token.Role `json:"role"`
	EmailVerified bool       `json:"email_verified"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

func summarize(acc store.Account) AccountSummary {
	return AccountSummary{
		ID:            acc.ID,
		Email:         acc.Email,
		Username:      acc.Username,
		DisplayName:   acc.DisplayName,
		Role:          acc.Role,
		EmailVerified: acc.EmailVerified,
		LastLoginAt:   acc.LastLoginAt,
	}
}

// TokenPair はアクセストークンとリフレッシュトークンの組。
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	// ExpiresIn はアクセストークンの有効期間（秒）。
	ExpiresIn int64 `json:"expires_in"`
}

// LoginResult はログインの結果。
type LoginResult struct {
	TokenPair
	Account AccountSummary `json:"account"`
}

// FederatedProfile は外部IdPが返したプロフィール。
type FederatedProfile struct {
	// DisplayName は表示名。
	DisplayName string
	// Provider はIdPの名前（ログ用）。
	Provider string
}

// Register はアカウントを作成し、メールアドレス確認用のコードを送信する。
// メールアドレスまたはユーザー名が使用済みの場合はConflictを返す。
func (a *Authority) Register(ctx context.Context, email, username, password, fullName string) (AccountSummary, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return AccountSummary{}, err
	}
	if !usernamePattern.MatchString(username) {
		return AccountSummary{}, apperr.WithCode(apperr.KindInvalid, "invalid_username",
			"ユーザー名は3〜32文字の英数字と _ . - で指定してください")
	}
	if err := validatePassword(password); err != nil {
		return AccountSummary{}, err
	}
	fullName = strings.TrimSpace(fullName)
	if len([]rune(fullName)) > maxDisplayName {
		return AccountSummary{}, apperr.WithCode(apperr.KindInvalid, "invalid_full_name", "氏名が長すぎます")
	}

	emailTaken, usernameTaken, err := a.store.EmailOrUsernameTaken(ctx, email, username)
	if err != nil {
		return AccountSummary{}, err
	}
	if emailTaken || usernameTaken {
		return AccountSummary{}, apperr.New(apperr.KindConflict, "メールアドレスまたはユーザー名は既に使用されています")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.bcryptCost)
	if err != nil {
		return AccountSummary{}, fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}
	hashed := string(hash)

	now := a.now().UTC()
	acc := store.Account{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: &hashed,
		DisplayName:  fullName,
		Role:         token.RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	otp, err := a.newCode(email, store.PurposeEmailVerification)
	if err != nil {
		return AccountSummary{}, err
	}
	// コードの無いアカウントが残らないよう、アカウントとコードを同時に記録する
	if err := a.store.CreateAccountWithCode(ctx, acc, otp); err != nil {
		return AccountSummary{}, err
	}
	a.sendCode(ctx, otp)

	a.logger.Info("アカウントを登録しました", zap.String("account_id", acc.ID))
	return summarize(acc), nil
}

// VerifyEmail はメールアドレス確認用のコードを検証し、アカウントを確認済みにする。
func (a *Authority) VerifyEmail(ctx context.Context, email, code string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	otp, err := a.checkCode(ctx, email, store.PurposeEmailVerification, code)
	if err != nil {
		return err
	}
	acc, err := a.store.GetAccountByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return errInvalidCode
	}
	if err != nil {
		return err
	}

	if err := a.consumeCode(ctx, otp); err != nil {
		return err
	}
	if err := a.store.MarkEmailVerified(ctx, acc.ID, a.now()); err != nil {
		return err
	}
	return nil
}

// Login はパスワードを検証してトークンの組を発行する。
func (a *Authority) Login(ctx context.Context, email, password, ip string) (LoginResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return LoginResult{}, errInvalidCredentials
	}

	acc, err := a.store.GetAccountByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return LoginResult{}, errInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}
	if acc.PasswordHash == nil {
		return LoginResult{}, errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*acc.PasswordHash), []byte(password)); err != nil {
		return LoginResult{}, errInvalidCredentials
	}
	if !acc.EmailVerified {
		return LoginResult{}, errEmailNotVerified
	}

	return a.startSession(ctx, acc, ip)
}

// FederatedLogin は外部IdPが確認したメールアドレスでログインする。
// アカウントが存在しなければパスワードなしの確認済みアカウントを作成する。
func (a *Authority) FederatedLogin(ctx context.Context, email string, profile FederatedProfile, ip string) (LoginResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return LoginResult{}, err
	}

	acc, err := a.store.GetAccountByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		acc, err = a.createFederatedAccount(ctx, email, profile)
		if err != nil {
			return LoginResult{}, err
		}
	case err != nil:
		return LoginResult{}, err
	case !acc.EmailVerified:
		if err := a.store.MarkEmailVerified(ctx, acc.ID, a.now()); err != nil {
			return LoginResult{}, err
		}
		acc.EmailVerified = true
	}

	a.logger.Info("外部IdPでログインしました",
		zap.String("account_id", acc.ID),
		zap.String("provider", profile.Provider),
	)
	return a.startSession(ctx, acc, ip)
}

// startSession はトークンの組を発行し、台帳とセッションを更新する。
func (a *Authority) startSession(ctx context.Context, acc store.Account, ip string) (LoginResult, error) {
	pair, refreshExp, err := a.mintPair(acc)
	if err != nil {
		return LoginResult{}, err
	}

	if err := a.store.CreateRefreshToken(ctx, a.refreshRecord(acc.ID, pair.RefreshToken, refreshExp, ip)); err != nil {
		return LoginResult{}, err
	}
	if err := a.putSession(ctx, acc); err != nil {
		return LoginResult{}, err
	}

	now := a.now().UTC()
	if err := a.store.UpdateLastLogin(ctx, acc.ID, now); err != nil {
		return LoginResult{}, err
	}
	acc.LastLoginAt = &now

	return LoginResult{TokenPair: pair, Account: summarize(acc)}, nil
}

// Refresh はリフレッシュトークンをローテーションして新しい組を発行する。
// 提示されたトークンは失効し、二度目の使用はInvalidTokenになる。
func (a *Authority) Refresh(ctx context.Context, refreshToken, ip string) (TokenPair, error) {
	claims, err := a.issuer.ParseRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, errInvalidToken
	}

	rec, err := a.store.GetRefreshToken(ctx, refreshToken)
	if errors.Is(err, store.ErrNotFound) {
		return TokenPair{}, errInvalidToken
	}
	if err != nil {
		return TokenPair{}, err
	}
	if rec.Revoked() {
		a.logger.Warn("失効済みのリフレッシュトークンが提示されました",
			zap.String("account_id", rec.AccountID),
			zap.String("ip", ip),
		)
		return TokenPair{}, errInvalidToken
	}
	if rec.Expired(a.now()) || rec.AccountID != claims.AccountID() {
		return TokenPair{}, errInvalidToken
	}

	// ロールの変更を反映するためアカウントを読み直す
	acc, err := a.store.GetAccountByID(ctx, rec.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return TokenPair{}, errInvalidToken
	}
	if err != nil {
		return TokenPair{}, err
	}

	pair, refreshExp, err := a.mintPair(acc)
	if err != nil {
		return TokenPair{}, err
	}
	next := a.refreshRecord(acc.ID, pair.RefreshToken, refreshExp, ip)
	if err := a.store.RotateRefreshToken(ctx, refreshToken, ip, next, a.now()); err != nil {
		if errors.Is(err, store.ErrTokenInactive) {
			return TokenPair{}, errInvalidToken
		}
		return TokenPair{}, err
	}

	if err := a.putSession(ctx, acc); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Logout はリフレッシュトークンを失効させ、セッションを削除してアクセストークンを
// ブラックリストに登録する。どの引数も省略でき、何度呼んでも成功する。
func (a *Authority) Logout(ctx context.Context, accessToken, refreshToken, ip string) error {
	if refreshToken != "" {
		if _, err := a.store.RevokeRefreshToken(ctx, refreshToken, ip, a.now()); err != nil {
			return err
		}
	}

	if accessToken == "" {
		return nil
	}
	claims, err := a.issuer.ParseAccessAllowExpired(accessToken)
	if err != nil {
		a.logger.Debug("ログアウト時のアクセストークンを解析できませんでした", zap.Error(err))
		return nil
	}

	if err := a.sessions.Delete(ctx, claims.AccountID()); err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "セッションキャッシュが利用できません", err)
	}
	if remaining := a.issuer.RemainingLifetime(claims); remaining > 0 {
		if err := a.sessions.Blacklist(ctx, accessToken, remaining); err != nil {
			return apperr.Wrap(apperr.KindServiceUnavailable, "セッションキャッシュが利用できません", err)
		}
	}
	return nil
}

// RequestPasswordReset はアカウントが存在する場合にのみリセット用のコードを送信する。
// アカウントの有無にかかわらず成功を返す。
func (a *Authority) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil
	}

	if _, err := a.store.GetAccountByEmail(ctx, email); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return a.issueCode(ctx, email, store.PurposePasswordReset)
}

// ResetPassword はリセット用のコードを検証してパスワードを変更し、
// 有効なリフレッシュトークンをすべて失効させる。
func (a *Authority) ResetPassword(ctx context.Context, email, code, newPassword, ip string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	otp, err := a.checkCode(ctx, email, store.PurposePasswordReset, code)
	if err != nil {
		return err
	}
	acc, err := a.store.GetAccountByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return errInvalidCode
	}
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), a.bcryptCost)
	if err != nil {
		return fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}

	if err := a.consumeCode(ctx, otp); err != nil {
		return err
	}
	now := a.now()
	if err := a.store.UpdatePasswordHash(ctx, acc.ID, string(hash), now); err != nil {
		return err
	}
	revoked, err := a.store.RevokeAllRefreshTokens(ctx, acc.ID, ip, now)
	if err != nil {
		return err
	}
	if err := a.sessions.Delete(ctx, acc.ID); err != nil {
		// パスワードと台帳は更新済みのため、セッションは自然失効に任せる
		a.logger.Error("パスワードリセット後のセッション削除に失敗",
			zap.String("account_id", acc.ID),
			zap.Error(err),
		)
	}

	a.logger.Info("パスワードをリセットしました",
		zap.String("account_id", acc.ID),
		zap.Int("revoked_tokens", revoked),
	)
	return nil
}

// ResendOTP は以前のコードを無効化して新しいコードを送信する。
// アカウントが存在しない場合や確認済みの場合も成功を返す。
func (a *Authority) ResendOTP(ctx context.Context, email string, purpose store.Purpose) error {
	if purpose == "" {
		purpose = store.PurposeEmailVerification
	}
	if purpose != store.PurposeEmailVerification && purpose != store.PurposePasswordReset {
		return errInvalidPurpose
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil
	}

	acc, err := a.store.GetAccountByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if purpose == store.PurposeEmailVerification && acc.EmailVerified {
		return nil
	}
	return a.issueCode(ctx, email, purpose)
}

// Me はアカウントIDに対応するアカウント情報を返す。
func (a *Authority) Me(ctx context.Context, accountID string) (AccountSummary, error) {
	acc, err := a.store.GetAccountByID(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return AccountSummary{}, apperr.WithCode(apperr.KindUnauthenticated, "account_not_found", "アカウントが見つかりません")
	}
	if err != nil {
		return AccountSummary{}, err
	}
	return summarize(acc), nil
}

// mintPair はアカウントのトークンの組を署名する。
func (a *Authority) mintPair(acc store.Account) (TokenPair, time.Time, error) {
	sub := token.Subject{
		AccountID: acc.ID,
		Email:     acc.Email,
		Username:  acc.Username,
		Role:      acc.Role,
	}
	access, _, err := a.issuer.IssueAccess(sub)
	if err != nil {
		return TokenPair{}, time.Time{}, err
	}
	refresh, refreshExp, err := a.issuer.IssueRefresh(sub)
	if err != nil {
		return TokenPair{}, time.Time{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(a.issuer.AccessTTL() / time.Second),
	}, refreshExp, nil
}

func (a *Authority) refreshRecord(accountID, raw string, expiresAt time.Time, ip string) store.RefreshToken {
	return store.RefreshToken{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Token:       raw,
		ExpiresAt:   expiresAt,
		CreatedByIP: ip,
		CreatedAt:   a.now().UTC(),
	}
}

// putSession はセッションをリフレッシュトークンと同じ有効期間で書き込む。
// 書き込めない場合はゲートウェイがログアウトを判定できないため、要求全体を失敗させる。
func (a *Authority) putSession(ctx context.Context, acc store.Account) error {
	s := session.Session{
		AccountID: acc.ID,
		Email:     acc.Email,
		Username:  acc.Username,
		Role:      acc.Role,
	}
	if err := a.sessions.Put(ctx, s, a.issuer.RefreshTTL()); err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "セッションキャッシュが利用できません", err)
	}
	return nil
}

// normalizeEmail はメールアドレスを小文字に正規化して形式を検証する。
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.WithCode(apperr.KindInvalid, "invalid_email", "メールアドレスの形式が正しくありません")
	}
	return email, nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordBytes || len(password) > maxPasswordBytes {
		return apperr.WithCode(apperr.KindInvalid, "invalid_password",
			fmt.Sprintf("パスワードは%d〜%dバイトで指定してください", minPasswordBytes, maxPasswordBytes))
	}
	return nil
}
