package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Purpose はワンタイムコードの用途。
type Purpose string

const (
	// PurposeEmailVerification はメールアドレス確認。
	PurposeEmailVerification Purpose = "email_verification"
	// PurposePasswordReset はパスワードリセット。
	PurposePasswordReset Purpose = "password_reset"
	// PurposeTwoFactor は二要素認証。
	PurposeTwoFactor Purpose = "two_factor"
)

// ParsePurpose は文字列をPurposeに変換する。
func ParsePurpose(s string) (Purpose, error) {
	switch Purpose(s) {
	case PurposeEmailVerification, PurposePasswordReset, PurposeTwoFactor:
		return Purpose(s), nil
	default:
		return "", fmt.Errorf("不明な用途: %q", s)
	}
}

// OneTimeCode はワンタイムコードのレコード。
type OneTimeCode struct {
	// ID はレコードの一意識別子。
	ID string `db:"id"`
	// Email は対象のメールアドレス。
	Email string `db:"email"`
	// Code は6桁の数字コード。
	Code string `db:"code"`
	// Purpose はコードの用途。
	Purpose Purpose `db:"purpose"`
	// ExpiresAt は有効期限。
	ExpiresAt time.Time `db:"expires_at"`
	// Verified は使用済みかどうか。新しいコードの発行で無効化されたものも含む。
	Verified bool `db:"verified"`
	// Attempts は検証の回数。照合の前に加算される。
	Attempts int `db:"attempts"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `db:"created_at"`
}

const codeColumns = `id, email, code, purpose, expires_at, verified, attempts, created_at`

// CreateOneTimeCode はワンタイムコードを記録する。
func (s *Store) CreateOneTimeCode(ctx context.Context, c OneTimeCode) error {
	return insertCode(ctx, s.db, c)
}

func insertCode(ctx context.Context, db sqlx.ExtContext, c OneTimeCode) error {
	if _, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO one_time_codes (`+codeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.Email, c.Code, string(c.Purpose), c.ExpiresAt.UTC(), c.Verified, c.Attempts, c.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("ワンタイムコードの記録に失敗: %w", err)
	}
	return nil
}

// LatestOneTimeCode はメールアドレスと用途に一致する未使用のコードのうち最新のものを返す。
func (s *Store) LatestOneTimeCode(ctx context.Context, email string, purpose Purpose) (OneTimeCode, error) {
	var c OneTimeCode
	err := s.db.GetContext(ctx, &c, s.db.Rebind(`
		SELECT `+codeColumns+` FROM one_time_codes
		WHERE email = ? AND purpose = ? AND verified = ?
		ORDER BY created_at DESC
		LIMIT 1`),
		email, string(purpose), false,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return OneTimeCode{}, ErrNotFound
	}
	if err != nil {
		return OneTimeCode{}, fmt.Errorf("ワンタイムコードの取得に失敗: %w", err)
	}
	return c, nil
}

// ReserveCodeAttempt は未使用のコードの試行回数を上限未満の場合に限り1増やす。
// 照合の前に呼び出すことで、同時に送られた検証も上限の回数までしか照合されない。
// 上限に達している場合はErrAttemptsExhausted、使用済みまたは存在しない場合はErrNotFoundを返す。
func (s *Store) ReserveCodeAttempt(ctx context.Context, id string, limit int) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE one_time_codes SET attempts = attempts + 1
		WHERE id = ? AND verified = ? AND attempts < ?`),
		id, false, limit,
	)
	if err != nil {
		return fmt.Errorf("試行回数の更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n > 0 {
		return nil
	}

	var verified bool
	err = s.db.GetContext(ctx, &verified, s.db.Rebind(
		"SELECT verified FROM one_time_codes WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("ワンタイムコードの取得に失敗: %w", err)
	}
	if verified {
		return ErrNotFound
	}
	return ErrAttemptsExhausted
}

// MarkCodeVerified は未使用のコードを使用済みにする。
// 既に使用済みの場合はErrNotFoundを返すため、同じコードの二重使用はできない。
func (s *Store) MarkCodeVerified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE one_time_codes SET verified = ? WHERE id = ? AND verified = ?"),
		true, id, false,
	)
	if err != nil {
		return fmt.Errorf("ワンタイムコードの更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InvalidateOneTimeCodes はメールアドレスと用途に一致する未使用のコードをすべて無効化する。
func (s *Store) InvalidateOneTimeCodes(ctx context.Context, email string, purpose Purpose) error {
	return invalidateCodes(ctx, s.db, email, purpose)
}

func invalidateCodes(ctx context.Context, db sqlx.ExtContext, email string, purpose Purpose) error {
	if _, err := db.ExecContext(ctx, db.Rebind(
		"UPDATE one_time_codes SET verified = ? WHERE email = ? AND purpose = ? AND verified = ?"),
		true, email, string(purpose), false,
	); err != nil {
		return fmt.Errorf("ワンタイムコードの無効化に失敗: %w", err)
	}
	return nil
}
