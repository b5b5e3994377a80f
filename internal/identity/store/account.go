package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/authgate/pkg/token"
)

// Account はアカウントのレコード。
type Account struct {
	// ID はアカウントの一意識別子（UUID）。
	ID string `db:"id"`
	// Email は小文字に正規化したメールアドレス。
	Email string `db:"email"`
	// Username はユーザー名。
	Username string `db:"username"`
	// PasswordHash はbcryptハッシュ。外部IdPのみのアカウントではnil。
	PasswordHash *string `db:"password_hash"`
	// DisplayName は表示名。
	DisplayName string `db:"display_name"`
	// Role はアカウントのロール。
	Role token.Role `db:"role"`
	// EmailVerified はメールアドレスが確認済みかどうか。
	EmailVerified bool `db:"email_verified"`
	// LastLoginAt は最終ログイン日時。
	LastLoginAt *time.Time `db:"last_login_at"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `db:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt time.Time `db:"updated_at"`
}

const accountColumns = `id, email, username, password_hash, display_name, role,
	email_verified, last_login_at, created_at, updated_at`

// CreateAccount はアカウントを作成する。
// メールアドレスまたはユーザー名が重複する場合はConflictを返す。
func (s *Store) CreateAccount(ctx context.Context, a Account) error {
	return insertAccount(ctx, s.db, a)
}

// CreateAccountWithCode はアカウントと最初のワンタイムコードを1つのトランザクションで作成する。
// 同じメールアドレスと用途の未使用コードは無効化する。
func (s *Store) CreateAccountWithCode(ctx context.Context, a Account, c OneTimeCode) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertAccount(ctx, tx, a); err != nil {
		return err
	}
	if err := invalidateCodes(ctx, tx, c.Email, c.Purpose); err != nil {
		return err
	}
	if err := insertCode(ctx, tx, c); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}

func insertAccount(ctx context.Context, db sqlx.ExtContext, a Account) error {
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Email, a.Username, nullString(a.PasswordHash), a.DisplayName, string(a.Role),
		a.EmailVerified, nullTime(a.LastLoginAt), a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return conflict(err)
		}
		return fmt.Errorf("アカウントの作成に失敗: %w", err)
	}
	return nil
}

// EmailOrUsernameTaken はメールアドレスとユーザー名がそれぞれ使用済みかどうかを返す。
func (s *Store) EmailOrUsernameTaken(ctx context.Context, email, username string) (emailTaken, usernameTaken bool, err error) {
	var rows []struct {
		Email    string `db:"email"`
		Username string `db:"username"`
	}
	err = s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT email, username FROM accounts WHERE email = ? OR username = ?"),
		email, username,
	)
	if err != nil {
		return false, false, fmt.Errorf("アカウントの重複確認に失敗: %w", err)
	}
	for _, r := range rows {
		if r.Email == email {
			emailTaken = true
		}
		if r.Username == username {
			usernameTaken = true
		}
	}
	return emailTaken, usernameTaken, nil
}

// GetAccountByEmail はメールアドレスでアカウントを取得する。
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	return s.getAccount(ctx, "email", email)
}

// GetAccountByID はIDでアカウントを取得する。
func (s *Store) GetAccountByID(ctx context.Context, id string) (Account, error) {
	return s.getAccount(ctx, "id", id)
}

func (s *Store) getAccount(ctx context.Context, column, value string) (Account, error) {
	var a Account
	err := s.db.GetContext(ctx, &a, s.db.Rebind(
		"SELECT "+accountColumns+" FROM accounts WHERE "+column+" = ?"), value)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("アカウントの取得に失敗: %w", err)
	}
	return a, nil
}

// MarkEmailVerified はアカウントのメールアドレスを確認済みにする。
func (s *Store) MarkEmailVerified(ctx context.Context, accountID string, now time.Time) error {
	return s.updateAccount(ctx, "email_verified = ?", accountID, now, true)
}

// UpdateLastLogin は最終ログイン日時を更新する。
func (s *Store) UpdateLastLogin(ctx context.Context, accountID string, now time.Time) error {
	return s.updateAccount(ctx, "last_login_at = ?", accountID, now, now.UTC())
}

// UpdatePasswordHash はパスワードハッシュを更新する。
func (s *Store) UpdatePasswordHash(ctx context.Context, accountID, hash string, now time.Time) error {
	return s.updateAccount(ctx, "password_hash = ?", accountID, now, hash)
}

// updateAccount はアカウントの1カラムとupdated_atを更新する。
func (s *Store) updateAccount(ctx context.Context, set, accountID string, now time.Time, value any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE accounts SET "+set+", updated_at = ? WHERE id = ?"),
		value, now.UTC(), accountID,
	)
	if err != nil {
		return fmt.Errorf("アカウントの更新に失敗: %w", err)
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

// nullString はnilをSQLのNULLとして渡すための引数に変換する。
func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// nullTime はnilをSQLのNULLとして渡すための引数に変換する。
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
