package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// RefreshToken はリフレッシュトークン台帳のレコード。
type RefreshToken struct {
	// ID はレコードの一意識別子。
	ID string `db:"id"`
	// AccountID は所有者のアカウントID。
	AccountID string `db:"account_id"`
	// Token は署名済みのトークン文字列。
	Token string `db:"token"`
	// ExpiresAt は有効期限。
	ExpiresAt time.Time `db:"expires_at"`
	// CreatedByIP は発行時のクライアントIP。
	CreatedByIP string `db:"created_by_ip"`
	// RevokedAt は失効日時。有効なトークンではnil。
	RevokedAt *time.Time `db:"revoked_at"`
	// RevokedByIP は失効させたクライアントIP。
	RevokedByIP *string `db:"revoked_by_ip"`
	// ReplacedByToken はローテーション後の後継トークン。
	ReplacedByToken *string `db:"replaced_by_token"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `db:"created_at"`
}

// Revoked は失効済みかどうかを返す。
func (r RefreshToken) Revoked() bool {
	return r.RevokedAt != nil
}

// Expired はnow時点で有効期限を過ぎているかどうかを返す。
func (r RefreshToken) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Active は未失効かつ有効期限内かどうかを返す。失効と期限切れは独立に判定する。
func (r RefreshToken) Active(now time.Time) bool {
	return !r.Revoked() && !r.Expired(now)
}

const refreshColumns = `id, account_id, token, expires_at, created_by_ip,
	revoked_at, revoked_by_ip, replaced_by_token, created_at`

const insertRefresh = `
	INSERT INTO refresh_tokens (id, account_id, token, expires_at, created_by_ip, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

// CreateRefreshToken はリフレッシュトークンを台帳に記録する。
func (s *Store) CreateRefreshToken(ctx context.Context, r RefreshToken) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(insertRefresh),
		r.ID, r.AccountID, r.Token, r.ExpiresAt.UTC(), r.CreatedByIP, r.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("リフレッシュトークンの記録に失敗: %w", err)
	}
	return nil
}

// GetRefreshToken はトークン文字列で台帳のレコードを取得する。
func (s *Store) GetRefreshToken(ctx context.Context, raw string) (RefreshToken, error) {
	var r RefreshToken
	err := s.db.GetContext(ctx, &r, s.db.Rebind(
		"SELECT "+refreshColumns+" FROM refresh_tokens WHERE token = ?"), raw)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, fmt.Errorf("リフレッシュトークンの取得に失敗: %w", err)
	}
	return r, nil
}

// RotateRefreshToken は旧トークンの失効と後継トークンの記録を1つのトランザクションで行う。
// 旧トークンが既に失効済みまたは存在しない場合はErrTokenInactiveを返し、何も変更しない。
// 同じトークンによる同時ローテーションは1つだけが成功する。
func (s *Store) RotateRefreshToken(ctx context.Context, oldToken, ip string, next RefreshToken, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := lockAccount(ctx, tx, next.AccountID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE refresh_tokens
		SET revoked_at = ?, revoked_by_ip = ?, replaced_by_token = ?
		WHERE token = ? AND revoked_at IS NULL`),
		now.UTC(), ip, next.Token, oldToken,
	)
	if err != nil {
		return fmt.Errorf("旧トークンの失効に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrTokenInactive
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(insertRefresh),
		next.ID, next.AccountID, next.Token, next.ExpiresAt.UTC(), next.CreatedByIP, next.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("後継トークンの記録に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}

// RevokeRefreshToken は未失効のトークンを失効させる。
// 失効させた場合はtrue、既に失効済みまたは存在しない場合はfalseを返す。
func (s *Store) RevokeRefreshToken(ctx context.Context, raw, ip string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE refresh_tokens SET revoked_at = ?, revoked_by_ip = ?
		WHERE token = ? AND revoked_at IS NULL`),
		now.UTC(), ip, raw,
	)
	if err != nil {
		return false, fmt.Errorf("リフレッシュトークンの失効に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// RevokeAllRefreshTokens はアカウントの有効なリフレッシュトークンをすべて失効させ、その件数を返す。
// 期限切れのレコードは変更しない。
func (s *Store) RevokeAllRefreshTokens(ctx context.Context, accountID, ip string, now time.Time) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := lockAccount(ctx, tx, accountID); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE refresh_tokens SET revoked_at = ?, revoked_by_ip = ?
		WHERE account_id = ? AND revoked_at IS NULL AND expires_at > ?`),
		now.UTC(), ip, accountID, now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("リフレッシュトークンの一括失効に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return int(n), nil
}

// lockAccount はアカウント行に書き込みロックを取る。
// ローテーションと一括失効を同じアカウント単位で直列化し、
// 一括失効の後に後継トークンが残らないようにする。
func lockAccount(ctx context.Context, tx *sqlx.Tx, accountID string) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		"UPDATE accounts SET updated_at = updated_at WHERE id = ?"), accountID,
	); err != nil {
		return fmt.Errorf("アカウントのロックに失敗: %w", err)
	}
	return nil
}
