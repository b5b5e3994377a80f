package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/authgate/pkg/apperr"
	"github.com/nao1215/authgate/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound は対象のレコードが存在しないことを表す。
	ErrNotFound = errors.New("レコードが見つかりません")
	// ErrTokenInactive はリフレッシュトークンが失効済みまたは存在しないことを表す。
	ErrTokenInactive = errors.New("リフレッシュトークンは有効ではありません")
	// ErrAttemptsExhausted はワンタイムコードの試行回数が上限に達していることを表す。
	ErrAttemptsExhausted = errors.New("試行回数が上限に達しています")
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "pgx"
)

func init() {
	// modernc.org/sqlite のドライバ名はsqlxの既定の対応表に含まれていない
	sqlx.BindDriver(driverSQLite, sqlx.QUESTION)
}

// Config はCredential Storeの接続設定。
type Config struct {
	// DSN はデータベースの接続文字列。postgres:// で始まる場合はPostgreSQLを使用する。
	DSN string `env:"DATABASE_DSN" envDefault:"file:/data/identity.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"`
}

// Store はCredential Storeの実装。複数のgoroutineから同時に使用できる。
type Store struct {
	db *sqlx.DB
}

// driverFor はDSNから使用するドライバ名とデータソースを決定する。
func driverFor(dsn string) (string, string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return driverPostgres, dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return driverSQLite, strings.TrimPrefix(dsn, "sqlite://")
	default:
		return driverSQLite, dsn
	}
}

// Open はデータベースに接続し、マイグレーションを適用したStoreを返す。
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	driver, source := driverFor(dsn)
	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if driver == driverSQLite {
		// SQLiteは単一ライターのため接続を1本に絞る
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	if err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}

	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isUniqueViolation は一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// conflict は一意制約違反をapperrのConflictに変換する。
func conflict(err error) error {
	return apperr.Wrap(apperr.KindConflict, "メールアドレスまたはユーザー名は既に使用されています", err)
}
