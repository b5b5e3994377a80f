// Package store はアイデンティティサービスの永続台帳（Credential Store）を提供する。
//
// アカウント、リフレッシュトークン台帳、ワンタイムコードの3つのテーブルを管理する。
// ドライバはDSNから選択し、SQLite（modernc.org/sqlite）とPostgreSQL（pgx）に対応する。
// クエリは ? プレースホルダで記述し、sqlx の Rebind でドライバの形式に変換する。
//
// リフレッシュトークンのローテーションと失効は条件付きUPDATEで行うため、
// 呼び出し側でロックを取る必要はない。
package store
