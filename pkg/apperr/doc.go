// Package apperr はサービス全体で使用するエラー種別（Kind）を提供する。
//
// 認証・認可・OTP検証などで発生するエラーを閉じた列挙型として表現し、
// HTTP境界で安定したエラーコードとステータスコードに変換する。
// ストレージ等の内部エラーの詳細はクライアントに返さない。
package apperr
