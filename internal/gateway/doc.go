// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// ルート表の接頭辞ごとにアクセストークンとセッションを検証し、検証済みの主体を
// ヘッダーに付けてバックエンドに転送する。外部からアクセス可能な唯一のサービスであり、
// セキュリティの境界線として機能する。バックエンドごとに接続プールとタイムアウトを分け、
// 1つのバックエンドの障害はそのルートの503に閉じ込める。
package gateway
