// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// アクセストークン・セッション・ブラックリストによる認証、ロールによる認可、
// リクエストログ、パニックリカバリ、CORS設定など、GatewayとIdentityサービスで
// 共通して使用するミドルウェアを含む。
package middleware
