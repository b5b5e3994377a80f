// Package token はアクセストークンとリフレッシュトークンの発行と検証を提供する。
//
// 両トークンはHS256で署名したJWTであり、異なる署名鍵と異なる有効期限を使う。
// アクセストークンの鍵でリフレッシュトークンを検証することはできず、その逆も同様。
// クレームにはアカウントID（sub）、メールアドレス、ユーザー名、ロールを含む。
package token
