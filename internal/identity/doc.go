// Package identity はアイデンティティサービス（Token Authority）の内部実装を提供する。
//
// アカウント登録、メールアドレス確認、ログイン、トークンのローテーションと失効、
// パスワードリセットを担当する。永続的な状態はCredential Store（store パッケージ）に、
// ログイン中であることの判定に使うセッションとブラックリストはSession Cacheに保存し、
// ログイン・リフレッシュ・ログアウト時に両者を同時に更新する。
//
// ゲートウェイを経由したリクエストのみを受け付ける前提で動作し、
// /api/v1/account 配下ではゲートウェイが付与したアイデンティティヘッダーを信頼する。
package identity
