// Package session はRedisを使ったセッションキャッシュを提供する。
//
// セッション（アカウントIDをキーとするログイン状態）と、ログアウト済みの
// アクセストークンを記録するブラックリストを、それぞれ別の名前空間のキーに
// TTL付きで保存する。複数のGateway・Identityインスタンスで状態を共有するため、
// プロセス内メモリではなく外部のキーバリューストアを使う。
//
// キャッシュの通信エラーはErrUnavailableでラップして返す。呼び出し側は
// この場合にリクエストを拒否する（フェイルクローズ）。
package session
