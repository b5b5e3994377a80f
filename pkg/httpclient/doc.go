// Package httpclient はサービス間通信用のJSON HTTPクライアントを提供する。
//
// リクエストIDとW3Cトレースコンテキストを送信先に伝播する。
// アイデンティティサービスから通知サービスへのメール送信依頼に使用する。
package httpclient
