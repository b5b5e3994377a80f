// Package config は環境変数からサービス設定を読み込む。
//
// 設定構造体には caarlos0/env の env / envDefault タグを付与する。
// カレントディレクトリに .env ファイルがあれば先に読み込むが、
// 既に設定されている環境変数は上書きしない。
package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Load は .env ファイル（任意）と環境変数から設定を読み込む。
func Load(target any, dotenvFiles ...string) error {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf(".envファイルの読み込みに失敗: %s: %w", f, err)
		}
	}

	if err := env.Parse(target); err != nil {
		return fmt.Errorf("環境変数の解析に失敗: %w", err)
	}
	return nil
}
