package token

import "fmt"

// Role はアカウントのロールを表す。閉じた集合であり、ParseRoleで検証する。
type Role string

const (
	// RoleUser は一般ユーザー。
	RoleUser Role = "user"
	// RoleSupport はサポート担当者。
	RoleSupport Role = "support"
	// RoleAdmin は管理者。
	RoleAdmin Role = "admin"
)

// ParseRole は文字列をRoleに変換する。未知のロールはエラーになる。
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleSupport, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("不明なロール: %q", s)
	}
}

// String はロール名を返す。
func (r Role) String() string {
	return string(r)
}
