package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nao1215/authgate/internal/identity/store"
	"github.com/nao1215/authgate/pkg/apperr"
	"github.com/nao1215/authgate/pkg/token"
)

const (
	maxUsernameBase    = 24
	maxUsernameRetries = 5
)

var usernameInvalidChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// baseUsername はメールアドレスのローカル部からユーザー名の候補を作る。
func baseUsername(email string) string {
	local, _, _ := strings.Cut(email, "@")
	name := usernameInvalidChars.ReplaceAllString(local, "")
	if len(name) > maxUsernameBase {
		name = name[:maxUsernameBase]
	}
	for len(name) < 3 {
		name += "_"
	}
	return name
}

func randomSuffix() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("乱数の生成に失敗: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// createFederatedAccount はパスワードを持たない確認済みアカウントを作成する。
// ユーザー名が衝突した場合はランダムな接尾辞を付けて再試行する。
func (a *Authority) createFederatedAccount(ctx context.Context, email string, profile FederatedProfile) (store.Account, error) {
	base := baseUsername(email)
	candidate := base
	for i := 0; i < maxUsernameRetries; i++ {
		if i > 0 {
			suffix, err := randomSuffix()
			if err != nil {
				return store.Account{}, err
			}
			candidate = base + "_" + suffix
		}

		emailTaken, usernameTaken, err := a.store.EmailOrUsernameTaken(ctx, email, candidate)
		if err != nil {
			return store.Account{}, err
		}
		if emailTaken {
			// 同時に作成された場合は既存のアカウントを使う
			return a.store.GetAccountByEmail(ctx, email)
		}
		if usernameTaken {
			continue
		}

		now := a.now().UTC()
		acc := store.Account{
			ID:            uuid.NewString(),
			Email:         email,
			Username:      candidate,
			DisplayName:   strings.TrimSpace(profile.DisplayName),
			Role:          token.RoleUser,
			EmailVerified: true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err = a.store.CreateAccount(ctx, acc)
		if err == nil {
			return acc, nil
		}
		if apperr.KindOf(err) != apperr.KindConflict {
			return store.Account{}, err
		}
	}
	return store.Account{}, apperr.New(apperr.KindConflict, "ユーザー名を割り当てられませんでした")
}
