package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/authgate/internal/identity/store"
	"github.com/nao1215/authgate/pkg/apperr"
)

// maxCodeAttempts はワンタイムコード1つあたりの検証回数の上限。
const maxCodeAttempts = 3

var (
	errInvalidCode     = apperr.New(apperr.KindInvalidCode, "確認コードが正しくありません")
	errCodeExpired     = apperr.New(apperr.KindExpired, "確認コードの有効期限が切れています")
	errTooManyAttempts = apperr.New(apperr.KindTooManyAttempts, "確認コードの試行回数が上限に達しました")
	errInvalidPurpose  = apperr.WithCode(apperr.KindInvalid, "invalid_purpose", "再送できない用途です")
)

// generateCode は6桁の数字コードを暗号論的乱数で生成する。
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("確認コードの生成に失敗: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// newCode は有効期限付きの新しいワンタイムコードを生成する。
func (a *Authority) newCode(email string, purpose store.Purpose) (store.OneTimeCode, error) {
	code, err := generateCode()
	if err != nil {
		return store.OneTimeCode{}, err
	}
	now := a.now().UTC()
	return store.OneTimeCode{
		ID:        uuid.NewString(),
		Email:     email,
		Code:      code,
		Purpose:   purpose,
		ExpiresAt: now.Add(a.otpTTL),
		CreatedAt: now,
	}, nil
}

// issueCode は同じ用途の未使用コードを無効化し、新しいコードを記録して送信する。
func (a *Authority) issueCode(ctx context.Context, email string, purpose store.Purpose) error {
	if err := a.store.InvalidateOneTimeCodes(ctx, email, purpose); err != nil {
		return err
	}
	otp, err := a.newCode(email, purpose)
	if err != nil {
		return err
	}
	if err := a.store.CreateOneTimeCode(ctx, otp); err != nil {
		return err
	}
	a.sendCode(ctx, otp)
	return nil
}

// sendCode は記録済みのコードを応答を待たずに送信する。
// 応答時間は送信先の状態やアカウントの有無に左右されない。
// 送信の失敗はログに記録するだけで、呼び出し元には返さない。
func (a *Authority) sendCode(ctx context.Context, otp store.OneTimeCode) {
	// リクエストの終了で送信を中断しない
	sendCtx := context.WithoutCancel(ctx)
	a.deliveries.Go(func() {
		if err := a.mailer.SendCode(sendCtx, otp.Email, otp.Purpose, otp.Code, a.otpTTL); err != nil {
			a.logger.Warn("確認コードの送信に失敗",
				zap.String("purpose", string(otp.Purpose)),
				zap.Error(err),
			)
		}
	})
}

// checkCode は最新の未使用コードを検証する。
// 照合の前に試行回数を予約するため、失敗の種類を判定する前に必ず加算される。
// 予約できないコードは、正しいコードであってもTooManyAttemptsになる。
func (a *Authority) checkCode(ctx context.Context, email string, purpose store.Purpose, code string) (store.OneTimeCode, error) {
	otp, err := a.store.LatestOneTimeCode(ctx, email, purpose)
	if errors.Is(err, store.ErrNotFound) {
		return store.OneTimeCode{}, errInvalidCode
	}
	if err != nil {
		return store.OneTimeCode{}, err
	}

	switch err := a.store.ReserveCodeAttempt(ctx, otp.ID, maxCodeAttempts); {
	case errors.Is(err, store.ErrAttemptsExhausted):
		return store.OneTimeCode{}, errTooManyAttempts
	case errors.Is(err, store.ErrNotFound):
		return store.OneTimeCode{}, errInvalidCode
	case err != nil:
		return store.OneTimeCode{}, err
	}

	if !a.now().Before(otp.ExpiresAt) {
		return store.OneTimeCode{}, errCodeExpired
	}
	if subtle.ConstantTimeCompare([]byte(otp.Code), []byte(code)) != 1 {
		return store.OneTimeCode{}, errInvalidCode
	}
	return otp, nil
}

// consumeCode はコードを使用済みにする。同時に使用された場合は一方だけが成功する。
func (a *Authority) consumeCode(ctx context.Context, otp store.OneTimeCode) error {
	if err := a.store.MarkCodeVerified(ctx, otp.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errInvalidCode
		}
		return err
	}
	return nil
}
