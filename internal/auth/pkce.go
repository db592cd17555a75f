package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// PKCEPair はOAuth認可コードフローのPKCE検証子とチャレンジの組。
// 検証子はフロー1回ごとに生成し、認可URLにチャレンジを、
// トークン交換に検証子を使用する。
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// ChallengeMethod はPKCEのチャレンジ方式。S256固定。
const ChallengeMethod = "S256"

// GeneratePKCE は暗号的に安全なPKCEペアを生成する。
// 検証子は32バイトの乱数をbase64url（パディングなし）でエンコードした43文字、
// チャレンジはそのSHA-256ハッシュを同様にエンコードしたもの。
func GeneratePKCE() (*PKCEPair, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(b)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	return &PKCEPair{
		Verifier:  verifier,
		Challenge: challenge,
	}, nil
}

// GenerateState はCSRF防止用のstateパラメータを生成する。
// コールバックで返されたstateと比較し、一致しない場合はフローを失敗させる。
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
