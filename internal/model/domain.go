// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// Domain は有効期限を監視するドメインを表す。
type Domain struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ProjectID  *string   `json:"project_id,omitempty"`
	Name       string    `json:"name"`
	ExpiryDate time.Time `json:"expiry_date"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DaysUntil はexpiryまでの残り日数をUTCの暦日単位で返す。
// 期限切れの場合は負の値になる。
func DaysUntil(expiry, now time.Time) int {
	day := 24 * time.Hour
	e := expiry.UTC().Truncate(day)
	n := now.UTC().Truncate(day)
	return int(e.Sub(n) / day)
}

// NormalizeDomainName はドメイン名を比較・表示用の正規形（小文字のASCII/Punycode）に変換する。
func NormalizeDomainName(name string) (string, error) {
	s := strings.TrimSuffix(strings.TrimSpace(name), ".")
	if s == "" {
		return "", fmt.Errorf("empty domain name")
	}
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(s))
	if err != nil {
		return "", fmt.Errorf("invalid domain name %q: %w", name, err)
	}
	return ascii, nil
}

// RegistrableDomain は公開サフィックスリストに基づく登録可能ドメイン（eTLD+1）を返す。
// 例: "www.example.co.jp" → "example.co.jp"
func RegistrableDomain(name string) (string, error) {
	normalized, err := NormalizeDomainName(name)
	if err != nil {
		return "", err
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to resolve registrable domain for %q: %w", name, err)
	}
	return etld1, nil
}
