package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"net/url"
	"time"
)

// TOTP parameters, fixed per RFC 6238 as used by this system: HMAC-SHA1,
// 6 digits, 30 s step, acceptance window of +/-2 steps.
const (
	totpDigits    = 6
	totpStep      = 30 * time.Second
	totpWindow    = 2
	totpSecretLen = 20 // 160 bits, base32-encoded to 32 chars
)

// GenerateTOTPSecret returns a fresh base32-encoded (no padding) secret,
// one per session.
func GenerateTOTPSecret() (string, error) {
	raw := make([]byte, totpSecretLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// VerifyTOTP checks code against secret at time now, accepting any step
// within +/-totpWindow steps of the current one (clock skew tolerance).
// Each candidate comparison is constant-time.
func VerifyTOTP(secret, code string, now time.Time) bool {
	if len(code) != totpDigits {
		return false
	}
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return false
	}
	counter := uint64(now.Unix()) / uint64(totpStep.Seconds())

	accepted := false
	for offset := -totpWindow; offset <= totpWindow; offset++ {
		candidate := totpCode(key, counter+uint64(offset))
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 {
			accepted = true
		}
	}
	return accepted
}

// CodeAt computes the TOTP code for secret at time t, the same way a
// compliant authenticator app would. Exposed for the CLI's enrolment
// self-check and for tests.
func CodeAt(secret string, t time.Time) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	counter := uint64(t.Unix()) / uint64(totpStep.Seconds())
	return totpCode(key, counter), nil
}

// ProvisioningURI returns the otpauth:// URL for manual enrolment.
func ProvisioningURI(issuer, accountName, secret string) string {
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("algorithm", "SHA1")
	v.Set("digits", fmt.Sprintf("%d", totpDigits))
	v.Set("period", fmt.Sprintf("%d", int(totpStep.Seconds())))
	label := url.PathEscape(issuer) + ":" + url.PathEscape(accountName)
	return fmt.Sprintf("otpauth://totp/%s?%s", label, v.Encode())
}

// totpCode computes the RFC 6238 (HOTP, RFC 4226 base) 6-digit code for
// the given counter value.
func totpCode(key []byte, counter uint64) string {
	var msg [8]byte
	for i := 7; i >= 0; i-- {
		msg[i] = byte(counter & 0xff)
		counter >>= 8
	}

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	mod := uint32(1)
	for i := 0; i < totpDigits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", totpDigits, truncated%mod)
}
