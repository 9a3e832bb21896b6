package auth

import (
	"testing"
	"time"
)

func TestGenerateTOTPSecretLength(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("GenerateTOTPSecret: %v", err)
	}
	if len(secret) != 32 {
		t.Errorf("secret length = %d, want 32 (160 bits base32, no padding)", len(secret))
	}
}

func TestVerifyTOTPAcceptsCurrentStep(t *testing.T) {
	secret, _ := GenerateTOTPSecret()
	now := time.Unix(1_700_000_000, 0)
	code := totpCodeAt(secret, now)

	if !VerifyTOTP(secret, code, now) {
		t.Fatal("expected current-step code to verify")
	}
}

func TestVerifyTOTPWindowBoundary(t *testing.T) {
	secret, _ := GenerateTOTPSecret()
	now := time.Unix(1_700_000_000, 0)

	within := now.Add(2 * totpStep)
	codeWithin := totpCodeAt(secret, within)
	if !VerifyTOTP(secret, codeWithin, now) {
		t.Error("code 2 steps ahead should be accepted (edge of window)")
	}

	beyond := now.Add(3 * totpStep)
	codeBeyond := totpCodeAt(secret, beyond)
	if VerifyTOTP(secret, codeBeyond, now) {
		t.Error("code 3 steps ahead should be rejected (outside window)")
	}
}

func TestVerifyTOTPRejectsWrongCode(t *testing.T) {
	secret, _ := GenerateTOTPSecret()
	now := time.Unix(1_700_000_000, 0)
	if VerifyTOTP(secret, "000000", now) {
		t.Error("arbitrary wrong code should not verify (astronomically unlikely collision)")
	}
}

func TestVerifyTOTPRejectsMalformedSecret(t *testing.T) {
	if VerifyTOTP("not-base32!!!", "123456", time.Now()) {
		t.Error("malformed secret should fail closed")
	}
}

func TestProvisioningURI(t *testing.T) {
	uri := ProvisioningURI("agent-broker", "host-12345678", "JBSWY3DPEHPK3PXP")
	if uri == "" {
		t.Fatal("expected non-empty uri")
	}
	if got := uri[:len("otpauth://totp/")]; got != "otpauth://totp/" {
		t.Errorf("uri prefix = %q", got)
	}
}

func totpCodeAt(secret string, at time.Time) string {
	code, _ := CodeAt(secret, at)
	return code
}
