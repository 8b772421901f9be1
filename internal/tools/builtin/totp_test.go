package builtin

import (
	"context"
	"encoding/base32"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surf/internal/ports"
)

// RFC 6238 appendix B shared secrets, per algorithm.
func totpSeed(repeatTo int) string {
	raw := strings.Repeat("1234567890", 7)[:repeatTo]
	return base32.StdEncoding.EncodeToString([]byte(raw))
}

func totpAt(t *testing.T, unix int64, args map[string]any) map[string]any {
	t.Helper()
	tool := NewTOTPTool().(*totpTool)
	tool.now = func() time.Time { return time.Unix(unix, 0) }

	result, err := tool.Execute(context.Background(), ports.ToolCall{ID: "c1", Name: "totp", Arguments: args})
	require.NoError(t, err)
	require.NoError(t, result.Error, "result: %s", result.Content)
	return result.Metadata
}

func TestTOTPReferenceVectors(t *testing.T) {
	cases := []struct {
		name string
		unix int64
		args map[string]any
		code string
	}{
		{"sha1_t59", 59, map[string]any{"secret": totpSeed(20), "digits": 8}, "94287082"},
		{"sha256_t59", 59, map[string]any{"secret": totpSeed(32), "digits": 8, "algorithm": "SHA256"}, "46119246"},
		{"sha512_t59", 59, map[string]any{"secret": totpSeed(64), "digits": 8, "algorithm": "SHA512"}, "90693936"},
		{"sha1_t1111111109", 1111111109, map[string]any{"secret": totpSeed(20), "digits": 8}, "07081804"},
		{"sha1_t20000000000", 20000000000, map[string]any{"secret": totpSeed(20), "digits": 8}, "65353130"},
		{"sha1_six_digits", 59, map[string]any{"secret": totpSeed(20)}, "287082"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := totpAt(t, tc.unix, tc.args)
			assert.Equal(t, tc.code, payload["code"])
		})
	}
}

func TestTOTPRemainingValidity(t *testing.T) {
	payload := totpAt(t, 59, map[string]any{"secret": totpSeed(20)})
	assert.Equal(t, int64(1), payload["expires_in"], "code expires at the step boundary")
	assert.Equal(t, 30, payload["period_s"])
}

func TestTOTPSecretNormalization(t *testing.T) {
	canonical := totpAt(t, 59, map[string]any{"secret": totpSeed(20)})

	sloppy := strings.ToLower(totpSeed(20))
	sloppy = sloppy[:4] + " " + sloppy[4:] + "==="
	relaxed := totpAt(t, 59, map[string]any{"secret": sloppy})

	assert.Equal(t, canonical["code"], relaxed["code"], "case, spaces, and padding are cosmetic")
}

func TestTOTPCustomPeriod(t *testing.T) {
	// With a 60s step, T=59 is still counter 0: same code as period 30 at T=29.
	base := totpAt(t, 29, map[string]any{"secret": totpSeed(20)})
	wide := totpAt(t, 59, map[string]any{"secret": totpSeed(20), "period_s": 60})
	assert.Equal(t, base["code"], wide["code"])
	assert.Equal(t, int64(1), wide["expires_in"])
}

func TestTOTPValidation(t *testing.T) {
	cases := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"missing_secret", map[string]any{}, "missing required argument: secret"},
		{"digits_low", map[string]any{"secret": totpSeed(20), "digits": 5}, "digits must be 6-8"},
		{"digits_high", map[string]any{"secret": totpSeed(20), "digits": 9}, "digits must be 6-8"},
		{"bad_period", map[string]any{"secret": totpSeed(20), "period_s": 0}, "period_s must be positive"},
		{"bad_algorithm", map[string]any{"secret": totpSeed(20), "algorithm": "MD5"}, "unknown algorithm"},
		{"bad_base32", map[string]any{"secret": "not!base32"}, "invalid secret"},
	}
	tool := NewTOTPTool()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := tool.Execute(context.Background(), ports.ToolCall{ID: "c1", Name: "totp", Arguments: tc.args})
			require.NoError(t, err)
			require.Error(t, result.Error)
			assert.Contains(t, result.Error.Error(), tc.wantErr)
		})
	}
}
