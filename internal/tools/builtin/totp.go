package builtin

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash"
	"strings"
	"time"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type totpTool struct {
	shared.BaseTool
	now func() time.Time
}

// NewTOTPTool computes RFC 6238 one-time codes so login flows can reference
// {{mem:...}} secrets without leaving the server.
func NewTOTPTool() ports.ToolExecutor {
	return &totpTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "totp",
				Description: "Compute a TOTP code from a base32 secret (RFC 6238). Returns the code and its remaining validity.",
				Parameters: shared.Schema([]string{"secret"}, map[string]ports.Property{
					"secret":    shared.Prop("string", "Base32-encoded shared secret"),
					"digits":    shared.Prop("integer", "Code length, 6-8 (default 6)"),
					"period_s":  shared.Prop("integer", "Time step in seconds (default 30)"),
					"algorithm": shared.EnumProp("HMAC algorithm", "SHA1", "SHA256", "SHA512"),
				}),
			},
			ports.ToolMetadata{
				Name: "totp", Version: "1.0.0", Category: "utility",
				Tags: []string{"auth"}, RequiresBrowser: false,
			},
		),
		now: time.Now,
	}
}

func (t *totpTool) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	secret, err := shared.RequireStringArg(args, "secret")
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	digits := shared.IntArgDefault(args, "digits", 6)
	if digits < 6 || digits > 8 {
		return shared.ToolError(call.ID, "digits must be 6-8")
	}
	period := shared.IntArgDefault(args, "period_s", 30)
	if period <= 0 {
		return shared.ToolError(call.ID, "period_s must be positive")
	}

	var algo func() hash.Hash
	switch strings.ToUpper(shared.StringArgDefault(args, "algorithm", "SHA1")) {
	case "SHA1":
		algo = sha1.New
	case "SHA256":
		algo = sha256.New
	case "SHA512":
		algo = sha512.New
	default:
		return shared.ToolError(call.ID, "unknown algorithm (SHA1/SHA256/SHA512)")
	}

	key, err := decodeBase32Secret(secret)
	if err != nil {
		return shared.ToolError(call.ID, "invalid secret: %v", err)
	}

	now := t.now().Unix()
	counter := uint64(now / int64(period))
	code := hotp(key, counter, digits, algo)
	remaining := int64(period) - now%int64(period)

	return shared.JSONResult(call.ID, map[string]any{
		"ok":         true,
		"code":       code,
		"expires_in": remaining,
		"period_s":   period,
		"digits":     digits,
	})
}

func decodeBase32Secret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	normalized = strings.TrimRight(normalized, "=")
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
}

// hotp implements RFC 4226 dynamic truncation.
func hotp(key []byte, counter uint64, digits int, algo func() hash.Hash) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(algo, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, value%mod)
}
