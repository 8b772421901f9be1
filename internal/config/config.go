package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects how the server reaches a Chromium instance.
type Mode string

const (
	ModeLaunch    Mode = "launch"
	ModeAttach    Mode = "attach"
	ModeExtension Mode = "extension"
)

// TimeoutProfile picks the default per-step watchdog budget.
type TimeoutProfile string

const (
	ProfileFast    TimeoutProfile = "fast"
	ProfileDefault TimeoutProfile = "default"
	ProfileSlow    TimeoutProfile = "slow"
)

// Toolset selects the exposed tool subset and default report section.
type Toolset string

const (
	ToolsetV1 Toolset = "v1"
	ToolsetV2 Toolset = "v2"
)

// Config is the immutable process configuration, sourced from the recognized
// MCP_* environment set at startup.
type Config struct {
	BrowserBinary  string
	BrowserProfile string
	BrowserPort    int
	Mode           Mode
	BrowserFlags   []string
	AllowHosts     []string
	Headless       bool
	WindowSize     string

	HTTPTimeout  time.Duration
	HTTPMaxBytes int64

	AutoPortFallback bool
	Toolset          Toolset
	TimeoutProfile   TimeoutProfile

	DumpFrames    bool
	DumpFramesDir string
	Trace         bool

	AgentMemoryDir string
	DownloadDir    string

	ExtensionConnectTimeout time.Duration

	MetricsAddr   string
	SensitiveKeys []string

	OverlayRulesPath string
}

// Load reads the environment into a Config, applying defaults for anything
// unset. Invalid values fall back to defaults rather than failing startup.
func Load() Config {
	cfg := Config{
		BrowserBinary:           envStr("MCP_BROWSER_BINARY", ""),
		BrowserProfile:          envStr("MCP_BROWSER_PROFILE", ""),
		BrowserPort:             envInt("MCP_BROWSER_PORT", 9222),
		Mode:                    parseMode(envStr("MCP_BROWSER_MODE", "launch")),
		BrowserFlags:            splitList(envStr("MCP_BROWSER_FLAGS", "")),
		AllowHosts:              splitList(envStr("MCP_ALLOW_HOSTS", "")),
		Headless:                envBool("MCP_HEADLESS", true),
		WindowSize:              envStr("MCP_WINDOW_SIZE", "1280x900"),
		HTTPTimeout:             envDuration("MCP_HTTP_TIMEOUT", 30*time.Second),
		HTTPMaxBytes:            int64(envInt("MCP_HTTP_MAX_BYTES", 2<<20)),
		AutoPortFallback:        envBool("MCP_AUTO_PORT_FALLBACK", true),
		Toolset:                 parseToolset(envStr("MCP_TOOLSET", "v2")),
		TimeoutProfile:          parseProfile(envStr("MCP_TIMEOUT_PROFILE", "default")),
		DumpFrames:              envBool("MCP_DUMP_FRAMES", false),
		DumpFramesDir:           envStr("MCP_DUMP_FRAMES_DIR", ""),
		Trace:                   envBool("MCP_TRACE", false),
		AgentMemoryDir:          envStr("MCP_AGENT_MEMORY_DIR", ""),
		DownloadDir:             envStr("MCP_DOWNLOAD_DIR", ""),
		ExtensionConnectTimeout: envDuration("MCP_EXTENSION_CONNECT_TIMEOUT", 10*time.Second),
		MetricsAddr:             envStr("MCP_METRICS_ADDR", ""),
		SensitiveKeys:           splitList(envStr("MCP_SENSITIVE_KEYS", "")),
		OverlayRulesPath:        envStr("MCP_OVERLAY_RULES", ""),
	}
	return cfg
}

// ActionTimeout returns the default per-step watchdog for the profile.
func (c Config) ActionTimeout() time.Duration {
	switch c.TimeoutProfile {
	case ProfileFast:
		return 10 * time.Second
	case ProfileSlow:
		return 120 * time.Second
	default:
		return 30 * time.Second
	}
}

// DefaultReport returns the default final report section per toolset.
func (c Config) DefaultReport() string {
	if c.Toolset == ToolsetV1 {
		return "observe"
	}
	return "triage"
}

func parseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeAttach:
		return ModeAttach
	case ModeExtension:
		return ModeExtension
	default:
		return ModeLaunch
	}
}

func parseProfile(raw string) TimeoutProfile {
	switch TimeoutProfile(strings.ToLower(strings.TrimSpace(raw))) {
	case ProfileFast:
		return ProfileFast
	case ProfileSlow:
		return ProfileSlow
	default:
		return ProfileDefault
	}
}

func parseToolset(raw string) Toolset {
	if Toolset(strings.ToLower(strings.TrimSpace(raw))) == ToolsetV1 {
		return ToolsetV1
	}
	return ToolsetV2
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	// Bare numbers are seconds.
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
