package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"helixrun/internal/protocol"
)

const ledgerDisabled = "off"

type Config struct {
	CodexHome      string
	CodexBin       string
	CodexArgs      []string
	AppServerURL   string
	// WorkspaceRoots limits the working directory; empty allows any.
	WorkspaceRoots []string
	StartTimeout   time.Duration
	RequestTimeout time.Duration
	// LedgerPath is empty when the ledger is disabled.
	LedgerPath string
	LogLevel   string
	LogFormat  string
	// JSONEvents is the default for --json-events.
	JSONEvents bool

	Model             string
	ApprovalPolicy    string
	SandboxMode       string
	ReasoningEffort   string
	ReasoningSummary  string
	ForcedLoginMethod string
}

// FileConfig is the subset of codex's config.toml helixrun reads.
type FileConfig struct {
	Model                 string `toml:"model"`
	ApprovalPolicy        string `toml:"approval_policy"`
	SandboxMode           string `toml:"sandbox_mode"`
	ModelReasoningEffort  string `toml:"model_reasoning_effort"`
	ModelReasoningSummary string `toml:"model_reasoning_summary"`
	ForcedLoginMethod     string `toml:"forced_login_method"`
}

// Load reads the environment and $CODEX_HOME/config.toml. A missing
// config file is not an error; a malformed one is.
func Load() (Config, error) {
	home := codexHome()
	file, err := ReadFile(filepath.Join(home, "config.toml"))
	if err != nil {
		return Config{}, err
	}
	startSec := envInt("HELIX_START_TIMEOUT_SECONDS", 20)
	requestSec := envInt("HELIX_REQUEST_TIMEOUT_SECONDS", 30)

	ledgerPath := envPath("HELIX_LEDGER_PATH", "helixrun.db", home)
	if strings.EqualFold(strings.TrimSpace(os.Getenv("HELIX_LEDGER_PATH")), ledgerDisabled) {
		ledgerPath = ""
	}

	return Config{
		CodexHome:         home,
		CodexBin:          env("CODEX_CLI_BIN", "codex"),
		CodexArgs:         strings.Fields(env("CODEX_APP_SERVER_ARGS", "")),
		AppServerURL:      env("HELIX_APP_SERVER_URL", ""),
		WorkspaceRoots:    splitCSV(env("HELIX_WORKSPACE_ROOTS", "")),
		StartTimeout:      time.Duration(startSec) * time.Second,
		RequestTimeout:    time.Duration(requestSec) * time.Second,
		LedgerPath:        ledgerPath,
		LogLevel:          env("HELIX_LOG_LEVEL", "info"),
		LogFormat:         env("HELIX_LOG_FORMAT", "text"),
		JSONEvents:        envBool("HELIX_JSON_EVENTS", false),
		Model:             env("HELIX_MODEL", file.Model),
		ApprovalPolicy:    env("HELIX_APPROVAL_POLICY", file.ApprovalPolicy),
		SandboxMode:       env("HELIX_SANDBOX", file.SandboxMode),
		ReasoningEffort:   env("HELIX_REASONING_EFFORT", file.ModelReasoningEffort),
		ReasoningSummary:  env("HELIX_REASONING_SUMMARY", file.ModelReasoningSummary),
		ForcedLoginMethod: strings.ToLower(strings.TrimSpace(file.ForcedLoginMethod)),
	}, nil
}

// ReadFile decodes a config.toml. Unknown keys are ignored.
func ReadFile(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fc, nil
		}
		return fc, fmt.Errorf("reading config file: %w", err)
	}
	if _, err := toml.Decode(string(data), &fc); err != nil {
		return fc, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return fc, nil
}

// SessionDefaults captures the turn defaults for a session rooted at cwd.
func (c Config) SessionDefaults(cwd string) protocol.SessionDefaults {
	return protocol.SessionDefaults{
		Cwd:              cwd,
		ApprovalPolicy:   c.ApprovalPolicy,
		SandboxPolicy:    c.SandboxMode,
		Model:            c.Model,
		ReasoningEffort:  c.ReasoningEffort,
		ReasoningSummary: c.ReasoningSummary,
	}
}

// SessionsDir is where codex writes rollout files.
func (c Config) SessionsDir() string {
	return filepath.Join(c.CodexHome, "sessions")
}

func codexHome() string {
	if v := strings.TrimSpace(os.Getenv("CODEX_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".codex"
	}
	return filepath.Join(home, ".codex")
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envBool(k string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func envPath(k, def, baseDir string) string {
	v := env(k, def)
	if v == "" {
		return v
	}
	if filepath.IsAbs(v) {
		return v
	}
	if baseDir == "" {
		return v
	}
	return filepath.Join(baseDir, v)
}
