// Package auth manages the credentials codex reads from $CODEX_HOME.
// API keys are written directly; browser and device flows are delegated to
// the codex binary.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var ErrNotLoggedIn = errors.New("not logged in")

const (
	authFileName = "auth.json"

	LoginMethodAPI     = "api"
	LoginMethodChatGPT = "chatgpt"
)

type Mode string

const (
	ModeAPIKey  Mode = "api_key"
	ModeChatGPT Mode = "chatgpt"
)

type Status struct {
	Mode   Mode
	APIKey string
}

// authFile mirrors codex's auth.json. Tokens are kept opaque.
type authFile struct {
	OpenAIAPIKey *string         `json:"OPENAI_API_KEY"`
	Tokens       json.RawMessage `json:"tokens,omitempty"`
	LastRefresh  json.RawMessage `json:"last_refresh,omitempty"`
}

type Service struct {
	home     string
	codexBin string
}

func New(codexHome, codexBin string) *Service {
	if codexBin == "" {
		codexBin = "codex"
	}
	return &Service{home: codexHome, codexBin: codexBin}
}

func (s *Service) path() string {
	return filepath.Join(s.home, authFileName)
}

// CheckLoginMethod enforces forced_login_method from config.toml.
func CheckLoginMethod(forced string, apiKey bool) error {
	switch strings.ToLower(strings.TrimSpace(forced)) {
	case LoginMethodAPI:
		if !apiKey {
			return fmt.Errorf("this workspace requires API key login")
		}
	case LoginMethodChatGPT:
		if apiKey {
			return fmt.Errorf("this workspace requires ChatGPT login")
		}
	}
	return nil
}

// LoginWithAPIKey replaces any stored credentials with key.
func (s *Service) LoginWithAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("api key is required")
	}
	if err := os.MkdirAll(s.home, 0o700); err != nil {
		return fmt.Errorf("create codex home: %w", err)
	}
	data, err := json.MarshalIndent(authFile{OpenAIAPIKey: &key}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.home, authFileName+".*")
	if err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("store api key: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("store api key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path()); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	return nil
}

// Logout removes stored credentials and reports whether any existed.
func (s *Service) Logout() (bool, error) {
	err := os.Remove(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove credentials: %w", err)
	}
	return true, nil
}

func (s *Service) Status() (Status, error) {
	data, err := os.ReadFile(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return Status{}, ErrNotLoggedIn
	}
	if err != nil {
		return Status{}, fmt.Errorf("load auth state: %w", err)
	}
	var f authFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Status{}, fmt.Errorf("parse %s: %w", s.path(), err)
	}
	if f.OpenAIAPIKey != nil && strings.TrimSpace(*f.OpenAIAPIKey) != "" {
		return Status{Mode: ModeAPIKey, APIKey: *f.OpenAIAPIKey}, nil
	}
	if len(f.Tokens) > 0 && string(f.Tokens) != "null" {
		return Status{Mode: ModeChatGPT}, nil
	}
	return Status{}, ErrNotLoggedIn
}

// InteractiveLogin runs `codex login`, optionally with the device code
// flow, attached to the given streams.
func (s *Service) InteractiveLogin(ctx context.Context, deviceCode bool, stdin io.Reader, stdout, stderr io.Writer) error {
	args := []string{"login"}
	if deviceCode {
		args = append(args, "--device-auth")
	}
	cmd := exec.CommandContext(ctx, s.codexBin, args...)
	cmd.Env = append(os.Environ(), "CODEX_HOME="+s.home)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if deviceCode {
			return fmt.Errorf("device code login failed: %w", err)
		}
		return fmt.Errorf("browser login failed: %w", err)
	}
	return nil
}

// SafeKeyPreview shows the first and last three characters of key.
func SafeKeyPreview(key string) string {
	if len(key) <= 6 {
		return "***"
	}
	return key[:3] + "***" + key[len(key)-3:]
}
