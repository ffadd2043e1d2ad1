// Package policy checks session defaults before a conversation starts.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"helixrun/internal/protocol"
)

// Policy restricts working directories to WorkspaceRoots. With no roots,
// any existing directory is accepted.
type Policy struct {
	WorkspaceRoots []string
}

var safeOptionValue = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

var (
	sandboxModes = []string{
		"read-only", "workspace-write", "danger-full-access",
		"readOnly", "workspaceWrite", "dangerFullAccess",
	}
	approvalPolicies   = []string{"untrusted", "on-failure", "on-request", "never"}
	reasoningEfforts   = []string{"none", "minimal", "low", "medium", "high", "xhigh"}
	reasoningSummaries = []string{"auto", "concise", "detailed", "none"}
)

func New(roots []string) *Policy {
	return &Policy{WorkspaceRoots: roots}
}

// ValidateWorkspace resolves path and returns its absolute, symlink-free
// form.
func (p *Policy) ValidateWorkspace(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("working directory is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("working directory %q: %w", absPath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %q is not a directory", absPath)
	}
	if real, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = real
	}
	if len(p.WorkspaceRoots) == 0 {
		return absPath, nil
	}
	for _, root := range p.WorkspaceRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(absRoot); err == nil {
			absRoot = real
		}
		if isWithinRoot(absRoot, absPath) {
			return absPath, nil
		}
	}
	return "", fmt.Errorf("working directory %q is outside allowed roots", absPath)
}

// ValidateDefaults checks every option value and returns d with Cwd
// resolved. Empty options are left for the app-server to default.
func (p *Policy) ValidateDefaults(d protocol.SessionDefaults) (protocol.SessionDefaults, error) {
	if d.Model != "" && !safeOptionValue.MatchString(d.Model) {
		return d, fmt.Errorf("invalid model option")
	}
	if err := oneOf("sandbox", d.SandboxPolicy, sandboxModes); err != nil {
		return d, err
	}
	if err := oneOf("approval_policy", d.ApprovalPolicy, approvalPolicies); err != nil {
		return d, err
	}
	if err := oneOf("reasoning_effort", d.ReasoningEffort, reasoningEfforts); err != nil {
		return d, err
	}
	if err := oneOf("reasoning_summary", d.ReasoningSummary, reasoningSummaries); err != nil {
		return d, err
	}
	cwd, err := p.ValidateWorkspace(d.Cwd)
	if err != nil {
		return d, err
	}
	d.Cwd = cwd
	return d, nil
}

func oneOf(name, v string, allowed []string) error {
	if v == "" {
		return nil
	}
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s option %q (expected one of %s)", name, v, strings.Join(allowed, ", "))
}

func isWithinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." || rel == "" {
		return true
	}
	if rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
