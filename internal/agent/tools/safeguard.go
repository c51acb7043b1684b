package tools

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/loopcore/agentd/internal/agent/gate"
)

// Critical-path escalation. Writes and deletions touching credential files
// or CI/CD configuration always require explicit approval, regardless of the
// tool's registered tier or the session's auto-approve setting. This runs in
// the loop before the gate check and cannot be bypassed by any setting.

// criticalPathFragments match anywhere in the cleaned path.
var criticalPathFragments = []string{
	".ssh/",
	".aws/credentials",
	".aws/config",
	".kube/config",
	".github/workflows",
	".gnupg/",
}

// criticalBasenames match the file name exactly.
var criticalBasenames = []string{
	".env",
	".gitlab-ci.yml",
	".npmrc",
	".netrc",
	"id_rsa",
	"id_ed25519",
	"Jenkinsfile",
	"credentials",
}

// IsCriticalPath reports whether a path points at credentials or CI config.
func IsCriticalPath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	for _, fragment := range criticalPathFragments {
		if strings.Contains(clean, fragment) {
			return true
		}
	}
	base := filepath.Base(clean)
	for _, name := range criticalBasenames {
		if base == name {
			return true
		}
	}
	// .env variants like .env.production
	if strings.HasPrefix(base, ".env.") {
		return true
	}
	return false
}

// EffectiveTier escalates a call's risk tier to always_confirm when it
// targets a critical path. Safe and read-only calls keep their tier.
func EffectiveTier(toolName string, tier gate.RiskTier, input json.RawMessage) gate.RiskTier {
	if tier == gate.TierAlwaysConfirm {
		return tier
	}

	switch toolName {
	case "write_file", "delete_file":
		var in struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(input, &in); err == nil && IsCriticalPath(in.Path) {
			return gate.TierAlwaysConfirm
		}
	case "shell":
		var in struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(input, &in); err == nil {
			if commandTouchesCriticalPath(in.Command) {
				return gate.TierAlwaysConfirm
			}
			// Read-only commands skip the gate entirely
			if IsSafeCommand(in.Command) {
				return gate.TierSafe
			}
		}
	}
	return tier
}

// commandTouchesCriticalPath scans a command line's tokens for critical
// paths. Coarse on purpose: a false positive costs one approval prompt.
func commandTouchesCriticalPath(cmd string) bool {
	for _, token := range strings.Fields(cmd) {
		token = strings.Trim(token, `"'`)
		if IsCriticalPath(token) {
			return true
		}
	}
	return false
}
