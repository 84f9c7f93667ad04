// Package secureenv builds filtered environments for stdio child processes.
// Children inherit only a safe allow-list of system variables plus the
// server's configured env, with ${VAR} references expanded from the hub's
// own environment.
package secureenv

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/zxerai/mcphub/internal/config"
)

const osWindows = "windows"

// EnvConfig represents environment configuration for secure filtering
type EnvConfig struct {
	InheritSystemSafe bool              `json:"inherit_system_safe"`
	AllowedSystemVars []string          `json:"allowed_system_vars"`
	CustomVars        map[string]string `json:"custom_vars"`
}

// DefaultEnvConfig returns default environment configuration with safe system variables
func DefaultEnvConfig() *EnvConfig {
	allowedVars := []string{
		"PATH",     // Essential for finding executables
		"HOME",     // User directory path (Unix)
		"TMPDIR",   // Temporary directory (Unix)
		"TEMP",     // Temporary directory (Windows)
		"TMP",      // Temporary directory (Windows)
		"SHELL",    // Default shell
		"TERM",     // Terminal type
		"LANG",     // Language settings
		"USER",     // Current user (Unix)
		"USERNAME", // Current user (Windows)
	}

	if runtime.GOOS == osWindows {
		allowedVars = append(allowedVars,
			"USERPROFILE",
			"APPDATA",
			"LOCALAPPDATA",
			"PROGRAMFILES",
			"SYSTEMROOT",
			"COMSPEC",
		)
	} else {
		allowedVars = append(allowedVars,
			"XDG_CONFIG_HOME",
			"XDG_DATA_HOME",
			"XDG_CACHE_HOME",
			"XDG_RUNTIME_DIR",
		)
	}

	allowedVars = append(allowedVars,
		"LC_ALL", "LC_CTYPE", "LC_NUMERIC", "LC_TIME", "LC_COLLATE",
		"LC_MONETARY", "LC_MESSAGES",
	)

	return &EnvConfig{
		InheritSystemSafe: true,
		AllowedSystemVars: allowedVars,
		CustomVars:        make(map[string]string),
	}
}

// pythonCommands and nodeCommands are the launchers that honor registry
// overrides from systemConfig.install.
var (
	pythonCommands = map[string]bool{"uv": true, "uvx": true, "python": true, "python3": true, "pip": true}
	nodeCommands   = map[string]bool{"npm": true, "npx": true, "pnpm": true, "yarn": true, "node": true}
)

// Manager handles secure environment variable filtering
type Manager struct {
	config *EnvConfig
}

// NewManager creates a new secure environment manager
func NewManager(cfg *EnvConfig) *Manager {
	if cfg == nil {
		cfg = DefaultEnvConfig()
	}
	return &Manager{config: cfg}
}

// BuildEnv assembles the child environment for a stdio server: the safe
// system allow-list, then custom vars, then the server's own env with
// ${VAR} references expanded. The PATH entry additionally expands bare
// $VAR so it can extend the parent's PATH. Registry overrides are injected
// last based on the command being launched.
func (m *Manager) BuildEnv(sc *config.ServerConfig, install *config.InstallConfig) []string {
	envMap := make(map[string]string)

	if m.config.InheritSystemSafe {
		for _, name := range m.config.AllowedSystemVars {
			if value, ok := os.LookupEnv(name); ok {
				envMap[name] = value
			}
		}
	}

	for name, value := range m.config.CustomVars {
		envMap[name] = Expand(value)
	}

	for name, value := range sc.Env {
		if name == "PATH" {
			// PATH entries may splice in the parent's value as bare $PATH.
			envMap[name] = os.Expand(value, os.Getenv)
			continue
		}
		envMap[name] = Expand(value)
	}

	base := baseCommand(sc.Command)
	if install != nil {
		if install.PythonIndexURL != "" && pythonCommands[base] {
			envMap["UV_DEFAULT_INDEX"] = install.PythonIndexURL
			envMap["PIP_INDEX_URL"] = install.PythonIndexURL
		}
		if install.NpmRegistry != "" && nodeCommands[base] {
			envMap["npm_config_registry"] = install.NpmRegistry
		}
	}

	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, envMap[k]))
	}
	return env
}

// ExpandArgs expands ${VAR} references in command arguments.
func (m *Manager) ExpandArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = Expand(a)
	}
	return out
}

// Expand substitutes ${VAR} references from the hub's environment. Unset
// variables expand to the empty string; bare $VAR is left alone so shell-ish
// arguments survive untouched.
func Expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])
		name := s[start+2 : start+end]
		b.WriteString(os.Getenv(name))
		s = s[start+end+1:]
	}
	return b.String()
}

func baseCommand(command string) string {
	if command == "" {
		return ""
	}
	base := filepath.Base(command)
	if runtime.GOOS == osWindows {
		base = strings.TrimSuffix(strings.ToLower(base), ".exe")
	}
	return base
}
