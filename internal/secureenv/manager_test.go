package secureenv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zxerai/mcphub/internal/config"
)

func envValue(env []string, name string) (string, bool) {
	prefix := name + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix), true
		}
	}
	return "", false
}

func TestBuildEnvFiltersSystemVars(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_TOKEN", "do-not-leak")

	m := NewManager(nil)
	env := m.BuildEnv(&config.ServerConfig{Command: "some-server"}, nil)

	path, ok := envValue(env, "PATH")
	require.True(t, ok)
	assert.Equal(t, "/usr/bin", path)
	_, leaked := envValue(env, "SECRET_TOKEN")
	assert.False(t, leaked)
}

func TestBuildEnvExpandsReferences(t *testing.T) {
	t.Setenv("GH_TOKEN", "tok-123")

	m := NewManager(nil)
	env := m.BuildEnv(&config.ServerConfig{
		Command: "npx",
		Env: map[string]string{
			"GITHUB_TOKEN": "${GH_TOKEN}",
			"STATIC":       "value",
			"MISSING":      "${NO_SUCH_VAR_SET}",
		},
	}, nil)

	got, _ := envValue(env, "GITHUB_TOKEN")
	assert.Equal(t, "tok-123", got)
	got, _ = envValue(env, "STATIC")
	assert.Equal(t, "value", got)
	got, _ = envValue(env, "MISSING")
	assert.Empty(t, got)
}

func TestBuildEnvExpandsBarePathReference(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")

	m := NewManager(nil)
	env := m.BuildEnv(&config.ServerConfig{
		Command: "npx",
		Env: map[string]string{
			"PATH":  "/custom/bin:$PATH",
			"OTHER": "keep $PATH literal",
		},
	}, nil)

	got, ok := envValue(env, "PATH")
	require.True(t, ok)
	assert.Equal(t, "/custom/bin:/usr/bin", got)

	// Bare $VAR stays literal everywhere except the PATH entry.
	got, _ = envValue(env, "OTHER")
	assert.Equal(t, "keep $PATH literal", got)
}

func TestBuildEnvRegistryInjection(t *testing.T) {
	m := NewManager(nil)
	install := &config.InstallConfig{
		PythonIndexURL: "https://pypi.internal/simple",
		NpmRegistry:    "https://npm.internal",
	}

	env := m.BuildEnv(&config.ServerConfig{Command: "uvx"}, install)
	got, ok := envValue(env, "UV_DEFAULT_INDEX")
	require.True(t, ok)
	assert.Equal(t, "https://pypi.internal/simple", got)
	_, ok = envValue(env, "npm_config_registry")
	assert.False(t, ok)

	env = m.BuildEnv(&config.ServerConfig{Command: "/usr/local/bin/npx"}, install)
	got, ok = envValue(env, "npm_config_registry")
	require.True(t, ok)
	assert.Equal(t, "https://npm.internal", got)

	// Unrelated commands get no registry overrides.
	env = m.BuildEnv(&config.ServerConfig{Command: "./custom-server"}, install)
	_, ok = envValue(env, "UV_DEFAULT_INDEX")
	assert.False(t, ok)
}

func TestExpandArgs(t *testing.T) {
	t.Setenv("WORKDIR", "/srv/data")
	m := NewManager(nil)

	args := m.ExpandArgs([]string{"--root", "${WORKDIR}", "plain", "$HOME"})
	assert.Equal(t, []string{"--root", "/srv/data", "plain", "$HOME"}, args)
}

func TestExpandUnterminated(t *testing.T) {
	assert.Equal(t, "${OOPS", Expand("${OOPS"))
	assert.Equal(t, "no refs", Expand("no refs"))
}
