package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCodeFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"wrapped text", fmt.Errorf("call: %w", errors.New("request failed with status 404")), 404},
		{"request failed text", errors.New("request failed with status 401"), 401},
		{"http text", errors.New("HTTP 403 Forbidden"), 403},
		{"status code text", errors.New("unexpected status: 410"), 410},
		{"no code", errors.New("connection refused"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCodeFromError(tt.err))
		})
	}
}

func TestIsRecoverableClientStatus(t *testing.T) {
	assert.True(t, IsRecoverableClientStatus(400))
	assert.True(t, IsRecoverableClientStatus(404))
	assert.True(t, IsRecoverableClientStatus(499))
	assert.False(t, IsRecoverableClientStatus(399))
	assert.False(t, IsRecoverableClientStatus(500))
	assert.False(t, IsRecoverableClientStatus(0))
}

func TestWrapCommandInShell(t *testing.T) {
	cmd, args := wrapCommandInShell("npx", []string{"-y", "server with space"})
	assert.NotEmpty(t, cmd)
	last := args[len(args)-1]
	assert.Contains(t, last, "npx -y")
	assert.Contains(t, last, `"server with space"`)
}
