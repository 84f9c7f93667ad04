package transport

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/secureenv"
)

const osWindows = "windows"

// CreateStdioClient creates an MCP client over a child process's stdio. The
// environment comes from the secure-env manager. The stdio transport is
// returned alongside the client so callers can read stderr after Start.
func CreateStdioClient(sc *config.ServerConfig, envManager *secureenv.Manager, install *config.InstallConfig) (*client.Client, *transport.Stdio, error) {
	if sc.Command == "" {
		return nil, nil, fmt.Errorf("no command specified for stdio transport")
	}

	envVars := envManager.BuildEnv(sc, install)
	args := envManager.ExpandArgs(sc.Args)

	// Wrap in a shell so the user's PATH is respected even under launchd.
	command, cmdArgs := wrapCommandInShell(sc.Command, args)

	stdioTransport := transport.NewStdio(command, envVars, cmdArgs...)
	return client.NewClient(stdioTransport), stdioTransport, nil
}

// wrapCommandInShell wraps the original command in a shell to ensure PATH is loaded
func wrapCommandInShell(command string, args []string) (shellCmd string, shellArgs []string) {
	fullCmd := command
	if len(args) > 0 {
		quotedArgs := make([]string, len(args))
		for i, arg := range args {
			if strings.Contains(arg, " ") {
				quotedArgs[i] = fmt.Sprintf("%q", arg)
			} else {
				quotedArgs[i] = arg
			}
		}
		fullCmd = fmt.Sprintf("%s %s", command, strings.Join(quotedArgs, " "))
	}

	if runtime.GOOS == osWindows {
		return "cmd.exe", []string{"/c", fullCmd}
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return shell, []string{"-l", "-c", fullCmd}
}
