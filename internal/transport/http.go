// Package transport creates mcp-go client transports for upstream servers.
package transport

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/config"
)

const httpTimeout = 180 * time.Second

// CreateStreamableHTTPClient creates an MCP client over streamable HTTP.
func CreateStreamableHTTPClient(sc *config.ServerConfig) (*client.Client, error) {
	logger := zap.L().Named("transport")

	if sc.URL == "" {
		return nil, fmt.Errorf("no URL specified for streamable HTTP transport")
	}

	logger.Debug("Creating streamable HTTP client",
		zap.String("server", sc.Name),
		zap.String("url", sc.URL),
		zap.Int("header_count", len(sc.Headers)))

	opts := []transport.StreamableHTTPCOption{
		transport.WithHTTPTimeout(httpTimeout),
	}
	if len(sc.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(sc.Headers))
	}

	httpTransport, err := transport.NewStreamableHTTP(sc.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}

// CreateSSEClient creates an MCP client over SSE.
func CreateSSEClient(sc *config.ServerConfig) (*client.Client, error) {
	logger := zap.L().Named("transport")

	if sc.URL == "" {
		return nil, fmt.Errorf("no URL specified for SSE transport")
	}

	// Custom HTTP client with a long timeout; SSE holds the GET open.
	httpClient := &http.Client{
		Timeout: httpTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			DisableKeepAlives:   false,
			MaxIdleConnsPerHost: 5,
		},
	}

	logger.Debug("Creating SSE client",
		zap.String("server", sc.Name),
		zap.String("url", sc.URL),
		zap.Int("header_count", len(sc.Headers)))

	opts := []transport.ClientOption{
		client.WithHTTPClient(httpClient),
	}
	if len(sc.Headers) > 0 {
		opts = append(opts, client.WithHeaders(sc.Headers))
	}

	sseClient, err := client.NewSSEMCPClient(sc.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}
	return sseClient, nil
}

var statusCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`request failed with status (\d{3})`),
	regexp.MustCompile(`HTTP (\d{3})`),
	regexp.MustCompile(`status code:? (\d{3})`),
	regexp.MustCompile(`unexpected status:? (\d{3})`),
}

// StatusCodeFromError digs an HTTP status code out of a transport error's
// text. mcp-go surfaces HTTP failures as formatted strings, so matching the
// known shapes is the only classification available. Returns 0 when no code
// is found.
func StatusCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	msg := err.Error()
	for _, re := range statusCodePatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			if code, convErr := strconv.Atoi(m[1]); convErr == nil {
				return code
			}
		}
	}
	return 0
}

// IsRecoverableClientStatus reports whether the status code is in the 4xx
// class, where a session rebuild may clear a stale or expired session.
func IsRecoverableClientStatus(code int) bool {
	return code >= 400 && code < 500
}
