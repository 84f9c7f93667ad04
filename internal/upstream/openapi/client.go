// Package openapi adapts a REST API described by an OpenAPI specification
// into the upstream adapter surface: one tool per operation.
package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/upstream/types"
)

const specFetchTimeout = 30 * time.Second

// operation is one synthesized tool with everything needed to execute it.
type operation struct {
	name        string
	description string
	method      string
	path        string
	params      openapi3.Parameters
	hasBody     bool
	bodyProps   map[string]bool // top-level body members, for arg splitting
	inputSchema json.RawMessage
}

// Client is the OpenAPI upstream adapter.
type Client struct {
	cfg    *config.ServerConfig
	logger *zap.Logger
	http   *http.Client

	mu        sync.Mutex
	connected bool
	baseURL   string
	ops       map[string]*operation
	order     []string
}

var _ types.Adapter = (*Client)(nil)

// NewClient creates an OpenAPI adapter. Connect downloads and parses the spec.
func NewClient(cfg *config.ServerConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("server", cfg.Name)),
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Connect loads the spec (URL or inline schema), validates it, and
// synthesizes one tool per operation.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	oc := c.cfg.OpenAPI
	if oc == nil {
		return fmt.Errorf("server %s has no openapi section", c.cfg.Name)
	}

	specData := []byte(oc.Schema)
	if len(specData) == 0 {
		data, err := c.fetchSpec(ctx, oc.URL)
		if err != nil {
			return err
		}
		specData = data
	}

	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true
	doc, err := loader.LoadFromData(specData)
	if err != nil {
		return fmt.Errorf("failed to load OpenAPI spec for %s: %w", c.cfg.Name, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return fmt.Errorf("OpenAPI spec validation failed for %s: %w", c.cfg.Name, err)
	}

	c.baseURL = c.resolveBaseURL(doc)
	c.ops = make(map[string]*operation)
	c.order = nil

	if doc.Paths != nil {
		for path, pathItem := range doc.Paths.Map() {
			if pathItem == nil {
				continue
			}
			for method, op := range pathItem.Operations() {
				if op == nil {
					continue
				}
				built, err := buildOperation(method, path, pathItem, op)
				if err != nil {
					c.logger.Warn("Skipping operation with unusable schema",
						zap.String("method", method),
						zap.String("path", path),
						zap.Error(err))
					continue
				}
				if _, dup := c.ops[built.name]; dup {
					c.logger.Warn("Duplicate operation name in spec, keeping first",
						zap.String("operation", built.name))
					continue
				}
				c.ops[built.name] = built
				c.order = append(c.order, built.name)
			}
		}
	}

	c.logger.Info("Loaded OpenAPI upstream",
		zap.String("base_url", c.baseURL),
		zap.Int("operations", len(c.ops)))
	c.connected = true
	return nil
}

func (c *Client) fetchSpec(ctx context.Context, specURL string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, specFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid spec URL %q: %w", specURL, err)
	}
	c.applySecurity(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OpenAPI spec: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spec fetch returned HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// resolveBaseURL prefers the spec's first server entry; relative server URLs
// and missing servers fall back to the spec URL's origin.
func (c *Client) resolveBaseURL(doc *openapi3.T) string {
	var base string
	if len(doc.Servers) > 0 && doc.Servers[0] != nil {
		base = doc.Servers[0].URL
	}
	specURL := ""
	if c.cfg.OpenAPI != nil {
		specURL = c.cfg.OpenAPI.URL
	}
	if base == "" {
		return strings.TrimSuffix(originOf(specURL), "/")
	}
	if strings.HasPrefix(base, "/") && specURL != "" {
		return strings.TrimSuffix(originOf(specURL), "/") + base
	}
	return strings.TrimSuffix(base, "/")
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

// ListTools returns the synthesized declarations in spec order.
func (c *Client) ListTools(_ context.Context) ([]types.ToolDecl, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("not connected to %s", c.cfg.Name)
	}

	decls := make([]types.ToolDecl, 0, len(c.order))
	for _, name := range c.order {
		op := c.ops[name]
		decls = append(decls, types.ToolDecl{
			Name:        op.name,
			Description: op.description,
			InputSchema: op.inputSchema,
		})
	}
	return decls, nil
}

// CallTool executes the HTTP operation behind the tool name. A non-2xx
// response is an execution failure (isError result), not a transport error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*types.CallResult, error) {
	c.mu.Lock()
	op, ok := c.ops[name]
	baseURL := c.baseURL
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil, fmt.Errorf("not connected to %s", c.cfg.Name)
	}
	if !ok {
		return nil, fmt.Errorf("unknown operation %q on %s", name, c.cfg.Name)
	}

	req, err := c.buildRequest(ctx, baseURL, op, args)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", op.method, op.path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response of %s %s: %w", op.method, op.path, err)
	}

	text := string(body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &types.CallResult{
			Content: []interface{}{mcp.NewTextContent(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, text))},
			IsError: true,
		}, nil
	}
	return &types.CallResult{
		Content: []interface{}{mcp.NewTextContent(text)},
	}, nil
}

func (c *Client) buildRequest(ctx context.Context, baseURL string, op *operation, args map[string]interface{}) (*http.Request, error) {
	path := op.path
	query := url.Values{}
	headers := map[string]string{}
	cookies := map[string]string{}
	used := map[string]bool{}

	for _, ref := range op.params {
		if ref == nil || ref.Value == nil {
			continue
		}
		p := ref.Value
		raw, present := args[p.Name]
		if !present {
			if p.Required && p.In == openapi3.ParameterInPath {
				return nil, fmt.Errorf("missing required path parameter %q", p.Name)
			}
			continue
		}
		used[p.Name] = true
		value := stringifyArg(raw)
		switch p.In {
		case openapi3.ParameterInPath:
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(value))
		case openapi3.ParameterInQuery:
			query.Set(p.Name, value)
		case openapi3.ParameterInHeader:
			headers[p.Name] = value
		case openapi3.ParameterInCookie:
			cookies[p.Name] = value
		}
	}

	var bodyReader io.Reader
	if op.hasBody {
		body := map[string]interface{}{}
		for k, v := range args {
			if used[k] {
				continue
			}
			if len(op.bodyProps) == 0 || op.bodyProps[k] {
				body[k] = v
			}
		}
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	fullURL := baseURL + path
	if enc := query.Encode(); enc != "" {
		fullURL += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, op.method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building request for %s %s: %w", op.method, op.path, err)
	}
	if op.hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for k, v := range cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}
	c.applySecurity(req)
	return req, nil
}

// applySecurity injects credentials per the configured security variant.
func (c *Client) applySecurity(req *http.Request) {
	if c.cfg.OpenAPI == nil || c.cfg.OpenAPI.Security == nil {
		return
	}
	sec := c.cfg.OpenAPI.Security
	switch sec.Type {
	case "apiKey":
		if sec.APIKey == nil {
			return
		}
		switch sec.APIKey.In {
		case "header":
			req.Header.Set(sec.APIKey.Name, sec.APIKey.Value)
		case "query":
			q := req.URL.Query()
			q.Set(sec.APIKey.Name, sec.APIKey.Value)
			req.URL.RawQuery = q.Encode()
		case "cookie":
			req.AddCookie(&http.Cookie{Name: sec.APIKey.Name, Value: sec.APIKey.Value})
		}
	case "http":
		if sec.HTTP == nil {
			return
		}
		switch strings.ToLower(sec.HTTP.Scheme) {
		case "basic":
			req.Header.Set("Authorization", "Basic "+sec.HTTP.Credentials)
		default:
			req.Header.Set("Authorization", "Bearer "+sec.HTTP.Credentials)
		}
	case "oauth2":
		if sec.OAuth2 != nil && sec.OAuth2.Token != "" {
			req.Header.Set("Authorization", "Bearer "+sec.OAuth2.Token)
		}
	case "openIdConnect":
		if sec.OpenIDConnect != nil && sec.OpenIDConnect.Token != "" {
			req.Header.Set("Authorization", "Bearer "+sec.OpenIDConnect.Token)
		}
	}
}

func stringifyArg(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers arrive as float64; keep integers clean.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// Ping verifies the adapter holds a parsed spec. There is no session to probe.
func (c *Client) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("not connected to %s", c.cfg.Name)
	}
	return nil
}

// Close drops the parsed operations.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.ops = nil
	c.order = nil
	c.http.CloseIdleConnections()
	return nil
}
