// Package arcade is a client for a managed tool provider whose tools run on
// behalf of an end user and may need that user's authorization first.
package arcade

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://api.arcade.dev"
	// DefaultTimeout bounds every request when no timeout is given.
	DefaultTimeout = 30 * time.Second
)

// Authorization status values reported by the provider.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Config struct {
	APIKey   string   `json:"-" yaml:"-"`
	BaseURL  string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Toolkits []string `json:"toolkits,omitempty" yaml:"toolkits,omitempty"`
	Tools    []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

type Parameter struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
	ValueSchema struct {
		ValType string `json:"val_type"`
	} `json:"value_schema"`
}

// ToolDefinition is one tool as listed by the provider.
type ToolDefinition struct {
	Name               string `json:"name"`
	FullyQualifiedName string `json:"fully_qualified_name"`
	Description        string `json:"description"`
	Toolkit            struct {
		Name string `json:"name"`
	} `json:"toolkit"`
	Input struct {
		Parameters []Parameter `json:"parameters"`
	} `json:"input"`
	Requirements struct {
		Authorization *struct {
			ProviderID string `json:"provider_id"`
		} `json:"authorization,omitempty"`
	} `json:"requirements"`
}

// QualifiedName is the name the provider expects on execute/authorize.
func (d *ToolDefinition) QualifiedName() string {
	if d.Toolkit.Name != "" {
		return d.Toolkit.Name + "." + d.Name
	}
	name, _, _ := strings.Cut(d.FullyQualifiedName, "@")
	return name
}

// ModelName is the qualified name with characters models reject replaced.
func (d *ToolDefinition) ModelName() string {
	return strings.ReplaceAll(d.QualifiedName(), ".", "_")
}

// RequiresAuthorization reports whether the tool declares an auth requirement.
func (d *ToolDefinition) RequiresAuthorization() bool {
	return d.Requirements.Authorization != nil
}

// InputSchema renders the parameter list as a JSON schema object.
func (d *ToolDefinition) InputSchema() json.RawMessage {
	properties := map[string]any{}
	required := []string{}
	for _, p := range d.Input.Parameters {
		properties[p.Name] = map[string]any{
			"type":        jsonType(p.ValueSchema.ValType),
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	b, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	})
	return b
}

func jsonType(valType string) string {
	switch valType {
	case "integer", "number", "boolean", "array", "string":
		return valType
	case "json":
		return "object"
	default:
		return "string"
	}
}

// AuthorizationResponse describes the state of one authorization.
type AuthorizationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

type executeResponse struct {
	Success bool `json:"success"`
	Output  struct {
		Value any `json:"value"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"output"`
}

// Client calls the provider's REST API with a bearer API key.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(config Config, timeout time.Duration) *Client {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.APIKey, TokenType: "Bearer"})),
	}
}

// ListTools lists the tools of one toolkit, or of every toolkit when empty.
func (c *Client) ListTools(ctx context.Context, toolkit string) ([]*ToolDefinition, error) {
	q := url.Values{}
	if toolkit != "" {
		q.Set("toolkit", toolkit)
	}
	var resp struct {
		Items []*ToolDefinition `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/tools/list?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Authorize starts (or looks up) the authorization of a tool for a user.
func (c *Client) Authorize(ctx context.Context, toolName, userID string) (*AuthorizationResponse, error) {
	resp := &AuthorizationResponse{}
	err := c.do(ctx, http.MethodPost, "/v1/tools/authorize", map[string]string{
		"tool_name": toolName,
		"user_id":   userID,
	}, resp)
	return resp, err
}

// Status reports the state of an authorization, letting the provider hold the
// request open for up to wait. The wait is capped to half the client timeout.
func (c *Client) Status(ctx context.Context, id string, wait time.Duration) (*AuthorizationResponse, error) {
	wait = min(wait, c.timeout/2)
	q := url.Values{"id": {id}}
	if wait > 0 {
		q.Set("wait", strconv.Itoa(int(wait.Seconds())))
	}
	resp := &AuthorizationResponse{}
	err := c.do(ctx, http.MethodGet, "/v1/auth/status?"+q.Encode(), nil, resp)
	return resp, err
}

// Execute runs a tool for a user and returns its output rendered as text.
func (c *Client) Execute(ctx context.Context, toolName, userID string, input json.RawMessage) (string, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var resp executeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tools/execute", map[string]any{
		"tool_name": toolName,
		"user_id":   userID,
		"input":     input,
	}, &resp); err != nil {
		return "", err
	}
	if resp.Output.Error != nil {
		return "", errors.Errorf("%s: %s", toolName, resp.Output.Error.Message)
	}
	if !resp.Success {
		return "", errors.Errorf("%s: execution failed", toolName)
	}
	switch v := resp.Output.Value.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		b, err := json.Marshal(v)
		return string(b), err
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}
