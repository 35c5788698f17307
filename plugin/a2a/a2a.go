// Package a2a delegates tasks to remote agents that publish an agent card.
package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultCardPath is where agents publish their card when no path is configured.
const DefaultCardPath = "/.well-known/agent.json"

// AgentConfig points at one remote agent.
type AgentConfig struct {
	BaseURL       string            `json:"base_url" yaml:"base_url"`
	AgentCardPath string            `json:"agent_card_path,omitempty" yaml:"agent_card_path,omitempty"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

func (c AgentConfig) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("remote agent: invalid base_url %q", c.BaseURL)
	}
	return nil
}

func (c AgentConfig) cardURL() string {
	path := c.AgentCardPath
	if path == "" {
		path = DefaultCardPath
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Skill is one advertised capability of a remote agent.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AgentCard is the capability document a remote agent publishes.
type AgentCard struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	URL         string  `json:"url"`
	Version     string  `json:"version"`
	Skills      []Skill `json:"skills"`
}

type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type TaskParams struct {
	ID        string  `json:"id"`
	SessionID string  `json:"sessionId"`
	Message   Message `json:"message"`
}

type TaskStatus struct {
	State   string   `json:"state"`
	Message *Message `json:"message,omitempty"`
}

type Artifact struct {
	Parts []Part `json:"parts"`
}

type Task struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result *Task     `json:"result"`
	Error  *rpcError `json:"error"`
}

// Client fetches agent cards and sends tasks.
type Client struct {
	httpClient *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// FetchCard downloads the agent card.
func (c *Client) FetchCard(ctx context.Context, cfg AgentConfig) (*AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.cardURL(), nil)
	if err != nil {
		return nil, err
	}
	setHeaders(req, cfg.Headers)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch agent card")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch agent card: unexpected status %d", resp.StatusCode)
	}
	card := &AgentCard{}
	if err := json.NewDecoder(resp.Body).Decode(card); err != nil {
		return nil, errors.Wrap(err, "decode agent card")
	}
	if strings.TrimSpace(card.Name) == "" {
		return nil, errors.New("agent card has no name")
	}
	if card.URL == "" {
		card.URL = cfg.BaseURL
	}
	if err := sameHost(cfg.BaseURL, card.URL); err != nil {
		return nil, err
	}
	return card, nil
}

// SendTask sends a text message as a new task and returns the agent's text reply.
func (c *Client) SendTask(ctx context.Context, cfg AgentConfig, card *AgentCard, sessionID, text string) (string, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "tasks/send",
		Params: TaskParams{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Message:   Message{Role: "user", Parts: []Part{{Type: "text", Text: text}}},
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, card.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req, cfg.Headers)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "send task")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.Errorf("send task: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var rpc rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return "", errors.Wrap(err, "decode task response")
	}
	if rpc.Error != nil {
		return "", errors.Errorf("remote agent error %d: %s", rpc.Error.Code, rpc.Error.Message)
	}
	if rpc.Result == nil {
		return "", errors.New("remote agent returned no task")
	}
	if rpc.Result.Status.State == "failed" {
		return "", errors.Errorf("remote agent task failed: %s", taskText(rpc.Result))
	}
	return taskText(rpc.Result), nil
}

// ToolName turns a card name into an identifier models accept.
func ToolName(card *AgentCard) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(card.Name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Describe renders a tool description from the card and its skills.
func Describe(card *AgentCard) string {
	var b strings.Builder
	b.WriteString(card.Description)
	if len(card.Skills) > 0 {
		b.WriteString("\nSkills:")
		for _, s := range card.Skills {
			fmt.Fprintf(&b, "\n- %s: %s", s.Name, s.Description)
		}
	}
	return strings.TrimSpace(b.String())
}

func taskText(task *Task) string {
	var parts []string
	for _, a := range task.Artifacts {
		for _, p := range a.Parts {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
	}
	if len(parts) == 0 && task.Status.Message != nil {
		for _, p := range task.Status.Message.Parts {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sameHost keeps tasks on the host the agent was configured with.
func sameHost(baseURL, cardURL string) error {
	base, err := url.Parse(baseURL)
	if err != nil {
		return errors.Wrap(err, "parse base_url")
	}
	target, err := url.Parse(cardURL)
	if err != nil {
		return errors.Wrap(err, "parse agent card url")
	}
	if target.Scheme != base.Scheme || !strings.EqualFold(target.Host, base.Host) {
		return errors.Errorf("agent card url %q is not on %s", cardURL, base.Host)
	}
	return nil
}

func setHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
