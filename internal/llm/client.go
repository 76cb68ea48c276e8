// Package llm is the client for the local LLM endpoint: chat and generate
// calls plus the strict-JSON parsing the classifier depends on.
package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client talks to a local Ollama-style instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a client with the given base URL and request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate sends a non-streaming prompt at temperature 0 and returns the
// raw response text.
func (c *Client) Generate(model, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	raw, err := c.post("/api/generate", body)
	if err != nil {
		return "", err
	}

	var result generateResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(result.Response) == "" {
		return "", fmt.Errorf("empty response from model")
	}
	return strings.TrimSpace(result.Response), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Chat sends a system+user conversation and returns the reply content.
// Options pass through to the model verbatim; stream is honored as a flag
// only (the response is still read whole).
func (c *Client) Chat(model, system, user string, options map[string]any, stream bool) (string, error) {
	if options == nil {
		options = map[string]any{}
	}
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream:  stream,
		Options: options,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	raw, err := c.post("/api/chat", body)
	if err != nil {
		return "", err
	}

	var result chatResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(result.Message.Content), nil
}

// post sends one request, retrying connect failures and 5xx responses a
// couple of times before giving up. Client errors surface immediately.
func (c *Client) post(path string, body []byte) ([]byte, error) {
	var out []byte

	op := func() error {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("connect to llm: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("llm returned %d: %s", resp.StatusCode, truncateBody(raw))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("llm returned %d: %s", resp.StatusCode, truncateBody(raw)))
		}
		out = raw
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 2)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return out, nil
}

func truncateBody(b []byte) string {
	s := string(b)
	if len(s) > 800 {
		return s[:800] + "...<truncated>"
	}
	return s
}
