package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatMessage is one turn in a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamDelta is one unit of streamed completion output. A delta with a
// non-nil Err is terminal.
type StreamDelta struct {
	Content string
	Err     error
}

// Provider is the completion capability used by the router, the
// specialists and the consolidator. Tests substitute a scripted fake.
type Provider interface {
	Configured() bool
	ChatCompletion(ctx context.Context, messages []ChatMessage, temperature float64) (string, error)
	StreamChatCompletion(ctx context.Context, messages []ChatMessage, temperature float64) (<-chan StreamDelta, error)
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// New creates a client. An empty baseURL yields an unconfigured client;
// callers check Configured() and fall back to deterministic behavior.
func New(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
	}
}

// Configured reports whether a provider endpoint is set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, body chatCompletionRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("completion request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}

// ChatCompletion performs a blocking completion and returns the full text.
func (c *Client) ChatCompletion(ctx context.Context, messages []ChatMessage, temperature float64) (string, error) {
	resp, err := c.post(ctx, chatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode completion response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// StreamChatCompletion performs a streaming completion. The returned
// channel carries content deltas and closes when the stream ends; a
// terminal delta with Err set reports mid-stream failure. The stream
// stops when ctx is cancelled.
func (c *Client) StreamChatCompletion(ctx context.Context, messages []ChatMessage, temperature float64) (<-chan StreamDelta, error) {
	resp, err := c.post(ctx, chatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan StreamDelta, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var parsed chatCompletionResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				// Skip malformed keepalive frames.
				continue
			}
			if parsed.Error != nil {
				select {
				case out <- StreamDelta{Err: fmt.Errorf("provider error: %s", parsed.Error.Message)}:
				case <-ctx.Done():
				}
				return
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			if content := parsed.Choices[0].Delta.Content; content != "" {
				select {
				case out <- StreamDelta{Content: content}:
				case <-ctx.Done():
					return
				}
			}
			if parsed.Choices[0].FinishReason != "" {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- StreamDelta{Err: fmt.Errorf("stream read failed: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}
