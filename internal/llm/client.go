package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rohang62/GPTree/internal/config"
)

const maxErrorBodyBytes = 8 * 1024

var ErrMissingAPIKey = errors.New("openai api key is not configured")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type StreamRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	TopP        float64
}

type chatAPIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	Stream      bool      `json:"stream,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatAPIResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

func NewClient(cfg config.Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		apiKey:       strings.TrimSpace(cfg.OpenAIAPIKey),
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/"),
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		httpClient:   httpClient,
	}
}

// StreamChatCompletion streams completion fragments for the given prompt,
// invoking onDelta for each one in arrival order. A non-nil error from
// onDelta stops consumption and is returned as-is.
func (c Client) StreamChatCompletion(ctx context.Context, req StreamRequest, onDelta func(string) error) error {
	if strings.TrimSpace(c.apiKey) == "" {
		return ErrMissingAPIKey
	}
	if strings.TrimSpace(req.Model) == "" {
		return errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return errors.New("messages are required")
	}

	payload, err := json.Marshal(chatAPIRequest{
		Model:       strings.TrimSpace(req.Model),
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}

	resp, err := c.post(ctx, "/chat/completions", payload, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		var parsed chatAPIResponse
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			continue
		}

		if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
			return fmt.Errorf("llm provider error: %s", strings.TrimSpace(parsed.Error.Message))
		}

		for _, choice := range parsed.Choices {
			delta := choice.Delta.Content
			if delta == "" {
				continue
			}
			if err := onDelta(delta); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read completion stream: %w", err)
	}
	return nil
}

const titleSystemPrompt = "Generate a concise conversation title of at most 8 words. " +
	"Respond with the title only: no quotes, no trailing punctuation."

// Title asks the provider for a short conversation title conditioned on the
// given messages. Single synchronous result, same failure contract as the
// streaming call.
func (c Client) Title(ctx context.Context, messages []Message) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", ErrMissingAPIKey
	}
	if len(messages) == 0 {
		return "", errors.New("messages are required")
	}

	prompt := append([]Message{{Role: "system", Content: titleSystemPrompt}}, messages...)

	payload, err := json.Marshal(chatAPIRequest{
		Model:       c.defaultModel,
		Messages:    prompt,
		Temperature: 0.3,
		TopP:        1.0,
		MaxTokens:   24,
	})
	if err != nil {
		return "", fmt.Errorf("marshal title request: %w", err)
	}

	resp, err := c.post(ctx, "/chat/completions", payload, "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed chatAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode title response: %w", err)
	}
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return "", fmt.Errorf("llm provider error: %s", strings.TrimSpace(parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("title response has no choices")
	}

	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func (c Client) post(ctx context.Context, path string, payload []byte, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request provider: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp, nil
}
