package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/fusheng-game/fusheng/internal/domain"
)

// Completer is the transport contract for one generation backend. Implemented
// by HTTPClient; tests substitute fakes.
type Completer interface {
	// Complete performs a blocking chat completion and returns the full text.
	Complete(ctx context.Context, model string, messages []domain.Message) (string, error)

	// Stream performs a streaming chat completion, yielding text chunks.
	Stream(ctx context.Context, model string, messages []domain.Message) iter.Seq2[string, error]
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient creates a client for the given OpenAI-compatible endpoint.
// baseURL is the API root, e.g. "https://api.openai.com/v1".
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

type chatRequest struct {
	Model     string           `json:"model"`
	Messages  []domain.Message `json:"messages"`
	Stream    bool             `json:"stream,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete performs a blocking chat completion.
func (c *HTTPClient) Complete(ctx context.Context, model string, messages []domain.Message) (string, error) {
	body, err := c.post(ctx, chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", err
	}
	defer func() {
		_ = body.Close()
	}()

	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("provider error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream performs a streaming chat completion, yielding SSE delta chunks in
// arrival order. A transport or decode failure is yielded once and ends the
// sequence.
func (c *HTTPClient) Stream(ctx context.Context, model string, messages []domain.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := c.post(ctx, chatRequest{Model: model, Messages: messages, Stream: true})
		if err != nil {
			yield("", err)
			return
		}
		defer func() {
			_ = body.Close()
		}()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var resp chatResponse
			if err := json.Unmarshal([]byte(data), &resp); err != nil {
				yield("", fmt.Errorf("decode stream event: %w", err))
				return
			}
			if resp.Error != nil {
				yield("", fmt.Errorf("provider error: %s", resp.Error.Message))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if chunk := resp.Choices[0].Delta.Content; chunk != "" {
				if !yield(chunk, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("read stream: %w", err))
		}
	}
}

func (c *HTTPClient) post(ctx context.Context, reqBody chatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call provider: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return resp.Body, nil
}
