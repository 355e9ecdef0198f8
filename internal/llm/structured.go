package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/nudge/internal/config"
)

// StructuredClient calls an OpenAI-compatible chat/completions endpoint
// for prediction-style requests that must return a JSON object. It is
// deliberately separate from the agent runtime: prediction calls carry no
// session state and want a low temperature and a strict response format.
type StructuredClient struct {
	cfg        *config.Config
	httpClient *http.Client
}

func NewStructuredClient(cfg *config.Config) *StructuredClient {
	return &StructuredClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CompleteJSON sends the prompt and returns the raw model output, which
// the caller feeds through ExtractJSONObject. providerID selects an entry
// from the providers map; blank falls back to the primary provider.
func (c *StructuredClient) CompleteJSON(ctx context.Context, prompt, providerID string) (string, error) {
	provider := c.cfg.ProviderByID(providerID)

	apiKey := strings.TrimSpace(provider.APIKey)
	if apiKey == "" {
		return "", fmt.Errorf("missing prediction api key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(provider.BaseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("missing prediction base url")
	}
	model := provider.Model
	if model == "" {
		model = c.cfg.Agent.Model
	}
	if model == "" {
		return "", fmt.Errorf("missing prediction model")
	}

	body := map[string]any{
		"model": model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"max_tokens":  c.cfg.Agent.MaxTokens,
		"temperature": 0.3,
		"response_format": map[string]string{
			"type": "json_object",
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("prediction model http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
