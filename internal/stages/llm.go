// Package stages provides LLM-backed implementations of the stage function
// contract: category classification, sub-code classification, and optional
// description expansion.
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/genai"

	"fiscat/internal/logging"
)

// =============================================================================
// LLM CLIENT
// =============================================================================

// Client is the minimal text-generation capability stages need.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Config selects and tunes the LLM backend.
type Config struct {
	Provider string // "ollama" or "genai"
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
}

// NewClient creates an LLM client based on configuration.
func NewClient(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Timeout), nil
	case "genai":
		return NewGenAIClient(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// =============================================================================
// OLLAMA BACKEND
// =============================================================================

// OllamaClient generates text against a local Ollama server.
type OllamaClient struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaClient creates an Ollama generation client.
func NewOllamaClient(endpoint, model string, timeout time.Duration) *OllamaClient {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.1"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// Generate runs one completion. The format hint asks Ollama for JSON, but
// the response is still parsed defensively downstream.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "OllamaGenerate")
	defer timer.Stop()

	req := ollamaGenerateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return result.Response, nil
}

// Name returns the client name.
func (c *OllamaClient) Name() string {
	return fmt.Sprintf("ollama:%s", c.model)
}

// =============================================================================
// GOOGLE GENAI BACKEND
// =============================================================================

// GenAIClient generates text using Google's Gemini API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a GenAI generation client.
func NewGenAIClient(apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIClient{client: client, model: model}, nil
}

// Generate runs one completion.
func (c *GenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "GenAIGenerate")
	defer timer.Stop()

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}

	return result.Text(), nil
}

// Name returns the client name.
func (c *GenAIClient) Name() string {
	return fmt.Sprintf("genai:%s", c.model)
}
