// Package llm talks to an Ollama server to phrase analytics reports as insights.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxInsights = 10

var ErrUnavailable = errors.New("llm unavailable")

// OllamaClient wraps the non-streaming /api/generate endpoint and /api/embeddings.
type OllamaClient struct {
	baseURL    string
	model      string
	embedModel string
	httpClient *http.Client
}

func NewOllamaClient(baseURL, model string, timeout time.Duration) *OllamaClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *OllamaClient) Model() string { return c.model }

// WithEmbedModel sets the model used by Embed.
func (c *OllamaClient) WithEmbedModel(model string) *OllamaClient {
	c.embedModel = strings.TrimSpace(model)
	return c
}

type GenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate returns the full completion for prompt. Low temperature keeps answers stable.
func (c *OllamaClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	payload := GenerateRequest{
		Model:  c.model,
		Prompt: prompt,
		System: system,
		Stream: false,
		Options: map[string]any{
			"temperature": 0.1,
			"top_p":       0.9,
		},
	}
	var out GenerateResponse
	if err := c.post(ctx, "/api/generate", payload, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding vector of text.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.embedModel == "" {
		return nil, fmt.Errorf("%w: no embedding model configured", ErrUnavailable)
	}
	var out embedResponse
	if err := c.post(ctx, "/api/embeddings", embedRequest{Model: c.embedModel, Prompt: text}, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, errors.New("ollama returned an empty embedding")
	}
	return out.Embedding, nil
}

func (c *OllamaClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ollama response: %w", err)
	}
	return nil
}

// Extraction is the device/location graph a model reads out of one event description.
type Extraction struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

type ExtractedEntity struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

type ExtractedRelationship struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

const extractPrompt = `You are an expert at analyzing smart home device events.
Extract entities and their relationships from the given text.
Return ONLY valid JSON with this exact structure:
{
    "entities": [
        {"name": "entity_name", "type": "entity_type", "properties": {"key": "value"}}
    ],
    "relationships": [
        {"source": "entity1", "target": "entity2", "type": "relationship_type", "properties": {"key": "value"}}
    ]
}`

// ExtractEntities asks the model for the devices, locations and relationships in event.
func (c *OllamaClient) ExtractEntities(ctx context.Context, event string) (Extraction, error) {
	prompt := "Analyze this smart home event and extract entities and relationships:\n\nEvent: " + event + `

Extract:
- Devices (sensors, lights, switches, etc.)
- Locations (rooms, areas)
- Values (temperatures, states, measurements)
- Time information
- Relationships between entities

Return only the JSON structure.`
	text, err := c.Generate(ctx, extractPrompt, prompt)
	if err != nil {
		return Extraction{}, err
	}
	return ParseExtraction(text)
}

// ParseExtraction decodes a model answer, tolerating a surrounding markdown code fence.
func ParseExtraction(text string) (Extraction, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	out := Extraction{Entities: []ExtractedEntity{}, Relationships: []ExtractedRelationship{}}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return Extraction{Entities: []ExtractedEntity{}, Relationships: []ExtractedRelationship{}}, fmt.Errorf("parse extraction: %w", err)
	}
	return out, nil
}

const analystPrompt = `You are a smart home analytics expert.
Analyze device usage patterns and provide actionable insights.
Focus on energy efficiency, automation opportunities, and unusual patterns.`

// AnalyzePatterns asks for insights about summary and returns at most ten of them.
func (c *OllamaClient) AnalyzePatterns(ctx context.Context, summary string) ([]string, error) {
	prompt := "Analyze these smart home patterns and provide insights:\n\n" + summary + `

Provide specific, actionable insights about:
1. Energy usage patterns and optimization opportunities
2. Automation suggestions based on repeated patterns
3. Unusual or concerning device behaviors
4. Seasonal or time-based patterns

Be specific and practical.`
	text, err := c.Generate(ctx, analystPrompt, prompt)
	if err != nil {
		return nil, err
	}
	return SplitInsights(text), nil
}

// SplitInsights keeps non-empty, non-heading lines, at most ten.
func SplitInsights(text string) []string {
	out := []string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
		if len(out) == maxInsights {
			break
		}
	}
	return out
}

// Available checks if Ollama is reachable.
func (c *OllamaClient) Available(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
