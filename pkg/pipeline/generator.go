package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Generator produces the text for a single stage of a job. HTTPGenerator
// plays this role with one call in, one string out, over a plain JSON POST
// to MODEL_ENDPOINT (see DESIGN.md for why this is HTTP rather than gRPC).
type Generator interface {
	Generate(ctx context.Context, modelID, stageName, prompt string) (string, error)
}

// HTTPGenerator calls an external model endpoint synchronously.
type HTTPGenerator struct {
	endpoint string
	client   *http.Client
}

// NewHTTPGenerator creates a Generator that posts to endpoint.
func NewHTTPGenerator(endpoint string) *HTTPGenerator {
	return &HTTPGenerator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Stage  string `json:"stage"`
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// Generate posts {model, stage, prompt} to the configured endpoint and
// returns the response's text field.
func (g *HTTPGenerator) Generate(ctx context.Context, modelID, stageName, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: modelID, Stage: stageName, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("encoding generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling model endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("model endpoint returned %d: %s", resp.StatusCode, string(b))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding generate response: %w", err)
	}
	return out.Text, nil
}
