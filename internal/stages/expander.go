package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"fiscat/internal/pipeline"
)

// =============================================================================
// DESCRIPTION EXPANDER
// =============================================================================

// Expander enriches terse product descriptions before retrieval, improving
// recall for abbreviated catalog entries ("asp 500 cx20" and the like).
type Expander struct {
	client Client
}

// NewExpander creates an LLM-backed expander.
func NewExpander(client Client) *Expander {
	return &Expander{client: client}
}

type expandResponse struct {
	Expanded string `json:"expanded"`
}

// Expand rewrites the description in full words. On any failure the caller
// falls back to the raw description.
func (e *Expander) Expand(ctx context.Context, product pipeline.Product) (string, error) {
	var b strings.Builder
	b.WriteString("Rewrite this product description expanding abbreviations and adding the obvious product type, in the same language. Keep it to one sentence.\n\n")
	fmt.Fprintf(&b, "Description: %s\n", product.Description)
	for k, v := range product.Attributes {
		fmt.Fprintf(&b, "- %s: %s\n", k, v)
	}
	b.WriteString("\nRespond with a single JSON object: {\"expanded\": \"<rewritten description>\"}")

	raw, err := e.client.Generate(ctx, b.String())
	if err != nil {
		return "", err
	}

	trimmed := strings.TrimSpace(raw)
	var resp expandResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err == nil && resp.Expanded != "" {
		return resp.Expanded, nil
	}

	// Salvage: some models wrap the JSON in prose.
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &resp); err == nil && resp.Expanded != "" {
			return resp.Expanded, nil
		}
	}

	return "", fmt.Errorf("expander returned no usable output")
}
