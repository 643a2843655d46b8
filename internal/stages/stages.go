package stages

import (
	"context"
	"fmt"
	"strings"

	"fiscat/internal/pipeline"
	"fiscat/internal/retrieval"
)

// =============================================================================
// STAGE FUNCTIONS
// =============================================================================

// NewCategoryStage returns a stage function that recommends a category code
// for the product using the merged retrieval context.
func NewCategoryStage(client Client) pipeline.StageFunc {
	return func(ctx context.Context, product pipeline.Product, rc *retrieval.Context) (*pipeline.StageOutput, error) {
		prompt := buildCategoryPrompt(product, rc)
		return runStage(ctx, client, prompt)
	}
}

// NewSubCodeStage returns a stage function that recommends a sub-code
// scoped to the already-chosen category. The context's structured results
// carry the category's own and inherited mappings.
func NewSubCodeStage(client Client) pipeline.StageFunc {
	return func(ctx context.Context, product pipeline.Product, rc *retrieval.Context) (*pipeline.StageOutput, error) {
		prompt := buildSubCodePrompt(product, rc)
		return runStage(ctx, client, prompt)
	}
}

// runStage generates and parses one stage response. The parse strategy is
// appended to the rationale so the audit trail shows how the response was
// decoded.
func runStage(ctx context.Context, client Client, prompt string) (*pipeline.StageOutput, error) {
	raw, err := client.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	output, strategy, err := pipeline.ParseStageOutput(raw)
	if err != nil {
		return nil, err
	}
	if strategy != pipeline.ParseStrict {
		output.Rationale = strings.TrimSpace(output.Rationale + fmt.Sprintf(" [parsed via %s strategy]", strategy))
	}
	return output, nil
}

// =============================================================================
// PROMPT BUILDERS
// =============================================================================

const outputContract = `Respond with a single JSON object:
{"recommendation": "<code>", "confidence": <0.0-1.0>, "alternatives": [{"code": "<code>", "reason": "<why>"}], "decisive_factors": ["<factor>"], "rationale": "<short explanation>"}
Use an empty recommendation and confidence 0.0 when no code fits.`

func buildCategoryPrompt(product pipeline.Product, rc *retrieval.Context) string {
	var b strings.Builder
	b.WriteString("You are a fiscal classification specialist. Assign the category code that best fits the product.\n\n")

	fmt.Fprintf(&b, "Product: %s\n", product.Description)
	writeAttributes(&b, product.Attributes)

	writeContext(&b, rc, "Similar previously classified products")

	b.WriteString("\n")
	b.WriteString(outputContract)
	return b.String()
}

func buildSubCodePrompt(product pipeline.Product, rc *retrieval.Context) string {
	var b strings.Builder
	b.WriteString("You are a fiscal classification specialist. The category code is already decided; pick the sub-code that best fits the product.\n\n")

	fmt.Fprintf(&b, "Product: %s\n", product.Description)
	writeAttributes(&b, product.Attributes)

	// Structured candidates first: these are the only codes valid for the
	// chosen category.
	var candidates []retrieval.Result
	var examples []retrieval.Result
	if rc != nil {
		for _, res := range rc.Results {
			if res.Source == retrieval.SourceStructured {
				candidates = append(candidates, res)
			} else {
				examples = append(examples, res)
			}
		}
	}

	if len(candidates) > 0 {
		b.WriteString("\nCandidate sub-codes for the chosen category:\n")
		for _, res := range candidates {
			fmt.Fprintf(&b, "- %v", res.Metadata["sub_code"])
			if res.Text != "" {
				fmt.Fprintf(&b, " (%s)", res.Text)
			}
			if res.Metadata["inherited"] == true {
				fmt.Fprintf(&b, " [inherited from %v]", res.Metadata["inherited_from"])
			}
			b.WriteString("\n")
		}
		b.WriteString("Choose from these candidates only.\n")
	} else {
		b.WriteString("\nNo sub-codes are mapped to the chosen category. Recommend one only if you are certain; otherwise leave it empty.\n")
	}

	writeContextResults(&b, examples, "Similar previously classified products")

	b.WriteString("\n")
	b.WriteString(outputContract)
	return b.String()
}

func writeAttributes(b *strings.Builder, attributes map[string]string) {
	if len(attributes) == 0 {
		return
	}
	b.WriteString("Attributes:\n")
	for k, v := range attributes {
		fmt.Fprintf(b, "- %s: %s\n", k, v)
	}
}

func writeContext(b *strings.Builder, rc *retrieval.Context, header string) {
	if rc == nil {
		return
	}
	writeContextResults(b, rc.Results, header)
}

func writeContextResults(b *strings.Builder, results []retrieval.Result, header string) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", header)
	for _, res := range results {
		fmt.Fprintf(b, "- [%s, score %.2f] %s", res.Source, res.WeightedScore, res.Text)
		if code, ok := res.Metadata["category_code"]; ok {
			fmt.Fprintf(b, " (category %v", code)
			if sub, ok := res.Metadata["sub_code"]; ok {
				fmt.Fprintf(b, ", sub-code %v", sub)
			}
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
}
