package stages

import (
	"context"
	"errors"
	"strings"
	"testing"

	"fiscat/internal/pipeline"
	"fiscat/internal/retrieval"
)

// mockClient is a test double for the LLM client.
type mockClient struct {
	GenerateFunc func(ctx context.Context, prompt string) (string, error)
	lastPrompt   string
}

func (m *mockClient) Generate(ctx context.Context, prompt string) (string, error) {
	m.lastPrompt = prompt
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return `{"recommendation": "3004", "confidence": 0.9}`, nil
}

func (m *mockClient) Name() string { return "mock" }

func TestCategoryStageParsesStrictOutput(t *testing.T) {
	client := &mockClient{
		GenerateFunc: func(ctx context.Context, prompt string) (string, error) {
			return `{"recommendation": "300490", "confidence": 0.85, "rationale": "medicament"}`, nil
		},
	}
	stage := NewCategoryStage(client)

	out, err := stage(context.Background(), pipeline.Product{Description: "aspirin"}, &retrieval.Context{})
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if out.Recommendation != "300490" || out.Confidence != 0.85 {
		t.Errorf("unexpected output: %+v", out)
	}
	if strings.Contains(out.Rationale, "salvage") {
		t.Error("strict parse must not annotate the rationale")
	}
}

func TestStageRecordsSalvageStrategyInRationale(t *testing.T) {
	client := &mockClient{
		GenerateFunc: func(ctx context.Context, prompt string) (string, error) {
			return "Here you go:\n{\"recommendation\": \"3004\", \"confidence\": 0.7, \"rationale\": \"broad match\"}", nil
		},
	}
	stage := NewCategoryStage(client)

	out, err := stage(context.Background(), pipeline.Product{Description: "aspirin"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Rationale, "salvage") {
		t.Errorf("rationale should record the salvage strategy: %q", out.Rationale)
	}
}

func TestStagePropagatesClientError(t *testing.T) {
	client := &mockClient{
		GenerateFunc: func(ctx context.Context, prompt string) (string, error) {
			return "", errors.New("model unavailable")
		},
	}
	stage := NewCategoryStage(client)

	if _, err := stage(context.Background(), pipeline.Product{Description: "aspirin"}, nil); err == nil {
		t.Fatal("expected error from failing client")
	}
}

func TestSubCodePromptListsScopedCandidates(t *testing.T) {
	client := &mockClient{}
	stage := NewSubCodeStage(client)

	rc := &retrieval.Context{
		Results: []retrieval.Result{
			{
				Source: retrieval.SourceStructured,
				Text:   "medicaments",
				Metadata: map[string]interface{}{
					"sub_code":       "13.001.00",
					"inherited":      true,
					"inherited_from": "3004",
				},
			},
			{
				Source: retrieval.SourceVectorGolden,
				Text:   "aspirin 500mg",
				Metadata: map[string]interface{}{
					"category_code": "300490",
				},
				WeightedScore: 1.2,
			},
		},
	}

	if _, err := stage(context.Background(), pipeline.Product{Description: "aspirin"}, rc); err != nil {
		t.Fatal(err)
	}

	prompt := client.lastPrompt
	if !strings.Contains(prompt, "13.001.00") {
		t.Error("prompt missing candidate sub-code")
	}
	if !strings.Contains(prompt, "inherited from 3004") {
		t.Error("prompt missing inheritance annotation")
	}
	if !strings.Contains(prompt, "aspirin 500mg") {
		t.Error("prompt missing similar-product example")
	}
	if !strings.Contains(prompt, "Choose from these candidates only") {
		t.Error("prompt missing candidate constraint")
	}
}

func TestSubCodePromptHandlesNoCandidates(t *testing.T) {
	client := &mockClient{}
	stage := NewSubCodeStage(client)

	if _, err := stage(context.Background(), pipeline.Product{Description: "aspirin"}, &retrieval.Context{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(client.lastPrompt, "No sub-codes are mapped") {
		t.Error("prompt should state that no candidates exist")
	}
}

func TestExpanderParsesOutput(t *testing.T) {
	client := &mockClient{
		GenerateFunc: func(ctx context.Context, prompt string) (string, error) {
			return `{"expanded": "aspirin 500mg box of 20 tablets"}`, nil
		},
	}
	expander := NewExpander(client)

	got, err := expander.Expand(context.Background(), pipeline.Product{Description: "asp 500 cx20"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "aspirin 500mg box of 20 tablets" {
		t.Errorf("expanded = %q", got)
	}
}

func TestExpanderSalvagesWrappedJSON(t *testing.T) {
	client := &mockClient{
		GenerateFunc: func(ctx context.Context, prompt string) (string, error) {
			return "Sure: {\"expanded\": \"aspirin tablets\"} hope that helps", nil
		},
	}
	expander := NewExpander(client)

	got, err := expander.Expand(context.Background(), pipeline.Product{Description: "asp"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "aspirin tablets" {
		t.Errorf("expanded = %q", got)
	}
}

func TestExpanderFailsOnUnusableOutput(t *testing.T) {
	client := &mockClient{
		GenerateFunc: func(ctx context.Context, prompt string) (string, error) {
			return "I cannot help with that.", nil
		},
	}
	expander := NewExpander(client)

	if _, err := expander.Expand(context.Background(), pipeline.Product{Description: "asp"}); err == nil {
		t.Fatal("expected error on unusable output")
	}
}
