package retrieval

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"fiscat/internal/hierarchy"
)

// mockIndex is a test double for SimilarityIndex.
type mockIndex struct {
	QueryFunc func(ctx context.Context, text string, k int) ([]Result, error)
	AddFunc   func(ctx context.Context, id, text string, metadata map[string]interface{}) error
}

func (m *mockIndex) Query(ctx context.Context, text string, k int) ([]Result, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, text, k)
	}
	return nil, nil
}

func (m *mockIndex) Add(ctx context.Context, id, text string, metadata map[string]interface{}) error {
	if m.AddFunc != nil {
		return m.AddFunc(ctx, id, text, metadata)
	}
	return nil
}

func testHierarchy(t *testing.T) *hierarchy.Index {
	t.Helper()
	idx := hierarchy.NewIndex(0.8)
	for _, code := range []string{"30", "3004", "300490"} {
		if err := idx.AddNode(code, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := idx.AddMapping("3004", "13.001.00", "medicaments", 1.0, "official"); err != nil {
		t.Fatal(err)
	}
	idx.ApplyInheritance()
	return idx
}

func TestCombineMergesSortedWithoutDuplicates(t *testing.T) {
	main := &mockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]Result, error) {
			return []Result{
				{ID: "doc-1", Text: "aspirin 500mg", Score: 0.9},
				{ID: "doc-2", Text: "paracetamol", Score: 0.5},
			}, nil
		},
	}
	golden := &mockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]Result, error) {
			// doc-1 also appears in the golden set with a lower raw score;
			// after the 1.5x boost it must win the dedupe.
			return []Result{
				{ID: "doc-1", Text: "aspirin 500mg validated", Score: 0.7},
			}, nil
		},
	}

	r := NewHybridRetriever(testHierarchy(t), main, golden, DefaultConfig())
	rc, err := r.Combine(context.Background(), "aspirin tablets", "")
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}

	if rc.Degraded {
		t.Error("context should not be degraded")
	}

	seen := make(map[string]bool)
	for i, res := range rc.Results {
		if seen[res.ID] {
			t.Errorf("duplicate id %q in merged results", res.ID)
		}
		seen[res.ID] = true
		if i > 0 && rc.Results[i-1].WeightedScore < res.WeightedScore {
			t.Errorf("results not sorted: [%d]=%v < [%d]=%v",
				i-1, rc.Results[i-1].WeightedScore, i, res.WeightedScore)
		}
	}

	// Golden copy of doc-1: 0.7 * 1.5 = 1.05, beats the main copy at 0.9.
	if rc.Results[0].ID != "doc-1" || rc.Results[0].Source != SourceVectorGolden {
		t.Errorf("expected boosted golden doc-1 first, got %+v", rc.Results[0])
	}
	if math.Abs(rc.Results[0].WeightedScore-1.05) > 1e-9 {
		t.Errorf("weighted score = %v, want 1.05", rc.Results[0].WeightedScore)
	}
}

func TestCombineScopesStructuredResultsToCategory(t *testing.T) {
	r := NewHybridRetriever(testHierarchy(t), nil, nil, DefaultConfig())

	rc, err := r.Combine(context.Background(), "generic medicament", "300490")
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}

	if len(rc.Results) != 1 {
		t.Fatalf("expected 1 structured result, got %d", len(rc.Results))
	}
	res := rc.Results[0]
	if res.Source != SourceStructured {
		t.Errorf("source = %q, want structured", res.Source)
	}
	if res.Metadata["sub_code"] != "13.001.00" {
		t.Errorf("sub_code = %v, want 13.001.00", res.Metadata["sub_code"])
	}
	if res.Metadata["inherited"] != true {
		t.Error("inherited mapping should be flagged in metadata")
	}
	if res.Metadata["inherited_from"] != "3004" {
		t.Errorf("inherited_from = %v, want 3004", res.Metadata["inherited_from"])
	}
}

func TestCombineResolvesUnknownCategoryToNearestKnownCode(t *testing.T) {
	r := NewHybridRetriever(testHierarchy(t), nil, nil, DefaultConfig())

	// 3004.90.10 is not in the index; its longest known prefix is 300490,
	// which inherits its mappings from 3004.
	rc, err := r.Combine(context.Background(), "generic medicament", "3004.90.10")
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}

	if len(rc.Results) != 1 {
		t.Fatalf("expected 1 structured result, got %d", len(rc.Results))
	}
	res := rc.Results[0]
	if res.Metadata["category_code"] != "300490" {
		t.Errorf("category_code = %v, want resolved code 300490", res.Metadata["category_code"])
	}
	if res.Metadata["sub_code"] != "13.001.00" {
		t.Errorf("sub_code = %v, want 13.001.00", res.Metadata["sub_code"])
	}
	if res.Metadata["inherited_from"] != "3004" {
		t.Errorf("inherited_from = %v, want 3004", res.Metadata["inherited_from"])
	}
}

func TestCombineDegradesOnSingleSourceFailure(t *testing.T) {
	main := &mockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]Result, error) {
			return nil, errors.New("index unavailable")
		},
	}
	golden := &mockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]Result, error) {
			return []Result{{ID: "g-1", Text: "validated example", Score: 0.8}}, nil
		},
	}

	r := NewHybridRetriever(nil, main, golden, DefaultConfig())
	rc, err := r.Combine(context.Background(), "query", "")
	if err != nil {
		t.Fatalf("single source failure must not raise: %v", err)
	}

	if !rc.Degraded {
		t.Error("context should be flagged degraded")
	}
	if len(rc.Results) != 1 || rc.Results[0].ID != "g-1" {
		t.Errorf("expected surviving golden result, got %+v", rc.Results)
	}
}

func TestCombineFailsWhenAllSourcesFail(t *testing.T) {
	broken := &mockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]Result, error) {
			return nil, errors.New("down")
		},
	}

	r := NewHybridRetriever(nil, broken, broken, DefaultConfig())
	_, err := r.Combine(context.Background(), "query", "")
	if !errors.Is(err, ErrAllSourcesFailed) {
		t.Fatalf("expected ErrAllSourcesFailed, got %v", err)
	}
}

func TestCombineAppliesSourceTimeout(t *testing.T) {
	slow := &mockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]Result, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return []Result{{ID: "late", Score: 1.0}}, nil
			}
		},
	}
	fast := &mockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]Result, error) {
			return []Result{{ID: "fast", Score: 0.5}}, nil
		},
	}

	cfg := DefaultConfig()
	cfg.SourceTimeout = 50 * time.Millisecond

	r := NewHybridRetriever(nil, slow, fast, cfg)
	rc, err := r.Combine(context.Background(), "query", "")
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	if !rc.Degraded {
		t.Error("timed-out source should degrade the context")
	}
	if len(rc.Results) != 1 || rc.Results[0].ID != "fast" {
		t.Errorf("expected only the fast source's result, got %+v", rc.Results)
	}
}
