package classify

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"fiscat/internal/goldenset"
	"fiscat/internal/hierarchy"
	"fiscat/internal/pipeline"
	"fiscat/internal/reconcile"
	"fiscat/internal/retrieval"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockIndex is a test double for a similarity index.
type mockIndex struct {
	QueryFunc func(ctx context.Context, text string, k int) ([]retrieval.Result, error)
}

func (m *mockIndex) Query(ctx context.Context, text string, k int) ([]retrieval.Result, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, text, k)
	}
	return nil, nil
}

func (m *mockIndex) Add(ctx context.Context, id, text string, metadata map[string]interface{}) error {
	return nil
}

func testIndex(t *testing.T) *hierarchy.Index {
	t.Helper()
	idx := hierarchy.NewIndex(0.8)
	for _, code := range []string{"30", "3004", "300490"} {
		if err := idx.AddNode(code, ""); err != nil {
			t.Fatal(err)
		}
	}
	// Only the middle level owns a mapping; the leaf inherits it.
	if err := idx.AddMapping("3004", "13.001.00", "medicaments", 1.0, "official"); err != nil {
		t.Fatal(err)
	}
	idx.ApplyInheritance()
	return idx
}

func newService(t *testing.T, idx *hierarchy.Index, main, golden retrieval.SimilarityIndex,
	categoryStage, subCodeStage pipeline.StageFunc, goldenStore *goldenset.Store) *Service {
	t.Helper()
	retriever := retrieval.NewHybridRetriever(idx, main, golden, retrieval.DefaultConfig())
	p := pipeline.New(retriever, categoryStage, subCodeStage, nil, time.Second)
	return NewService(p, reconcile.New(idx), goldenStore, 2)
}

func TestClassifyEndToEndWithInheritedSubCode(t *testing.T) {
	idx := testIndex(t)

	// Category stage picks the leaf; the sub-code stage must see the CEST
	// inherited from 3004 in its scoped context and recommend it.
	categoryStage := func(ctx context.Context, product pipeline.Product, rc *retrieval.Context) (*pipeline.StageOutput, error) {
		return &pipeline.StageOutput{Recommendation: "300490", Confidence: 0.9}, nil
	}
	subCodeStage := func(ctx context.Context, product pipeline.Product, rc *retrieval.Context) (*pipeline.StageOutput, error) {
		for _, res := range rc.Results {
			if res.Source == retrieval.SourceStructured && res.Metadata["inherited"] == true {
				if res.Metadata["inherited_from"] != "3004" {
					t.Errorf("inherited_from = %v, want 3004", res.Metadata["inherited_from"])
				}
				return &pipeline.StageOutput{
					Recommendation: res.Metadata["sub_code"].(string),
					Confidence:     0.8,
				}, nil
			}
		}
		t.Error("scoped context missing the inherited mapping")
		return &pipeline.StageOutput{}, nil
	}

	service := newService(t, idx, nil, nil, categoryStage, subCodeStage, nil)
	record, err := service.Classify(context.Background(), pipeline.Product{ID: "p1", Description: "generic medicament"})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	if record.FinalCategoryCode != "300490" {
		t.Errorf("category = %q", record.FinalCategoryCode)
	}
	if record.FinalSubCode == nil || *record.FinalSubCode != "13.001.00" {
		t.Errorf("sub-code = %v, want inherited 13.001.00", record.FinalSubCode)
	}
	if len(record.Conflicts) != 0 {
		t.Errorf("conflicts = %v", record.Conflicts)
	}
	if record.FinalConfidence <= 0.84 || record.FinalConfidence >= 0.86 {
		t.Errorf("confidence = %v, want mean 0.85", record.FinalConfidence)
	}
	if record.SessionID == "" {
		t.Error("record missing session id")
	}
}

func TestClassifyRecordsGoldenUsage(t *testing.T) {
	idx := testIndex(t)
	goldenStore, err := goldenset.NewStore(filepath.Join(t.TempDir(), "golden.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer goldenStore.Close()

	goldenID, err := goldenStore.Add("aspirin", "300490", nil, 0.9)
	if err != nil {
		t.Fatal(err)
	}

	goldenIdx := &mockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]retrieval.Result, error) {
			return []retrieval.Result{{
				ID:       "golden-1",
				Text:     "aspirin",
				Score:    0.9,
				Metadata: map[string]interface{}{"golden_id": float64(goldenID)},
			}}, nil
		},
	}

	categoryStage := func(ctx context.Context, product pipeline.Product, rc *retrieval.Context) (*pipeline.StageOutput, error) {
		return &pipeline.StageOutput{Recommendation: "300490", Confidence: 0.9}, nil
	}
	subCodeStage := func(ctx context.Context, product pipeline.Product, rc *retrieval.Context) (*pipeline.StageOutput, error) {
		return &pipeline.StageOutput{Recommendation: "13.001.00", Confidence: 0.8}, nil
	}

	service := newService(t, idx, nil, goldenIdx, categoryStage, subCodeStage, goldenStore)
	if _, err := service.Classify(context.Background(), pipeline.Product{ID: "p1", Description: "aspirin"}); err != nil {
		t.Fatal(err)
	}

	entry, err := goldenStore.Get(goldenID)
	if err != nil {
		t.Fatal(err)
	}
	// Golden result appears in both the category and sub-code contexts.
	if entry.UsageCount != 2 {
		t.Errorf("usage count = %d, want 2", entry.UsageCount)
	}
}

func TestClassifyFlagsDegradedContext(t *testing.T) {
	idx := testIndex(t)
	broken := &mockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]retrieval.Result, error) {
			return nil, errors.New("index down")
		},
	}
	healthy := &mockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]retrieval.Result, error) {
			return []retrieval.Result{{ID: "doc", Score: 0.5}}, nil
		},
	}

	stage := func(ctx context.Context, product pipeline.Product, rc *retrieval.Context) (*pipeline.StageOutput, error) {
		return &pipeline.StageOutput{Recommendation: "3004", Confidence: 0.9}, nil
	}

	service := newService(t, idx, broken, healthy, stage, stage, nil)
	record, err := service.Classify(context.Background(), pipeline.Product{ID: "p1", Description: "aspirin"})
	if err != nil {
		t.Fatalf("degraded retrieval must not fail: %v", err)
	}
	if !record.Degraded {
		t.Error("record should be flagged degraded")
	}
}

func TestClassifyBatchRunsAllProducts(t *testing.T) {
	idx := testIndex(t)

	var calls atomic.Int32
	categoryStage := func(ctx context.Context, product pipeline.Product, rc *retrieval.Context) (*pipeline.StageOutput, error) {
		calls.Add(1)
		if product.ID == "bad" {
			return nil, errors.New("stage blew up")
		}
		return &pipeline.StageOutput{Recommendation: "3004", Confidence: 0.9}, nil
	}
	subCodeStage := func(ctx context.Context, product pipeline.Product, rc *retrieval.Context) (*pipeline.StageOutput, error) {
		return &pipeline.StageOutput{Recommendation: "13.001.00", Confidence: 0.8}, nil
	}

	service := newService(t, idx, nil, nil, categoryStage, subCodeStage, nil)

	products := []pipeline.Product{
		{ID: "a", Description: "aspirin"},
		{ID: "bad", Description: "mystery"},
		{ID: "c", Description: "paracetamol"},
	}
	records, errs := service.ClassifyBatch(context.Background(), products)

	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	for i, record := range records {
		if errs[i] != nil {
			t.Errorf("product %s errored: %v", products[i].ID, errs[i])
			continue
		}
		if record == nil {
			t.Errorf("product %s has no record", products[i].ID)
		}
	}

	// A failed stage is a zero-confidence trace, not a batch error.
	bad := records[1]
	if bad == nil {
		t.Fatal("failed-stage product should still get a record")
	}
	if !bad.CategoryStage.Failed {
		t.Error("category stage should be marked failed")
	}
	if len(bad.Conflicts) == 0 {
		t.Error("missing category should be recorded as a conflict")
	}
}

func TestGroupDuplicates(t *testing.T) {
	products := []pipeline.Product{
		{ID: "a", Description: "BARBEAD PRESTOB 2 UNID"},
		{ID: "b", Description: "barbead  prestob 2 unid"},
		{ID: "c", Description: "barbead prestob 2 unid extra"},
		{ID: "d", Description: "copo plastico 200ml"},
		{ID: "e", Description: "copo plastico 200ml", Attributes: map[string]string{"brand": "acme"}},
	}

	unique, rep := GroupDuplicates(products)

	if len(unique) != 4 {
		t.Fatalf("unique groups = %d, want 4", len(unique))
	}
	if rep[0] != rep[1] {
		t.Error("case and whitespace variants should share a group")
	}
	if rep[2] == rep[0] {
		t.Error("a longer distinct description is not a duplicate")
	}
	if rep[4] == rep[3] {
		t.Error("differing attributes should split otherwise equal products")
	}
}

func TestClassifyBatchDedupedClassifiesOncePerGroup(t *testing.T) {
	idx := testIndex(t)

	var calls atomic.Int32
	categoryStage := func(ctx context.Context, product pipeline.Product, rc *retrieval.Context) (*pipeline.StageOutput, error) {
		calls.Add(1)
		return &pipeline.StageOutput{Recommendation: "3004", Confidence: 0.9}, nil
	}
	subCodeStage := func(ctx context.Context, product pipeline.Product, rc *retrieval.Context) (*pipeline.StageOutput, error) {
		return &pipeline.StageOutput{Recommendation: "13.001.00", Confidence: 0.8}, nil
	}

	service := newService(t, idx, nil, nil, categoryStage, subCodeStage, nil)

	products := []pipeline.Product{
		{ID: "a", Description: "Aspirin 500mg"},
		{ID: "b", Description: "aspirin  500MG"},
		{ID: "c", Description: "paracetamol"},
	}
	records, errs := service.ClassifyBatchDeduped(context.Background(), products)

	if got := calls.Load(); got != 2 {
		t.Errorf("category stage ran %d times, want 2 (one per group)", got)
	}
	for i := range products {
		if errs[i] != nil {
			t.Fatalf("product %s errored: %v", products[i].ID, errs[i])
		}
		if records[i] == nil {
			t.Fatalf("product %s has no record", products[i].ID)
		}
		if records[i].ProductID != products[i].ID {
			t.Errorf("record %d carries product id %q, want %q", i, records[i].ProductID, products[i].ID)
		}
	}
	if records[0].SessionID != records[1].SessionID {
		t.Error("duplicate group members should share one session")
	}
	if records[2].SessionID == records[0].SessionID {
		t.Error("distinct products should not share a session")
	}
	if records[0].FinalCategoryCode != records[1].FinalCategoryCode {
		t.Error("duplicate group members should share the classification")
	}
}
