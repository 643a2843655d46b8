package learning

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"fiscat/internal/goldenset"
	"fiscat/internal/retrieval"
)

// mockIndex is a test double for the golden similarity index.
type mockIndex struct {
	AddFunc func(ctx context.Context, id, text string, metadata map[string]interface{}) error
	added   []string
}

func (m *mockIndex) Query(ctx context.Context, text string, k int) ([]retrieval.Result, error) {
	return nil, nil
}

func (m *mockIndex) Add(ctx context.Context, id, text string, metadata map[string]interface{}) error {
	if m.AddFunc != nil {
		if err := m.AddFunc(ctx, id, text, metadata); err != nil {
			return err
		}
	}
	m.added = append(m.added, id)
	return nil
}

func newGoldenStore(t *testing.T) *goldenset.Store {
	t.Helper()
	store, err := goldenset.NewStore(filepath.Join(t.TempDir(), "golden.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func addEntries(t *testing.T, store *goldenset.Store, n int) []int64 {
	t.Helper()
	ids := make([]int64, n)
	for i := range ids {
		id, err := store.Add("product", "3004", nil, 1.0)
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}
	return ids
}

func TestMaybePromoteNoopWhenEmpty(t *testing.T) {
	store := newGoldenStore(t)
	s := NewScheduler(store, &mockIndex{}, 10)

	report, err := s.MaybePromote(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusNoop {
		t.Errorf("status = %q, want no-op", report.Status)
	}
	if report.PromotedCount != 0 {
		t.Errorf("promoted = %d, want 0", report.PromotedCount)
	}
}

func TestMaybePromoteDeferredBelowThreshold(t *testing.T) {
	store := newGoldenStore(t)
	addEntries(t, store, 3)
	index := &mockIndex{}
	s := NewScheduler(store, index, 10)

	report, err := s.MaybePromote(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusDeferred {
		t.Errorf("status = %q, want deferred", report.Status)
	}
	if len(index.added) != 0 {
		t.Errorf("deferred run must not touch the index, added %v", index.added)
	}

	// Entries remain pending for the next run.
	pending, err := store.PendingForPromotion()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Errorf("pending = %d, want 3", len(pending))
	}
}

func TestForcePromotesBelowThreshold(t *testing.T) {
	store := newGoldenStore(t)
	addEntries(t, store, 2)
	index := &mockIndex{}
	s := NewScheduler(store, index, 10)

	report, err := s.MaybePromote(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusSuccess {
		t.Errorf("status = %q, want success", report.Status)
	}
	if report.PromotedCount != 2 {
		t.Errorf("promoted = %d, want 2", report.PromotedCount)
	}
	if len(index.added) != 2 {
		t.Errorf("index adds = %d, want 2", len(index.added))
	}
}

func TestPromoteAtThreshold(t *testing.T) {
	store := newGoldenStore(t)
	addEntries(t, store, 10)
	s := NewScheduler(store, &mockIndex{}, 10)

	report, err := s.MaybePromote(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusSuccess || report.PromotedCount != 10 {
		t.Errorf("report = %+v, want 10 promoted", report)
	}

	pending, err := store.PendingForPromotion()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestPartialFailureLeavesEntryPending(t *testing.T) {
	store := newGoldenStore(t)
	ids := addEntries(t, store, 10)

	// Fail the third entry's index add; the rest of the batch proceeds.
	failID := ids[2]
	index := &mockIndex{
		AddFunc: func(ctx context.Context, id, text string, metadata map[string]interface{}) error {
			if metadata["golden_id"].(int64) == failID {
				return errors.New("embedding service hiccup")
			}
			return nil
		},
	}
	s := NewScheduler(store, index, 10)

	report, err := s.MaybePromote(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusSuccess {
		t.Errorf("status = %q, want success despite partial failure", report.Status)
	}
	if report.PromotedCount != 9 || report.FailedCount != 1 {
		t.Errorf("promoted/failed = %d/%d, want 9/1", report.PromotedCount, report.FailedCount)
	}

	pending, err := store.PendingForPromotion()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != failID {
		t.Errorf("pending = %+v, want only the failed entry", pending)
	}
}

func TestPromotionMetadataCarriesCodes(t *testing.T) {
	store := newGoldenStore(t)
	sub := "13.001.00"
	if _, err := store.Add("aspirin", "300490", &sub, 0.9); err != nil {
		t.Fatal(err)
	}

	var gotMeta map[string]interface{}
	var gotID string
	index := &mockIndex{
		AddFunc: func(ctx context.Context, id, text string, metadata map[string]interface{}) error {
			gotID = id
			gotMeta = metadata
			return nil
		},
	}
	s := NewScheduler(store, index, 10)

	if _, err := s.MaybePromote(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(gotID, "golden-") {
		t.Errorf("index id = %q, want golden- prefix", gotID)
	}
	if gotMeta["category_code"] != "300490" || gotMeta["sub_code"] != "13.001.00" {
		t.Errorf("metadata = %v", gotMeta)
	}
}
