// Package learning implements the continuous-learning promotion loop:
// pending golden entries are embedded and folded into the golden similarity
// index in additive batches, without rebuilding existing vectors.
package learning

import (
	"context"
	"fmt"
	"sync"

	"fiscat/internal/goldenset"
	"fiscat/internal/logging"
	"fiscat/internal/retrieval"
)

// =============================================================================
// PROMOTION SCHEDULER
// =============================================================================

// Status of one promotion attempt.
type Status string

const (
	StatusNoop     Status = "no-op"    // nothing pending
	StatusDeferred Status = "deferred" // below the batch threshold
	StatusSuccess  Status = "success"  // at least a partial batch promoted
)

// Report summarizes one MaybePromote run.
type Report struct {
	Status        Status
	PendingCount  int
	PromotedCount int
	FailedCount   int
	Errors        []string
}

// Scheduler decides when to promote pending golden entries.
type Scheduler struct {
	golden      *goldenset.Store
	goldenIndex retrieval.SimilarityIndex
	minBatch    int

	mu sync.Mutex // serializes promotion runs
}

// NewScheduler creates a promotion scheduler. minBatch is the pending-entry
// threshold below which unforced promotion is deferred (default 10).
func NewScheduler(golden *goldenset.Store, goldenIndex retrieval.SimilarityIndex, minBatch int) *Scheduler {
	if minBatch < 1 {
		minBatch = 10
	}
	return &Scheduler{
		golden:      golden,
		goldenIndex: goldenIndex,
		minBatch:    minBatch,
	}
}

// MaybePromote embeds and indexes pending golden entries. With force false,
// an empty queue is a no-op and a queue below the threshold is deferred.
// A failure on one entry leaves it pending for the next run and does not
// block the rest of the batch. Promotion runs are serialized; concurrent
// queries keep the index snapshot they started with.
func (s *Scheduler) MaybePromote(ctx context.Context, force bool) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryLearning, "MaybePromote")
	defer timer.StopWithInfo()

	pending, err := s.golden.PendingForPromotion()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}

	report := &Report{PendingCount: len(pending)}

	if len(pending) == 0 && !force {
		report.Status = StatusNoop
		logging.LearningDebug("Promotion skipped: nothing pending")
		return report, nil
	}
	if len(pending) < s.minBatch && !force {
		report.Status = StatusDeferred
		logging.Learning("Promotion deferred: %d pending < %d threshold", len(pending), s.minBatch)
		return report, nil
	}

	for _, entry := range pending {
		if err := s.promoteOne(ctx, entry); err != nil {
			logging.LearningWarn("Promotion failed for entry %d, left pending: %v", entry.ID, err)
			report.FailedCount++
			report.Errors = append(report.Errors, fmt.Sprintf("entry %d: %v", entry.ID, err))
			continue
		}
		report.PromotedCount++
	}

	report.Status = StatusSuccess
	logging.Learning("Promotion complete: %d promoted, %d failed of %d pending",
		report.PromotedCount, report.FailedCount, report.PendingCount)
	return report, nil
}

// promoteOne adds a single entry to the golden index and marks it
// promoted. The entry is marked only after the index accepted it.
func (s *Scheduler) promoteOne(ctx context.Context, entry goldenset.Entry) error {
	metadata := map[string]interface{}{
		"golden_id":     entry.ID,
		"category_code": entry.FinalCategoryCode,
		"quality_score": entry.QualityScore,
	}
	if entry.FinalSubCode.Valid {
		metadata["sub_code"] = entry.FinalSubCode.String
	}

	id := fmt.Sprintf("golden-%d", entry.ID)
	if err := s.goldenIndex.Add(ctx, id, entry.Description, metadata); err != nil {
		return fmt.Errorf("index add failed: %w", err)
	}
	if err := s.golden.MarkPromoted(entry.ID); err != nil {
		return fmt.Errorf("mark promoted failed: %w", err)
	}
	return nil
}
