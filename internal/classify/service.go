// Package classify exposes the classification service: the caller-facing
// boundary that runs the pipeline, reconciles the stage outputs, and emits
// an immutable audited record per product.
package classify

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"fiscat/internal/goldenset"
	"fiscat/internal/logging"
	"fiscat/internal/pipeline"
	"fiscat/internal/reconcile"
	"fiscat/internal/retrieval"
)

// =============================================================================
// CLASSIFICATION RECORD
// =============================================================================

// StageRecord is the audited trace of one stage.
type StageRecord struct {
	Recommendation  string                 `json:"recommendation"`
	Confidence      float64                `json:"confidence"`
	Alternatives    []pipeline.Alternative `json:"alternatives,omitempty"`
	DecisiveFactors []string               `json:"decisive_factors,omitempty"`
	Rationale       string                 `json:"rationale,omitempty"`
	Failed          bool                   `json:"failed,omitempty"`
	FailReason      string                 `json:"fail_reason,omitempty"`
	DurationMillis  int64                  `json:"duration_ms"`
}

// Record is the final classification result, immutable once reconciliation
// completes. Corrections create a new golden entry instead of mutating it.
type Record struct {
	SessionID           string                 `json:"session_id"`
	ProductID           string                 `json:"product_id"`
	Description         string                 `json:"description"`
	ExpandedDescription string                 `json:"expanded_description,omitempty"`
	CategoryStage       StageRecord            `json:"category_stage"`
	SubCodeStage        StageRecord            `json:"subcode_stage"`
	FinalCategoryCode   string                 `json:"final_category_code"`
	FinalSubCode        *string                `json:"final_sub_code"`
	FinalConfidence     float64                `json:"final_confidence"`
	Conflicts           []string               `json:"conflicts,omitempty"`
	Adjustments         []reconcile.Adjustment `json:"adjustments,omitempty"`
	Degraded            bool                   `json:"degraded,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
}

// =============================================================================
// SERVICE
// =============================================================================

// Service runs classifications end to end. Independent products are
// embarrassingly parallel; within one product the stage chain is strictly
// sequential.
type Service struct {
	pipeline    *pipeline.Pipeline
	reconciler  *reconcile.Reconciler
	golden      *goldenset.Store // optional, for usage accounting
	maxParallel int
}

// NewService wires the pipeline and reconciler. golden may be nil, in which
// case golden usage is not recorded.
func NewService(p *pipeline.Pipeline, r *reconcile.Reconciler, golden *goldenset.Store, maxParallel int) *Service {
	if maxParallel < 1 {
		maxParallel = 4
	}
	return &Service{
		pipeline:    p,
		reconciler:  r,
		golden:      golden,
		maxParallel: maxParallel,
	}
}

// Classify runs one product through the full chain and returns its audited
// record. Stage failures surface as zero-confidence traces inside the
// record; only total retrieval failure for the category stage is an error.
func (s *Service) Classify(ctx context.Context, product pipeline.Product) (*Record, error) {
	sessionID := uuid.New().String()
	timer := logging.StartTimer(logging.CategoryPipeline, "Classify")
	defer timer.StopWithInfo()

	result, err := s.pipeline.Run(ctx, product)
	if err != nil {
		logging.PipelineError("Classification failed for product %s: %v", product.ID, err)
		return nil, err
	}

	outcome := s.reconciler.Reconcile(result)
	result.State = pipeline.StateReconciled

	s.recordGoldenUsage(result)

	record := &Record{
		SessionID:           sessionID,
		ProductID:           product.ID,
		Description:         product.Description,
		ExpandedDescription: result.ExpandedDescription,
		CategoryStage:       toStageRecord(result.Category),
		SubCodeStage:        toStageRecord(result.SubCode),
		FinalCategoryCode:   outcome.FinalCategoryCode,
		FinalSubCode:        outcome.FinalSubCode,
		FinalConfidence:     outcome.FinalConfidence,
		Conflicts:           outcome.Conflicts,
		Adjustments:         outcome.Adjustments,
		Degraded:            contextDegraded(result),
		CreatedAt:           time.Now().UTC(),
	}

	logging.Pipeline("Classification done: product=%s category=%s confidence=%.2f session=%s",
		product.ID, record.FinalCategoryCode, record.FinalConfidence, sessionID)
	return record, nil
}

// ClassifyBatch classifies independent products on a bounded worker pool.
// One failed product does not cancel the rest; its slot in the returned
// slice is nil and the error is reported per index.
func (s *Service) ClassifyBatch(ctx context.Context, products []pipeline.Product) ([]*Record, []error) {
	records := make([]*Record, len(products))
	errs := make([]error, len(products))

	sem := semaphore.NewWeighted(int64(s.maxParallel))
	g, gctx := errgroup.WithContext(ctx)

	for i, product := range products {
		i, product := i, product
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			record, err := s.Classify(gctx, product)
			records[i] = record
			errs[i] = err
			return nil // per-product errors never cancel siblings
		})
	}
	g.Wait()

	return records, errs
}

// =============================================================================
// DUPLICATE GROUPING
// =============================================================================

// duplicateKey canonicalizes a product for duplicate grouping. Case and
// whitespace variations of the same description map to one key; attributes
// participate so products that differ only in attributes stay apart.
func duplicateKey(p pipeline.Product) string {
	key := strings.ToLower(strings.Join(strings.Fields(p.Description), " "))
	if len(p.Attributes) > 0 {
		attrs := make([]string, 0, len(p.Attributes))
		for k, v := range p.Attributes {
			attrs = append(attrs, strings.ToLower(k)+"="+strings.ToLower(strings.TrimSpace(v)))
		}
		sort.Strings(attrs)
		key += "|" + strings.Join(attrs, "|")
	}
	return key
}

// GroupDuplicates partitions products by duplicate key. It returns one
// representative per group, preferring the member with the most complete
// description, and a per-product index into the representatives.
func GroupDuplicates(products []pipeline.Product) ([]pipeline.Product, []int) {
	rep := make([]int, len(products))
	index := make(map[string]int, len(products))
	unique := make([]pipeline.Product, 0, len(products))

	for i, p := range products {
		key := duplicateKey(p)
		g, seen := index[key]
		if !seen {
			g = len(unique)
			index[key] = g
			unique = append(unique, p)
		} else if len(strings.Fields(p.Description)) > len(strings.Fields(unique[g].Description)) {
			unique[g] = p
		}
		rep[i] = g
	}
	return unique, rep
}

// ClassifyBatchDeduped groups duplicate products, classifies one
// representative per group, and fans each group's record out to every
// member under its own product ID. Members of one group share a session
// ID because they share a single classification.
func (s *Service) ClassifyBatchDeduped(ctx context.Context, products []pipeline.Product) ([]*Record, []error) {
	unique, rep := GroupDuplicates(products)
	if len(unique) < len(products) {
		logging.Pipeline("Batch deduplicated: %d products in %d groups", len(products), len(unique))
	}

	groupRecords, groupErrs := s.ClassifyBatch(ctx, unique)

	records := make([]*Record, len(products))
	errs := make([]error, len(products))
	for i := range products {
		g := rep[i]
		if groupErrs[g] != nil {
			errs[i] = groupErrs[g]
			continue
		}
		record := *groupRecords[g]
		record.ProductID = products[i].ID
		records[i] = &record
	}
	return records, errs
}

// recordGoldenUsage bumps usage counters for golden results that reached
// the stages.
func (s *Service) recordGoldenUsage(result *pipeline.Result) {
	if s.golden == nil {
		return
	}
	for _, rc := range []*retrieval.Context{result.CategoryContext, result.SubCodeContext} {
		if rc == nil {
			continue
		}
		for _, res := range rc.Results {
			if res.Source != retrieval.SourceVectorGolden {
				continue
			}
			id, ok := goldenID(res.Metadata)
			if !ok {
				continue
			}
			if err := s.golden.RecordUsage(id); err != nil {
				logging.Get(logging.CategoryGolden).Warn("Failed to record usage for golden entry %d: %v", id, err)
			}
		}
	}
}

// goldenID extracts the golden entry id from result metadata. Metadata
// round-trips through JSON, so the id may arrive as float64 or string.
func goldenID(metadata map[string]interface{}) (int64, bool) {
	v, ok := metadata["golden_id"]
	if !ok {
		return 0, false
	}
	switch id := v.(type) {
	case int64:
		return id, true
	case float64:
		return int64(id), true
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func contextDegraded(result *pipeline.Result) bool {
	if result.CategoryContext != nil && result.CategoryContext.Degraded {
		return true
	}
	if result.SubCodeContext != nil && result.SubCodeContext.Degraded {
		return true
	}
	return false
}

func toStageRecord(trace pipeline.StageTrace) StageRecord {
	return StageRecord{
		Recommendation:  trace.Output.Recommendation,
		Confidence:      trace.Output.Confidence,
		Alternatives:    trace.Output.Alternatives,
		DecisiveFactors: trace.Output.DecisiveFactors,
		Rationale:       trace.Output.Rationale,
		Failed:          trace.Failed,
		FailReason:      trace.FailReason,
		DurationMillis:  trace.Duration.Milliseconds(),
	}
}
