// Package retrieval merges structured hierarchy lookups with semantic
// similarity results from the main corpus and the golden set into one
// ranked context for classification stages.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"fiscat/internal/hierarchy"
	"fiscat/internal/logging"
)

// =============================================================================
// RESULT MODEL
// =============================================================================

// Source identifies which retrieval source produced a result.
type Source string

const (
	SourceStructured   Source = "structured"
	SourceVectorMain   Source = "vector_main"
	SourceVectorGolden Source = "vector_golden"
)

// Result is one retrieved candidate. Score is comparable only within one
// source list before merge; WeightedScore is comparable across the merged
// context.
type Result struct {
	ID            string
	Text          string
	Metadata      map[string]interface{}
	Score         float64
	WeightedScore float64
	Source        Source
}

// Context is the merged, ranked retrieval context handed to stages.
type Context struct {
	Query    string
	Results  []Result
	Degraded bool // one or more sources failed and were omitted
	Sources  []Source
}

// SimilarityIndex is the capability both vector indexes implement.
// Add is used only on the golden instance, during promotion.
type SimilarityIndex interface {
	Query(ctx context.Context, text string, k int) ([]Result, error)
	Add(ctx context.Context, id, text string, metadata map[string]interface{}) error
}

// ErrAllSourcesFailed is returned when every retrieval source fails.
// A single source failure only degrades the context.
var ErrAllSourcesFailed = errors.New("all retrieval sources failed")

// =============================================================================
// HYBRID RETRIEVER
// =============================================================================

// Config tunes the hybrid retriever.
type Config struct {
	KMain         int           // results requested from the main corpus
	KGolden       int           // results requested from the golden index
	GoldenWeight  float64       // score multiplier for golden results, > 1.0
	SourceTimeout time.Duration // per-source query deadline
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		KMain:         3,
		KGolden:       2,
		GoldenWeight:  1.5,
		SourceTimeout: 10 * time.Second,
	}
}

// HybridRetriever builds classification context from three sources.
type HybridRetriever struct {
	hierarchyIdx *hierarchy.Index
	mainIndex    SimilarityIndex
	goldenIndex  SimilarityIndex
	cfg          Config
}

// NewHybridRetriever wires the three sources. Either similarity index may
// be nil; a nil index is simply never consulted.
func NewHybridRetriever(idx *hierarchy.Index, mainIndex, goldenIndex SimilarityIndex, cfg Config) *HybridRetriever {
	if cfg.GoldenWeight <= 0 {
		cfg.GoldenWeight = 1.5
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 10 * time.Second
	}
	return &HybridRetriever{
		hierarchyIdx: idx,
		mainIndex:    mainIndex,
		goldenIndex:  goldenIndex,
		cfg:          cfg,
	}
}

// Combine builds the merged retrieval context for a product description.
// When knownCategoryCode is non-empty, it is first resolved to the best
// known hierarchy code, and that code's direct and inherited sub-code
// mappings are surfaced as structured results, scoping sub-code candidates
// to the chosen category. Resolution means a category absent from the
// index still yields candidates from its nearest known relative.
//
// A failing similarity source is omitted and flags the context degraded;
// Combine fails only when every source fails.
func (r *HybridRetriever) Combine(ctx context.Context, productText, knownCategoryCode string) (*Context, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Combine")
	defer timer.Stop()

	out := &Context{Query: productText}
	attempted := 0
	failed := 0

	// 1. Structured results from the hierarchy
	if r.hierarchyIdx != nil && knownCategoryCode != "" {
		attempted++
		categoryCode, ok := r.hierarchyIdx.FindBestMatch(knownCategoryCode)
		if !ok {
			categoryCode = hierarchy.Normalize(knownCategoryCode)
		}
		mappings := r.hierarchyIdx.MappingsFor(categoryCode)
		for _, m := range mappings {
			meta := map[string]interface{}{
				"category_code": categoryCode,
				"sub_code":      m.SubCode,
				"inherited":     m.Inherited,
			}
			if m.Inherited {
				meta["inherited_from"] = m.InheritedFrom
			}
			out.Results = append(out.Results, Result{
				ID:            fmt.Sprintf("structured:%s:%s", categoryCode, m.SubCode),
				Text:          m.Description,
				Metadata:      meta,
				Score:         m.Confidence,
				WeightedScore: m.Confidence,
				Source:        SourceStructured,
			})
		}
		out.Sources = append(out.Sources, SourceStructured)
	}

	// 2. Main corpus vector results
	if r.mainIndex != nil && r.cfg.KMain > 0 {
		attempted++
		results, err := r.querySource(ctx, r.mainIndex, productText, r.cfg.KMain)
		if err != nil {
			logging.RetrievalWarn("Main corpus source failed, degrading: %v", err)
			out.Degraded = true
			failed++
		} else {
			for _, res := range results {
				res.Source = SourceVectorMain
				res.WeightedScore = res.Score
				out.Results = append(out.Results, res)
			}
			out.Sources = append(out.Sources, SourceVectorMain)
		}
	}

	// 3. Golden set vector results, boosted by the golden weight
	if r.goldenIndex != nil && r.cfg.KGolden > 0 {
		attempted++
		results, err := r.querySource(ctx, r.goldenIndex, productText, r.cfg.KGolden)
		if err != nil {
			logging.RetrievalWarn("Golden source failed, degrading: %v", err)
			out.Degraded = true
			failed++
		} else {
			for _, res := range results {
				res.Source = SourceVectorGolden
				res.WeightedScore = res.Score * r.cfg.GoldenWeight
				out.Results = append(out.Results, res)
			}
			out.Sources = append(out.Sources, SourceVectorGolden)
		}
	}

	if attempted > 0 && failed == attempted {
		logging.RetrievalError("All %d retrieval sources failed for query %q", attempted, productText)
		return nil, ErrAllSourcesFailed
	}

	out.Results = mergeRanked(out.Results)

	logging.Retrieval("Context built: %d results from %d sources (degraded=%v)",
		len(out.Results), len(out.Sources), out.Degraded)
	return out, nil
}

// querySource runs one similarity query under the per-source timeout.
func (r *HybridRetriever) querySource(ctx context.Context, index SimilarityIndex, text string, k int) ([]Result, error) {
	qctx, cancel := context.WithTimeout(ctx, r.cfg.SourceTimeout)
	defer cancel()
	return index.Query(qctx, text, k)
}

// mergeRanked de-duplicates by ID keeping the highest weighted score and
// sorts descending by weighted score.
func mergeRanked(results []Result) []Result {
	best := make(map[string]int, len(results))
	merged := make([]Result, 0, len(results))
	for _, res := range results {
		if i, dup := best[res.ID]; dup {
			if res.WeightedScore > merged[i].WeightedScore {
				merged[i] = res
			}
			continue
		}
		best[res.ID] = len(merged)
		merged = append(merged, res)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].WeightedScore > merged[j].WeightedScore
	})
	return merged
}
