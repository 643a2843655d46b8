// Package pipeline runs the ordered classification stages. Each product
// flows through a strict state chain: description expansion, category
// stage, sub-code stage, then reconciliation by the caller. Stage failures
// are recorded as zero-confidence outputs, never aborts.
package pipeline

import (
	"context"
	"time"

	"fiscat/internal/logging"
	"fiscat/internal/retrieval"
)

// =============================================================================
// STAGE CONTRACT
// =============================================================================

// StageKind identifies a classification stage. Adding a stage means adding
// a variant here, not a new string constant.
type StageKind int

const (
	StageCategory StageKind = iota
	StageSubCode
)

func (k StageKind) String() string {
	switch k {
	case StageCategory:
		return "category"
	case StageSubCode:
		return "subcode"
	default:
		return "unknown"
	}
}

// Product is a normalized classification input.
type Product struct {
	ID          string
	Description string
	Attributes  map[string]string
}

// Alternative is a fallback recommendation from a stage.
type Alternative struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// StageOutput is the contract every stage function fulfils. Confidence is
// clamped to [0, 1] on the way in.
type StageOutput struct {
	Recommendation  string        `json:"recommendation"`
	Confidence      float64       `json:"confidence"`
	Alternatives    []Alternative `json:"alternatives"`
	DecisiveFactors []string      `json:"decisive_factors"`
	Rationale       string        `json:"rationale"`
}

// StageFunc is the external stage function contract. Implementations may
// call a language model or a rules engine; the pipeline only requires this
// signature.
type StageFunc func(ctx context.Context, product Product, rc *retrieval.Context) (*StageOutput, error)

// Expander optionally enriches a terse product description before the
// category stage. A nil expander leaves the description untouched.
type Expander interface {
	Expand(ctx context.Context, product Product) (string, error)
}

// =============================================================================
// STATE MACHINE
// =============================================================================

// State tracks pipeline progress. Transitions are strictly ordered, with no
// loops and no skipping.
type State string

const (
	StateExpanded           State = "EXPANDED"
	StateCategoryClassified State = "CATEGORY_CLASSIFIED"
	StateSubCodeClassified  State = "SUBCODE_CLASSIFIED"
	StateReconciled         State = "RECONCILED"
)

// StageTrace records one stage execution for audit.
type StageTrace struct {
	Kind       StageKind
	Output     StageOutput
	Failed     bool
	FailReason string
	Duration   time.Duration
	Degraded   bool // retrieval context for this stage was degraded
}

// Result holds both stage traces plus the expanded description; the
// reconciler turns it into a final record. The retrieval contexts are kept
// so callers can record golden-set usage after reconciliation.
type Result struct {
	Product             Product
	ExpandedDescription string
	State               State
	Category            StageTrace
	SubCode             StageTrace
	CategoryContext     *retrieval.Context
	SubCodeContext      *retrieval.Context
}

// Pipeline executes the stage chain for one product at a time. Independent
// products may run on concurrent pipelines; within one product the sub-code
// stage strictly follows the category stage because its context is scoped
// to the category result.
type Pipeline struct {
	retriever     *retrieval.HybridRetriever
	categoryStage StageFunc
	subCodeStage  StageFunc
	expander      Expander
	stageTimeout  time.Duration
}

// New creates a pipeline. expander may be nil.
func New(retriever *retrieval.HybridRetriever, categoryStage, subCodeStage StageFunc, expander Expander, stageTimeout time.Duration) *Pipeline {
	if stageTimeout <= 0 {
		stageTimeout = 120 * time.Second
	}
	return &Pipeline{
		retriever:     retriever,
		categoryStage: categoryStage,
		subCodeStage:  subCodeStage,
		expander:      expander,
		stageTimeout:  stageTimeout,
	}
}

// Run executes the full stage chain for one product. Stage timeouts and
// errors produce zero-confidence traces; Run fails only when retrieval
// fails entirely for the category stage.
func (p *Pipeline) Run(ctx context.Context, product Product) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "Run")
	defer timer.StopWithInfo()

	result := &Result{Product: product, ExpandedDescription: product.Description}

	// Expansion: best effort, the raw description is always a valid input.
	if p.expander != nil {
		expanded, err := p.expander.Expand(ctx, product)
		if err != nil {
			logging.PipelineWarn("Expansion failed for product %s, using raw description: %v", product.ID, err)
		} else if expanded != "" {
			result.ExpandedDescription = expanded
		}
	}
	result.State = StateExpanded

	// Category stage: broad context, no category scoping yet.
	categoryCtx, err := p.retriever.Combine(ctx, result.ExpandedDescription, "")
	if err != nil {
		return nil, err
	}
	result.CategoryContext = categoryCtx
	result.Category = p.runStage(ctx, StageCategory, p.categoryStage, product, categoryCtx)
	result.State = StateCategoryClassified

	// Sub-code stage: context scoped to the chosen category, so candidate
	// sub-codes include that category's own and inherited mappings.
	subCtx, err := p.retriever.Combine(ctx, result.ExpandedDescription, result.Category.Output.Recommendation)
	if err != nil {
		// Total retrieval failure at this point degrades to a failed
		// sub-code stage instead of aborting the classification.
		logging.PipelineWarn("Sub-code retrieval failed for product %s: %v", product.ID, err)
		result.SubCode = StageTrace{
			Kind:       StageSubCode,
			Failed:     true,
			FailReason: err.Error(),
		}
	} else {
		result.SubCodeContext = subCtx
		result.SubCode = p.runStage(ctx, StageSubCode, p.subCodeStage, product, subCtx)
	}
	result.State = StateSubCodeClassified

	return result, nil
}

// runStage calls one stage function under the stage timeout. Once started,
// a stage runs to completion or timeout; no cancellation propagates upward
// mid-pipeline.
func (p *Pipeline) runStage(ctx context.Context, kind StageKind, fn StageFunc, product Product, rc *retrieval.Context) StageTrace {
	start := time.Now()
	trace := StageTrace{Kind: kind}
	if rc != nil {
		trace.Degraded = rc.Degraded
	}

	sctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	type stageReturn struct {
		output *StageOutput
		err    error
	}
	done := make(chan stageReturn, 1)
	go func() {
		output, err := fn(sctx, product, rc)
		done <- stageReturn{output, err}
	}()

	select {
	case ret := <-done:
		trace.Duration = time.Since(start)
		if ret.err != nil {
			logging.PipelineError("Stage %s failed for product %s: %v", kind, product.ID, ret.err)
			trace.Failed = true
			trace.FailReason = ret.err.Error()
			return trace
		}
		if ret.output == nil {
			trace.Failed = true
			trace.FailReason = "stage returned no output"
			return trace
		}
		trace.Output = *ret.output
		trace.Output.Confidence = clamp01(trace.Output.Confidence)
		logging.Pipeline("Stage %s for product %s: recommendation=%q confidence=%.2f",
			kind, product.ID, trace.Output.Recommendation, trace.Output.Confidence)
		return trace

	case <-sctx.Done():
		trace.Duration = time.Since(start)
		logging.PipelineWarn("Stage %s timed out for product %s after %v", kind, product.ID, trace.Duration)
		trace.Failed = true
		trace.FailReason = sctx.Err().Error()
		return trace
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
