// Package reconcile cross-checks the category and sub-code stage outputs
// against the code hierarchy and produces one audited final answer. The
// reconciler always returns a result; inconsistency is an expected outcome,
// not an error.
package reconcile

import (
	"fiscat/internal/hierarchy"
	"fiscat/internal/logging"
	"fiscat/internal/pipeline"
)

// =============================================================================
// CONSENSUS RECONCILER
// =============================================================================

// Conflict names recorded during reconciliation.
const (
	ConflictSubCodeNotMapped = "subcode_not_mapped_to_category"
	ConflictMissingCategory  = "missing_category_recommendation"
)

// Adjustment records one resolution action for audit.
type Adjustment struct {
	Field    string `json:"field"`
	Action   string `json:"action"` // "substituted" or "removed"
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value,omitempty"`
	Reason   string `json:"reason"`
}

// Outcome is the reconciled final answer.
type Outcome struct {
	FinalCategoryCode string
	FinalSubCode      *string
	FinalConfidence   float64
	Conflicts         []string
	Adjustments       []Adjustment
}

// conflictPenalty is subtracted from the mean stage confidence per
// recorded conflict.
const conflictPenalty = 0.2

// Reconciler validates cross-stage consistency against the hierarchy.
type Reconciler struct {
	idx *hierarchy.Index
}

// New creates a reconciler over the given hierarchy index.
func New(idx *hierarchy.Index) *Reconciler {
	return &Reconciler{idx: idx}
}

// Reconcile merges the two stage traces into a final outcome. The category
// recommendation is never altered; it is treated as more reliable than the
// sub-code stage. An invalid sub-code is substituted with a valid
// alternative when the sub-code stage supplied one, otherwise nulled.
func (r *Reconciler) Reconcile(result *pipeline.Result) *Outcome {
	timer := logging.StartTimer(logging.CategoryReconcile, "Reconcile")
	defer timer.Stop()

	category := result.Category.Output.Recommendation
	subCode := result.SubCode.Output.Recommendation

	out := &Outcome{FinalCategoryCode: category}

	if category == "" {
		// Nothing to validate against; the sub-code cannot stand alone.
		out.Conflicts = append(out.Conflicts, ConflictMissingCategory)
		if subCode != "" {
			out.Adjustments = append(out.Adjustments, Adjustment{
				Field:    "sub_code",
				Action:   "removed",
				OldValue: subCode,
				Reason:   "no category to validate against",
			})
		}
	} else if subCode != "" {
		if r.idx.IsValidSubCode(category, subCode) {
			out.FinalSubCode = &subCode
		} else {
			out.Conflicts = append(out.Conflicts, ConflictSubCodeNotMapped)
			if alt, ok := r.validAlternative(category, result.SubCode.Output.Alternatives); ok {
				out.FinalSubCode = &alt
				out.Adjustments = append(out.Adjustments, Adjustment{
					Field:    "sub_code",
					Action:   "substituted",
					OldValue: subCode,
					NewValue: alt,
					Reason:   "alternative is a valid mapping for the category",
				})
			} else {
				out.Adjustments = append(out.Adjustments, Adjustment{
					Field:    "sub_code",
					Action:   "removed",
					OldValue: subCode,
					Reason:   "no valid mapping or alternative for the category",
				})
			}
		}
	}

	mean := (result.Category.Output.Confidence + result.SubCode.Output.Confidence) / 2
	out.FinalConfidence = mean - conflictPenalty*float64(len(out.Conflicts))
	if out.FinalConfidence < 0 {
		out.FinalConfidence = 0
	}

	logging.Reconcile("Reconciled: category=%q sub_code=%v confidence=%.2f conflicts=%d adjustments=%d",
		out.FinalCategoryCode, out.FinalSubCode, out.FinalConfidence, len(out.Conflicts), len(out.Adjustments))
	return out
}

// validAlternative returns the first alternative that is a valid (own or
// inherited) mapping for the category.
func (r *Reconciler) validAlternative(category string, alternatives []pipeline.Alternative) (string, bool) {
	for _, alt := range alternatives {
		if alt.Code != "" && r.idx.IsValidSubCode(category, alt.Code) {
			return alt.Code, true
		}
	}
	return "", false
}
