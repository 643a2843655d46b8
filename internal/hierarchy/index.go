// Package hierarchy implements the fiscal code hierarchy index.
// Category codes form a forest under the prefix relation; sub-code mappings
// attach to category codes and are inherited downward from the nearest
// ancestor that owns mappings of its own.
package hierarchy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"fiscat/internal/logging"
)

// =============================================================================
// DATA MODEL
// =============================================================================

// CodeNode is one category code in the hierarchy.
// Level is derived from the code length; parent linkage is derived from the
// prefix relation and never stored.
type CodeNode struct {
	Code        string
	Description string
	Level       int
	OwnMappings []Mapping
	Inherited   []Mapping
}

// Mapping associates a sub-code with an owner category code.
type Mapping struct {
	OwnerCode     string
	SubCode       string
	Description   string
	Confidence    float64
	Source        string
	Inherited     bool
	InheritedFrom string
}

// MalformedCodeError is returned when a non-numeric code is loaded.
// Index construction fails fast on a corrupt hierarchy rather than
// silently skipping entries.
type MalformedCodeError struct {
	Code string
}

func (e *MalformedCodeError) Error() string {
	return fmt.Sprintf("malformed hierarchy code: %q (must be decimal digits)", e.Code)
}

// =============================================================================
// INDEX
// =============================================================================

// Index holds the full code hierarchy. Reads are safe for unbounded
// concurrent callers; ApplyInheritance is the single mutating operation and
// takes the write lock.
type Index struct {
	mu    sync.RWMutex
	nodes map[string]*CodeNode

	// codes sorted ascending, used for prefix scans in FindBestMatch
	sorted []string

	inheritedConfScale float64
}

// NewIndex creates an empty hierarchy index.
// inheritedConfScale is the confidence multiplier applied to inherited
// mappings (must be in (0, 1]; typical value 0.8).
func NewIndex(inheritedConfScale float64) *Index {
	if inheritedConfScale <= 0 || inheritedConfScale > 1 {
		inheritedConfScale = 0.8
	}
	return &Index{
		nodes:              make(map[string]*CodeNode),
		inheritedConfScale: inheritedConfScale,
	}
}

// Normalize strips separators and whitespace from a code. The normalized
// form is the sole comparison key used everywhere in the index.
func Normalize(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		switch r {
		case '.', '-', '/', ' ', '\t':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isNumeric reports whether s is a non-empty string of decimal digits.
func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// AddNode registers a category code with its description. The code is
// normalized; duplicates merge (description of the first write wins).
func (idx *Index) AddNode(code, description string) error {
	norm := Normalize(code)
	if !isNumeric(norm) {
		return &MalformedCodeError{Code: code}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[norm]; !exists {
		idx.nodes[norm] = &CodeNode{
			Code:        norm,
			Description: description,
			Level:       len(norm),
		}
		idx.sorted = nil // invalidate prefix scan cache
	}
	return nil
}

// AddMapping attaches a sub-code directly to a category code. The owner
// node is created implicitly if missing.
func (idx *Index) AddMapping(ownerCode, subCode, description string, confidence float64, source string) error {
	norm := Normalize(ownerCode)
	if !isNumeric(norm) {
		return &MalformedCodeError{Code: ownerCode}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	node, exists := idx.nodes[norm]
	if !exists {
		node = &CodeNode{Code: norm, Level: len(norm)}
		idx.nodes[norm] = node
		idx.sorted = nil
	}

	node.OwnMappings = append(node.OwnMappings, Mapping{
		OwnerCode:   norm,
		SubCode:     subCode,
		Description: description,
		Confidence:  confidence,
		Source:      source,
	})
	return nil
}

// Size returns the number of codes in the index.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// Get returns the node for a normalized code, or nil.
func (idx *Index) Get(code string) *CodeNode {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.nodes[Normalize(code)]
}

// sortedCodesLocked returns the code list sorted ascending, rebuilding the
// cache if nodes were added since the last call. Caller must hold the write
// lock because the rebuild stores the fresh slice.
func (idx *Index) sortedCodesLocked() []string {
	if idx.sorted == nil {
		codes := make([]string, 0, len(idx.nodes))
		for c := range idx.nodes {
			codes = append(codes, c)
		}
		sort.Strings(codes)
		idx.sorted = codes
	}
	return idx.sorted
}

// =============================================================================
// PREFIX MATCHING
// =============================================================================

// FindBestMatch resolves an input code to the best known code:
//  1. exact match on the normalized input;
//  2. else the least specific known code that starts with the input
//     (shortest qualifying descendant, to avoid over-committing);
//  3. else walk the input's own prefixes from longest to shortest and
//     return the first present in the index.
//
// Returns "" and false when no code or prefix exists at all.
func (idx *Index) FindBestMatch(inputCode string) (string, bool) {
	norm := Normalize(inputCode)
	if norm == "" {
		return "", false
	}

	idx.mu.Lock()
	sorted := idx.sortedCodesLocked()
	_, exact := idx.nodes[norm]
	idx.mu.Unlock()

	// Step 1: exact match
	if exact {
		return norm, true
	}

	// Step 2: shortest known descendant of the input
	// sorted order puts descendants of norm in a contiguous run starting at
	// the insertion point, and the shortest one sorts first among equals.
	i := sort.SearchStrings(sorted, norm)
	best := ""
	for ; i < len(sorted) && strings.HasPrefix(sorted[i], norm); i++ {
		if best == "" || len(sorted[i]) < len(best) {
			best = sorted[i]
		}
	}
	if best != "" {
		logging.HierarchyDebug("FindBestMatch: %s resolved to descendant %s", norm, best)
		return best, true
	}

	// Step 3: longest known proper prefix of the input
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for l := len(norm) - 1; l >= 1; l-- {
		prefix := norm[:l]
		if _, ok := idx.nodes[prefix]; ok {
			logging.HierarchyDebug("FindBestMatch: %s resolved to ancestor %s", norm, prefix)
			return prefix, true
		}
	}

	return "", false
}

// =============================================================================
// INHERITANCE
// =============================================================================

// ApplyInheritance computes inherited mappings for every code without own
// mappings. Codes are processed by level descending; each mapping-less code
// searches its ancestors by decreasing prefix length and copies the first
// non-empty OwnMappings set it finds, scaled and tagged with the source
// ancestor. Only own mappings are eligible as inheritance sources, so
// inheritance never chains through another inherited node.
//
// Holds the write lock for the duration of the pass; run it at index build
// or reload, not on the query path.
func (idx *Index) ApplyInheritance() {
	timer := logging.StartTimer(logging.CategoryHierarchy, "ApplyInheritance")
	defer timer.StopWithInfo()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	codes := make([]string, 0, len(idx.nodes))
	for c := range idx.nodes {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool {
		return len(codes[i]) > len(codes[j])
	})

	inheritedCount := 0
	for _, code := range codes {
		node := idx.nodes[code]
		node.Inherited = nil
		if len(node.OwnMappings) > 0 {
			continue
		}

		for l := len(code) - 1; l >= 1; l-- {
			ancestor, ok := idx.nodes[code[:l]]
			if !ok || len(ancestor.OwnMappings) == 0 {
				continue
			}
			node.Inherited = make([]Mapping, 0, len(ancestor.OwnMappings))
			for _, m := range ancestor.OwnMappings {
				node.Inherited = append(node.Inherited, Mapping{
					OwnerCode:     code,
					SubCode:       m.SubCode,
					Description:   m.Description,
					Confidence:    m.Confidence * idx.inheritedConfScale,
					Source:        m.Source,
					Inherited:     true,
					InheritedFrom: ancestor.Code,
				})
			}
			inheritedCount++
			break
		}
		// No owning ancestor: the code stays mapping-less. Not an error.
	}

	logging.Hierarchy("Inheritance applied: %d codes, %d inherited mapping sets", len(codes), inheritedCount)
}

// MappingsFor returns the direct plus inherited mappings for a code,
// de-duplicated by sub-code keeping the highest confidence. Returns nil
// when the code is unknown or has no mappings.
func (idx *Index) MappingsFor(code string) []Mapping {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	node, ok := idx.nodes[Normalize(code)]
	if !ok {
		return nil
	}

	seen := make(map[string]int) // sub-code -> index into out
	out := make([]Mapping, 0, len(node.OwnMappings)+len(node.Inherited))
	for _, m := range node.OwnMappings {
		if i, dup := seen[m.SubCode]; dup {
			if m.Confidence > out[i].Confidence {
				out[i] = m
			}
			continue
		}
		seen[m.SubCode] = len(out)
		out = append(out, m)
	}
	for _, m := range node.Inherited {
		if i, dup := seen[m.SubCode]; dup {
			if m.Confidence > out[i].Confidence {
				out[i] = m
			}
			continue
		}
		seen[m.SubCode] = len(out)
		out = append(out, m)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// IsValidSubCode reports whether subCode appears (own or inherited) in the
// mapping set of categoryCode.
func (idx *Index) IsValidSubCode(categoryCode, subCode string) bool {
	for _, m := range idx.MappingsFor(categoryCode) {
		if m.SubCode == subCode {
			return true
		}
	}
	return false
}
