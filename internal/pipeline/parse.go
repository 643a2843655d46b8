package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// STAGE OUTPUT PARSING
// =============================================================================

// ParseStrategy names how a raw stage response was decoded.
type ParseStrategy string

const (
	ParseStrict  ParseStrategy = "strict"  // whole response is valid JSON
	ParseSalvage ParseStrategy = "salvage" // JSON object extracted from surrounding text
)

// ParseError is returned when neither strategy yields a valid stage output.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse stage output: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseStageOutput decodes a raw model response into a StageOutput. The
// strict strategy is tried first; when the response wraps JSON in prose or
// markdown fences, the salvage strategy extracts the outermost object. The
// chosen strategy is returned so it can be recorded in the stage trace.
func ParseStageOutput(raw string) (*StageOutput, ParseStrategy, error) {
	trimmed := strings.TrimSpace(raw)

	var out StageOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
		out.Confidence = clamp01(out.Confidence)
		return &out, ParseStrict, nil
	}

	salvaged, ok := salvageJSON(trimmed)
	if !ok {
		return nil, "", &ParseError{Raw: raw, Err: fmt.Errorf("no JSON object found in response")}
	}

	if err := json.Unmarshal([]byte(salvaged), &out); err != nil {
		return nil, "", &ParseError{Raw: raw, Err: err}
	}
	out.Confidence = clamp01(out.Confidence)
	return &out, ParseSalvage, nil
}

// salvageJSON extracts the outermost {...} span from free text.
func salvageJSON(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
