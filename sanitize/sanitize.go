// Package sanitize strips markup and script constructs from free-text fields
// of decoded message payloads.
//
// This is a denylist control: it removes tag delimiters, inline
// event-handler attribute patterns, and script-URI schemes from string
// leaves. A denylist is weaker than a proper escaping discipline, so
// escaping at render time remains the primary defense; this sanitizer is a
// secondary control against payloads that reach a renderer unescaped.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/pinglearn/wsguard/internal/secerr"
)

// DefaultMaxDepth bounds recursion into nested payloads. Nesting beyond the
// limit is treated as a rejection condition, not silently truncated.
const DefaultMaxDepth = 20

// ErrTooDeep is returned when a payload nests beyond the configured depth.
var ErrTooDeep = secerr.NewValidation("PAYLOAD_TOO_DEEP", "payload nesting exceeds maximum depth")

var (
	// Inline event-handler attribute patterns, e.g. onclick=, onerror =.
	handlerPattern = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
	// URI schemes that execute script when dereferenced. A scheme is only a
	// scheme at the start of a URI token, so the match requires start of
	// string or a non-alphanumeric boundary; otherwise ordinary words such
	// as "metadata:" would be mangled.
	schemePattern = regexp.MustCompile(`(?i)(^|[^a-z0-9])(javascript|vbscript|livescript|data)\s*:`)
)

// Sanitizer strips dangerous constructs from string leaves of a payload.
type Sanitizer struct {
	maxDepth int
}

// New creates a Sanitizer. maxDepth <= 0 falls back to DefaultMaxDepth.
func New(maxDepth int) *Sanitizer {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Sanitizer{maxDepth: maxDepth}
}

// String strips dangerous constructs from a single string and reports
// whether anything was removed. The result is a fixpoint: sanitizing it
// again returns it unchanged.
func (s *Sanitizer) String(in string) (string, bool) {
	// Strip until fixpoint so removals cannot reassemble a stripped
	// construct (e.g. "javajavascript:script:"). Terminates because every
	// pass that changes the string strictly shrinks it.
	out := in
	for {
		prev := out
		out = handlerPattern.ReplaceAllString(out, "")
		out = schemePattern.ReplaceAllString(out, "${1}")
		out = strings.ReplaceAll(out, "<", "")
		out = strings.ReplaceAll(out, ">", "")
		if out == prev {
			break
		}
	}
	return out, out != in
}

// Value walks a decoded JSON value (objects, arrays, scalars) and sanitizes
// every string leaf, returning a structurally identical copy. The input is
// never mutated. Reports whether any leaf was modified.
func (s *Sanitizer) Value(v interface{}) (interface{}, bool, error) {
	return s.walk(v, 0)
}

// Map sanitizes a decoded JSON object. Nil maps pass through unchanged.
func (s *Sanitizer) Map(m map[string]interface{}) (map[string]interface{}, bool, error) {
	if m == nil {
		return nil, false, nil
	}
	out, modified, err := s.walk(m, 0)
	if err != nil {
		return nil, false, err
	}
	return out.(map[string]interface{}), modified, nil
}

func (s *Sanitizer) walk(v interface{}, depth int) (interface{}, bool, error) {
	if depth > s.maxDepth {
		return nil, false, ErrTooDeep
	}

	switch val := v.(type) {
	case string:
		out, modified := s.String(val)
		return out, modified, nil

	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		modified := false
		for k, child := range val {
			// Keys are sanitized too: a key renders just like a value once
			// the object reaches a template.
			cleanKey, keyModified := s.String(k)
			cleanChild, childModified, err := s.walk(child, depth+1)
			if err != nil {
				return nil, false, err
			}
			out[cleanKey] = cleanChild
			modified = modified || keyModified || childModified
		}
		return out, modified, nil

	case []interface{}:
		out := make([]interface{}, len(val))
		modified := false
		for i, child := range val {
			cleanChild, childModified, err := s.walk(child, depth+1)
			if err != nil {
				return nil, false, err
			}
			out[i] = cleanChild
			modified = modified || childModified
		}
		return out, modified, nil

	default:
		// Numbers, booleans, nil: nothing to strip.
		return v, false, nil
	}
}
