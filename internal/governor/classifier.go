package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/Morse2580/Mimir-sub001/pkg/errors"
)

// maxPatternDetails caps how many matches a verdict reports. The first
// few are enough for an audit trail; the rest would just echo the
// payload back.
const maxPatternDetails = 5

// maxFragmentLen bounds the excerpt carried per match
const maxFragmentLen = 48

// PatternMatch names one content pattern found in a payload. Fragment
// is a short excerpt of the matched text, never the whole payload.
type PatternMatch struct {
	Name     string `json:"name"`
	Fragment string `json:"fragment,omitempty"`
}

// Verdict is the outcome of classifying one payload
type Verdict struct {
	Disallowed bool           `json:"disallowed"`
	Patterns   []PatternMatch `json:"patterns,omitempty"`
}

// PatternNames lists the matched pattern names in report order
func (v *Verdict) PatternNames() []string {
	if v == nil || len(v.Patterns) == 0 {
		return nil
	}
	names := make([]string, 0, len(v.Patterns))
	for _, p := range v.Patterns {
		names = append(names, p.Name)
	}
	return names
}

// ContentClassifier screens a payload before it crosses the boundary to
// the external API. Implementations are supplied by the platform; the
// facade treats a classifier error the same as a rejection.
type ContentClassifier interface {
	Classify(ctx context.Context, payload json.RawMessage) (*Verdict, error)
}

// PermitAll is the default classifier: nothing is disallowed
type PermitAll struct{}

// Classify always returns a clean verdict
func (PermitAll) Classify(_ context.Context, _ json.RawMessage) (*Verdict, error) {
	return &Verdict{}, nil
}

// DenyList rejects payloads whose serialized form matches any of a
// fixed set of named patterns. Patterns are evaluated in name order so
// verdicts are deterministic.
type DenyList struct {
	patterns []denyPattern
}

type denyPattern struct {
	name string
	re   *regexp.Regexp
}

// NewDenyList compiles the named patterns into a classifier. An
// uncompilable pattern is a configuration mistake and fails fast.
func NewDenyList(patterns map[string]string) (*DenyList, error) {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sort.Strings(names)

	compiled := make([]denyPattern, 0, len(names))
	for _, name := range names {
		re, err := regexp.Compile(patterns[name])
		if err != nil {
			return nil, errors.NewValidationError(
				fmt.Sprintf("invalid content pattern %q", name)).WithCause(err)
		}
		compiled = append(compiled, denyPattern{name: name, re: re})
	}

	return &DenyList{patterns: compiled}, nil
}

// Classify matches the payload's serialized form against every pattern
// and reports up to maxPatternDetails hits
func (d *DenyList) Classify(_ context.Context, payload json.RawMessage) (*Verdict, error) {
	text := string(payload)
	verdict := &Verdict{}

	for _, p := range d.patterns {
		match := p.re.FindString(text)
		if match == "" {
			continue
		}
		verdict.Disallowed = true
		if len(verdict.Patterns) < maxPatternDetails {
			verdict.Patterns = append(verdict.Patterns, PatternMatch{
				Name:     p.name,
				Fragment: truncate(match, maxFragmentLen),
			})
		}
	}

	return verdict, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
