// Package classify implements the content classifier (spec §4.2): a
// static registry mapping a detector id to (patterns, post-filter,
// render mode), exactly the "regex catalog as a giant if-chain" redesign
// spec §9 calls for, plus the pure Classify function that runs it.
package classify

import "regexp"

// RenderMode controls how a raw match is rendered into DetectedByType.
type RenderMode int

const (
	RenderRaw RenderMode = iota
	RenderRedacted
	RenderPrivateKey
)

const (
	redactedPlaceholder  = "[REDACTED]"
	privateKeyPlaceholder = "[PRIVATE_KEY_DETECTED]"
)

// Confidence flags detectors the spec's open question calls out as
// likely to over-match (indian_bank_account, micr): SPEC_FULL §9 keeps
// them but excludes them from auto min-match-count escalation.
type Confidence int

const (
	ConfidenceNormal Confidence = iota
	ConfidenceLow
)

// Detector is one named pattern family in the registry.
type Detector struct {
	ID         string
	Patterns   []*regexp.Regexp
	PostFilter func(string) bool
	Render     RenderMode
	Cap        int
	Confidence Confidence
}

func (d *Detector) extract(text string) []string {
	seen := map[string]bool{}
	var out []string
	cap := d.Cap
	if cap <= 0 {
		cap = 10
	}
	for _, pat := range d.Patterns {
		for _, m := range pat.FindAllString(text, -1) {
			if len(out) >= cap {
				return render(out, d.Render)
			}
			if d.PostFilter != nil && !d.PostFilter(m) {
				continue
			}
			// classifier dedups by rendered string per type before
			// counting (spec §4.2 tie-break rule), so dedup happens
			// pre-render on the canonical raw match.
			if seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	return render(out, d.Render)
}

func render(matches []string, mode RenderMode) []string {
	if mode == RenderRaw || len(matches) == 0 {
		return matches
	}
	placeholder := redactedPlaceholder
	if mode == RenderPrivateKey {
		placeholder = privateKeyPlaceholder
	}
	out := make([]string, len(matches))
	for i := range matches {
		out[i] = placeholder
	}
	return out
}

// Registry is the static detector id -> Detector map, built once at
// package init and never mutated, so it is safe for concurrent reads
// from every monitor goroutine.
var Registry = buildRegistry()

func buildRegistry() map[string]*Detector {
	m := map[string]*Detector{}
	for _, d := range allDetectors() {
		m[d.ID] = d
	}
	return m
}

// Lookup returns the detector for a canonical (already alias-normalized)
// data-type id, and whether it exists.
func Lookup(id string) (*Detector, bool) {
	d, ok := Registry[id]
	return d, ok
}
