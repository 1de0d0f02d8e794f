package classify

import (
	"sort"

	"github.com/h2non/filetype"
	"github.com/rs/zerolog"

	"github.com/haasonsaas/dlpagent/internal/policy"
)

// MaxScanBytes bounds how much of a buffer the classifier inspects;
// larger buffers are reported as TooLarge without content inspection
// (spec §4.2).
const MaxScanBytes = 1 << 20 // 1 MiB

// Result is the classifier's output (spec §4.2).
type Result struct {
	Labels          []string
	Severity        policy.Severity
	DetectedByType  map[string][]string
	MatchedPolicies []string
	SuggestedAction policy.Action
	TooLarge        bool
}

func (r *Result) Matched() bool {
	return len(r.MatchedPolicies) > 0
}

// TooLargeOrBinary reports whether content should skip inspection
// entirely: either it exceeds MaxScanBytes, or h2non/filetype sniffs it
// as a known binary container format (spec §4.2's "larger files ...
// without content inspection", extended per SPEC_FULL §2's domain-stack
// wiring to also skip binary formats rather than garbage-scanning them).
func TooLargeOrBinary(content []byte) bool {
	if len(content) > MaxScanBytes {
		return true
	}
	head := content
	if len(head) > 8192 {
		head = head[:8192]
	}
	kind, err := filetype.Match(head)
	if err == nil && kind != filetype.Unknown && kind.MIME.Type != "text" {
		return true
	}
	return false
}

// Classify runs every candidate rule's data types against text for the
// given event kind (spec §4.2).
func Classify(log zerolog.Logger, text string, rules []*policy.Rule, kind policy.EventKind) Result {
	res := Result{DetectedByType: map[string][]string{}}
	if len(text) > MaxScanBytes {
		res.TooLarge = true
		return res
	}

	policySeen := map[string]bool{}
	for _, r := range rules {
		if !r.Enabled || !r.MonitorsEvent(kind) {
			continue
		}
		matchedTypes := 0
		for _, dt := range r.DataTypes {
			values := safeDetect(log, dt, text)
			if len(values) == 0 {
				continue
			}
			matchedTypes++
			mergeDetected(res.DetectedByType, dt, values)
		}
		if matchedTypes == 0 || matchedTypes < r.MinMatchCount {
			continue
		}
		if !policySeen[r.PolicyID] {
			policySeen[r.PolicyID] = true
			res.MatchedPolicies = append(res.MatchedPolicies, r.PolicyID)
		}
		switch r.Action {
		case policy.ActionBlock, policy.ActionQuarantine:
			res.Severity = policy.MaxSeverity(res.Severity, policy.SeverityCritical)
		case policy.ActionAlert:
			res.Severity = policy.MaxSeverity(res.Severity, policy.SeverityHigh)
		default:
			res.Severity = policy.MaxSeverity(res.Severity, r.Severity)
		}
		if r.Action.Rank() > res.SuggestedAction.Rank() {
			res.SuggestedAction = r.Action
		}
	}

	for dt := range res.DetectedByType {
		res.Labels = append(res.Labels, dt)
	}
	sort.Strings(res.Labels)
	sort.Strings(res.MatchedPolicies)
	if res.SuggestedAction == "" {
		res.SuggestedAction = policy.ActionLog
	}
	return res
}

func mergeDetected(dst map[string][]string, dt string, values []string) {
	existing := dst[dt]
	seen := map[string]bool{}
	for _, v := range existing {
		seen[v] = true
	}
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			existing = append(existing, v)
		}
	}
	dst[dt] = existing
}

// safeDetect isolates a single detector failure from the rest of rule
// evaluation (spec §7(e): "a failing detector is isolated; others still
// run"), grounded on pkg/posture/collector_v2.go's per-probe
// defer/recover pattern.
func safeDetect(log zerolog.Logger, dataType, text string) (values []string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("detector", dataType).Msg("classifier detector panicked")
			values = nil
		}
	}()
	d, ok := Lookup(dataType)
	if !ok {
		return nil
	}
	return d.extract(text)
}
