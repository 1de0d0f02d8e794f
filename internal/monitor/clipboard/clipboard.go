// Package clipboard implements the clipboard monitor (spec §4.4): poll
// the system clipboard, pair it with the foreground window title to
// guess a source filename, classify, and alert on matches.
package clipboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/dlpagent/internal/classify"
	"github.com/haasonsaas/dlpagent/internal/events"
	"github.com/haasonsaas/dlpagent/internal/platform"
	"github.com/haasonsaas/dlpagent/internal/policy"
)

const pollInterval = 2 * time.Second

// recognizedExtensions gates the " - " suffix heuristic spec §4.4
// describes: the title substring before " - " is only trusted as a
// filename when it ends in one of these.
var recognizedExtensions = []string{
	".txt", ".doc", ".docx", ".xls", ".xlsx", ".pdf", ".csv", ".ppt", ".pptx",
}

const maxExampleValues = 3

type Monitor struct {
	log       zerolog.Logger
	active    func() *policy.ActivePolicySet
	reader    platform.ClipboardReader
	titler    platform.WindowTitler
	emitter   *events.Emitter

	lastText string
	stopCh   chan struct{}
}

func New(log zerolog.Logger, active func() *policy.ActivePolicySet, reader platform.ClipboardReader, titler platform.WindowTitler, emitter *events.Emitter) *Monitor {
	return &Monitor{log: log, active: active, reader: reader, titler: titler, emitter: emitter}
}

func (m *Monitor) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	go m.loop(ctx)
}

func (m *Monitor) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("clipboard monitor panicked")
		}
	}()

	text, err := m.reader.ReadText(ctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("clipboard read failed")
		return
	}
	if text == "" || text == m.lastText {
		return
	}
	m.lastText = text

	rules := m.active().Rules(policy.ClassClipboard)
	if len(rules) == 0 {
		return
	}
	if classify.TooLargeOrBinary([]byte(text)) {
		return
	}

	res := classify.Classify(m.log, text, rules, policy.EventClipboardCopy)
	if !res.Matched() {
		return
	}

	source := m.sourceFilename(ctx)
	attrs := map[string]any{
		"source_filename": source,
		"detected_types":  summarize(res.DetectedByType),
	}

	m.emitter.Emit(ctx, events.Event{
		EventType:    events.TypeClipboard,
		EventSubtype: string(policy.EventClipboardCopy),
		Description:  fmt.Sprintf("clipboard copy matched %d policy(ies)", len(res.MatchedPolicies)),
		Severity:     res.Severity,
		Action:       policy.ActionAlert,
		Attributes:   attrs,
	})
}

// sourceFilename applies spec §4.4's suffix heuristic: the foreground
// window title's substring before " - " is trusted as a source filename
// only when it ends in a recognized extension.
func (m *Monitor) sourceFilename(ctx context.Context) string {
	title, err := m.titler.ForegroundTitle(ctx)
	if err != nil || title == "" {
		return ""
	}
	idx := strings.Index(title, " - ")
	if idx <= 0 {
		return ""
	}
	candidate := title[:idx]
	for _, ext := range recognizedExtensions {
		if strings.HasSuffix(strings.ToLower(candidate), ext) {
			return candidate
		}
	}
	return ""
}

// summarize caps each detected type's example values at three and
// redacts nothing further — classify.Result already renders secrets as
// [REDACTED] per the detector's RenderMode (spec §4.4).
func summarize(byType map[string][]string) map[string]any {
	out := make(map[string]any, len(byType))
	for dt, values := range byType {
		examples := values
		if len(examples) > maxExampleValues {
			examples = examples[:maxExampleValues]
		}
		out[dt] = map[string]any{
			"count":    len(values),
			"examples": examples,
		}
	}
	return out
}
