package clipboard

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/dlpagent/internal/events"
	"github.com/haasonsaas/dlpagent/internal/policy"
)

type fakeReader struct {
	texts []string
	i     int
}

func (f *fakeReader) ReadText(ctx context.Context) (string, error) {
	if f.i >= len(f.texts) {
		return f.texts[len(f.texts)-1], nil
	}
	t := f.texts[f.i]
	f.i++
	return t, nil
}

type fakeTitler struct{ title string }

func (f *fakeTitler) ForegroundTitle(ctx context.Context) (string, error) { return f.title, nil }

type captureSender struct{ events []events.Event }

func (c *captureSender) SendEvent(ctx context.Context, ev events.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func TestClipboardMatchEmitsAlertWithSourceFilename(t *testing.T) {
	rule := &policy.Rule{
		PolicyID:      "clip1",
		Class:         policy.ClassClipboard,
		Enabled:       true,
		Action:        policy.ActionAlert,
		Severity:      policy.SeverityMedium,
		DataTypes:     []string{"ssn"},
		MinMatchCount: 1,
	}
	bundle := &policy.Bundle{Policies: map[policy.Class][]*policy.Rule{policy.ClassClipboard: {rule}}}
	store := policy.NewStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	if _, err := store.Apply(bundle); err != nil {
		t.Fatalf("apply bundle: %v", err)
	}

	sender := &captureSender{}
	emitter := events.NewEmitter("agent-1", sender, store.Active, zerolog.Nop())
	reader := &fakeReader{texts: []string{"ssn 123-45-6789"}}
	titler := &fakeTitler{title: "report.docx - Notepad"}

	mon := New(zerolog.Nop(), store.Active, reader, titler, emitter)
	mon.poll(context.Background())

	if len(sender.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sender.events))
	}
	ev := sender.events[0]
	if ev.EventType != events.TypeClipboard {
		t.Fatalf("expected clipboard event type, got %s", ev.EventType)
	}
	if ev.Attributes["source_filename"] != "report.docx" {
		t.Fatalf("expected source filename heuristic to pick report.docx, got %v", ev.Attributes["source_filename"])
	}
}

func TestClipboardUnchangedTextDoesNotRepoll(t *testing.T) {
	rule := &policy.Rule{
		PolicyID:      "clip1",
		Class:         policy.ClassClipboard,
		Enabled:       true,
		Action:        policy.ActionAlert,
		Severity:      policy.SeverityMedium,
		DataTypes:     []string{"ssn"},
		MinMatchCount: 1,
	}
	bundle := &policy.Bundle{Policies: map[policy.Class][]*policy.Rule{policy.ClassClipboard: {rule}}}
	store := policy.NewStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	if _, err := store.Apply(bundle); err != nil {
		t.Fatalf("apply bundle: %v", err)
	}
	sender := &captureSender{}
	emitter := events.NewEmitter("agent-1", sender, store.Active, zerolog.Nop())
	reader := &fakeReader{texts: []string{"ssn 123-45-6789"}}
	titler := &fakeTitler{title: "notes.txt - Notepad"}

	mon := New(zerolog.Nop(), store.Active, reader, titler, emitter)
	mon.poll(context.Background())
	mon.poll(context.Background())

	if len(sender.events) != 1 {
		t.Fatalf("expected exactly 1 event for unchanged clipboard text, got %d", len(sender.events))
	}
}

func TestClipboardNoPolicyDropsEvent(t *testing.T) {
	store := policy.NewStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	sender := &captureSender{}
	emitter := events.NewEmitter("agent-1", sender, store.Active, zerolog.Nop())
	reader := &fakeReader{texts: []string{"ssn 123-45-6789"}}
	titler := &fakeTitler{title: ""}

	mon := New(zerolog.Nop(), store.Active, reader, titler, emitter)
	mon.poll(context.Background())

	if len(sender.events) != 0 {
		t.Fatal("expected no event when active policy set has no clipboard rules")
	}
}
