package baseline

import "testing"

func TestCaptureOnceDoesNotOverwrite(t *testing.T) {
	s := New(10)
	b1, first := s.CaptureOnce("/watched/a.txt", []byte("hello\n"))
	if !first {
		t.Fatal("expected first capture to report true")
	}
	b2, second := s.CaptureOnce("/watched/a.txt", []byte("overwritten"))
	if second {
		t.Fatal("second CaptureOnce should not report a fresh capture")
	}
	if string(b2.Content) != string(b1.Content) {
		t.Fatalf("existing baseline was overwritten: %q", b2.Content)
	}
}

func TestEvictionDropsOldest(t *testing.T) {
	s := New(2)
	s.CaptureOnce("/a", []byte("a"))
	s.CaptureOnce("/b", []byte("b"))
	s.CaptureOnce("/c", []byte("c"))
	if _, ok := s.Get("/a"); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
	if _, ok := s.Get("/c"); !ok {
		t.Fatal("expected newest entry to remain")
	}
	if s.Len() != 2 {
		t.Fatalf("expected capacity-bounded length 2, got %d", s.Len())
	}
}

func TestClearRemovesEntry(t *testing.T) {
	s := New(10)
	s.CaptureOnce("/a", []byte("a"))
	s.Clear("/a")
	if _, ok := s.Get("/a"); ok {
		t.Fatal("expected baseline to be cleared")
	}
}

func TestGetAbsentToleratesMissingEntry(t *testing.T) {
	s := New(10)
	if _, ok := s.Get("/missing"); ok {
		t.Fatal("expected absent lookup to report false, not panic")
	}
}
