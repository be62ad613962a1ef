package stream

import (
	"strings"
	"testing"
)

func TestApplyAccumulatesDeltas(t *testing.T) {
	a := NewAccumulator()

	delta, done, err := a.Apply([]byte(`{"message":{"content":"Hel"},"done":false}`))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if delta != "Hel" || done {
		t.Errorf("Apply = (%q, %v), want (%q, false)", delta, done, "Hel")
	}

	delta, done, err = a.Apply([]byte(`{"message":{"content":"lo"},"done":true}`))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if delta != "lo" || !done {
		t.Errorf("Apply = (%q, %v), want (%q, true)", delta, done, "lo")
	}

	if a.Text() != "Hello" {
		t.Errorf("Text() = %q, want %q", a.Text(), "Hello")
	}
	if !a.Done() {
		t.Error("Done() = false after done fragment")
	}
}

func TestApplyResponseKey(t *testing.T) {
	a := NewAccumulator()
	delta, _, err := a.Apply([]byte(`{"response":"hi there"}`))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if delta != "hi there" {
		t.Errorf("delta = %q, want %q", delta, "hi there")
	}
}

func TestApplyDeltaKey(t *testing.T) {
	a := NewAccumulator()
	delta, _, err := a.Apply([]byte(`{"delta":"token"}`))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if delta != "token" {
		t.Errorf("delta = %q, want %q", delta, "token")
	}
}

func TestExtractorOrderMessageWins(t *testing.T) {
	// A fragment carrying more than one known key must extract the same
	// way every time: message.content has priority.
	a := NewAccumulator()
	delta, _, err := a.Apply([]byte(`{"message":{"content":"a"},"response":"b","delta":"c"}`))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if delta != "a" {
		t.Errorf("delta = %q, want %q", delta, "a")
	}
}

func TestApplyUnknownShapeIsNoop(t *testing.T) {
	a := NewAccumulator()
	delta, done, err := a.Apply([]byte(`{"model":"llama3.2","created_at":"now"}`))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if delta != "" || done {
		t.Errorf("Apply = (%q, %v), want empty no-op", delta, done)
	}
}

func TestApplyMalformedJSON(t *testing.T) {
	a := NewAccumulator()
	a.Apply([]byte(`{"message":{"content":"partial "}}`))

	_, _, err := a.Apply([]byte(`{"message":`))
	if err == nil {
		t.Fatal("Apply(malformed) err = nil, want error")
	}
	// Partial text before the failure stays available.
	if a.Text() != "partial " {
		t.Errorf("Text() = %q, want %q", a.Text(), "partial ")
	}
}

func TestApplyInBandError(t *testing.T) {
	a := NewAccumulator()
	a.Apply([]byte(`{"message":{"content":"some text"}}`))

	_, _, err := a.Apply([]byte(`{"error":"model not loaded"}`))
	if err == nil {
		t.Fatal("Apply(error fragment) err = nil, want error")
	}
	if !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("err = %v, want wrapped server message", err)
	}
	if a.Text() != "some text" {
		t.Errorf("Text() = %q, want preserved partial", a.Text())
	}
}

func TestApplyAfterDoneIgnored(t *testing.T) {
	a := NewAccumulator()
	a.Apply([]byte(`{"message":{"content":"final"},"done":true}`))

	delta, done, err := a.Apply([]byte(`{"message":{"content":"late"}}`))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if delta != "" || !done {
		t.Errorf("Apply after done = (%q, %v), want (\"\", true)", delta, done)
	}
	if a.Text() != "final" {
		t.Errorf("Text() = %q, want %q", a.Text(), "final")
	}
}

func TestFinalizeWithoutDoneMarker(t *testing.T) {
	a := NewAccumulator()
	a.Apply([]byte(`{"message":{"content":"all of it"}}`))
	if a.Done() {
		t.Fatal("Done() = true before Finalize")
	}
	a.Finalize()
	if !a.Done() {
		t.Error("Done() = false after Finalize")
	}
	if a.Text() != "all of it" {
		t.Errorf("Text() = %q, want %q", a.Text(), "all of it")
	}
}
