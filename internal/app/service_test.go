package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modeldeck/modeldeck/internal/bridge"
	"github.com/modeldeck/modeldeck/internal/gate"
	"github.com/modeldeck/modeldeck/internal/ollama"
	"github.com/modeldeck/modeldeck/internal/ops"
)

// fakePull is a scripted PullStream.
type fakePull struct {
	lines   chan string
	stderr  string
	waitErr error
	waited  chan struct{} // closed when Wait may return
}

func newFakePull() *fakePull {
	return &fakePull{
		lines:  make(chan string, 16),
		waited: make(chan struct{}),
	}
}

func (f *fakePull) Output() <-chan string { return f.lines }
func (f *fakePull) Stderr() string        { return f.stderr }
func (f *fakePull) Wait() error {
	<-f.waited
	return f.waitErr
}

// finish closes the output stream and releases Wait with err.
func (f *fakePull) finish(err error) {
	f.waitErr = err
	close(f.lines)
	close(f.waited)
}

type fakeRunner struct {
	stream   *fakePull
	startErr error
	started  int
	ctx      context.Context
}

func (r *fakeRunner) Start(ctx context.Context, model string) (PullStream, error) {
	r.started++
	r.ctx = ctx
	if r.startErr != nil {
		return nil, r.startErr
	}
	return r.stream, nil
}

// fakeChat is a scripted ChatTransport. The script runs in a goroutine and
// honors context cancellation like the real client does.
type fakeChat struct {
	script   []ollama.Fragment
	launch   error
	requests []ollama.ChatRequest
}

func (f *fakeChat) Chat(ctx context.Context, req ollama.ChatRequest) (<-chan ollama.Fragment, error) {
	f.requests = append(f.requests, req)
	if f.launch != nil {
		return nil, f.launch
	}
	out := make(chan ollama.Fragment)
	script := f.script
	go func() {
		defer close(out)
		for _, frag := range script {
			select {
			case out <- frag:
			case <-ctx.Done():
				out <- ollama.Fragment{Err: ctx.Err()}
				return
			}
		}
	}()
	return out, nil
}

func okGate() *gate.Gate {
	return gate.NewWithExists("/mnt/models", func(string) bool { return true })
}

func newTestService(chat ChatTransport, pull PullRunner) *Service {
	return NewService(Deps{
		Gate:             okGate(),
		Registry:         ops.NewRegistry(),
		Mux:              bridge.NewMux(),
		Chat:             chat,
		Pull:             pull,
		FallbackInterval: 10 * time.Millisecond,
	})
}

// collect drains the event channel with a deadline, returning all events.
func collect(t *testing.T, events <-chan ops.Event) []ops.Event {
	t.Helper()
	var got []ops.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d so far", len(got))
		}
	}
}

func terminalCount(events []ops.Event) int {
	n := 0
	for _, ev := range events {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

func TestDownloadHappyPath(t *testing.T) {
	pull := newFakePull()
	runner := &fakeRunner{stream: pull}
	s := newTestService(&fakeChat{}, runner)

	op, events, err := s.StartDownload("llama3.2", "8b")
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	if op.Target != "llama3.2:8b" {
		t.Errorf("Target = %q, want %q", op.Target, "llama3.2:8b")
	}

	pull.lines <- "pulling manifest"
	pull.lines <- "downloading 42%"
	pull.lines <- "success"
	pull.finish(nil)

	got := collect(t, events)
	if terminalCount(got) != 1 {
		t.Fatalf("terminal events = %d, want exactly 1 (%+v)", terminalCount(got), got)
	}

	last := got[len(got)-1]
	if last.Type != ops.EventEnd {
		t.Fatalf("last event = %q, want end", last.Type)
	}
	if last.Percentage == nil || *last.Percentage != 100 {
		t.Errorf("end Percentage = %v, want 100", last.Percentage)
	}

	// The operation is removed after its terminal event is delivered.
	waitRemoved(t, s, op.ID)
}

func waitRemoved(t *testing.T, s *Service, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Get(id); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("operation %s still registered after terminal event", id)
}

func TestDownloadProgressOrder(t *testing.T) {
	pull := newFakePull()
	runner := &fakeRunner{stream: pull}
	s := newTestService(&fakeChat{}, runner)

	_, events, err := s.StartDownload("llama3.2", "")
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	pull.lines <- "downloading 10%"
	pull.lines <- "downloading 40%"
	pull.lines <- "downloading 30%"
	pull.finish(nil)

	got := collect(t, events)
	var pcts []float64
	for _, ev := range got {
		if ev.Type == ops.EventProgress && ev.Percentage != nil {
			pcts = append(pcts, *ev.Percentage)
		}
	}
	for i := 1; i < len(pcts); i++ {
		if pcts[i] < pcts[i-1] {
			t.Fatalf("percentage decreased: %v", pcts)
		}
	}
}

func TestDownloadPreconditionFailure(t *testing.T) {
	runner := &fakeRunner{stream: newFakePull()}
	s := NewService(Deps{
		Gate:     gate.New(""), // not configured
		Registry: ops.NewRegistry(),
		Mux:      bridge.NewMux(),
		Chat:     &fakeChat{},
		Pull:     runner,
	})

	_, _, err := s.StartDownload("llama3.2", "")
	if !errors.Is(err, gate.ErrNotConfigured) {
		t.Fatalf("StartDownload = %v, want ErrNotConfigured", err)
	}
	if runner.started != 0 {
		t.Errorf("runner started %d times, want 0 (no subprocess on failed gate)", runner.started)
	}
}

func TestDownloadUnreachableStorage(t *testing.T) {
	runner := &fakeRunner{stream: newFakePull()}
	s := NewService(Deps{
		Gate:     gate.NewWithExists("/mnt/models", func(string) bool { return false }),
		Registry: ops.NewRegistry(),
		Mux:      bridge.NewMux(),
		Chat:     &fakeChat{},
		Pull:     runner,
	})

	_, _, err := s.StartDownload("llama3.2", "")
	if !errors.Is(err, gate.ErrUnreachable) {
		t.Fatalf("StartDownload = %v, want ErrUnreachable", err)
	}
}

func TestDownloadLaunchFailureIsSynchronous(t *testing.T) {
	runner := &fakeRunner{startErr: errors.New("binary not found")}
	s := newTestService(&fakeChat{}, runner)

	_, _, err := s.StartDownload("llama3.2", "")
	if err == nil {
		t.Fatal("StartDownload = nil error, want launch failure")
	}
}

func TestDownloadFailure(t *testing.T) {
	pull := newFakePull()
	runner := &fakeRunner{stream: pull}
	s := newTestService(&fakeChat{}, runner)

	_, events, err := s.StartDownload("llama3.2", "")
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	pull.lines <- "downloading 10%"
	pull.finish(errors.New("pull failed: exit status 1: manifest not found"))

	got := collect(t, events)
	if terminalCount(got) != 1 {
		t.Fatalf("terminal events = %d, want 1", terminalCount(got))
	}
	last := got[len(got)-1]
	if last.Type != ops.EventError {
		t.Fatalf("last event = %q, want error", last.Type)
	}
	if !strings.Contains(last.Error, "manifest not found") {
		t.Errorf("Error = %q, want failure detail", last.Error)
	}
}

func TestDownloadSyntheticFallback(t *testing.T) {
	pull := newFakePull()
	runner := &fakeRunner{stream: pull}
	s := newTestService(&fakeChat{}, runner)

	_, events, err := s.StartDownload("llama3.2", "")
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	// No lines at all; let the fallback tick a few times.
	go func() {
		time.Sleep(80 * time.Millisecond)
		pull.finish(nil)
	}()

	got := collect(t, events)
	synthetic := 0
	var last float64
	for _, ev := range got {
		if ev.Type != ops.EventProgress {
			continue
		}
		synthetic++
		if ev.Percentage == nil {
			t.Fatal("synthetic progress without percentage")
		}
		if *ev.Percentage < last {
			t.Fatalf("synthetic percentage decreased: %v -> %v", last, *ev.Percentage)
		}
		last = *ev.Percentage
	}
	if synthetic == 0 {
		t.Error("no synthetic progress emitted for silent stream")
	}
	if last >= 100 {
		t.Errorf("synthetic reached %v, must never claim completion", last)
	}
	if got[len(got)-1].Type != ops.EventEnd {
		t.Errorf("last event = %q, want end", got[len(got)-1].Type)
	}
}

func TestDownloadCancel(t *testing.T) {
	pull := newFakePull()
	runner := &fakeRunner{stream: pull}
	s := newTestService(&fakeChat{}, runner)

	op, events, err := s.StartDownload("llama3.2", "")
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	if !s.Cancel(op.ID) {
		t.Fatal("Cancel = false, want true")
	}
	// Cancel reports immediately, before the process confirms anything.
	// Simulate the killed process winding down afterwards.
	if runner.ctx.Err() == nil {
		t.Error("operation context not cancelled")
	}
	pull.finish(errors.New("signal: killed"))

	got := collect(t, events)
	if terminalCount(got) != 1 {
		t.Fatalf("terminal events = %d, want exactly 1 (%+v)", terminalCount(got), got)
	}
	if got[len(got)-1].Type != ops.EventCancelled {
		t.Errorf("last event = %q, want cancelled", got[len(got)-1].Type)
	}

	// A second cancel is a no-op.
	if s.Cancel(op.ID) {
		t.Error("second Cancel = true, want false")
	}
}

func TestCancelUnknown(t *testing.T) {
	s := newTestService(&fakeChat{}, &fakeRunner{stream: newFakePull()})
	if s.Cancel("ghost") {
		t.Error("Cancel(unknown) = true, want false")
	}
}

func chatFragments(parts ...string) []ollama.Fragment {
	var frags []ollama.Fragment
	for i, p := range parts {
		done := "false"
		if i == len(parts)-1 {
			done = "true"
		}
		frags = append(frags, ollama.Fragment{
			Data: []byte(`{"message":{"content":"` + p + `"},"done":` + done + `}`),
		})
	}
	frags = append(frags, ollama.Fragment{End: true})
	return frags
}

func TestChatHappyPath(t *testing.T) {
	chat := &fakeChat{script: chatFragments("Hel", "lo")}
	s := newTestService(chat, &fakeRunner{stream: newFakePull()})

	op, events, err := s.StartChat(ChatParams{
		SessionID: "sess-1",
		Model:     "llama3.2",
		Messages:  []ollama.Message{{Role: "user", Content: "say hello"}},
		Stream:    true,
	})
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	if op.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", op.SessionID)
	}

	got := collect(t, events)
	if got[0].Type != ops.EventStart {
		t.Errorf("first event = %q, want start", got[0].Type)
	}

	var assembled strings.Builder
	for _, ev := range got {
		if ev.Type == ops.EventChunk {
			assembled.WriteString(ev.Delta)
		}
	}
	last := got[len(got)-1]
	if last.Type != ops.EventEnd {
		t.Fatalf("last event = %q, want end", last.Type)
	}
	// Deltas concatenated equal the full response on the end event.
	if assembled.String() != "Hello" || last.FullResponse != "Hello" {
		t.Errorf("deltas = %q, full = %q, want both %q", assembled.String(), last.FullResponse, "Hello")
	}
	if terminalCount(got) != 1 {
		t.Errorf("terminal events = %d, want 1", terminalCount(got))
	}
}

func TestChatLaunchFailure(t *testing.T) {
	chat := &fakeChat{launch: errors.New("connection refused")}
	s := newTestService(chat, &fakeRunner{stream: newFakePull()})

	_, _, err := s.StartChat(ChatParams{Model: "llama3.2", Stream: true})
	if err == nil {
		t.Fatal("StartChat = nil error, want launch failure")
	}
}

func TestChatPreconditionFailure(t *testing.T) {
	chat := &fakeChat{script: chatFragments("x")}
	s := NewService(Deps{
		Gate:     gate.New(""),
		Registry: ops.NewRegistry(),
		Mux:      bridge.NewMux(),
		Chat:     chat,
		Pull:     &fakeRunner{stream: newFakePull()},
	})

	_, _, err := s.StartChat(ChatParams{Model: "llama3.2"})
	if !errors.Is(err, gate.ErrNotConfigured) {
		t.Fatalf("StartChat = %v, want ErrNotConfigured", err)
	}
	if len(chat.requests) != 0 {
		t.Error("transport invoked despite failed gate")
	}
}

func TestChatMidStreamErrorPreservesPartial(t *testing.T) {
	chat := &fakeChat{script: []ollama.Fragment{
		{Data: []byte(`{"message":{"content":"partial "},"done":false}`)},
		{Err: errors.New("connection reset")},
	}}
	s := newTestService(chat, &fakeRunner{stream: newFakePull()})

	_, events, err := s.StartChat(ChatParams{Model: "llama3.2", Stream: true})
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}

	got := collect(t, events)
	last := got[len(got)-1]
	if last.Type != ops.EventError {
		t.Fatalf("last event = %q, want error", last.Type)
	}
	if last.FullResponse != "partial " {
		t.Errorf("FullResponse = %q, want preserved partial text", last.FullResponse)
	}
	if terminalCount(got) != 1 {
		t.Errorf("terminal events = %d, want 1", terminalCount(got))
	}
}

func TestChatInBandErrorPreservesPartial(t *testing.T) {
	chat := &fakeChat{script: []ollama.Fragment{
		{Data: []byte(`{"message":{"content":"some text"},"done":false}`)},
		{Data: []byte(`{"error":"model crashed"}`)},
		{End: true},
	}}
	s := newTestService(chat, &fakeRunner{stream: newFakePull()})

	_, events, err := s.StartChat(ChatParams{Model: "llama3.2", Stream: true})
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}

	got := collect(t, events)
	last := got[len(got)-1]
	if last.Type != ops.EventError {
		t.Fatalf("last event = %q, want error", last.Type)
	}
	if !strings.Contains(last.Error, "model crashed") {
		t.Errorf("Error = %q, want in-band message", last.Error)
	}
	if last.FullResponse != "some text" {
		t.Errorf("FullResponse = %q, want preserved partial", last.FullResponse)
	}
}

func TestChatNoOutputTimeout(t *testing.T) {
	chat := &fakeChat{script: []ollama.Fragment{{Err: ollama.ErrNoOutput}}}
	s := newTestService(chat, &fakeRunner{stream: newFakePull()})

	_, events, err := s.StartChat(ChatParams{Model: "llama3.2", Stream: true})
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}

	got := collect(t, events)
	last := got[len(got)-1]
	if last.Type != ops.EventError {
		t.Fatalf("last event = %q, want error", last.Type)
	}
	if last.Message == "" {
		t.Error("no-output failure should carry an explanatory message")
	}
}

func TestConcurrentOperationsNoCrossTalk(t *testing.T) {
	chatX := &fakeChat{script: chatFragments("response for X")}
	sX := newTestService(chatX, &fakeRunner{stream: newFakePull()})

	opX, eventsX, err := sX.StartChat(ChatParams{Model: "llama3.2", Stream: true})
	if err != nil {
		t.Fatalf("StartChat X: %v", err)
	}

	// Same service, second concurrent operation via a second transport
	// script: swap the script before starting Y.
	chatX.script = chatFragments("response for Y")
	opY, eventsY, err := sX.StartChat(ChatParams{Model: "llama3.2", Stream: true})
	if err != nil {
		t.Fatalf("StartChat Y: %v", err)
	}
	if opX.ID == opY.ID {
		t.Fatal("operation IDs collide")
	}

	gotX := collect(t, eventsX)
	gotY := collect(t, eventsY)

	for _, ev := range gotX {
		if ev.OperationID != opX.ID {
			t.Errorf("X stream carries foreign event %+v", ev)
		}
	}
	if gotX[len(gotX)-1].FullResponse != "response for X" {
		t.Errorf("X full = %q", gotX[len(gotX)-1].FullResponse)
	}
	if gotY[len(gotY)-1].FullResponse != "response for Y" {
		t.Errorf("Y full = %q", gotY[len(gotY)-1].FullResponse)
	}
}

func TestChatCancel(t *testing.T) {
	// fakeChat closes its channel once the script is exhausted, which
	// would complete the chat; use a transport that holds the stream
	// open until the context is cancelled.
	s := newTestService(&blockingChat{}, &fakeRunner{stream: newFakePull()})

	op, events, err := s.StartChat(ChatParams{Model: "llama3.2", Stream: true})
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}

	// Wait for the first chunk so the pump is mid-stream.
	first := <-events
	if first.Type != ops.EventStart {
		t.Fatalf("first event = %q, want start", first.Type)
	}
	second := <-events
	if second.Type != ops.EventChunk {
		t.Fatalf("second event = %q, want chunk", second.Type)
	}

	if !s.Cancel(op.ID) {
		t.Fatal("Cancel = false, want true")
	}

	got := collect(t, events)
	if len(got) == 0 || got[len(got)-1].Type != ops.EventCancelled {
		t.Fatalf("events after cancel = %+v, want cancelled terminal", got)
	}
	if terminalCount(got) != 1 {
		t.Errorf("terminal events = %d, want 1", terminalCount(got))
	}
}

func TestCancelDoesNotDisturbOtherOperations(t *testing.T) {
	pull := newFakePull()
	chat := &fakeChat{script: chatFragments("unaffected")}
	s := newTestService(chat, &fakeRunner{stream: pull})

	opX, eventsX, err := s.StartDownload("llama3.2", "")
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	opY, eventsY, err := s.StartChat(ChatParams{Model: "llama3.2", Stream: true})
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}

	if !s.Cancel(opX.ID) {
		t.Fatal("Cancel X = false")
	}
	pull.finish(errors.New("signal: killed"))

	gotX := collect(t, eventsX)
	gotY := collect(t, eventsY)

	if gotX[len(gotX)-1].Type != ops.EventCancelled {
		t.Errorf("X last event = %q, want cancelled", gotX[len(gotX)-1].Type)
	}
	for _, ev := range gotY {
		if ev.OperationID != opY.ID {
			t.Errorf("Y stream carries foreign event %+v", ev)
		}
	}
	if last := gotY[len(gotY)-1]; last.Type != ops.EventEnd || last.FullResponse != "unaffected" {
		t.Errorf("Y terminal = %+v, want completed end", last)
	}
}

// blockingChat emits one chunk then holds the stream open until the
// context is cancelled.
type blockingChat struct{}

func (b *blockingChat) Chat(ctx context.Context, req ollama.ChatRequest) (<-chan ollama.Fragment, error) {
	out := make(chan ollama.Fragment)
	go func() {
		defer close(out)
		out <- ollama.Fragment{Data: []byte(`{"message":{"content":"tok"},"done":false}`)}
		<-ctx.Done()
		out <- ollama.Fragment{Err: ctx.Err()}
	}()
	return out, nil
}
