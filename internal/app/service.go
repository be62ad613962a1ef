// Package app is the background-operation streaming core. It launches
// long-running, cancellable operations (model downloads, chat completions),
// normalizes their heterogeneous output into a structured event stream, and
// multiplexes concurrent operations by operation ID with no cross-talk.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modeldeck/modeldeck/internal/bridge"
	"github.com/modeldeck/modeldeck/internal/gate"
	"github.com/modeldeck/modeldeck/internal/ollama"
	"github.com/modeldeck/modeldeck/internal/ops"
	"github.com/modeldeck/modeldeck/internal/progress"
	"github.com/modeldeck/modeldeck/internal/stream"
)

// fallbackInterval paces the synthetic progress generator. The absence of
// any progress event for multiple intervals is a diagnosable stall.
const fallbackInterval = 1500 * time.Millisecond

// ChatTransport issues chat completion requests and exposes their raw
// output as a fragment sequence.
type ChatTransport interface {
	Chat(ctx context.Context, req ollama.ChatRequest) (<-chan ollama.Fragment, error)
}

// PullStream is a running model download's raw output.
type PullStream interface {
	Output() <-chan string
	Stderr() string
	Wait() error
}

// PullRunner launches model pull subprocesses.
type PullRunner interface {
	Start(ctx context.Context, model string) (PullStream, error)
}

// OllamaPullRunner runs downloads through the ollama CLI, pointing
// OLLAMA_MODELS at the configured storage location.
type OllamaPullRunner struct {
	Binary      string
	ModelsDir   string
	IdleTimeout time.Duration
}

func (r OllamaPullRunner) Start(ctx context.Context, model string) (PullStream, error) {
	p, err := ollama.StartPull(ctx, ollama.PullOptions{
		Binary:      r.Binary,
		Model:       model,
		ModelsDir:   r.ModelsDir,
		IdleTimeout: r.IdleTimeout,
	})
	if err != nil {
		return nil, err
	}
	return pullAdapter{p}, nil
}

type pullAdapter struct{ p *ollama.Pull }

func (a pullAdapter) Output() <-chan string { return a.p.Lines }
func (a pullAdapter) Stderr() string        { return a.p.Stderr() }
func (a pullAdapter) Wait() error           { return a.p.Wait() }

// Deps holds the service's collaborators.
type Deps struct {
	Gate     *gate.Gate
	Registry *ops.Registry
	Mux      *bridge.Mux
	Chat     ChatTransport
	Pull     PullRunner
	// FallbackInterval overrides the synthetic progress pace; zero uses
	// the default. Tests shorten it.
	FallbackInterval time.Duration
}

// Service orchestrates operations: precondition gate, launch, normalize,
// registry update, event publication. It never retries; retry policy
// belongs to the caller, which may re-invoke with a fresh operation ID.
type Service struct {
	gate     *gate.Gate
	registry *ops.Registry
	mux      *bridge.Mux
	chat     ChatTransport
	pull     PullRunner
	interval time.Duration
	logger   *slog.Logger
}

// NewService creates a Service from its dependencies.
func NewService(deps Deps) *Service {
	interval := deps.FallbackInterval
	if interval <= 0 {
		interval = fallbackInterval
	}
	return &Service{
		gate:     deps.Gate,
		registry: deps.Registry,
		mux:      deps.Mux,
		chat:     deps.Chat,
		pull:     deps.Pull,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Get returns a snapshot of the operation with the given ID.
func (s *Service) Get(id string) (ops.Operation, bool) {
	return s.registry.Get(id)
}

// Cancel requests cancellation of a running operation. It reports the
// cancellation upward immediately: the terminal cancelled event is
// published here, without waiting for the underlying process to confirm
// termination. It returns false for unknown or already-terminal
// operations, emitting nothing in that case.
func (s *Service) Cancel(id string) bool {
	if !s.registry.Cancel(id) {
		return false
	}
	if _, ok := s.registry.Finish(id, ops.StatusCancelled); ok {
		s.mux.Publish(ops.Event{OperationID: id, Type: ops.EventCancelled})
	}
	return true
}

// StartDownload verifies preconditions, launches the pull subprocess, and
// returns the new operation with its event channel. A precondition or
// launch failure is returned synchronously: no operation is registered and
// no subprocess outlives the call.
func (s *Service) StartDownload(modelName, variant string) (ops.Operation, <-chan ops.Event, error) {
	if err := s.gate.Check(ops.KindDownload); err != nil {
		return ops.Operation{}, nil, err
	}

	target := modelName
	if variant != "" {
		target = modelName + ":" + variant
	}

	ctx, cancel := context.WithCancel(context.Background())
	pull, err := s.pull.Start(ctx, target)
	if err != nil {
		cancel()
		return ops.Operation{}, nil, err
	}

	op := s.registry.Create(ops.KindDownload, target, "", cancel)
	events, _ := s.mux.Subscribe(op.ID)

	s.logger.Info("download started", "operation_id", op.ID, "model", target)
	go s.runDownload(ctx, op, pull)
	return op, events, nil
}

// runDownload pumps one download to completion. It is the only goroutine
// touching this operation's tracker, so the classifier state machine and
// the fallback timer cannot race: a single select serializes real lines,
// synthetic ticks, and cancellation.
func (s *Service) runDownload(ctx context.Context, op ops.Operation, pull PullStream) {
	tracker := progress.NewTracker()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.registry.Remove(op.ID)

	lines := pull.Output()
	for lines != nil {
		select {
		case <-ticker.C:
			u, ok := tracker.Synthetic()
			if !ok {
				// Real signal observed; the fallback is permanently done.
				ticker.Stop()
				continue
			}
			s.publishProgress(op.ID, u)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			u, ok := tracker.Line(line)
			if !ok {
				continue
			}
			if tracker.RealSignal() {
				ticker.Stop()
			}
			s.publishProgress(op.ID, u)
		}
	}

	err := pull.Wait()
	switch {
	case err == nil:
		if final, ok := s.registry.Finish(op.ID, ops.StatusCompleted); ok {
			pct := final.Percentage
			s.mux.Publish(ops.Event{
				OperationID: op.ID,
				Type:        ops.EventEnd,
				Status:      progress.StatusCompleted,
				Percentage:  &pct,
				Message:     "download complete",
			})
		}
	case ctx.Err() != nil:
		// Cancellation already produced its terminal event in Cancel;
		// Finish is a no-op then, so a kill racing a natural exit still
		// yields exactly one terminal event.
		if _, ok := s.registry.Finish(op.ID, ops.StatusCancelled); ok {
			s.mux.Publish(ops.Event{OperationID: op.ID, Type: ops.EventCancelled})
		}
	default:
		if _, ok := s.registry.Finish(op.ID, ops.StatusError); ok {
			s.mux.Publish(ops.Event{
				OperationID: op.ID,
				Type:        ops.EventError,
				Error:       err.Error(),
			})
		}
	}
}

// publishProgress stores the update in the registry and, if the operation
// is still live, emits a progress event. The registry owns the
// non-decreasing percentage invariant, so the published value may be the
// clamped running maximum rather than the raw parsed one.
func (s *Service) publishProgress(id string, u progress.Update) {
	var pct float64
	if u.Percentage != nil {
		pct = *u.Percentage
	}
	snap, alive := s.registry.UpdateProgress(id, pct, u.Speed, u.Size, u.Message)
	if !alive {
		return
	}

	ev := ops.Event{
		OperationID: id,
		Type:        ops.EventProgress,
		Status:      u.Status,
		Message:     u.Message,
		Speed:       snap.Speed,
		Size:        snap.Size,
	}
	if u.Percentage != nil {
		p := snap.Percentage
		ev.Percentage = &p
	}
	s.mux.Publish(ev)
}

// ChatParams describes one chat operation. Messages arrive pre-trimmed
// (bounded history plus one system instruction); the core does not
// second-guess their size.
type ChatParams struct {
	SessionID string
	Model     string
	Messages  []ollama.Message
	Stream    bool
	Options   *ollama.Options
}

// StartChat verifies preconditions, issues the completion request, and
// returns the new operation with its event channel. Like StartDownload,
// launch failures are synchronous and register nothing.
func (s *Service) StartChat(params ChatParams) (ops.Operation, <-chan ops.Event, error) {
	if err := s.gate.Check(ops.KindChat); err != nil {
		return ops.Operation{}, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	frags, err := s.chat.Chat(ctx, ollama.ChatRequest{
		Model:    params.Model,
		Messages: params.Messages,
		Stream:   params.Stream,
		Options:  params.Options,
	})
	if err != nil {
		cancel()
		return ops.Operation{}, nil, err
	}

	op := s.registry.Create(ops.KindChat, params.Model, params.SessionID, cancel)
	events, _ := s.mux.Subscribe(op.ID)

	s.logger.Info("chat started", "operation_id", op.ID, "model", params.Model, "session_id", params.SessionID)
	go s.runChat(op, frags)
	return op, events, nil
}

// runChat pumps one chat completion to its terminal event.
func (s *Service) runChat(op ops.Operation, frags <-chan ollama.Fragment) {
	defer s.registry.Remove(op.ID)
	defer func() {
		// Late fragments after a terminal state are dropped, not applied.
		for range frags {
		}
	}()

	s.mux.Publish(ops.Event{OperationID: op.ID, Type: ops.EventStart})

	acc := stream.NewAccumulator()
	for f := range frags {
		if f.Err != nil {
			s.finishChatError(op.ID, f.Err, acc.Text())
			return
		}
		if f.End {
			acc.Finalize()
			break
		}

		delta, done, err := acc.Apply(f.Data)
		if err != nil {
			// Partial content received before the failure is preserved
			// and surfaced alongside the error.
			s.finishChatError(op.ID, err, acc.Text())
			return
		}
		if delta != "" {
			if _, alive := s.registry.AppendChunk(op.ID, delta); !alive {
				return
			}
			s.mux.Publish(ops.Event{OperationID: op.ID, Type: ops.EventChunk, Delta: delta})
		}
		if done {
			break
		}
	}

	if final, ok := s.registry.Finish(op.ID, ops.StatusCompleted); ok {
		// The end event carries the full final text, so a subscriber that
		// missed intermediate chunks can still recover the answer.
		s.mux.Publish(ops.Event{
			OperationID:  op.ID,
			Type:         ops.EventEnd,
			FullResponse: final.Accumulated,
		})
	}
}

func (s *Service) finishChatError(id string, err error, partial string) {
	if _, ok := s.registry.Finish(id, ops.StatusError); !ok {
		return
	}
	ev := ops.Event{
		OperationID:  id,
		Type:         ops.EventError,
		Error:        err.Error(),
		FullResponse: partial,
	}
	if errors.Is(err, ollama.ErrNoOutput) {
		ev.Message = "model produced no output"
	}
	s.mux.Publish(ev)
}
