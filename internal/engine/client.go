// Package engine is the boundary to the agent backend. A Client starts one
// streamed turn per Run; the returned Stream yields typed events in backend
// order, accepts tool results for the tool calls it emitted, and can be
// canceled from any goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/basket/analyst/internal/tools"
)

type EventKind string

const (
	// EventText carries one text fragment of the assistant's reply.
	EventText EventKind = "text"
	// EventToolCall asks the caller to run a tool and Resolve the result.
	EventToolCall EventKind = "tool_call"
	// EventToolResult reports a tool the backend executed itself.
	EventToolResult EventKind = "tool_result"
	EventDone       EventKind = "done"
	EventError      EventKind = "error"
)

type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolOutput is the result of a tool call, fed back with Stream.Resolve or
// reported by the backend in an EventToolResult.
type ToolOutput struct {
	CallID string
	Name   string
	Result tools.Result
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Event is one item of a turn's stream. Exactly one of the kind-specific
// fields is meaningful.
type Event struct {
	Kind   EventKind
	Text   string
	Call   *ToolCall
	Output *ToolOutput
	// Cost is this turn's incremental spend in USD, set on EventDone.
	Cost  float64
	Usage Usage
	Err   *BackendError
}

// Request starts one turn.
type Request struct {
	SessionID string
	TurnID    string
	Query     string
	Model     string
	Tools     []tools.Descriptor
}

// Client starts turns against an agent backend.
type Client interface {
	Run(ctx context.Context, req Request) (Stream, error)
}

// Stream is a finite, pull-based sequence of events for one turn. Events is
// closed after the final event. Cancel is safe to call concurrently with
// consumption and more than once.
type Stream interface {
	Events() <-chan Event
	Resolve(out ToolOutput) error
	Cancel()
}

var ErrUnknownCall = errors.New("no pending tool call with that id")

// Pipe is a Stream whose producer side is driven by a backend goroutine.
// Backends create one with NewPipe, Emit events, Await tool results, and
// call Close when the turn is over.
type Pipe struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	mu      sync.Mutex
	pending map[string]chan ToolOutput
	closed  bool
}

func NewPipe(ctx context.Context) *Pipe {
	ctx, cancel := context.WithCancel(ctx)
	return &Pipe{
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan Event, 16),
		pending: make(map[string]chan ToolOutput),
	}
}

// Context is canceled when the consumer cancels the stream.
func (p *Pipe) Context() context.Context { return p.ctx }

func (p *Pipe) Events() <-chan Event { return p.events }

func (p *Pipe) Cancel() { p.cancel() }

// Emit delivers ev unless the stream was canceled first. It reports whether
// the event was delivered.
func (p *Pipe) Emit(ev Event) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case p.events <- ev:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Expect registers a tool call id before its EventToolCall is emitted so a
// fast Resolve cannot race the registration.
func (p *Pipe) Expect(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[callID]; !ok {
		p.pending[callID] = make(chan ToolOutput, 1)
	}
}

// Await blocks until the tool call is resolved or the stream is canceled.
func (p *Pipe) Await(callID string) (ToolOutput, error) {
	p.mu.Lock()
	ch, ok := p.pending[callID]
	p.mu.Unlock()
	if !ok {
		return ToolOutput{}, fmt.Errorf("await %s: %w", callID, ErrUnknownCall)
	}
	select {
	case out := <-ch:
		p.mu.Lock()
		delete(p.pending, callID)
		p.mu.Unlock()
		return out, nil
	case <-p.ctx.Done():
		return ToolOutput{}, p.ctx.Err()
	}
}

func (p *Pipe) Resolve(out ToolOutput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("resolve %s: stream closed", out.CallID)
	}
	ch, ok := p.pending[out.CallID]
	if !ok {
		return fmt.Errorf("resolve %s: %w", out.CallID, ErrUnknownCall)
	}
	select {
	case ch <- out:
		return nil
	default:
		return fmt.Errorf("resolve %s: already resolved", out.CallID)
	}
}

// Close ends the stream. It must be called exactly once, by the producer.
func (p *Pipe) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	close(p.events)
	p.cancel()
}

// Fail emits a terminal error event built from err.
func (p *Pipe) Fail(err error) {
	p.Emit(Event{Kind: EventError, Err: NewBackendError(err)})
}
