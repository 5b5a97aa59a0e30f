// Package enginetest provides a scripted engine.Client for driving the
// session orchestrator deterministically in tests.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/basket/analyst/internal/engine"
)

// Step is one scripted action of a turn. The first non-zero field wins.
type Step struct {
	Text string
	// Call emits a tool call and waits for Resolve.
	Call *engine.ToolCall
	// Result reports a backend-executed tool.
	Result *engine.ToolOutput
	// Done ends the turn with Cost.
	Done bool
	Cost float64
	// Fail ends the turn with a backend error.
	Fail error
	// Wait blocks until the channel is closed or the stream is canceled.
	Wait <-chan struct{}
	// Hang blocks until the channel is closed, ignoring cancellation, to
	// model a backend that never acknowledges an interrupt.
	Hang <-chan struct{}
}

// Script is the sequence of steps for one Run call.
type Script []Step

// Reply is a script that streams text and completes.
func Reply(text string, cost float64) Script {
	return Script{{Text: text}, {Done: true, Cost: cost}}
}

// Client plays scripts in Run order. Runs beyond the queued scripts reply
// "ok" at zero cost.
type Client struct {
	mu       sync.Mutex
	scripts  []Script
	requests []engine.Request
	outputs  []engine.ToolOutput
	started  chan engine.Request
	runErr   error
}

func New(scripts ...Script) *Client {
	return &Client{scripts: scripts, started: make(chan engine.Request, 64)}
}

// Push queues another script.
func (c *Client) Push(s Script) {
	c.mu.Lock()
	c.scripts = append(c.scripts, s)
	c.mu.Unlock()
}

// FailRun makes subsequent Run calls return err synchronously.
func (c *Client) FailRun(err error) {
	c.mu.Lock()
	c.runErr = err
	c.mu.Unlock()
}

// Started receives every request as Run is called.
func (c *Client) Started() <-chan engine.Request { return c.started }

func (c *Client) Requests() []engine.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]engine.Request(nil), c.requests...)
}

// Outputs returns every tool output resolved so far, in order.
func (c *Client) Outputs() []engine.ToolOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]engine.ToolOutput(nil), c.outputs...)
}

func (c *Client) Run(ctx context.Context, req engine.Request) (engine.Stream, error) {
	c.mu.Lock()
	if c.runErr != nil {
		err := c.runErr
		c.mu.Unlock()
		return nil, err
	}
	script := Reply("ok", 0)
	if len(c.scripts) > 0 {
		script = c.scripts[0]
		c.scripts = c.scripts[1:]
	}
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	select {
	case c.started <- req:
	default:
	}

	p := engine.NewPipe(ctx)
	go c.play(p, script)
	return p, nil
}

func (c *Client) play(p *engine.Pipe, script Script) {
	defer p.Close()
	ctx := p.Context()
	for _, st := range script {
		switch {
		case st.Text != "":
			if !p.Emit(engine.Event{Kind: engine.EventText, Text: st.Text}) {
				return
			}
		case st.Call != nil:
			p.Expect(st.Call.ID)
			if !p.Emit(engine.Event{Kind: engine.EventToolCall, Call: st.Call}) {
				return
			}
			out, err := p.Await(st.Call.ID)
			if err != nil {
				return
			}
			c.mu.Lock()
			c.outputs = append(c.outputs, out)
			c.mu.Unlock()
		case st.Result != nil:
			if !p.Emit(engine.Event{Kind: engine.EventToolResult, Output: st.Result}) {
				return
			}
		case st.Done:
			p.Emit(engine.Event{Kind: engine.EventDone, Cost: st.Cost})
			return
		case st.Fail != nil:
			p.Fail(st.Fail)
			return
		case st.Wait != nil:
			select {
			case <-st.Wait:
			case <-ctx.Done():
				return
			}
		case st.Hang != nil:
			<-st.Hang
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// ErrScripted is a convenience backend failure.
var ErrScripted = errors.New("scripted backend failure")
