// Package session owns one conversation with the agent backend. An
// Orchestrator turns the backend's event stream into the outbound client
// protocol, keeps at most one turn in flight, queues input that arrives
// meanwhile, and dispatches tool calls through the registry.
//
// All state lives on a single control loop. Public methods post commands to
// the loop's mailbox and are safe for concurrent use.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/analyst/internal/bus"
	"github.com/basket/analyst/internal/engine"
	"github.com/basket/analyst/internal/otel"
	"github.com/basket/analyst/internal/persistence"
	"github.com/basket/analyst/internal/shared"
	"github.com/basket/analyst/internal/taskstore"
	"github.com/basket/analyst/internal/tools"
)

const (
	DefaultInterruptGrace = 5 * time.Second
	mailboxSize           = 256
	recordTimeout         = 5 * time.Second
)

var (
	// ErrBusy is returned by SetModel while a turn is active or interrupting.
	ErrBusy   = errors.New("session busy: a turn is in progress")
	ErrClosed = errors.New("session closed")
)

// State is the orchestrator's processing state.
type State int

const (
	Idle State = iota
	Active
	Interrupting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Interrupting:
		return "interrupting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is a snapshot of the orchestrator.
type Status struct {
	State     State
	SessionID string
	Model     string
	TotalCost float64
	Queued    int
	TurnID    string
}

// Recorder journals turns and tool calls. *persistence.Store implements it.
type Recorder interface {
	RecordTurnStart(ctx context.Context, sessionID, turnID, model, query string) error
	RecordTurnEnd(ctx context.Context, out persistence.TurnOutcome) error
	RecordToolCall(ctx context.Context, call persistence.ToolCall) error
	GetSession(ctx context.Context, sessionID string) (persistence.Session, error)
}

// Planner seeds a task plan from a prompt before the turn reaches the
// backend. *taskstore.Planner implements it.
type Planner interface {
	Apply(ctx context.Context, prompt string) (taskstore.Analysis, bool, error)
}

type Options struct {
	Client   engine.Client
	Registry *tools.Registry
	Sink     Sink
	Model    string
	// InterruptGrace bounds Interrupting; zero means DefaultInterruptGrace.
	InterruptGrace time.Duration

	// Optional collaborators.
	Recorder Recorder
	Planner  Planner
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics
}

type command struct {
	fn func()
	// user commands are held while a new-session reset waits for the
	// in-flight turn to end, so they apply to the new session.
	user bool
}

type turn struct {
	id      string
	query   string
	model   string
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	started time.Time

	stream engine.Stream
	grace  *time.Timer
	text   strings.Builder

	dispatching bool
	backlog     []engine.Event
	ended       bool

	cost  float64
	usage engine.Usage
}

type Orchestrator struct {
	client   engine.Client
	registry *tools.Registry
	sink     Sink
	grace    time.Duration
	recorder Recorder
	planner  Planner
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics

	baseCtx   context.Context
	stopBase  context.CancelFunc
	mailbox   chan command
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the control loop.
	state     State
	sessionID string
	announced bool
	model     string
	totalCost float64
	queue     []string
	turn      *turn
	resets    []chan struct{}
	held      []command
	closing   bool
}

// New starts an orchestrator's control loop. Close stops it.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	grace := opts.InterruptGrace
	if grace <= 0 {
		grace = DefaultInterruptGrace
	}
	sink := opts.Sink
	if sink == nil {
		sink = func(Message) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		client:   opts.Client,
		registry: opts.Registry,
		sink:     sink,
		grace:    grace,
		recorder: opts.Recorder,
		planner:  opts.Planner,
		bus:      opts.Bus,
		logger:   logger.With("component", "session"),
		tracer:   tracer,
		metrics:  opts.Metrics,
		baseCtx:  ctx,
		stopBase: cancel,
		mailbox:  make(chan command, mailboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		model:    opts.Model,
	}
	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(ctx, 1)
	}
	go o.loop()
	return o
}

// Submit starts a turn for text, or queues it behind the turn in flight.
func (o *Orchestrator) Submit(text string) error {
	if !o.send(command{user: true, fn: func() { o.submit(text) }}) {
		return ErrClosed
	}
	return nil
}

// Resume adopts sessionID when no session exists yet, reloading its
// accumulated cost from the recorder. It is ignored otherwise.
func (o *Orchestrator) Resume(sessionID string) error {
	if !o.send(command{user: true, fn: func() { o.resume(sessionID) }}) {
		return ErrClosed
	}
	return nil
}

// Interrupt cancels the active turn. It is a no-op when idle.
func (o *Orchestrator) Interrupt() error {
	if !o.send(command{user: true, fn: o.interrupt}) {
		return ErrClosed
	}
	return nil
}

// NewSession interrupts any turn in flight, waits for it to end, and resets
// the session id, cost and queue. The task store is not touched.
func (o *Orchestrator) NewSession() error {
	done := make(chan struct{})
	if !o.send(command{user: true, fn: func() { o.newSession(done) }}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-o.done:
		return ErrClosed
	}
}

// SetModel starts a new session on model. It fails with ErrBusy unless idle.
func (o *Orchestrator) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("set model: empty model name")
	}
	reply := make(chan error, 1)
	if !o.send(command{user: true, fn: func() { reply <- o.setModel(model) }}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return ErrClosed
	}
}

func (o *Orchestrator) Status() Status {
	reply := make(chan Status, 1)
	if !o.send(command{fn: func() { reply <- o.status() }}) {
		return Status{}
	}
	select {
	case st := <-reply:
		return st
	case <-o.done:
		return Status{}
	}
}

// Close ends any turn in flight as interrupted and stops the control loop.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.quit) })
	<-o.done
}

func (o *Orchestrator) send(c command) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.mailbox <- c:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) loop() {
	defer close(o.done)
	for {
		select {
		case c := <-o.mailbox:
			if c.user && len(o.resets) > 0 {
				o.held = append(o.held, c)
				continue
			}
			c.fn()
		case <-o.quit:
			o.shutdown()
			return
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.closing = true
	if o.turn != nil {
		o.finish(persistence.TurnInterrupted, "")
	}
	for _, w := range o.resets {
		close(w)
	}
	o.resets = nil
	if o.metrics != nil {
		o.metrics.QueueDepth.Add(context.Background(), -int64(len(o.queue)))
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	o.queue = nil
	o.stopBase()
}

func (o *Orchestrator) emit(m Message) {
	o.sink(m)
}

func (o *Orchestrator) status() Status {
	st := Status{
		State:     o.state,
		SessionID: o.sessionID,
		Model:     o.model,
		TotalCost: o.totalCost,
		Queued:    len(o.queue),
	}
	if o.turn != nil {
		st.TurnID = o.turn.id
	}
	return st
}

func (o *Orchestrator) emitStatus() {
	st := o.status()
	o.emit(Message{Type: TypeStatus, Status: &st})
}

func (o *Orchestrator) submit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		o.emit(Message{Type: TypeError, Error: "Empty query"})
		return
	}
	if o.state == Idle {
		o.start(text)
		return
	}
	o.queue = append(o.queue, text)
	if o.metrics != nil {
		o.metrics.QueueDepth.Add(o.baseCtx, 1)
	}
	o.logger.Info("query queued", "session_id", o.sessionID, "queued", len(o.queue))
}

func (o *Orchestrator) resume(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || o.sessionID != "" {
		return
	}
	o.sessionID = sessionID
	o.announced = false
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(o.baseCtx, recordTimeout)
	defer cancel()
	sess, err := o.recorder.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
	case err != nil:
		o.logger.Warn("load resumed session failed", "session_id", sessionID, "error", err)
	default:
		o.totalCost = sess.TotalCost
		o.logger.Info("session resumed", "session_id", sessionID, "total_cost", sess.TotalCost, "turns", sess.TurnCount)
	}
}

func (o *Orchestrator) start(query string) {
	if o.sessionID == "" {
		o.sessionID = shared.NewSessionID()
		o.announced = false
	}
	if !o.announced {
		o.emit(Message{Type: TypeSessionID, SessionID: o.sessionID, Model: o.model})
		o.announced = true
	}

	id := shared.NewTurnID()
	ctx, cancel := context.WithCancel(shared.WithTurnID(shared.WithSessionID(o.baseCtx, o.sessionID), id))
	ctx, span := otel.StartSpan(ctx, o.tracer, otel.SpanTurn,
		otel.AttrSessionID.String(o.sessionID),
		otel.AttrTurnID.String(id),
		otel.AttrModel.String(o.model),
	)
	t := &turn{
		id:      id,
		query:   query,
		model:   o.model,
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
		started: time.Now(),
	}
	o.turn = t
	o.state = Active
	o.logger.Info("turn started", "session_id", o.sessionID, "turn_id", id, "model", o.model)

	if o.recorder != nil {
		rctx, rcancel := context.WithTimeout(o.baseCtx, recordTimeout)
		if err := o.recorder.RecordTurnStart(rctx, o.sessionID, id, o.model, query); err != nil {
			o.logger.Warn("record turn start failed", "turn_id", id, "error", err)
		}
		rcancel()
	}

	var descs []tools.Descriptor
	if o.registry != nil {
		descs = o.registry.All()
	}
	req := engine.Request{
		SessionID: o.sessionID,
		TurnID:    id,
		Query:     query,
		Model:     o.model,
		Tools:     descs,
	}
	go o.launch(t, req)
}

// launch runs the planner hook and opens the backend stream off the loop.
func (o *Orchestrator) launch(t *turn, req engine.Request) {
	auto := false
	if o.planner != nil {
		a, wrote, err := o.planner.Apply(t.ctx, req.Query)
		if err != nil {
			o.logger.Warn("task planning hook failed", "turn_id", t.id, "error", err)
		} else if wrote {
			auto = true
			o.logger.Info("task plan seeded", "turn_id", t.id, "reason", a.Reason(), "tasks", len(a.SuggestedTasks))
		}
	}
	stream, err := o.client.Run(t.ctx, req)
	if !o.send(command{fn: func() { o.onLaunched(t, stream, err, auto) }}) && stream != nil {
		stream.Cancel()
		go drain(stream)
	}
}

func (o *Orchestrator) onLaunched(t *turn, stream engine.Stream, err error, auto bool) {
	if o.turn != t {
		if stream != nil {
			stream.Cancel()
			go drain(stream)
		}
		return
	}
	if auto {
		o.emit(Message{Type: TypeTasksUpdated, AutoCreated: true})
	}
	if o.state == Interrupting {
		if stream != nil {
			stream.Cancel()
			go drain(stream)
		}
		o.finish(persistence.TurnInterrupted, "")
		return
	}
	if err != nil {
		o.finish(persistence.TurnFailed, err.Error())
		return
	}
	t.stream = stream
	go o.pump(t, stream)
}

// pump forwards stream events to the loop until the stream closes. After the
// turn has ended the loop discards what it forwards, which drains a stream
// that outlived its interrupt grace period.
func (o *Orchestrator) pump(t *turn, stream engine.Stream) {
	for ev := range stream.Events() {
		if !o.send(command{fn: func() { o.onEvent(t, ev) }}) {
			stream.Cancel()
			drain(stream)
			return
		}
	}
	o.send(command{fn: func() { o.onStreamEnd(t) }})
}

func drain(stream engine.Stream) {
	for range stream.Events() {
	}
}

func (o *Orchestrator) onEvent(t *turn, ev engine.Event) {
	if o.turn != t {
		return
	}
	if o.state == Interrupting {
		o.finish(persistence.TurnInterrupted, "")
		return
	}
	if t.dispatching {
		t.backlog = append(t.backlog, ev)
		return
	}
	o.handle(t, ev)
}

func (o *Orchestrator) handle(t *turn, ev engine.Event) {
	switch ev.Kind {
	case engine.EventText:
		t.text.WriteString(ev.Text)
		o.emit(Message{Type: TypeText, Content: t.text.String()})

	case engine.EventToolCall:
		if ev.Call == nil {
			return
		}
		t.text.Reset()
		call := *ev.Call
		if call.Input == nil {
			call.Input = map[string]any{}
		}
		o.emit(Message{Type: TypeToolUse, ToolName: call.Name, Input: call.Input})
		t.dispatching = true
		go o.dispatch(t, call)

	case engine.EventToolResult:
		if ev.Output == nil {
			return
		}
		t.text.Reset()
		o.emit(Message{Type: TypeToolResult, Content: renderResult(ev.Output.Result), IsError: ev.Output.Result.IsError})

	case engine.EventDone:
		t.cost = ev.Cost
		t.usage = ev.Usage
		o.finish(persistence.TurnCompleted, "")

	case engine.EventError:
		msg := "agent backend error"
		if ev.Err != nil {
			msg = ev.Err.Error()
			o.logger.Error("turn failed", "session_id", o.sessionID, "turn_id", t.id, "class", ev.Err.Class, "error", ev.Err)
		}
		o.finish(persistence.TurnFailed, msg)
	}
}

// dispatch runs a tool off the loop and reports back. Failures become error
// results so the turn continues.
func (o *Orchestrator) dispatch(t *turn, call engine.ToolCall) {
	ctx, span := otel.StartSpan(t.ctx, o.tracer, otel.SpanToolDispatch,
		otel.AttrToolName.String(call.Name),
		otel.AttrToolCallID.String(call.ID),
	)
	ctx = taskstore.WithSource(ctx, "tool:"+call.Name)
	started := time.Now()

	var res tools.Result
	var err error
	if o.registry == nil {
		err = &tools.UnknownToolError{Name: call.Name}
	} else {
		res, err = o.registry.Dispatch(ctx, call.Name, call.Input)
	}
	if err != nil {
		res = tools.ErrorResult("Error: " + err.Error())
	}
	otel.EndSpan(span, err)
	elapsed := time.Since(started)

	o.send(command{fn: func() { o.onToolDone(t, call, res, err, elapsed) }})
}

func (o *Orchestrator) onToolDone(t *turn, call engine.ToolCall, res tools.Result, err error, elapsed time.Duration) {
	if o.turn != t {
		return
	}
	failed := err != nil || res.IsError
	if err != nil {
		o.logger.Warn("tool dispatch failed", "session_id", o.sessionID, "turn_id", t.id, "tool", call.Name, "error", err)
	}
	if o.metrics != nil {
		attrs := metric.WithAttributes(otel.AttrToolName.String(call.Name))
		o.metrics.ToolCallDuration.Record(o.baseCtx, elapsed.Seconds(), attrs)
		if failed {
			o.metrics.ToolCallErrors.Add(o.baseCtx, 1, attrs)
		}
	}
	content := renderResult(res)
	if o.recorder != nil {
		input, _ := json.Marshal(call.Input)
		rctx, cancel := context.WithTimeout(o.baseCtx, recordTimeout)
		if rerr := o.recorder.RecordToolCall(rctx, persistence.ToolCall{
			TurnID:     t.id,
			SessionID:  o.sessionID,
			CallID:     call.ID,
			ToolName:   call.Name,
			Input:      string(input),
			Output:     content,
			IsError:    failed,
			DurationMS: elapsed.Milliseconds(),
		}); rerr != nil {
			o.logger.Warn("record tool call failed", "turn_id", t.id, "tool", call.Name, "error", rerr)
		}
		cancel()
	}

	if o.state == Interrupting {
		o.finish(persistence.TurnInterrupted, "")
		return
	}

	o.emit(Message{Type: TypeToolResult, Content: content, IsError: res.IsError})
	t.dispatching = false
	if t.stream != nil {
		if rerr := t.stream.Resolve(engine.ToolOutput{CallID: call.ID, Name: call.Name, Result: res}); rerr != nil {
			o.logger.Warn("resolve tool call failed", "turn_id", t.id, "tool", call.Name, "error", rerr)
		}
	}

	for len(t.backlog) > 0 && !t.dispatching && o.turn == t {
		ev := t.backlog[0]
		t.backlog = t.backlog[1:]
		o.handle(t, ev)
	}
	if t.ended && !t.dispatching && o.turn == t {
		o.onStreamEnd(t)
	}
}

func (o *Orchestrator) onStreamEnd(t *turn) {
	if o.turn != t {
		return
	}
	if t.dispatching {
		t.ended = true
		return
	}
	if o.state == Interrupting {
		o.finish(persistence.TurnInterrupted, "")
		return
	}
	o.finish(persistence.TurnFailed, "agent stream ended without a result")
}

func (o *Orchestrator) interrupt() {
	if o.state != Active {
		return
	}
	t := o.turn
	o.state = Interrupting
	o.logger.Info("turn interrupting", "session_id", o.sessionID, "turn_id", t.id)
	t.cancel()
	if t.stream != nil {
		t.stream.Cancel()
	}
	t.grace = time.AfterFunc(o.grace, func() {
		o.send(command{fn: func() { o.onGraceExpired(t) }})
	})
}

func (o *Orchestrator) onGraceExpired(t *turn) {
	if o.turn != t {
		return
	}
	o.logger.Warn("backend did not acknowledge interrupt; ending turn locally",
		"session_id", o.sessionID, "turn_id", t.id, "grace", o.grace)
	if o.metrics != nil {
		o.metrics.InterruptTimeout.Add(o.baseCtx, 1)
	}
	o.finish(persistence.TurnInterrupted, "")
}

// finish emits the turn's single terminal message and returns to Idle.
func (o *Orchestrator) finish(state, errMsg string) {
	t := o.turn
	if t.grace != nil {
		t.grace.Stop()
	}
	t.cancel()
	if t.stream != nil {
		t.stream.Cancel()
	}

	if o.recorder != nil {
		ctx, cancel := context.WithTimeout(o.baseCtx, recordTimeout)
		if err := o.recorder.RecordTurnEnd(ctx, persistence.TurnOutcome{
			TurnID:       t.id,
			SessionID:    o.sessionID,
			State:        state,
			Cost:         t.cost,
			InputTokens:  t.usage.InputTokens,
			OutputTokens: t.usage.OutputTokens,
			Error:        errMsg,
		}); err != nil {
			o.logger.Warn("record turn end failed", "turn_id", t.id, "error", err)
		}
		cancel()
	}
	switch state {
	case persistence.TurnCompleted:
		o.totalCost += t.cost
		o.emit(Message{Type: TypeDone, Cost: t.cost, TotalCost: o.totalCost})
	case persistence.TurnInterrupted:
		o.emit(Message{Type: TypeInterrupted})
	case persistence.TurnFailed:
		o.emit(Message{Type: TypeError, Error: errMsg})
	}

	elapsed := time.Since(t.started)
	o.logger.Info("turn ended", "session_id", o.sessionID, "turn_id", t.id, "state", state,
		"cost", t.cost, "total_cost", o.totalCost, "duration_ms", elapsed.Milliseconds())

	if o.metrics != nil {
		attrs := metric.WithAttributes(otel.AttrTurnState.String(state))
		o.metrics.TurnDuration.Record(o.baseCtx, elapsed.Seconds(), attrs)
		o.metrics.TurnsTotal.Add(o.baseCtx, 1, attrs)
		if t.cost > 0 {
			o.metrics.TurnCost.Add(o.baseCtx, t.cost)
		}
		if tokens := t.usage.InputTokens + t.usage.OutputTokens; tokens > 0 {
			o.metrics.TokensUsed.Add(o.baseCtx, int64(tokens))
		}
	}
	t.span.SetAttributes(otel.AttrTurnState.String(state), otel.AttrCostUSD.Float64(t.cost))
	var spanErr error
	if state == persistence.TurnFailed {
		spanErr = errors.New(errMsg)
	}
	otel.EndSpan(t.span, spanErr)

	if o.bus != nil {
		o.bus.Publish(turnTopic(state), bus.TurnEvent{
			SessionID: o.sessionID,
			TurnID:    t.id,
			State:     state,
			Cost:      t.cost,
			TotalCost: o.totalCost,
			Err:       errMsg,
		})
	}

	o.turn = nil
	o.state = Idle

	if o.closing {
		return
	}
	if len(o.resets) > 0 {
		o.completeReset()
		return
	}
	o.drainQueue()
}

func turnTopic(state string) string {
	switch state {
	case persistence.TurnCompleted:
		return bus.TopicTurnCompleted
	case persistence.TurnInterrupted:
		return bus.TopicTurnInterrupted
	}
	return bus.TopicTurnFailed
}

// drainQueue starts the oldest queued query, if any.
func (o *Orchestrator) drainQueue() {
	if o.state != Idle || len(o.queue) == 0 {
		return
	}
	next := o.queue[0]
	o.queue = o.queue[1:]
	if o.metrics != nil {
		o.metrics.QueueDepth.Add(o.baseCtx, -1)
	}
	o.start(next)
}

func (o *Orchestrator) newSession(done chan struct{}) {
	if o.state == Idle {
		o.reset()
		close(done)
		o.emitStatus()
		return
	}
	o.resets = append(o.resets, done)
	o.interrupt()
}

func (o *Orchestrator) completeReset() {
	o.reset()
	for _, w := range o.resets {
		close(w)
	}
	o.resets = nil
	o.emitStatus()

	held := o.held
	o.held = nil
	for i, c := range held {
		if len(o.resets) > 0 {
			o.held = append(o.held, held[i:]...)
			return
		}
		c.fn()
	}
}

func (o *Orchestrator) reset() {
	if o.metrics != nil && len(o.queue) > 0 {
		o.metrics.QueueDepth.Add(o.baseCtx, -int64(len(o.queue)))
	}
	o.queue = nil
	o.sessionID = ""
	o.announced = false
	o.totalCost = 0
	o.logger.Info("session reset", "model", o.model)
}

func (o *Orchestrator) setModel(model string) error {
	if o.state != Idle {
		return ErrBusy
	}
	o.reset()
	o.model = model
	o.emitStatus()
	return nil
}

// renderResult is the tool_result content: the text of a text-only envelope,
// the envelope as JSON otherwise.
func renderResult(r tools.Result) string {
	if r.TextOnly() {
		return r.Text()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%v", r)
	}
	return string(b)
}
