package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/analyst/internal/config"
	"github.com/basket/analyst/internal/otel"
	"github.com/basket/analyst/internal/persistence"
	"github.com/basket/analyst/internal/pricing"
	"github.com/basket/analyst/internal/tokenutil"
	"github.com/basket/analyst/internal/tools"
)

const (
	historyLoadLimit = 200
	openRouterURL    = "https://openrouter.ai/api/v1"
)

// HistoryStore is the conversation memory the genkit backend replays each turn.
type HistoryStore interface {
	EnsureSession(ctx context.Context, sessionID, model string) error
	AddHistory(ctx context.Context, sessionID, role, content string, tokens int) error
	ListHistory(ctx context.Context, sessionID string, limit int) ([]persistence.HistoryItem, error)
}

type GenkitOptions struct {
	Config   config.Config
	Registry *tools.Registry
	// History may be nil, in which case every turn starts without memory.
	History HistoryStore
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// GenkitClient runs turns through Genkit. Tool requests are returned to the
// caller instead of being executed by Genkit, so every tool call surfaces as
// an EventToolCall and the result comes back through Stream.Resolve.
type GenkitClient struct {
	cfg     config.Config
	history HistoryStore
	logger  *slog.Logger
	tracer  trace.Tracer
	// backends holds one Genkit instance per provider with an API key.
	backends map[string]*backend

	promptMu sync.RWMutex
	override string
}

type backend struct {
	g        *genkit.Genkit
	toolRefs map[string]ai.ToolRef
}

// NewGenkitClient initializes a Genkit instance for every provider that has
// an API key. Registry descriptors are defined as Genkit tools once, here.
func NewGenkitClient(ctx context.Context, opts GenkitOptions) *GenkitClient {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}

	c := &GenkitClient{
		cfg:      cfg,
		history:  opts.History,
		logger:   logger,
		tracer:   tracer,
		backends: map[string]*backend{},
		override: cfg.SystemPrompt,
	}

	for _, provider := range []string{"anthropic", "openai", "openrouter", "openai_compatible", "google"} {
		key := cfg.ProviderAPIKey(provider)
		if key == "" {
			continue
		}
		var g *genkit.Genkit
		switch provider {
		case "anthropic":
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  key,
				BaseURL: providerBaseURL(cfg, provider),
			}))
		case "openai", "openai_compatible":
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: provider,
				APIKey:   key,
				BaseURL:  providerBaseURL(cfg, provider),
			}))
		case "openrouter":
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   key,
				BaseURL:  openRouterURL,
			}))
		case "google":
			_ = os.Setenv("GEMINI_API_KEY", key)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		}
		b := &backend{g: g, toolRefs: map[string]ai.ToolRef{}}
		if opts.Registry != nil {
			for _, d := range opts.Registry.All() {
				b.toolRefs[d.Name] = defineTool(g, opts.Registry, d)
			}
		}
		c.backends[provider] = b
		logger.Info("genkit backend initialized", "provider", provider, "tools", len(b.toolRefs))
	}
	if len(c.backends) == 0 {
		logger.Warn("no LLM provider API key configured; turns will fail with AUTH")
	}
	return c
}

func providerBaseURL(cfg config.Config, provider string) string {
	if cfg.LLM.Provider == provider && cfg.LLM.BaseURL != "" {
		return cfg.LLM.BaseURL
	}
	if cfg.Providers != nil {
		return cfg.Providers[provider].BaseURL
	}
	return ""
}

// defineTool exposes d to the model. Genkit only calls the function when a
// request does not ask for tool requests to be returned.
func defineTool(g *genkit.Genkit, reg *tools.Registry, d tools.Descriptor) ai.ToolRef {
	description := d.Description
	if schema, err := json.MarshalIndent(d.JSONSchema(), "", "  "); err == nil {
		description = fmt.Sprintf("%s\n\nInput Schema:\n%s", d.Description, schema)
	}
	name := d.Name
	return genkit.DefineTool(g, name, description,
		func(ctx *ai.ToolContext, input map[string]any) (any, error) {
			res, err := reg.Dispatch(ctx.Context, name, input)
			if err != nil {
				return nil, err
			}
			return toolOutputValue(res), nil
		},
	)
}

// SetSystemPrompt replaces the prompt override; "" restores the built-in one.
func (c *GenkitClient) SetSystemPrompt(prompt string) {
	c.promptMu.Lock()
	c.override = prompt
	c.promptMu.Unlock()
}

func (c *GenkitClient) systemPrompt(descs []tools.Descriptor) string {
	c.promptMu.RLock()
	override := c.override
	c.promptMu.RUnlock()
	return systemPrompt(override, descs)
}

// Run starts a turn. Backend failures, including a missing provider key, are
// delivered as an EventError on the stream rather than returned.
func (c *GenkitClient) Run(ctx context.Context, req Request) (Stream, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("run: empty query")
	}
	p := NewPipe(ctx)
	go c.run(p, req)
	return p, nil
}

func (c *GenkitClient) resolveModel(model string) (provider, name string) {
	defProvider, defModel, _, _ := c.cfg.ResolveLLM()
	model = strings.TrimSpace(model)
	if model == "" {
		return defProvider, defModel
	}
	provider = config.ProviderForModel(model)
	if provider == "" {
		provider = defProvider
	}
	return provider, model
}

func (c *GenkitClient) run(p *Pipe, req Request) {
	defer p.Close()
	ctx := p.Context()

	provider, model := c.resolveModel(req.Model)
	logger := c.logger.With("session_id", req.SessionID, "turn_id", req.TurnID, "provider", provider, "model", model)

	ctx, span := otel.StartClientSpan(ctx, c.tracer, otel.SpanLLMGenerate,
		otel.AttrSessionID.String(req.SessionID),
		otel.AttrTurnID.String(req.TurnID),
		otel.AttrModel.String(model),
	)
	var spanErr error
	defer func() { otel.EndSpan(span, spanErr) }()

	b, ok := c.backends[provider]
	if !ok {
		spanErr = Backendf(ErrorClassAuth, "no API key configured for provider %q", provider)
		p.Fail(spanErr)
		return
	}

	msgs := c.loadHistory(ctx, logger, provider, model, req.SessionID)
	msgs = append(msgs, ai.NewUserTextMessage(req.Query))
	c.remember(ctx, logger, req.SessionID, model, "user", req.Query)

	refs := make([]ai.ToolRef, 0, len(req.Tools))
	for _, d := range req.Tools {
		if ref, ok := b.toolRefs[d.Name]; ok {
			refs = append(refs, ref)
		}
	}
	sys := strings.ReplaceAll(c.systemPrompt(req.Tools), "%", "%%")

	maxRounds := c.cfg.LLM.MaxTurns
	if maxRounds <= 0 {
		maxRounds = config.DefaultMaxTurns
	}

	var usage Usage
	var reply strings.Builder
	for round := 0; round < maxRounds; round++ {
		opts := []ai.GenerateOption{
			ai.WithModelName(modelNameForProvider(provider, model)),
			ai.WithSystem(sys),
			ai.WithMessages(msgs...),
		}
		if len(refs) > 0 {
			opts = append(opts, ai.WithTools(refs...), ai.WithReturnToolRequests(true))
		}

		resp, err := generate(ctx, b.g, p, opts, &reply)
		if err != nil {
			if ctx.Err() != nil {
				// Canceled by the consumer; closing the stream is the acknowledgement.
				return
			}
			spanErr = err
			be := NewBackendError(err)
			logger.Error("generate failed", "class", be.Class, "error", err)
			p.Emit(Event{Kind: EventError, Err: be})
			return
		}
		if resp.Usage != nil {
			usage.InputTokens += resp.Usage.InputTokens
			usage.OutputTokens += resp.Usage.OutputTokens
		}

		requests := resp.ToolRequests()
		if len(requests) == 0 {
			break
		}
		if resp.Message != nil {
			msgs = append(msgs, resp.Message)
		}
		parts := make([]*ai.Part, 0, len(requests))
		for i, tr := range requests {
			callID := tr.Ref
			if callID == "" {
				callID = fmt.Sprintf("%s-r%d-%d", req.TurnID, round, i)
			}
			call := &ToolCall{ID: callID, Name: tr.Name, Input: toolInput(tr.Input)}
			p.Expect(callID)
			if !p.Emit(Event{Kind: EventToolCall, Call: call}) {
				return
			}
			out, err := p.Await(callID)
			if err != nil {
				return
			}
			parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
				Name:   tr.Name,
				Ref:    tr.Ref,
				Output: toolOutputValue(out.Result),
			}))
		}
		msgs = append(msgs, ai.NewMessage(ai.RoleTool, nil, parts...))
		if round == maxRounds-1 {
			logger.Warn("max rounds reached with tool requests outstanding", "max_turns", maxRounds)
		}
	}

	if text := reply.String(); text != "" {
		c.remember(ctx, logger, req.SessionID, model, "assistant", text)
	}
	cost := pricing.EstimateCost(model, usage.InputTokens, usage.OutputTokens)
	span.SetAttributes(
		otel.AttrTokensInput.Int(usage.InputTokens),
		otel.AttrTokensOutput.Int(usage.OutputTokens),
		otel.AttrCostUSD.Float64(cost),
	)
	p.Emit(Event{Kind: EventDone, Cost: cost, Usage: usage})
}

// generate streams one model call, forwarding text chunks as events.
func generate(ctx context.Context, g *genkit.Genkit, p *Pipe, opts []ai.GenerateOption, reply *strings.Builder) (*ai.ModelResponse, error) {
	var final *ai.ModelResponse
	streamed := false
	for v, err := range genkit.GenerateStream(ctx, g, opts...) {
		if err != nil {
			return nil, err
		}
		if v.Chunk != nil {
			for _, part := range v.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					streamed = true
					reply.WriteString(part.Text)
					if !p.Emit(Event{Kind: EventText, Text: part.Text}) {
						return nil, ctx.Err()
					}
				}
			}
		}
		if v.Done {
			final = v.Response
		}
	}
	if final == nil {
		return nil, fmt.Errorf("generate: stream ended without a response")
	}
	// Some providers only deliver text in the final response.
	if !streamed {
		if text := final.Text(); text != "" && len(final.ToolRequests()) == 0 {
			reply.WriteString(text)
			p.Emit(Event{Kind: EventText, Text: text})
		}
	}
	return final, nil
}

func (c *GenkitClient) loadHistory(ctx context.Context, logger *slog.Logger, provider, model, sessionID string) []*ai.Message {
	if c.history == nil || sessionID == "" {
		return nil
	}
	items, err := c.history.ListHistory(ctx, sessionID, historyLoadLimit)
	if err != nil {
		logger.Warn("load history failed", "error", err)
		return nil
	}
	contents := make([]string, len(items))
	tokens := make([]int, len(items))
	for i, it := range items {
		contents[i] = it.Content
		tokens[i] = it.Tokens
	}
	start := tokenutil.FitNewest(contents, tokens, historyBudget(provider, model, nil))
	if start > 0 {
		logger.Debug("history trimmed", "dropped", start, "kept", len(items)-start)
	}
	return historyToMessages(items[start:])
}

func (c *GenkitClient) remember(ctx context.Context, logger *slog.Logger, sessionID, model, role, content string) {
	if c.history == nil || sessionID == "" {
		return
	}
	if err := c.history.EnsureSession(ctx, sessionID, model); err != nil {
		logger.Warn("ensure session failed", "error", err)
		return
	}
	if err := c.history.AddHistory(ctx, sessionID, role, content, tokenutil.EstimateTokens(content)); err != nil {
		logger.Warn("save history failed", "role", role, "error", err)
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		return "anthropic/" + strings.TrimPrefix(model, "anthropic/")
	case "openai":
		return "openai/" + strings.TrimPrefix(model, "openai/")
	case "openai_compatible":
		return "openai_compatible/" + model
	case "openrouter":
		// OpenRouter model ids already carry their vendor, e.g. "anthropic/claude-sonnet-4-5".
		return "openrouter/" + strings.TrimPrefix(model, "openrouter/")
	default:
		return "googleai/" + strings.TrimPrefix(model, "googleai/")
	}
}

func historyToMessages(items []persistence.HistoryItem) []*ai.Message {
	var msgs []*ai.Message
	for _, item := range items {
		var role ai.Role
		switch item.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(item.Content)},
		})
	}
	return msgs
}

func toolInput(v any) map[string]any {
	switch in := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return in
	}
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// toolOutputValue is what the model sees for a tool result: plain text for
// text-only envelopes, the envelope itself otherwise.
func toolOutputValue(r tools.Result) any {
	if r.TextOnly() {
		return r.Text()
	}
	return r
}
