package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/basket/analyst/internal/config"
	"github.com/basket/analyst/internal/session"
	"github.com/basket/analyst/internal/taskstore"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the analyst in the terminal",
		Args:  cobra.NoArgs,
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	a.watch(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	ui := newChatUI(cmd.OutOrStdout(), stdoutIsTerminal())
	orch := a.newOrchestrator(ui.Sink)
	defer orch.Close()

	r := &repl{
		in:     cmd.InOrStdin(),
		ui:     ui,
		orch:   orch,
		sigs:   sigs,
		tasks:  a.tasks,
		models: a.cfg.AvailableModels(),
		persistModel: func(model string) error {
			return config.SetModel(a.cfg.HomeDir, model)
		},
	}
	return r.run(ctx)
}

// chatSession is the part of the orchestrator the REPL drives.
type chatSession interface {
	Submit(text string) error
	Interrupt() error
	NewSession() error
	SetModel(model string) error
	Status() session.Status
}

type chatStyles struct {
	prompt  lipgloss.Style
	tool    lipgloss.Style
	dim     lipgloss.Style
	errText lipgloss.Style
}

func newChatStyles(styled bool) chatStyles {
	if !styled {
		plain := lipgloss.NewStyle()
		return chatStyles{prompt: plain, tool: plain, dim: plain, errText: plain}
	}
	return chatStyles{
		prompt:  lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		tool:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		errText: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

// chatUI renders orchestrator messages to a terminal. Text messages carry
// the cumulative reply, so only the unseen suffix is printed.
type chatUI struct {
	mu      sync.Mutex
	out     io.Writer
	styles  chatStyles
	printed string
	ended   chan session.Message
}

func newChatUI(out io.Writer, styled bool) *chatUI {
	return &chatUI{
		out:    out,
		styles: newChatStyles(styled),
		ended:  make(chan session.Message, 16),
	}
}

func (u *chatUI) Sink(m session.Message) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch m.Type {
	case session.TypeText:
		if strings.HasPrefix(m.Content, u.printed) {
			fmt.Fprint(u.out, m.Content[len(u.printed):])
		} else {
			u.breakLine()
			fmt.Fprint(u.out, m.Content)
		}
		u.printed = m.Content
		return
	case session.TypeToolUse:
		u.breakLine()
		fmt.Fprintln(u.out, u.styles.tool.Render("> "+m.ToolName+" "+describeInput(m.Input)))
	case session.TypeToolResult:
		line := firstLine(m.Content, 120)
		if m.IsError {
			fmt.Fprintln(u.out, u.styles.errText.Render("  ! "+line))
		} else {
			fmt.Fprintln(u.out, u.styles.dim.Render("  = "+line))
		}
	case session.TypeTasksUpdated:
		if m.AutoCreated {
			u.breakLine()
			fmt.Fprintln(u.out, u.styles.dim.Render("(task plan created)"))
		}
	case session.TypeDone:
		u.breakLine()
		fmt.Fprintln(u.out, u.styles.dim.Render(fmt.Sprintf("[cost $%.4f, session $%.4f]", m.Cost, m.TotalCost)))
	case session.TypeInterrupted:
		u.breakLine()
		fmt.Fprintln(u.out, u.styles.dim.Render("[interrupted]"))
	case session.TypeError:
		u.breakLine()
		fmt.Fprintln(u.out, u.styles.errText.Render("Error: "+m.Error))
	default:
		return
	}
	u.printed = ""
	if m.Type == session.TypeDone || m.Type == session.TypeInterrupted || m.Type == session.TypeError {
		select {
		case u.ended <- m:
		default:
		}
	}
}

// breakLine ends a partially printed reply. Callers hold mu.
func (u *chatUI) breakLine() {
	if u.printed != "" {
		fmt.Fprintln(u.out)
		u.printed = ""
	}
}

func (u *chatUI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format, args...)
}

func (u *chatUI) prompt() {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprint(u.out, u.styles.prompt.Render("you> "))
}

// drainEnded discards terminal messages left over from outside a turn.
func (u *chatUI) drainEnded() {
	for {
		select {
		case <-u.ended:
		default:
			return
		}
	}
}

type repl struct {
	in           io.Reader
	ui           *chatUI
	orch         chatSession
	sigs         <-chan os.Signal
	tasks        taskstore.Store
	models       []string
	persistModel func(model string) error
}

const chatHelp = `Commands: new, model [name], cost, tasks, quit
Ctrl+C interrupts a running reply; Ctrl+C at the prompt exits.
`

func (r *repl) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	st := r.orch.Status()
	r.ui.printf("analyst chat (model %s). Type 'help' for commands.\n", st.Model)
	for {
		r.ui.prompt()
		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-r.sigs:
			r.ui.printf("\n")
			return nil
		case l, ok := <-lines:
			if !ok {
				r.ui.printf("\n")
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		quit, err := r.command(ctx, line)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

// command handles one input line and reports whether the REPL should exit.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		r.ui.printf("%s", chatHelp)
		return false, nil
	case "new":
		if err := r.orch.NewSession(); err != nil {
			return false, err
		}
		r.ui.printf("Started a new session.\n")
		return false, nil
	case "cost":
		st := r.orch.Status()
		r.ui.printf("Session cost: $%.4f\n", st.TotalCost)
		return false, nil
	case "model":
		r.model(fields[1:])
		return false, nil
	case "tasks":
		r.showTasks(ctx)
		return false, nil
	}
	return false, r.ask(ctx, line)
}

func (r *repl) model(args []string) {
	if len(args) == 0 {
		current := r.orch.Status().Model
		models := append([]string(nil), r.models...)
		sort.Strings(models)
		r.ui.printf("Current model: %s\n", current)
		if len(models) > 0 {
			r.ui.printf("Available: %s\n", strings.Join(models, ", "))
		}
		return
	}
	name := args[0]
	if err := r.orch.SetModel(name); err != nil {
		r.ui.printf("Cannot change model: %v\n", err)
		return
	}
	if r.persistModel != nil {
		if err := r.persistModel(name); err != nil {
			r.ui.printf("Switched to %s (not saved: %v)\n", name, err)
			return
		}
	}
	r.ui.printf("Switched to %s. Started a new session.\n", name)
}

func (r *repl) showTasks(ctx context.Context) {
	if r.tasks == nil {
		return
	}
	rec, ok, err := r.tasks.Read(ctx)
	switch {
	case err != nil:
		r.ui.printf("Cannot read tasks: %v\n", err)
	case !ok:
		r.ui.printf("No tasks.\n")
	default:
		r.ui.printf("%s\n", rec.Summary())
	}
}

// ask submits a query and blocks until its turn ends. An interrupt signal
// cancels the turn instead of exiting.
func (r *repl) ask(ctx context.Context, query string) error {
	r.ui.drainEnded()
	if err := r.orch.Submit(query); err != nil {
		return err
	}
	interrupted := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.ui.ended:
			return nil
		case <-r.sigs:
			if interrupted {
				continue
			}
			interrupted = true
			if err := r.orch.Interrupt(); err != nil {
				return err
			}
		}
	}
}

func describeInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, input[k]))
	}
	return firstLine(strings.Join(parts, " "), 100)
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
