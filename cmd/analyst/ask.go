package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/analyst/internal/session"
)

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <query...>",
		Short: "Run one query and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			model, _ := cmd.Flags().GetString("model")
			p := newAskPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr())
			orch := a.newOrchestrator(p.Sink)
			defer orch.Close()
			if model != "" {
				if err := orch.SetModel(model); err != nil {
					return err
				}
			}
			return askOnce(ctx, orch, p, strings.Join(args, " "))
		},
	}
	cmd.Flags().String("model", "", "Model for this query (default from config)")
	return cmd
}

// askPrinter writes the reply to out and progress to errOut, so the answer
// can be piped.
type askPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	errOut  io.Writer
	printed string
	ended   chan session.Message
}

func newAskPrinter(out, errOut io.Writer) *askPrinter {
	return &askPrinter{out: out, errOut: errOut, ended: make(chan session.Message, 4)}
}

func (p *askPrinter) Sink(m session.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch m.Type {
	case session.TypeText:
		if strings.HasPrefix(m.Content, p.printed) {
			fmt.Fprint(p.out, m.Content[len(p.printed):])
		} else {
			fmt.Fprint(p.out, "\n"+m.Content)
		}
		p.printed = m.Content
	case session.TypeToolUse:
		fmt.Fprintf(p.errOut, "> %s %s\n", m.ToolName, describeInput(m.Input))
	case session.TypeDone, session.TypeInterrupted, session.TypeError:
		if p.printed != "" {
			fmt.Fprintln(p.out)
		}
		if m.Type == session.TypeDone {
			fmt.Fprintf(p.errOut, "[cost $%.4f]\n", m.Cost)
		}
		select {
		case p.ended <- m:
		default:
		}
	}
}

// askOnce submits query and waits for its turn to end. Interrupted and
// failed turns are reported as errors so the exit status is non-zero.
func askOnce(ctx context.Context, orch chatSession, p *askPrinter, query string) error {
	if err := orch.Submit(query); err != nil {
		return err
	}
	done := ctx.Done()
	for {
		select {
		case <-done:
			// Wait for the interrupted turn to be journaled.
			done = nil
			_ = orch.Interrupt()
		case m := <-p.ended:
			switch m.Type {
			case session.TypeError:
				return errors.New(m.Error)
			case session.TypeInterrupted:
				return errors.New("interrupted")
			}
			return nil
		}
	}
}
