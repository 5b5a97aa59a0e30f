package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// stdoutIsTerminal is swapped in tests.
var stdoutIsTerminal = func() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("ANALYST_NO_TTY") == ""
}

func main() {
	loadDotEnv(".env")
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "analyst",
		Short: "Research analyst agent with a streaming chat protocol",
		Long: `analyst runs a tool-using research agent.

  analyst serve        Serve the websocket chat protocol and REST API
  analyst chat         Chat in the terminal
  analyst ask <query>  Run one query and print the answer

With no subcommand, analyst chats when stdout is a terminal and serves otherwise.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdoutIsTerminal() {
				return runChat(cmd, args)
			}
			return runServe(cmd, args)
		},
	}
	root.PersistentFlags().String("home", "", "Analyst home directory (default $ANALYST_HOME or ~/.analyst)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if home, _ := cmd.Flags().GetString("home"); home != "" {
			if err := os.Setenv("ANALYST_HOME", home); err != nil {
				return err
			}
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			if err := os.Setenv("ANALYST_LOG_LEVEL", level); err != nil {
				return err
			}
		}
		return nil
	}
	addServeFlags(root)

	root.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newAskCmd(),
		newTasksCmd(),
		newToolsCmd(),
	)
	return root
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func printErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
