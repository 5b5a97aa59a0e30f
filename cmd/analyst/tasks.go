package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/analyst/internal/taskstore"
	"github.com/basket/analyst/internal/tools"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Show or clear the task plan",
		Args:  cobra.NoArgs,
		RunE:  runTasksShow,
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the task plan",
		Args:  cobra.NoArgs,
		RunE:  runTasksShow,
	}
	show.Flags().Bool("json", false, "Print the raw task record")
	cmd.Flags().Bool("json", false, "Print the raw task record")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the task plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openTaskStore()
			if err != nil {
				return err
			}
			if err := store.Clear(taskstore.WithSource(cmd.Context(), "cli")); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tasks cleared.")
			return nil
		},
	}
	cmd.AddCommand(show, clearCmd)
	return cmd
}

func runTasksShow(cmd *cobra.Command, _ []string) error {
	store, _, err := openTaskStore()
	if err != nil {
		return err
	}
	rec, ok, err := store.Read(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if !ok {
			return enc.Encode(map[string]any{"main_task": nil, "subtasks": []any{}})
		}
		return enc.Encode(rec)
	}
	if !ok {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}
	fmt.Fprintln(out, rec.Summary())
	return nil
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools available to the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, cfg, err := openTaskStore()
			if err != nil {
				return err
			}
			reg := tools.NewRegistry()
			if err := tools.RegisterBuiltins(reg, tools.BuiltinOptions{
				Store:           store,
				APIKey:          cfg.APIKey,
				PreferredSearch: cfg.PreferredSearch,
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tools.IntrospectionText(reg.All()))
			return nil
		},
	}
}
