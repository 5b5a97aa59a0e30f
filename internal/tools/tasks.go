package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/analyst/internal/taskstore"
)

// TaskDescriptors returns the task-progress tools bound to store.
func TaskDescriptors(store taskstore.Store) []Descriptor {
	t := &taskTools{store: store}
	return []Descriptor{
		{
			Name: "update_tasks",
			Description: "Update the task progress list. Use this to track multi-step tasks. " +
				"The UI displays task progress in real-time. Replaces the whole list. " +
				"Status can be: pending, in_progress, complete, blocked, skipped.",
			Params: []Param{
				{Name: "main_task", Type: TypeString, Description: "Brief description of the overall task (optional)"},
				{Name: "todos", Type: TypeArray, Required: true,
					Description: "List of task objects with 'content' (task description) and 'status'",
					Items: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"content": map[string]any{"type": "string"},
							"status":  map[string]any{"type": "string"},
						},
					}},
			},
			Handler: t.updateTasks,
		},
		{
			Name:        "clear_tasks",
			Description: "Clear all task progress. Use when starting fresh or when all tasks are done.",
			Handler:     t.clearTasks,
		},
		{
			Name: "update_task_plan",
			Description: "Add new tasks or modify existing tasks in the current plan. " +
				"This is additive and does not replace existing tasks. " +
				"To replace the entire plan, use clear_tasks first.",
			Params: []Param{
				{Name: "add_tasks", Type: TypeArray, Description: "List of new task descriptions to add (strings)",
					Items: map[string]any{"type": "string"}},
				{Name: "modify_tasks", Type: TypeArray, Description: "List of {id, name?, status?, notes?} to modify existing tasks",
					Items: map[string]any{"type": "object"}},
				{Name: "main_task", Type: TypeString, Description: "Set or update the main task description"},
			},
			Handler: t.updateTaskPlan,
		},
		{
			Name: "mark_task_complete",
			Description: "Mark a specific task as complete. Call this immediately when you finish a subtask. " +
				"Specify the task ID or part of its name.",
			Params: []Param{
				{Name: "task_id", Type: TypeString, Required: true, Description: "The task ID (e.g. 't1') or the task name to match"},
				{Name: "notes", Type: TypeString, Description: "Notes about what was accomplished"},
				{Name: "files_modified", Type: TypeArray, Description: "Files that were created or modified",
					Items: map[string]any{"type": "string"}},
			},
			Handler: t.markTaskComplete,
		},
	}
}

type taskTools struct {
	store taskstore.Store
}

func (t *taskTools) updateTasks(ctx context.Context, args map[string]any) (Result, error) {
	mainTask := StringArg(args, "main_task")
	todos := ListArg(args, "todos")

	var complete, inProgress, pending int
	_, err := t.store.Update(taskstore.WithSource(ctx, "tool:update_tasks"), func(rec *taskstore.Record, _ bool) error {
		if mainTask != "" {
			rec.SetMainTask(mainTask, taskstore.StatusInProgress)
		}
		rec.Subtasks = rec.Subtasks[:0]
		for i, raw := range todos {
			todo, _ := raw.(map[string]any)
			content, _ := todo["content"].(string)
			status, _ := todo["status"].(string)
			id := fmt.Sprintf("t%d", i+1)
			rec.AddSubtask(id, content, "")
			parsed := taskstore.ParseStatus(status)
			if parsed != taskstore.StatusPending {
				if err := rec.UpdateStatus(id, parsed, "", nil); err != nil {
					return err
				}
			}
			switch parsed {
			case taskstore.StatusComplete:
				complete++
			case taskstore.StatusInProgress:
				inProgress++
			case taskstore.StatusPending:
				pending++
			}
		}
		if rec.MainTask != nil && rec.IsComplete() {
			rec.MarkMainComplete()
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return TextResult(fmt.Sprintf("Tasks updated: %d complete, %d in progress, %d pending", complete, inProgress, pending)), nil
}

func (t *taskTools) clearTasks(ctx context.Context, _ map[string]any) (Result, error) {
	if err := t.store.Clear(taskstore.WithSource(ctx, "tool:clear_tasks")); err != nil {
		return Result{}, err
	}
	return TextResult("Task progress cleared."), nil
}

func (t *taskTools) updateTaskPlan(ctx context.Context, args map[string]any) (Result, error) {
	mainTask := StringArg(args, "main_task")
	addTasks := ListArg(args, "add_tasks")
	modifyTasks := ListArg(args, "modify_tasks")

	var changes []string
	_, err := t.store.Update(taskstore.WithSource(ctx, "tool:update_task_plan"), func(rec *taskstore.Record, _ bool) error {
		if mainTask != "" {
			rec.SetMainTask(mainTask, taskstore.StatusInProgress)
			changes = append(changes, "Set main task: "+ellipsize(mainTask, 50))
		}
		for _, raw := range addTasks {
			name, ok := raw.(string)
			name = strings.TrimSpace(name)
			if !ok || name == "" {
				continue
			}
			id := rec.NextID()
			rec.AddSubtask(id, name, "")
			changes = append(changes, fmt.Sprintf("Added [%s]: %s", id, ellipsize(name, 40)))
		}
		for _, raw := range modifyTasks {
			mod, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id, _ := mod["id"].(string)
			st := rec.Subtask(id)
			if st == nil {
				continue
			}
			var fields []string
			if name, _ := mod["name"].(string); name != "" {
				st.Name = name
				fields = append(fields, "name")
			}
			if status, ok := mod["status"].(string); ok {
				notes, _ := mod["notes"].(string)
				parsed := taskstore.ParseStatus(status)
				if err := rec.UpdateStatus(id, parsed, notes, nil); err != nil {
					return err
				}
				fields = append(fields, "status="+string(parsed))
			}
			if len(fields) > 0 {
				changes = append(changes, fmt.Sprintf("Modified [%s]: %s", id, strings.Join(fields, ", ")))
			}
		}
		if rec.MainTask != nil && rec.MainTask.Status != taskstore.StatusComplete && len(rec.Subtasks) > 0 && rec.IsComplete() {
			rec.MarkMainComplete()
			changes = append(changes, "All tasks complete - marked main task done")
		}
		if len(changes) == 0 {
			return errNoChanges
		}
		return nil
	})
	if errors.Is(err, errNoChanges) {
		return TextResult("No changes made. Provide add_tasks or modify_tasks."), nil
	}
	if err != nil {
		return Result{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task plan updated (%d changes):", len(changes))
	for _, c := range changes {
		b.WriteString("\n  - ")
		b.WriteString(c)
	}
	return TextResult(b.String()), nil
}

var errNoChanges = errors.New("no changes")

// errTaskResult carries a user-facing message out of an Update callback
// without writing.
type errTaskResult struct {
	result Result
}

func (e *errTaskResult) Error() string { return e.result.Text() }

func (t *taskTools) markTaskComplete(ctx context.Context, args map[string]any) (Result, error) {
	identifier := strings.TrimSpace(StringArg(args, "task_id"))
	if identifier == "" {
		return ErrorResult("Error: task_id is required"), nil
	}
	notes := StringArg(args, "notes")
	files := StringListArg(args, "files_modified")

	var message string
	_, err := t.store.Update(taskstore.WithSource(ctx, "tool:mark_task_complete"), func(rec *taskstore.Record, _ bool) error {
		st := rec.Find(identifier)
		if st == nil {
			ids := make([]string, 0, len(rec.Subtasks))
			for _, s := range rec.Subtasks {
				ids = append(ids, s.ID)
			}
			return &errTaskResult{ErrorResult(fmt.Sprintf("Task not found: '%s'. Available: %v", identifier, ids))}
		}
		if st.Status == taskstore.StatusComplete {
			return &errTaskResult{TextResult(fmt.Sprintf("Task '%s' is already complete.", st.Name))}
		}
		name := st.Name
		if err := rec.UpdateStatus(st.ID, taskstore.StatusComplete, notes, files); err != nil {
			return err
		}
		message = fmt.Sprintf("Marked '%s' as complete.", name)
		if rec.MainTask != nil && rec.IsComplete() {
			rec.MarkMainComplete()
			message += " All tasks complete!"
		} else if remaining := len(rec.Incomplete()); remaining > 0 {
			message += fmt.Sprintf(" %d task(s) remaining.", remaining)
		}
		return nil
	})
	var tr *errTaskResult
	if errors.As(err, &tr) {
		return tr.result, nil
	}
	if err != nil {
		return Result{}, err
	}
	return TextResult(message), nil
}

func ellipsize(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
