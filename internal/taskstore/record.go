// Package taskstore persists the agent's task-progress record: a main task
// plus an ordered list of subtasks that the UI polls while a turn runs.
package taskstore

import (
	"fmt"
	"strings"
	"time"
)

const RecordVersion = "1.0"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusBlocked    Status = "blocked"
	StatusSkipped    Status = "skipped"
)

// Statuses lists every valid status in display order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusComplete, StatusBlocked, StatusSkipped}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusComplete, StatusBlocked, StatusSkipped:
		return true
	}
	return false
}

// ParseStatus maps unknown values to pending.
func ParseStatus(raw string) Status {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return StatusPending
	}
	return s
}

// done reports whether s counts toward completion.
func (s Status) done() bool {
	return s == StatusComplete || s == StatusSkipped
}

type MainTask struct {
	Description string `json:"description"`
	Status      Status `json:"status"`
	Priority    string `json:"priority,omitempty"`
}

type Subtask struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Status        Status     `json:"status"`
	Dependencies  []string   `json:"dependencies,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FilesModified []string   `json:"files_modified,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// AuditEntry records one mutation of the record.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	Action    string    `json:"action"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Record is the persisted task progress document.
type Record struct {
	Version   string       `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	SessionID string       `json:"session_id,omitempty"`
	MainTask  *MainTask    `json:"main_task"`
	Subtasks  []Subtask    `json:"subtasks"`
	AuditLog  []AuditEntry `json:"audit_log,omitempty"`
}

var now = func() time.Time { return time.Now().UTC() }

// NewRecord returns an empty record stamped with the current time.
func NewRecord() Record {
	ts := now()
	return Record{
		Version:   RecordVersion,
		CreatedAt: ts,
		UpdatedAt: ts,
		Subtasks:  []Subtask{},
	}
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (r Record) Clone() Record {
	out := r
	if r.MainTask != nil {
		mt := *r.MainTask
		out.MainTask = &mt
	}
	out.Subtasks = make([]Subtask, len(r.Subtasks))
	for i, st := range r.Subtasks {
		st.Dependencies = append([]string(nil), st.Dependencies...)
		st.FilesModified = append([]string(nil), st.FilesModified...)
		if st.StartedAt != nil {
			t := *st.StartedAt
			st.StartedAt = &t
		}
		if st.CompletedAt != nil {
			t := *st.CompletedAt
			st.CompletedAt = &t
		}
		out.Subtasks[i] = st
	}
	out.AuditLog = append([]AuditEntry(nil), r.AuditLog...)
	return out
}

// SetMainTask replaces the main task.
func (r *Record) SetMainTask(description string, status Status) {
	r.MainTask = &MainTask{Description: description, Status: status, Priority: "normal"}
	r.audit("main", "created", "", status, description)
}

// AddSubtask appends a pending subtask.
func (r *Record) AddSubtask(id, name, description string) *Subtask {
	r.Subtasks = append(r.Subtasks, Subtask{
		ID:          id,
		Name:        name,
		Description: description,
		Status:      StatusPending,
	})
	r.audit(id, "created", "", StatusPending, name)
	return &r.Subtasks[len(r.Subtasks)-1]
}

// Subtask returns the subtask with the given id.
func (r *Record) Subtask(id string) *Subtask {
	for i := range r.Subtasks {
		if r.Subtasks[i].ID == id {
			return &r.Subtasks[i]
		}
	}
	return nil
}

// Find resolves an identifier to a subtask: exact id first, then the first
// case-insensitive substring match on the name.
func (r *Record) Find(identifier string) *Subtask {
	if st := r.Subtask(identifier); st != nil {
		return st
	}
	needle := strings.ToLower(identifier)
	for i := range r.Subtasks {
		if strings.Contains(strings.ToLower(r.Subtasks[i].Name), needle) {
			return &r.Subtasks[i]
		}
	}
	return nil
}

// UpdateStatus moves a subtask to status, stamping start and completion times.
func (r *Record) UpdateStatus(id string, status Status, notes string, files []string) error {
	st := r.Subtask(id)
	if st == nil {
		return fmt.Errorf("subtask %s not found", id)
	}
	old := st.Status
	st.Status = status
	ts := now()
	switch {
	case status == StatusInProgress && st.StartedAt == nil:
		st.StartedAt = &ts
	case status == StatusComplete:
		st.CompletedAt = &ts
	}
	if notes != "" {
		st.Notes = notes
	}
	st.FilesModified = append(st.FilesModified, files...)
	r.audit(id, "status_change", old, status, "")
	return nil
}

// NextID returns the lowest unused id of the form tN.
func (r *Record) NextID() string {
	for n := 1; ; n++ {
		id := fmt.Sprintf("t%d", n)
		if r.Subtask(id) == nil {
			return id
		}
	}
}

// IsComplete reports whether every subtask is complete or skipped. With no
// subtasks it follows the main task.
func (r *Record) IsComplete() bool {
	if len(r.Subtasks) == 0 {
		return r.MainTask == nil || r.MainTask.Status == StatusComplete
	}
	for _, st := range r.Subtasks {
		if !st.Status.done() {
			return false
		}
	}
	return true
}

// Incomplete returns subtasks that are neither complete nor skipped.
func (r *Record) Incomplete() []Subtask {
	var out []Subtask
	for _, st := range r.Subtasks {
		if !st.Status.done() {
			out = append(out, st)
		}
	}
	return out
}

func (r *Record) MarkMainComplete() {
	if r.MainTask == nil {
		return
	}
	old := r.MainTask.Status
	r.MainTask.Status = StatusComplete
	r.audit("main", "status_change", old, StatusComplete, "")
}

// Counts tallies subtasks by status.
func (r *Record) Counts() map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, st := range r.Subtasks {
		counts[st.Status]++
	}
	return counts
}

// Summary renders a markdown progress report.
func (r *Record) Summary() string {
	if r.MainTask == nil {
		return "No task in progress."
	}
	counts := r.Counts()
	var b strings.Builder
	fmt.Fprintf(&b, "## Task Progress: %s\n", r.MainTask.Description)
	fmt.Fprintf(&b, "**Status:** %s\n", r.MainTask.Status)
	fmt.Fprintf(&b, "**Progress:** %d/%d subtasks complete\n", counts[StatusComplete], len(r.Subtasks))

	groups := []struct {
		status Status
		label  string
		mark   string
	}{
		{StatusComplete, "Completed", "✓"},
		{StatusInProgress, "In Progress", "⚡"},
		{StatusPending, "Pending", "○"},
		{StatusBlocked, "Blocked", "⚠"},
	}
	for _, g := range groups {
		if counts[g.status] == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n**%s (%d):**\n", g.label, counts[g.status])
		for _, st := range r.Subtasks {
			if st.Status != g.status {
				continue
			}
			if g.status == StatusBlocked && st.Notes != "" {
				fmt.Fprintf(&b, "- %s %s: %s\n", g.mark, st.Name, st.Notes)
				continue
			}
			fmt.Fprintf(&b, "- %s %s\n", g.mark, st.Name)
		}
	}
	return b.String()
}

func (r *Record) audit(taskID, action string, from, to Status, details string) {
	r.AuditLog = append(r.AuditLog, AuditEntry{
		Timestamp: now(),
		TaskID:    taskID,
		Action:    action,
		From:      from,
		To:        to,
		Details:   details,
	})
}

// normalize fills the fields a persisted record must always carry.
func (r *Record) normalize() {
	if r.Version == "" {
		r.Version = RecordVersion
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	if r.Subtasks == nil {
		r.Subtasks = []Subtask{}
	}
	for i := range r.Subtasks {
		r.Subtasks[i].Status = ParseStatus(string(r.Subtasks[i].Status))
	}
}
