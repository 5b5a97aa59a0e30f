package session

import "encoding/json"

// Outbound message types.
const (
	TypeSessionID    = "session_id"
	TypeText         = "text"
	TypeToolUse      = "tool_use"
	TypeToolResult   = "tool_result"
	TypeDone         = "done"
	TypeInterrupted  = "interrupted"
	TypeError        = "error"
	TypeTasksUpdated = "tasks_updated"
	TypeStatus       = "status"
)

// Message is one outbound protocol message. Only the fields belonging to
// Type are serialized.
type Message struct {
	Type string

	SessionID string
	Model     string
	// Content is the cumulative text of the current assistant message for
	// TypeText, and the rendered tool output for TypeToolResult.
	Content  string
	ToolName string
	Input    map[string]any
	IsError  bool

	Cost      float64
	TotalCost float64

	Error       string
	AutoCreated bool
	Status      *Status
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": m.Type}
	switch m.Type {
	case TypeSessionID:
		out["session_id"] = m.SessionID
		out["model"] = m.Model
	case TypeText:
		out["content"] = m.Content
	case TypeToolUse:
		out["tool_name"] = m.ToolName
		input := m.Input
		if input == nil {
			input = map[string]any{}
		}
		out["input"] = input
	case TypeToolResult:
		out["content"] = m.Content
		if m.IsError {
			out["is_error"] = true
		}
	case TypeDone:
		out["cost"] = m.Cost
		out["total_cost"] = m.TotalCost
	case TypeError:
		out["message"] = m.Error
	case TypeTasksUpdated:
		out["auto_created"] = m.AutoCreated
	case TypeStatus:
		if m.Status != nil {
			out["state"] = m.Status.State.String()
			out["session_id"] = m.Status.SessionID
			out["model"] = m.Status.Model
			out["total_cost"] = m.Status.TotalCost
			out["queued"] = m.Status.Queued
		}
	}
	return json.Marshal(out)
}

// Sink receives outbound messages in order. It is called from the
// orchestrator's control loop and must not call back into the orchestrator.
type Sink func(Message)
