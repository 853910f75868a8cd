// Package events defines the typed, ordered event protocol a run publishes
// to its client, and the per-conversation bus that fans events out to
// observers.
package events

import (
	"encoding/json"
	"time"

	"github.com/GoCodeAlone/steward/task"
)

// Type names an event.
type Type string

const (
	TypeConversationID  Type = "conversation_id"
	TypeAgentProcessing Type = "agent_processing"
	TypeAgentStatus     Type = "agent_status"
	TypeTaskPlanCreated Type = "task_plan_created"
	TypeTaskSummary     Type = "task_summary"
	TypeToolCall        Type = "tool_call"
	TypeHandoff         Type = "handoff"
	TypeAssistantDelta  Type = "assistant_delta"
	TypeError           Type = "error"
	TypeDone            Type = "done"
)

// Event is one element of a run's event sequence.
type Event struct {
	Seq            int64           `json:"seq"`
	Type           Type            `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// ConversationIDData is the payload of TypeConversationID.
type ConversationIDData struct {
	ConversationID string `json:"conversation_id"`
}

// AgentProcessingData is the payload of TypeAgentProcessing.
type AgentProcessingData struct {
	Message string `json:"message"`
}

// AgentStatusData is the payload of TypeAgentStatus.
type AgentStatusData struct {
	TaskID  string      `json:"task_id"`
	Agent   string      `json:"agent,omitempty"`
	Status  task.Status `json:"status"`
	Message string      `json:"message,omitempty"`
}

// TaskPlanData is the payload of TypeTaskPlanCreated.
type TaskPlanData struct {
	Plan  *task.Plan   `json:"plan,omitempty"`
	Tasks []*task.Task `json:"tasks"`
}

// TaskSummaryData is the payload of TypeTaskSummary.
type TaskSummaryData struct {
	Summary task.Summary `json:"summary"`
	Tasks   []*task.Task `json:"tasks"`
}

// ToolCallData is the payload of TypeToolCall.
type ToolCallData struct {
	TaskID   string          `json:"task_id,omitempty"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Cached   bool            `json:"cached"`
	Error    string          `json:"error,omitempty"`
}

// HandoffData is the payload of TypeHandoff.
type HandoffData struct {
	TaskID string `json:"task_id"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
}

// AssistantDeltaData is the payload of TypeAssistantDelta.
type AssistantDeltaData struct {
	TaskID string `json:"task_id,omitempty"`
	Text   string `json:"text"`
}

// ErrorData is the payload of TypeError.
type ErrorData struct {
	TaskID    string `json:"task_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message"`
}

// DoneData is the payload of TypeDone.
type DoneData struct {
	Success  bool         `json:"success"`
	Response string       `json:"response"`
	Summary  task.Summary `json:"summary"`
}
