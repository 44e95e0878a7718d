package comfyui

import (
	"encoding/json"
	"fmt"
)

// Event types streamed over the engine websocket.
const (
	EventStatus           = "status"
	EventStart            = "execution_start"
	EventCached           = "execution_cached"
	EventExecuting        = "executing"
	EventProgress         = "progress"
	EventExecuted         = "executed"
	EventExecutionError   = "execution_error"
	EventExecutionSuccess = "execution_success"
)

// QueueResponse is the reply to POST /prompt.
type QueueResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// OutputFile identifies a file produced by an output node.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Event is one decoded websocket message for a prompt.
type Event struct {
	Type     string
	PromptID string
	Node     string
	Value    int
	Max      int
	Outputs  []OutputFile
	Err      *ExecutionError
}

// ExecutionError is reported when a node raises during execution.
type ExecutionError struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionType    string `json:"exception_type"`
	ExceptionMessage string `json:"exception_message"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution stopped in node %s (%s): %s: %s", e.NodeID, e.NodeType, e.ExceptionType, e.ExceptionMessage)
}

// PromptError is returned when the engine rejects a prompt.
type PromptError struct {
	Status int
	Body   string
}

func (e *PromptError) Error() string {
	return fmt.Sprintf("prompt rejected with status %d: %s", e.Status, e.Body)
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsData struct {
	PromptID string          `json:"prompt_id"`
	Node     *string         `json:"node"`
	Value    int             `json:"value"`
	Max      int             `json:"max"`
	Output   json.RawMessage `json:"output"`
}

type historyEntry struct {
	Outputs map[string]json.RawMessage `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}
