package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Implementation describes the software on one side of a connection.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities is the loosely typed capability map exchanged at handshake.
type Capabilities map[string]any

// Has reports whether a top-level capability is advertised.
func (c Capabilities) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// TaskCapability is the typed view of the "tasks" capability.
type TaskCapability struct {
	List   bool `json:"list"`
	Cancel bool `json:"cancel"`
}

// Tasks returns the advertised task capability, if any.
func (c Capabilities) Tasks() (TaskCapability, bool) {
	var tc TaskCapability
	raw, ok := c["tasks"]
	if !ok {
		return tc, false
	}
	if err := DecodeMap(raw, &tc); err != nil {
		return tc, false
	}
	return tc, true
}

// InitializeParams is sent by the client to open the session.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    Capabilities   `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
	Meta            map[string]any `json:"_meta,omitempty"`
}

// InitializeResult is the server's answer to InitializeParams.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    Capabilities   `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// CancelledParams asks the peer to abandon an in-flight request.
type CancelledParams struct {
	RequestID ID     `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// ProgressParams reports incremental progress for a request or task.
type ProgressParams struct {
	ProgressToken ID       `json:"progressToken"`
	Progress      float64  `json:"progress"`
	Total         *float64 `json:"total,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// TaskInfo is the wire view of a long-running task.
type TaskInfo struct {
	ID        string          `json:"taskId"`
	Status    string          `json:"status"`
	Progress  float64         `json:"progress"`
	Total     *float64        `json:"total,omitempty"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// TaskRef is the immediate result of a request served as a task.
type TaskRef struct {
	Task TaskInfo `json:"task"`
}

// TaskParams addresses one task.
type TaskParams struct {
	TaskID string `json:"taskId"`
}

// ListTasksResult is the result of tasks/list.
type ListTasksResult struct {
	Tasks []TaskInfo `json:"tasks"`
}

// DecodeMap copies a loosely typed value, typically a map decoded from
// JSON into map[string]any, into a typed struct using json tag names.
func DecodeMap(input any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode %T into %T: %w", input, out, err)
	}
	return nil
}
