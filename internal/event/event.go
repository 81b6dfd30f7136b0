// Package event defines the kernel event records emitted during code
// execution and the per-kernel subscription bus that routes them.
package event

// Type discriminates the event record union.
type Type string

const (
	TypeStream            Type = "stream"
	TypeDisplayData       Type = "display_data"
	TypeUpdateDisplayData Type = "update_display_data"
	TypeExecuteInput      Type = "execute_input"
	TypeExecuteResult     Type = "execute_result"
	TypeExecuteError      Type = "execute_error"
	TypeInputRequest      Type = "input_request"
	TypeBackpressureDrop  Type = "backpressure_drop"
	TypeExecutionStalled  Type = "execution_stalled"
)

// Stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Well-known error names carried in execute_error records.
const (
	ErrNameDriverPanic       = "DriverPanic"
	ErrNameDriverGone        = "DriverGone"
	ErrNameForcedTermination = "KernelForcedTermination"
)

// Record is a tagged union: Type selects which fields are meaningful.
// A flat record keeps the wire shape trivial and avoids a class hierarchy;
// consumers switch on Type.
type Record struct {
	Type     Type   `json:"type" msgpack:"type"`
	KernelID string `json:"kernel_id,omitempty" msgpack:"kernel_id,omitempty"`
	// Parent is the opaque correlation tag of the execute call that
	// produced this event.
	Parent string `json:"parent,omitempty" msgpack:"parent,omitempty"`

	// stream
	Name string `json:"name,omitempty" msgpack:"name,omitempty"`
	Text string `json:"text,omitempty" msgpack:"text,omitempty"`

	// display_data / update_display_data / execute_result
	Data      map[string]interface{} `json:"data,omitempty" msgpack:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	DisplayID string                 `json:"display_id,omitempty" msgpack:"display_id,omitempty"`

	// execute_input / execute_result
	Code           string `json:"code,omitempty" msgpack:"code,omitempty"`
	ExecutionCount int    `json:"execution_count,omitempty" msgpack:"execution_count,omitempty"`

	// execute_error
	Ename     string   `json:"ename,omitempty" msgpack:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty" msgpack:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty" msgpack:"traceback,omitempty"`

	// input_request
	Prompt   string `json:"prompt,omitempty" msgpack:"prompt,omitempty"`
	Password bool   `json:"password,omitempty" msgpack:"password,omitempty"`

	// backpressure_drop
	DroppedCount int `json:"dropped_count,omitempty" msgpack:"dropped_count,omitempty"`

	// execution_stalled
	ExecutionID        string `json:"execution_id,omitempty" msgpack:"execution_id,omitempty"`
	MaxExecutionTimeMs int64  `json:"max_execution_time_ms,omitempty" msgpack:"max_execution_time_ms,omitempty"`
}

// Terminal reports whether the record ends an execution. Exactly one
// terminal event closes every execution's stream.
func (r *Record) Terminal() bool {
	return r.Type == TypeExecuteResult || r.Type == TypeExecuteError
}

// ExecutionTypes are the event types produced by a single execute call, in
// the order categories may appear. Used by streaming subscriptions.
var ExecutionTypes = []Type{
	TypeStream,
	TypeDisplayData,
	TypeUpdateDisplayData,
	TypeExecuteInput,
	TypeExecuteResult,
	TypeExecuteError,
	TypeInputRequest,
	TypeBackpressureDrop,
}
