package runtime

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/oeway/kernel-engine/internal/driver"
	"github.com/oeway/kernel-engine/internal/event"
)

// Guest ABI names. The interpreter module exports the kengine_* functions
// and imports the host functions from the "env" namespace.
const (
	exportMemory = "memory"
	exportAlloc  = "kengine_alloc"
	exportFree   = "kengine_free"
	exportEval   = "kengine_eval"

	importEmit           = "kengine_emit"
	importReadInput      = "kengine_read_input"
	importCheckInterrupt = "kengine_check_interrupt"
)

// evalResult is the msgpack shape the guest returns from kengine_eval.
type evalResult struct {
	Status         string                 `msgpack:"status"`
	Ename          string                 `msgpack:"ename,omitempty"`
	Evalue         string                 `msgpack:"evalue,omitempty"`
	Traceback      []string               `msgpack:"traceback,omitempty"`
	Data           map[string]interface{} `msgpack:"data,omitempty"`
	Metadata       map[string]interface{} `msgpack:"metadata,omitempty"`
	ExecutionCount int                    `msgpack:"execution_count,omitempty"`
}

// packPtrLen packs a guest pointer and length into the i64 returned by
// kengine_eval.
func packPtrLen(ptr, length uint32) int64 {
	return int64(uint64(ptr)<<32 | uint64(length))
}

// unpackPtrLen splits the i64 returned by kengine_eval.
func unpackPtrLen(v int64) (ptr, length uint32) {
	u := uint64(v)
	return uint32(u >> 32), uint32(u & 0xffffffff)
}

// Outcome is the full terminal result of one Eval: the driver-level
// status plus the value bundle of the final expression when non-void.
type Outcome struct {
	Result         driver.ExecResult
	Data           map[string]interface{}
	Metadata       map[string]interface{}
	ExecutionCount int
}

// HasValue reports whether the final expression produced a displayable
// value (void expressions emit no execute_result event).
func (o *Outcome) HasValue() bool {
	return o != nil && len(o.Data) > 0
}

// decodeEvalResult parses the guest's result buffer.
func decodeEvalResult(raw []byte) (*Outcome, error) {
	var res evalResult
	if err := msgpack.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode eval result: %w", err)
	}
	out := &Outcome{
		Result: driver.ExecResult{
			Status:    res.Status,
			Ename:     res.Ename,
			Evalue:    res.Evalue,
			Traceback: res.Traceback,
		},
		Data:           res.Data,
		Metadata:       res.Metadata,
		ExecutionCount: res.ExecutionCount,
	}
	if out.Result.Status == "" {
		out.Result.Status = "ok"
	}
	return out, nil
}

// decodeEmittedEvent parses an event record the guest passed to
// kengine_emit. The guest does not know its kernel id or parent tag; the
// host fills those in.
func decodeEmittedEvent(raw []byte) (event.Record, error) {
	var rec event.Record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return event.Record{}, fmt.Errorf("decode emitted event: %w", err)
	}
	return rec, nil
}
