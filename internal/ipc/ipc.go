// Package ipc carries the manager↔worker protocol for sandboxed kernels:
// length-prefixed msgpack frames over the worker's stdio pipes.
package ipc

import (
	"github.com/oeway/kernel-engine/internal/driver"
	"github.com/oeway/kernel-engine/internal/event"
)

// Message types. The worker only ever sees Init once; Exec/InputReply/Stop
// may arrive at any time after. Event/Result/Ready flow worker→manager.
const (
	MsgTypeInit       = 1
	MsgTypeExec       = 2
	MsgTypeEvent      = 3
	MsgTypeResult     = 4
	MsgTypeInputReply = 5
	MsgTypePing       = 6
	MsgTypePong       = 7
	MsgTypeStop       = 8
	MsgTypeReady      = 9
)

// Message is one frame body. Exactly one payload field is set, selected
// by Type.
type Message struct {
	Type int `msgpack:"type"`

	Init       *InitPayload       `msgpack:"init,omitempty"`
	Exec       *ExecPayload       `msgpack:"exec,omitempty"`
	Event      *event.Record      `msgpack:"event,omitempty"`
	Result     *ResultPayload     `msgpack:"result,omitempty"`
	InputReply *InputReplyPayload `msgpack:"input_reply,omitempty"`
	Ready      *ReadyPayload      `msgpack:"ready,omitempty"`
}

// InitPayload configures the worker's interpreter. Sent exactly once.
type InitPayload struct {
	Language      string              `msgpack:"language"`
	ModulePath    string              `msgpack:"module_path"`
	InterruptPath string              `msgpack:"interrupt_path,omitempty"`
	Filesystem    *driver.FilesystemMount `msgpack:"filesystem,omitempty"`
	Capabilities  driver.Capabilities `msgpack:"capabilities,omitempty"`
	Env           map[string]string   `msgpack:"env,omitempty"`
	StartupScript string              `msgpack:"startup_script,omitempty"`
}

// ExecPayload asks the worker to run one code fragment.
type ExecPayload struct {
	Parent string `msgpack:"parent"`
	Code   string `msgpack:"code"`
}

// ResultPayload carries the terminal outcome of one exec.
type ResultPayload struct {
	Parent string            `msgpack:"parent"`
	Result driver.ExecResult `msgpack:"result"`
	Error  string            `msgpack:"error,omitempty"`
}

// InputReplyPayload answers an outstanding input request.
type InputReplyPayload struct {
	Value string `msgpack:"value"`
}

// ReadyPayload acknowledges Init (or reports its failure).
type ReadyPayload struct {
	OK    bool   `msgpack:"ok"`
	Error string `msgpack:"error,omitempty"`
}
