// kengine-worker hosts one sandboxed kernel's interpreter. The manager
// spawns one worker per sandboxed kernel and speaks length-prefixed
// msgpack frames over the worker's stdio; stderr carries logs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/oeway/kernel-engine/internal/driver"
	"github.com/oeway/kernel-engine/internal/driver/inproc"
	"github.com/oeway/kernel-engine/internal/event"
	"github.com/oeway/kernel-engine/internal/interrupt"
	"github.com/oeway/kernel-engine/internal/ipc"
	"github.com/oeway/kernel-engine/internal/logging"
)

const initWait = 30 * time.Second

func main() {
	if v := os.Getenv("KENGINE_LOG_LEVEL"); v != "" {
		logging.SetLevelFromString(v)
	}
	if err := run(); err != nil {
		logging.Op().Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	dec := ipc.NewDecoder(os.Stdin)
	enc := ipc.NewEncoder(os.Stdout)

	drv, intr, err := initialize(dec, enc)
	if err != nil {
		// The failure was already reported in the ready frame; exiting
		// cleanly lets the manager surface InitFailed.
		return nil
	}
	defer drv.Close()
	if intr != nil {
		defer intr.Close()
	}

	return serve(dec, enc, drv)
}

// initialize waits for the init frame, builds the interpreter driver, and
// acknowledges with ready.
func initialize(dec *ipc.Decoder, enc *ipc.Encoder) (*inproc.Driver, *interrupt.Channel, error) {
	msg, err := dec.Decode()
	if err != nil {
		return nil, nil, fmt.Errorf("read init frame: %w", err)
	}
	if msg.Type != ipc.MsgTypeInit || msg.Init == nil {
		err := fmt.Errorf("first frame is type %d, want init", msg.Type)
		sendReady(enc, err)
		return nil, nil, err
	}
	init := msg.Init

	var intr *interrupt.Channel
	if init.InterruptPath != "" {
		intr, err = interrupt.Open(init.InterruptPath)
		if err != nil {
			// A kernel without an interrupt channel still works; it just
			// cannot be interrupted.
			logging.Op().Warn("interrupt channel open failed",
				"path", init.InterruptPath, "error", err)
			intr = nil
		}
	}

	drv := inproc.New(init.Language, init.ModulePath)
	if intr != nil {
		drv.SetInterruptCheck(intr.Consume)
	}

	ctx, cancel := context.WithTimeout(context.Background(), initWait)
	defer cancel()
	err = drv.Initialize(ctx, driver.InitOptions{
		Filesystem:    init.Filesystem,
		Capabilities:  init.Capabilities,
		Env:           init.Env,
		StartupScript: init.StartupScript,
	})
	sendReady(enc, err)
	if err != nil {
		if intr != nil {
			intr.Close()
		}
		return nil, nil, err
	}

	logging.Op().Info("worker ready",
		"language", init.Language, "module", init.ModulePath)
	return drv, intr, nil
}

func sendReady(enc *ipc.Encoder, initErr error) {
	ready := &ipc.ReadyPayload{OK: initErr == nil}
	if initErr != nil {
		ready.Error = initErr.Error()
	}
	if err := enc.Encode(&ipc.Message{Type: ipc.MsgTypeReady, Ready: ready}); err != nil {
		logging.Op().Error("send ready frame", "error", err)
	}
}

// serve pumps control frames until stop or stdin EOF. Exec runs on its
// own goroutine so input replies and pings are handled while the
// interpreter is busy; the driver serializes executions internally.
func serve(dec *ipc.Decoder, enc *ipc.Encoder, drv *inproc.Driver) error {
	sink := func(rec event.Record) {
		if err := enc.Encode(&ipc.Message{Type: ipc.MsgTypeEvent, Event: &rec}); err != nil {
			logging.Op().Warn("send event frame", "error", err)
		}
	}

	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch msg.Type {
		case ipc.MsgTypeExec:
			if msg.Exec == nil {
				continue
			}
			exec := msg.Exec
			go func() {
				res, execErr := drv.Execute(context.Background(), exec.Code, exec.Parent, sink)
				result := &ipc.ResultPayload{Parent: exec.Parent}
				if execErr != nil {
					result.Error = execErr.Error()
				} else {
					result.Result = *res
				}
				if err := enc.Encode(&ipc.Message{Type: ipc.MsgTypeResult, Result: result}); err != nil {
					logging.Op().Warn("send result frame", "error", err)
				}
			}()

		case ipc.MsgTypeInputReply:
			if msg.InputReply == nil {
				continue
			}
			if err := drv.InputReply(msg.InputReply.Value); err != nil {
				logging.Op().Debug("input reply dropped", "error", err)
			}

		case ipc.MsgTypePing:
			if err := enc.Encode(&ipc.Message{Type: ipc.MsgTypePong}); err != nil {
				logging.Op().Warn("send pong frame", "error", err)
			}

		case ipc.MsgTypeStop:
			logging.Op().Info("worker stopping")
			return nil

		default:
			logging.Op().Warn("unexpected frame", "type", msg.Type)
		}
	}
}
