package ipc

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/oeway/kernel-engine/internal/driver"
	"github.com/oeway/kernel-engine/internal/event"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	msg := &Message{
		Type: MsgTypeExec,
		Exec: &ExecPayload{Parent: "e1", Code: "1+1"},
	}
	if err := enc.Encode(msg); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != MsgTypeExec || got.Exec == nil {
		t.Fatalf("decoded %+v", got)
	}
	if got.Exec.Parent != "e1" || got.Exec.Code != "1+1" {
		t.Fatalf("exec payload = %+v", got.Exec)
	}
}

func TestCodecMultipleFramesInOrder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	frames := []*Message{
		{Type: MsgTypeInit, Init: &InitPayload{Language: "python", ModulePath: "/m.wasm"}},
		{Type: MsgTypeEvent, Event: &event.Record{
			Type: event.TypeStream, Parent: "e1", Name: event.StreamStdout, Text: "hi"}},
		{Type: MsgTypeResult, Result: &ResultPayload{
			Parent: "e1", Result: driver.ExecResult{Status: "ok"}}},
		{Type: MsgTypePong},
	}
	for _, f := range frames {
		if err := enc.Encode(f); err != nil {
			t.Fatalf("Encode(%d): %v", f.Type, err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range frames {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
		if got.Type != want.Type {
			t.Fatalf("frame %d type = %d, want %d", i, got.Type, want.Type)
		}
	}
	if _, err := dec.Decode(); err != io.EOF {
		t.Fatalf("Decode past end = %v, want io.EOF", err)
	}
}

func TestCodecEventFieldsSurvive(t *testing.T) {
	var buf bytes.Buffer
	NewEncoder(&buf).Encode(&Message{
		Type: MsgTypeEvent,
		Event: &event.Record{
			Type:   event.TypeExecuteError,
			Parent: "e9",
			Ename:  "ZeroDivisionError",
			Evalue: "division by zero",
			Traceback: []string{
				"Traceback (most recent call last):",
				"ZeroDivisionError: division by zero",
			},
		},
	})

	got, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ev := got.Event
	if ev == nil || ev.Type != event.TypeExecuteError {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Ename != "ZeroDivisionError" || len(ev.Traceback) != 2 {
		t.Fatalf("error payload = %+v", ev)
	}
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	err := NewEncoder(&buf).Encode(&Message{
		Type: MsgTypeExec,
		Exec: &ExecPayload{Code: strings.Repeat("a", maxFrameBytes+1)},
	})
	if err == nil {
		t.Fatal("Encode accepted an oversized frame")
	}
	if buf.Len() != 0 {
		t.Fatalf("oversized encode wrote %d bytes", buf.Len())
	}
}

func TestCodecRejectsOversizedLengthPrefix(t *testing.T) {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, maxFrameBytes+1)

	if _, err := NewDecoder(bytes.NewReader(prefix)).Decode(); err == nil {
		t.Fatal("Decode accepted an oversized length prefix")
	}
}

func TestCodecTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	NewEncoder(&buf).Encode(&Message{Type: MsgTypePing})
	full := buf.Bytes()

	if _, err := NewDecoder(bytes.NewReader(full[:len(full)-1])).Decode(); err == nil {
		t.Fatal("Decode accepted a truncated frame")
	}
}
