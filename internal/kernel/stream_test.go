package kernel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/oeway/kernel-engine/internal/event"
)

func drain(t *testing.T, s *Stream) []event.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []event.Record
	for {
		rec, ok := s.Recv(ctx)
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

func TestStreamDeliversInOrder(t *testing.T) {
	s := newStream(nil)
	for i := 0; i < 5; i++ {
		s.push(event.Record{Type: event.TypeStream, Text: fmt.Sprintf("%d", i)})
	}
	s.finish()

	got := drain(t, s)
	if len(got) != 5 {
		t.Fatalf("got %d records, want 5", len(got))
	}
	for i, rec := range got {
		if rec.Text != fmt.Sprintf("%d", i) {
			t.Fatalf("record %d text = %q", i, rec.Text)
		}
	}
}

func TestStreamRecvBlocksUntilPush(t *testing.T) {
	s := newStream(nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.push(event.Record{Type: event.TypeStream, Text: "late"})
		s.finish()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, ok := s.Recv(ctx)
	if !ok || rec.Text != "late" {
		t.Fatalf("Recv = (%+v, %v)", rec, ok)
	}
}

func TestStreamBackpressureDropsOldestWithMarker(t *testing.T) {
	s := newStream(nil)
	for i := 0; i < maxStreamEvents+20; i++ {
		s.push(event.Record{Type: event.TypeStream, Text: "x"})
	}
	s.push(event.Record{Type: event.TypeExecuteResult,
		Data: map[string]interface{}{"text/plain": "done"}})
	s.finish()

	got := drain(t, s)

	markers := 0
	var dropped int
	for _, rec := range got {
		if rec.Type == event.TypeBackpressureDrop {
			markers++
			dropped = rec.DroppedCount
		}
	}
	if markers != 1 {
		t.Fatalf("backpressure markers = %d, want exactly 1", markers)
	}
	if dropped == 0 {
		t.Fatal("marker carries no dropped count")
	}
	if got[len(got)-1].Type != event.TypeExecuteResult {
		t.Fatalf("last record = %s, want execute_result", got[len(got)-1].Type)
	}
}

func TestStreamByteBoundTripsBeforeEventBound(t *testing.T) {
	s := newStream(nil)
	// 5 records of 1 KiB blow the 4 KiB text bound well before 256 events.
	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'a'
	}
	for i := 0; i < 5; i++ {
		s.push(event.Record{Type: event.TypeStream, Text: string(big)})
	}
	s.finish()

	got := drain(t, s)
	sawMarker := false
	for _, rec := range got {
		if rec.Type == event.TypeBackpressureDrop {
			sawMarker = true
		}
	}
	if !sawMarker {
		t.Fatal("text-byte bound did not trigger a drop")
	}
}

func TestStreamNeverDropsDisplayOrTerminal(t *testing.T) {
	s := newStream(nil)
	s.push(event.Record{Type: event.TypeDisplayData,
		Data: map[string]interface{}{"text/plain": "chart"}})
	for i := 0; i < maxStreamEvents+50; i++ {
		s.push(event.Record{Type: event.TypeStream, Text: "x"})
	}
	s.push(event.Record{Type: event.TypeExecuteError, Ename: "E", Evalue: "v"})
	s.finish()

	got := drain(t, s)
	var sawDisplay, sawError bool
	for _, rec := range got {
		switch rec.Type {
		case event.TypeDisplayData:
			sawDisplay = true
		case event.TypeExecuteError:
			sawError = true
		}
	}
	if !sawDisplay {
		t.Fatal("display_data was dropped")
	}
	if !sawError {
		t.Fatal("terminal execute_error was dropped")
	}
}

func TestStreamCancelRunsHookOnce(t *testing.T) {
	calls := 0
	s := newStream(func() { calls++ })
	s.push(event.Record{Type: event.TypeStream, Text: "x"})

	s.Cancel()
	s.Cancel()
	if calls != 1 {
		t.Fatalf("cancel hook ran %d times, want 1", calls)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := s.Recv(ctx); ok {
		t.Fatal("Recv returned a record after cancel")
	}

	// Pushes after cancel are discarded.
	s.push(event.Record{Type: event.TypeStream, Text: "y"})
	if _, ok := s.Recv(ctx); ok {
		t.Fatal("Recv returned a record pushed after cancel")
	}
}

func TestStreamRecvCtxCancelCancelsStream(t *testing.T) {
	calls := 0
	s := newStream(func() { calls++ })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, ok := s.Recv(ctx); ok {
		t.Fatal("Recv succeeded on a cancelled context")
	}
	if calls != 1 {
		t.Fatalf("cancel hook ran %d times, want 1", calls)
	}
}
