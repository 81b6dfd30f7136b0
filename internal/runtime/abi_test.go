package runtime

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/oeway/kernel-engine/internal/event"
)

func TestPackUnpackPtrLen(t *testing.T) {
	cases := []struct{ ptr, length uint32 }{
		{0, 0},
		{1, 1},
		{0x1000, 4096},
		{0xffffffff, 0xffffffff},
		{0x80000000, 0x7fffffff},
	}
	for _, c := range cases {
		ptr, length := unpackPtrLen(packPtrLen(c.ptr, c.length))
		if ptr != c.ptr || length != c.length {
			t.Fatalf("round trip (%#x, %#x) = (%#x, %#x)", c.ptr, c.length, ptr, length)
		}
	}
}

func TestDecodeEvalResultDefaultsOK(t *testing.T) {
	raw, err := msgpack.Marshal(map[string]interface{}{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := decodeEvalResult(raw)
	if err != nil {
		t.Fatalf("decodeEvalResult: %v", err)
	}
	if out.Result.Status != "ok" {
		t.Fatalf("status = %q, want ok", out.Result.Status)
	}
	if out.HasValue() {
		t.Fatal("void result claims a value")
	}
}

func TestDecodeEvalResultError(t *testing.T) {
	raw, err := msgpack.Marshal(evalResult{
		Status:    "error",
		Ename:     "NameError",
		Evalue:    "name 'x' is not defined",
		Traceback: []string{"Traceback (most recent call last):"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := decodeEvalResult(raw)
	if err != nil {
		t.Fatalf("decodeEvalResult: %v", err)
	}
	if out.Result.Status != "error" || out.Result.Ename != "NameError" {
		t.Fatalf("result = %+v", out.Result)
	}
	if len(out.Result.Traceback) != 1 {
		t.Fatalf("traceback = %v", out.Result.Traceback)
	}
}

func TestDecodeEvalResultWithValue(t *testing.T) {
	raw, err := msgpack.Marshal(evalResult{
		Status:         "ok",
		Data:           map[string]interface{}{"text/plain": "4"},
		ExecutionCount: 7,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := decodeEvalResult(raw)
	if err != nil {
		t.Fatalf("decodeEvalResult: %v", err)
	}
	if !out.HasValue() {
		t.Fatal("value bundle lost")
	}
	if out.Data["text/plain"] != "4" || out.ExecutionCount != 7 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestDecodeEvalResultGarbage(t *testing.T) {
	if _, err := decodeEvalResult([]byte{0xc1}); err == nil {
		t.Fatal("decodeEvalResult accepted garbage")
	}
}

func TestOutcomeHasValueNil(t *testing.T) {
	var o *Outcome
	if o.HasValue() {
		t.Fatal("nil outcome claims a value")
	}
}

func TestDecodeEmittedEvent(t *testing.T) {
	raw, err := msgpack.Marshal(event.Record{
		Type: event.TypeStream,
		Name: event.StreamStdout,
		Text: "hello\n",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec, err := decodeEmittedEvent(raw)
	if err != nil {
		t.Fatalf("decodeEmittedEvent: %v", err)
	}
	if rec.Type != event.TypeStream || rec.Text != "hello\n" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.KernelID != "" || rec.Parent != "" {
		t.Fatalf("guest record carries host tags: %+v", rec)
	}
}
