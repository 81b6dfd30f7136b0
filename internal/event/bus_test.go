package event

import (
	"fmt"
	"testing"
)

func TestBusRoutesByKernelAndType(t *testing.T) {
	b := NewBus(0)

	var k1, k2 []Record
	b.Subscribe("k1", TypeStream, func(r Record) { k1 = append(k1, r) })
	b.Subscribe("k2", TypeStream, func(r Record) { k2 = append(k2, r) })
	b.Subscribe("k1", TypeExecuteResult, func(r Record) { k1 = append(k1, r) })

	b.Publish(Record{Type: TypeStream, KernelID: "k1", Text: "a"})
	b.Publish(Record{Type: TypeStream, KernelID: "k2", Text: "b"})
	b.Publish(Record{Type: TypeExecuteError, KernelID: "k1"}) // no handler

	if len(k1) != 1 || k1[0].Text != "a" {
		t.Fatalf("k1 handler got %+v", k1)
	}
	if len(k2) != 1 || k2[0].Text != "b" {
		t.Fatalf("k2 handler got %+v", k2)
	}
}

func TestBusWildcardSeesEveryKernel(t *testing.T) {
	b := NewBus(0)

	var all []Record
	b.Subscribe(WildcardKernel, TypeExecuteResult, func(r Record) { all = append(all, r) })

	b.Publish(Record{Type: TypeExecuteResult, KernelID: "k1"})
	b.Publish(Record{Type: TypeExecuteResult, KernelID: "k2"})
	b.Publish(Record{Type: TypeStream, KernelID: "k1"})

	if len(all) != 2 {
		t.Fatalf("wildcard handler got %d records, want 2", len(all))
	}

	// A specific handler and the wildcard both fire for a matching record.
	var direct int
	b.Subscribe("k1", TypeExecuteResult, func(Record) { direct++ })
	b.Publish(Record{Type: TypeExecuteResult, KernelID: "k1"})
	if direct != 1 || len(all) != 3 {
		t.Fatalf("direct = %d, wildcard = %d", direct, len(all))
	}
}

func TestBusUnsubscribeRestoresCount(t *testing.T) {
	b := NewBus(0)

	before := b.ListenerCount("k1", TypeStream)
	sub, ok := b.Subscribe("k1", TypeStream, func(Record) {})
	if !ok {
		t.Fatal("Subscribe refused")
	}
	if n := b.ListenerCount("k1", TypeStream); n != before+1 {
		t.Fatalf("ListenerCount = %d, want %d", n, before+1)
	}

	b.Unsubscribe(sub)
	if n := b.ListenerCount("k1", TypeStream); n != before {
		t.Fatalf("ListenerCount after unsubscribe = %d, want %d", n, before)
	}
	// Double unsubscribe is harmless.
	b.Unsubscribe(sub)
	if n := b.ListenerCount("k1", TypeStream); n != before {
		t.Fatalf("ListenerCount after double unsubscribe = %d", n)
	}
}

func TestBusSubscribeTypesBatch(t *testing.T) {
	b := NewBus(0)

	subs := b.SubscribeTypes("k1", ExecutionTypes, func(Record) {})
	if len(subs) != len(ExecutionTypes) {
		t.Fatalf("got %d subscriptions, want %d", len(subs), len(ExecutionTypes))
	}
	b.UnsubscribeAll(subs)
	for _, typ := range ExecutionTypes {
		if n := b.ListenerCount("k1", typ); n != 0 {
			t.Fatalf("ListenerCount(k1, %s) = %d after UnsubscribeAll", typ, n)
		}
	}
}

func TestBusHandlerCapRefuses(t *testing.T) {
	b := NewBus(2)

	for i := 0; i < 2; i++ {
		if _, ok := b.Subscribe("k1", TypeStream, func(Record) {}); !ok {
			t.Fatalf("subscription %d refused below cap", i)
		}
	}
	sub, ok := b.Subscribe("k1", TypeStream, func(Record) {})
	if ok {
		t.Fatal("subscription above cap accepted")
	}
	// The refused handle is inert.
	b.Unsubscribe(sub)
	if n := b.ListenerCount("k1", TypeStream); n != 2 {
		t.Fatalf("ListenerCount = %d, want 2", n)
	}
}

func TestBusDropKernelRemovesAllHandlers(t *testing.T) {
	b := NewBus(0)

	fired := 0
	for i := 0; i < 3; i++ {
		b.Subscribe("k1", TypeStream, func(Record) { fired++ })
	}
	b.Subscribe("k2", TypeStream, func(Record) { fired++ })

	b.DropKernel("k1")
	if n := b.ListenerCount("k1", TypeStream); n != 0 {
		t.Fatalf("ListenerCount after drop = %d", n)
	}

	b.Publish(Record{Type: TypeStream, KernelID: "k1"})
	b.Publish(Record{Type: TypeStream, KernelID: "k2"})
	if fired != 1 {
		t.Fatalf("fired = %d, want only the surviving kernel's handler", fired)
	}
}

func TestBusPublishNoSubscribersIsNoop(t *testing.T) {
	b := NewBus(0)
	// Nothing registered; Publish must simply return.
	b.Publish(Record{Type: TypeStream, KernelID: fmt.Sprintf("k%d", 99)})
}
