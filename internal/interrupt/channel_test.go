package interrupt

import (
	"os"
	"testing"
)

func TestChannelSignalConsume(t *testing.T) {
	ch, err := Create(t.TempDir(), "ns:k1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ch.Close()

	if ch.Consume() {
		t.Fatal("fresh channel reports a pending interrupt")
	}

	ch.Signal()
	if !ch.Consume() {
		t.Fatal("signal not visible to Consume")
	}
	// Consume clears the byte.
	if ch.Consume() {
		t.Fatal("interrupt survived Consume")
	}
}

func TestChannelSharedAcrossOpens(t *testing.T) {
	writer, err := Create(t.TempDir(), "k1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer writer.Close()

	reader, err := Open(writer.Path())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	// A write on one mapping is visible on the other, both directions.
	writer.Signal()
	if !reader.Consume() {
		t.Fatal("reader did not see writer's signal")
	}
	if writer.Consume() {
		t.Fatal("byte not cleared across mappings")
	}

	writer.Signal()
	writer.Signal() // coalesces, still a single interrupt
	if !reader.Consume() {
		t.Fatal("reader did not see repeated signal")
	}
	if reader.Consume() {
		t.Fatal("duplicate interrupt after coalesced signals")
	}
}

func TestChannelNonZeroMeansInterrupt(t *testing.T) {
	ch, err := Create(t.TempDir(), "k1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ch.Close()

	// Any non-zero byte is an interrupt, not just the sentinel.
	if err := os.WriteFile(ch.Path(), []byte{0x7f}, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !ch.Consume() {
		t.Fatal("non-sentinel byte not treated as interrupt")
	}
}

func TestChannelNilSafe(t *testing.T) {
	var ch *Channel
	ch.Signal()
	if ch.Consume() {
		t.Fatal("nil channel consumed an interrupt")
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
	ch.Remove()
}

func TestChannelRemoveDeletesFile(t *testing.T) {
	ch, err := Create(t.TempDir(), "k1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	path := ch.Path()
	ch.Close()
	ch.Remove()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("backing file survived Remove: %v", err)
	}
}

func TestChannelSanitizesKernelID(t *testing.T) {
	ch, err := Create(t.TempDir(), "ns:with/odd*chars")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer func() {
		ch.Close()
		ch.Remove()
	}()
	if _, err := os.Stat(ch.Path()); err != nil {
		t.Fatalf("backing file missing: %v", err)
	}
}
