// Package interrupt implements the shared single-byte channel used to
// signal cooperative interruption from the manager to a sandbox worker
// without tearing the sandbox down.
//
// The byte lives in a file mapped MAP_SHARED by both processes. The writer
// stores the SIGINT-equivalent sentinel; the reader (the interpreter's
// polling hook) reads and clears it. Any non-zero value means interrupt;
// no other semantics are assigned to the value.
package interrupt

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Sentinel is the value the manager writes. Readers must treat any
// non-zero byte as an interrupt.
const Sentinel byte = 2

// Channel is one mmap'd interrupt byte. Safe for one writer and one
// reader; a torn single-byte access cannot occur and both sides tolerate
// a lost or duplicated signal.
type Channel struct {
	path string
	file *os.File
	mem  []byte
}

// Create makes a new channel file under dir. Creation is best-effort for
// callers: a kernel whose channel cannot be created simply has interrupt
// disabled.
func Create(dir, kernelID string) (*Channel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create interrupt dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("intr-%s.b", sanitize(kernelID)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create interrupt file: %w", err)
	}
	if err := f.Truncate(1); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("size interrupt file: %w", err)
	}
	ch, err := mapFile(path, f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return ch, nil
}

// Open maps an existing channel file (the worker side).
func Open(path string) (*Channel, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open interrupt file: %w", err)
	}
	ch, err := mapFile(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return ch, nil
}

func mapFile(path string, f *os.File) (*Channel, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, 1, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap interrupt byte: %w", err)
	}
	return &Channel{path: path, file: f, mem: mem}, nil
}

// Path returns the channel's backing file, for handing to the worker.
func (c *Channel) Path() string { return c.path }

// Signal writes the interrupt sentinel.
func (c *Channel) Signal() {
	if c == nil || len(c.mem) == 0 {
		return
	}
	c.mem[0] = Sentinel
}

// Consume reads and clears the byte, reporting whether an interrupt was
// pending.
func (c *Channel) Consume() bool {
	if c == nil || len(c.mem) == 0 {
		return false
	}
	if c.mem[0] == 0 {
		return false
	}
	c.mem[0] = 0
	return true
}

// Close unmaps and closes the channel. The creator also removes the file.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}
	var firstErr error
	if c.mem != nil {
		if err := unix.Munmap(c.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		c.mem = nil
	}
	if c.file != nil {
		if err := c.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.file = nil
	}
	return firstErr
}

// Remove deletes the backing file. Only the creating side calls it.
func (c *Channel) Remove() {
	if c != nil && c.path != "" {
		os.Remove(c.path)
	}
}

func sanitize(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
