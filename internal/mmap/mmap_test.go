package mmap

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenAndView(t *testing.T) {
	t.Parallel()
	content := []byte("0123456789abcdef")
	m, err := Open(writeTemp(t, content))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	if m.Size() != len(content) {
		t.Fatalf("Size = %d", m.Size())
	}
	a, err := m.View(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.View(4, 6)
	if err != nil {
		t.Fatal(err)
	}
	l, err := m.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	ab, _ := l.Bytes(a)
	bb, _ := l.Bytes(b)
	if !bytes.Equal(ab, []byte("2345")) || !bytes.Equal(bb, []byte("456789")) {
		t.Fatalf("views = %q, %q", ab, bb)
	}
	if cap(ab) != len(ab) {
		t.Fatal("view slice must not expose bytes past its end")
	}
}

func TestViewBounds(t *testing.T) {
	t.Parallel()
	m := FromBytes("mem", make([]byte, 8))
	if _, err := m.View(0, 8); err != nil {
		t.Fatalf("full view: %v", err)
	}
	for _, r := range [][2]uint64{{0, 9}, {8, 1}, {9, 0}, {1, ^uint64(0)}} {
		if _, err := m.View(r[0], r[1]); err == nil {
			t.Fatalf("View(%d, %d) succeeded", r[0], r[1])
		}
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.gguf"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: got %v", err)
	}
	var ioe *IoError
	if !errors.As(err, &ioe) || ioe.Op != "open" {
		t.Fatalf("missing: %v is not an open IoError", err)
	}

	empty := filepath.Join(dir, "empty.gguf")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(empty); !errors.Is(err, ErrMapFailed) {
		t.Fatalf("empty: got %v", err)
	}
	if _, err := Open(dir); !errors.Is(err, ErrMapFailed) {
		t.Fatalf("directory: got %v", err)
	}
}

func TestOpenPermissionDenied(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("root ignores file modes")
	}
	path := writeTemp(t, []byte("data"))
	if err := os.Chmod(path, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("got %v", err)
	}
}

func TestLeaseAfterClose(t *testing.T) {
	t.Parallel()
	m, err := Open(writeTemp(t, []byte("weights")))
	if err != nil {
		t.Fatal(err)
	}
	v, err := m.View(0, 7)
	if err != nil {
		t.Fatal(err)
	}
	l, err := m.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	l.Release()
	if _, err := l.Bytes(v); !errors.Is(err, ErrReleased) {
		t.Fatalf("released lease: got %v", err)
	}
	l.Release() // second release is a no-op

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := m.Acquire(); !errors.Is(err, ErrReleased) {
		t.Fatalf("Acquire after Close: got %v", err)
	}
}

func TestCloseWaitsForLeases(t *testing.T) {
	t.Parallel()
	m := FromBytes("mem", []byte("abc"))
	l, err := m.Acquire()
	if err != nil {
		t.Fatal(err)
	}

	closed := make(chan struct{})
	go func() {
		_ = m.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a lease was held")
	case <-time.After(50 * time.Millisecond):
	}
	v, _ := m.View(0, 3)
	if b, err := l.Bytes(v); err != nil || string(b) != "abc" {
		t.Fatalf("held lease read = %q, %v", b, err)
	}
	l.Release()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the lease was released")
	}
}

func TestViewFromOtherMapping(t *testing.T) {
	t.Parallel()
	a := FromBytes("a", []byte("aaaa"))
	b := FromBytes("b", []byte("bbbb"))
	v, _ := b.View(0, 2)
	l, err := a.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	if _, err := l.Bytes(v); err == nil {
		t.Fatal("expected error for a view of another mapping")
	}
}
