// Package mmap maps model files read-only and hands out bounds-checked views
// into the mapping.
//
// Mapped bytes are only reachable through a Lease. Close waits for every
// outstanding lease to be released before unmapping, and once the mapping is
// closed no new lease can be acquired, so a view can never be dereferenced
// after the memory behind it is gone.
package mmap

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrMapFailed        = errors.New("map failed")
	ErrOutOfMemory      = errors.New("out of memory")

	// ErrReleased is returned when a closed mapping or a released lease is
	// used.
	ErrReleased = errors.New("mapping released")
)

// IoError reports a failure to open or map a file. Kind is one of
// ErrNotFound, ErrPermissionDenied, ErrMapFailed or ErrOutOfMemory.
type IoError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *IoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *IoError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func classify(op, path string, err error) *IoError {
	kind := ErrMapFailed
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = ErrPermissionDenied
	case errors.Is(err, unix.ENOMEM):
		kind = ErrOutOfMemory
	}
	return &IoError{Op: op, Path: path, Kind: kind, Err: err}
}

// Mapping is a read-only view of a whole file.
type Mapping struct {
	mu     sync.RWMutex
	path   string
	data   []byte
	size   int
	mapped bool
	closed bool
}

// Open maps path read-only. Filesystems that do not support mmap fall back
// to reading the file into memory.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classify("open", path, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, classify("stat", path, err)
	}
	if st.IsDir() {
		return nil, &IoError{Op: "open", Path: path, Kind: ErrMapFailed, Err: errors.New("is a directory")}
	}
	size64 := st.Size()
	if size64 <= 0 {
		return nil, &IoError{Op: "mmap", Path: path, Kind: ErrMapFailed, Err: errors.New("empty file")}
	}
	if size64 > int64(int(^uint(0)>>1)) {
		return nil, &IoError{Op: "mmap", Path: path, Kind: ErrMapFailed, Err: errors.New("file too large to address")}
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return &Mapping{path: path, data: data, size: size, mapped: true}, nil
	}
	if !errors.Is(err, unix.ENODEV) && !errors.Is(err, unix.ENOSYS) {
		return nil, classify("mmap", path, err)
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, classify("read", path, err)
	}
	return &Mapping{path: path, data: data, size: size}, nil
}

// FromBytes wraps an in-memory buffer in a Mapping. The caller must not
// modify data afterwards.
func FromBytes(name string, data []byte) *Mapping {
	return &Mapping{path: name, data: data, size: len(data)}
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func (m *Mapping) Path() string { return m.path }

// Size returns the length of the file.
func (m *Mapping) Size() int { return m.size }

// Mapped reports whether the bytes are backed by mmap rather than the heap.
func (m *Mapping) Mapped() bool { return m.mapped }

// Prefetch asks the kernel to read the whole mapping ahead.
func (m *Mapping) Prefetch() error {
	l, err := m.Acquire()
	if err != nil {
		return err
	}
	defer l.Release()
	if !m.mapped {
		return nil
	}
	if err := unix.Madvise(m.data, unix.MADV_WILLNEED); err != nil {
		return classify("madvise", m.path, err)
	}
	return nil
}

// View returns a descriptor for n bytes at off. It does not hold the mapping
// open; the bytes are read through a Lease.
func (m *Mapping) View(off, n uint64) (View, error) {
	size := uint64(m.size)
	if off > size || n > size-off {
		return View{}, fmt.Errorf("mmap: view [%d, +%d) outside %d byte mapping %s", off, n, size, m.path)
	}
	return View{m: m, off: int(off), n: int(n)}, nil
}

// Acquire pins the mapping until the returned lease is released. A goroutine
// must not acquire a second lease while holding one: Close may be waiting
// between the two.
func (m *Mapping) Acquire() (*Lease, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrReleased
	}
	return &Lease{m: m}, nil
}

// Close waits for outstanding leases and unmaps the file. Calling Close
// more than once is a no-op.
func (m *Mapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	data := m.data
	m.data = nil
	if m.mapped {
		if err := unix.Munmap(data); err != nil {
			return &IoError{Op: "munmap", Path: m.path, Kind: ErrMapFailed, Err: err}
		}
	}
	return nil
}

// View is a non-owning byte range of a Mapping. Any number of views may
// alias one mapping.
type View struct {
	m   *Mapping
	off int
	n   int
}

func (v View) Len() int    { return v.n }
func (v View) Offset() int { return v.off }

// Valid reports whether v was produced by a Mapping.
func (v View) Valid() bool { return v.m != nil }

// Lease is a shared hold on a Mapping.
type Lease struct {
	m        *Mapping
	released atomic.Bool
}

// Bytes returns the bytes of v. The slice is valid until the lease is
// released and must not be modified.
func (l *Lease) Bytes(v View) ([]byte, error) {
	if l.released.Load() {
		return nil, ErrReleased
	}
	if v.m != l.m {
		return nil, fmt.Errorf("mmap: view belongs to a different mapping")
	}
	end := v.off + v.n
	return l.m.data[v.off:end:end], nil
}

// MustBytes is Bytes for views already validated against this lease's
// mapping. It panics on misuse.
func (l *Lease) MustBytes(v View) []byte {
	b, err := l.Bytes(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Release drops the hold. It is safe to call more than once.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.m.mu.RUnlock()
	}
}
