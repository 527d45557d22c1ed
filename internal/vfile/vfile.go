// Package vfile defines the narrow file-object interface the page-fault
// resolver, supplemental page table and mmap manager consume, and an
// OS-file-backed implementation of it. It mirrors the handful of
// file_* operations the reference kernel's vm code actually calls:
// open/reopen, positional read/write, length, close and deny-write.
package vfile

import (
	"os"
	"sync"
)

// File is the file-object surface consumed by the paging core. It is
// deliberately smaller than *os.File: no Stat, no Name, nothing the
// fault path or mmap manager doesn't need.
type File interface {
	ReadAt(buf []byte, ofs int64) (int, error)
	WriteAt(buf []byte, ofs int64) (int, error)
	Length() int64
	Close() error
	// Reopen returns an independent File over the same underlying data,
	// with its own cursor and deny-write count. mmap uses this so two
	// mappings of one path never share file state.
	Reopen() (File, error)
	// DenyWrite/AllowWrite track (but, like the reference kernel's
	// file_deny_write, do not themselves enforce) that a running
	// executable's backing file should not be modified. Reference
	// counted: N DenyWrite calls require N AllowWrite calls to clear.
	DenyWrite()
	AllowWrite()
	WriteDenied() bool
}

// osFile is a File backed by a real *os.File on the local filesystem.
type osFile struct {
	mu        sync.Mutex
	path      string
	f         *os.File
	denyCount int
}

// Open opens path for reading and writing, creating it if missing.
func Open(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &osFile{path: path, f: f}, nil
}

func (f *osFile) ReadAt(buf []byte, ofs int64) (int, error) {
	return f.f.ReadAt(buf, ofs)
}

func (f *osFile) WriteAt(buf []byte, ofs int64) (int, error) {
	return f.f.WriteAt(buf, ofs)
}

func (f *osFile) Length() int64 {
	info, err := f.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func (f *osFile) Close() error {
	return f.f.Close()
}

func (f *osFile) Reopen() (File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nf, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &osFile{path: f.path, f: nf}, nil
}

func (f *osFile) DenyWrite() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denyCount++
}

func (f *osFile) AllowWrite() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyCount > 0 {
		f.denyCount--
	}
}

func (f *osFile) WriteDenied() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.denyCount > 0
}
