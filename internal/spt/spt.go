// Package spt implements the supplemental page table: the per-process
// record of every page's provenance, resident or not. Grounded on the
// reference kernel's src/vm/page.c (suppl_pt_create/destroy/set_zero/
// set_file/get_page/load_page/clear_page/update_dirty), with the hash
// table there replaced by a Go map keyed on user page address.
package spt

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-vmcore/vmcore/internal/frame"
	"github.com/go-vmcore/vmcore/internal/pagedir"
	"github.com/go-vmcore/vmcore/internal/pagekind"
	"github.com/go-vmcore/vmcore/internal/vfile"
	"github.com/go-vmcore/vmcore/internal/vmerr"
)

// Entry is one page's record: where its content lives, and (if
// resident) which frame holds it. It implements frame.Tenant so the
// frame table can evict it without importing this package.
type Entry struct {
	upage uintptr
	dir   *pagedir.Directory

	kind  pagekind.Kind
	frame *frame.Frame
	dirty bool

	file       vfile.File
	fileOffset int64
	readBytes  uint32
	zeroBytes  uint32
	writable   bool
	isMmap     bool

	swapSlot uint
}

func (e *Entry) Pagedir() *pagedir.Directory { return e.dir }
func (e *Entry) UserPage() uintptr           { return e.upage }
func (e *Entry) Kind() pagekind.Kind         { return e.kind }
func (e *Entry) Writable() bool              { return e.writable }
func (e *Entry) IsMmap() bool                { return e.isMmap }
func (e *Entry) File() vfile.File            { return e.file }
func (e *Entry) FileOffset() int64           { return e.fileOffset }
func (e *Entry) Dirty() bool                 { return e.dirty }
func (e *Entry) Resident() bool              { return e.frame != nil }
func (e *Entry) SwapSlot() uint              { return e.swapSlot }

func (e *Entry) BecomeSwap(slot uint) {
	e.kind = pagekind.Swap
	e.swapSlot = slot
}

func (e *Entry) Uninstall(dirty bool) {
	e.frame = nil
	e.dirty = dirty
}

// Table is one process's supplemental page table.
type Table struct {
	mu       sync.RWMutex
	entries  map[uintptr]*Entry
	frames   *frame.Table
	swap     swapAllocator
	pageSize int
}

// swapAllocator is the minimal surface Table needs from *swap.Allocator,
// named to avoid importing the swap package's exported Allocator type
// directly in the public constructor signature below (Go doesn't need
// this, but spelling it out keeps the dependency explicit and narrow).
type swapAllocator interface {
	SwapIn(page []byte, slot uint) bool
	Free(slot uint)
}

// New creates an empty supplemental page table over frames, fed by
// swapAlloc for swap-backed pages.
func New(frames *frame.Table, swapAlloc swapAllocator, pageSize int) *Table {
	return &Table{
		entries:  make(map[uintptr]*Entry),
		frames:   frames,
		swap:     swapAlloc,
		pageSize: pageSize,
	}
}

func (t *Table) get(upage uintptr) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[upage]
}

// Get returns the entry registered for upage, if any.
func (t *Table) Get(upage uintptr) (*Entry, bool) {
	e := t.get(upage)
	return e, e != nil
}

// SetZero registers upage as zero-fill-on-demand. Mirrors
// suppl_pt_set_zero.
func (t *Table) SetZero(upage uintptr, dir *pagedir.Directory) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[upage]; exists {
		return fmt.Errorf("spt: %w: page already registered", vmerr.ErrBadAccess)
	}
	t.entries[upage] = &Entry{upage: upage, dir: dir, kind: pagekind.Zero, writable: true}
	return nil
}

// SetFile registers upage as backed by file at ofs, readBytes of real
// content followed by zeroBytes of padding, writable and isMmap as
// given. Mirrors suppl_pt_set_file, with the isMmap flag added so
// eviction and munmap can distinguish an mmap page (write back to
// file) from an ordinary executable segment page (discard if clean, or
// fall to swap if dirty — its file offset describes the segment's
// *original* content, not a place dirty bytes may be written back to).
func (t *Table) SetFile(upage uintptr, dir *pagedir.Directory, f vfile.File, ofs int64, readBytes, zeroBytes uint32, writable, isMmap bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[upage]; exists {
		return fmt.Errorf("spt: %w: page already registered", vmerr.ErrBadAccess)
	}
	t.entries[upage] = &Entry{
		upage: upage, dir: dir, kind: pagekind.File,
		file: f, fileOffset: ofs, readBytes: readBytes, zeroBytes: zeroBytes,
		writable: writable, isMmap: isMmap,
	}
	return nil
}

// LoadPage brings upage's entry into a frame and installs the mapping.
// Mirrors suppl_pt_load_page. Returns (false, nil) if there is no entry
// or it is already resident (a stale fault); returns a non-nil error
// wrapping vmerr.ErrOutOfFrames or vmerr.ErrIoFailure on failure, or
// vmerr.ErrBadAccess if the mapping cannot be installed.
func (t *Table) LoadPage(upage uintptr) (bool, error) {
	e := t.get(upage)
	if e == nil || e.Resident() {
		return false, nil
	}

	fr, err := t.frames.Alloc(e)
	if err != nil {
		return false, err
	}

	switch e.kind {
	case pagekind.Zero:
		clear(fr.Bytes())
	case pagekind.File:
		n, rerr := e.file.ReadAt(fr.Bytes()[:e.readBytes], e.fileOffset)
		if rerr != nil || uint32(n) != e.readBytes {
			t.frames.Free(fr)
			return false, fmt.Errorf("spt: read segment: %w", vmerr.ErrIoFailure)
		}
		clear(fr.Bytes()[e.readBytes:])
	case pagekind.Swap:
		if !t.swap.SwapIn(fr.Bytes(), e.swapSlot) {
			t.frames.Free(fr)
			return false, fmt.Errorf("spt: swap in slot %d: %w", e.swapSlot, vmerr.ErrIoFailure)
		}
		t.swap.Free(e.swapSlot)
	}

	writable := e.kind != pagekind.File || e.writable
	if !e.dir.Install(e.upage, fr, writable) {
		t.frames.Free(fr)
		return false, fmt.Errorf("spt: install mapping: %w", vmerr.ErrBadAccess)
	}
	e.dir.SetDirty(fr.Addr(), false)

	t.mu.Lock()
	e.frame = &fr
	t.mu.Unlock()
	return true, nil
}

// RefreshDirty folds the hardware dirty bit (read through both the user
// and kernel aliases) into the entry's own dirty flag and returns the
// result. Mirrors suppl_pt_update_dirty.
func (t *Table) RefreshDirty(e *Entry) bool {
	if !e.Resident() {
		return e.dirty
	}
	e.dirty = e.dirty || e.dir.IsDirty(e.upage) || e.dir.IsDirty(e.frame.Addr())
	return e.dirty
}

// ClearPage marks upage not-present in its page directory and removes
// its supplemental page table entry, without freeing a resident frame
// (the caller — frame.Table, via Remove — owns that). Mirrors
// suppl_pt_clear_page.
func (t *Table) ClearPage(upage uintptr) {
	t.mu.Lock()
	e := t.entries[upage]
	delete(t.entries, upage)
	t.mu.Unlock()
	if e == nil {
		return
	}
	e.dir.Clear(upage)
	if e.Resident() {
		t.frames.Remove(*e.frame)
	} else if e.kind == pagekind.Swap {
		t.swap.Free(e.swapSlot)
	}
}

// UnmapPage tears down upage as part of munmap: if resident and dirty,
// its bytes are written back via writeBack before the frame is
// released; if swapped out and dirty, its content is swapped into a
// scratch frame first so the write-back never reads from an
// already-freed pointer, then both the scratch frame and the swap slot
// are released. Clean pages are torn down with no I/O. Mirrors
// mmap_unmap_item, fixed: the swapped-dirty branch writes from the
// freshly swapped-in scratch frame, never from a stale frame pointer.
func (t *Table) UnmapPage(upage uintptr, writeBack func(data []byte) error) error {
	t.mu.Lock()
	e := t.entries[upage]
	delete(t.entries, upage)
	t.mu.Unlock()
	if e == nil {
		return nil
	}

	switch {
	case e.Resident():
		dirty := t.RefreshDirty(e)
		if dirty {
			if err := writeBack(e.frame.Bytes()); err != nil {
				return err
			}
		}
		e.dir.Clear(upage)
		t.frames.Free(*e.frame)
	case e.kind == pagekind.Swap:
		if e.dirty {
			scratch, err := t.frames.AllocScratch()
			if err != nil {
				// No frame available to stage the write-back: log and
				// skip, matching the documented policy that teardown
				// I/O failures have no user left to signal.
				slog.Warn("spt: munmap write-back skipped, no scratch frame",
					"upage", upage, "slot", e.swapSlot, "err", err)
				t.swap.Free(e.swapSlot)
				return nil
			}
			if t.swap.SwapIn(scratch.Bytes(), e.swapSlot) {
				if err := writeBack(scratch.Bytes()); err != nil {
					t.frames.FreeScratch(scratch)
					t.swap.Free(e.swapSlot)
					return err
				}
			}
			t.frames.FreeScratch(scratch)
		}
		t.swap.Free(e.swapSlot)
	}
	return nil
}

// Destroy tears down every entry: resident frames are removed (not
// freed — pagedir.Destroy releases the directory side, and whichever
// owns the frame pool releases the memory), swap slots are freed.
// Mirrors suppl_pt_destroy.
func (t *Table) Destroy() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uintptr]*Entry)
	t.mu.Unlock()

	for _, e := range entries {
		if e.Resident() {
			t.frames.Remove(*e.frame)
		} else if e.kind == pagekind.Swap {
			t.swap.Free(e.swapSlot)
		}
	}
}

// ResidentCount returns how many of this table's entries currently
// hold a frame, for the diagnostics endpoint.
func (t *Table) ResidentCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.entries {
		if e.Resident() {
			n++
		}
	}
	return n
}

// EntryCount returns the total number of registered entries, resident
// or not.
func (t *Table) EntryCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
