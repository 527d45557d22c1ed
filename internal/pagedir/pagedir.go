// Package pagedir stands in for the hardware page directory consumed by
// the paging core: install/clear a mapping, and query or clear the
// accessed/dirty bits a real MMU would set on memory access. A Go program
// has no MMU to borrow, so this is the seam a real kernel would replace
// with pagedir_* calls into the CPU's page tables.
package pagedir

import "sync"

// FrameRef is the minimal view of a physical frame the page directory
// needs: its identity (used as the "kernel alias" address) and its bytes
// (used by Touch to simulate a CPU read/write). frame.Frame satisfies
// this without pagedir importing the frame package.
type FrameRef interface {
	Addr() uintptr
	Bytes() []byte
}

type mapping struct {
	frame    FrameRef
	writable bool
	accessed bool
	dirty    bool
}

// Directory is one process's simulated page directory: a mapping from
// user page to frame, plus the accessed/dirty bits a real MMU maintains
// per mapping and exposes through both the user and kernel aliases of a
// physical page.
type Directory struct {
	mu        sync.Mutex
	byUpage   map[uintptr]*mapping
	byFrame   map[uintptr]*mapping
	destroyed bool
}

// New returns an empty, active page directory.
func New() *Directory {
	return &Directory{
		byUpage: make(map[uintptr]*mapping),
		byFrame: make(map[uintptr]*mapping),
	}
}

// Install maps upage to fr, present and with the given writable bit.
// Mirrors pagedir_set_page: a page may only be installed once per upage
// at a time; installing over an existing mapping fails. Returns false if
// the directory was destroyed.
func (d *Directory) Install(upage uintptr, fr FrameRef, writable bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return false
	}
	if _, exists := d.byUpage[upage]; exists {
		return false
	}
	m := &mapping{frame: fr, writable: writable}
	d.byUpage[upage] = m
	d.byFrame[fr.Addr()] = m
	return true
}

// Clear removes the mapping for upage, mirroring pagedir_clear_page. It
// is a no-op if upage is not mapped.
func (d *Directory) Clear(upage uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.byUpage[upage]
	if !ok {
		return
	}
	delete(d.byUpage, upage)
	delete(d.byFrame, m.frame.Addr())
}

func (d *Directory) lookup(va uintptr) *mapping {
	if m, ok := d.byUpage[va]; ok {
		return m
	}
	return d.byFrame[va]
}

// IsPresent reports whether upage currently has a mapping.
func (d *Directory) IsPresent(upage uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byUpage[upage]
	return ok
}

// WritableAt reports the writable bit of upage's mapping. False if
// unmapped.
func (d *Directory) WritableAt(upage uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.byUpage[upage]
	return ok && m.writable
}

// FrameFor returns the frame mapped at upage, if any.
func (d *Directory) FrameFor(upage uintptr) (FrameRef, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.byUpage[upage]
	if !ok {
		return nil, false
	}
	return m.frame, true
}

// IsDirty reports the dirty bit for va, which may be either the user
// page or the frame's kernel alias address — both name the same
// mapping, matching pagedir_is_dirty's use on both aliases.
func (d *Directory) IsDirty(va uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m := d.lookup(va); m != nil {
		return m.dirty
	}
	return false
}

// SetDirty sets the dirty bit for va (user or kernel alias).
func (d *Directory) SetDirty(va uintptr, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m := d.lookup(va); m != nil {
		m.dirty = v
	}
}

// IsAccessed reports the accessed bit for va.
func (d *Directory) IsAccessed(va uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m := d.lookup(va); m != nil {
		return m.accessed
	}
	return false
}

// SetAccessed sets the accessed bit for va.
func (d *Directory) SetAccessed(va uintptr, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m := d.lookup(va); m != nil {
		m.accessed = v
	}
}

// Touch simulates a CPU memory access through va: the accessed bit is
// always set, and the dirty bit is set when write is true. Nothing in
// this package calls Touch on its own — a caller simulating user code
// running against this address space (internal/loader) must call it on
// every load/store, exactly as a real MMU would on every access.
func (d *Directory) Touch(va uintptr, write bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.lookup(va)
	if m == nil {
		return
	}
	m.accessed = true
	if write {
		m.dirty = true
	}
}

// Activate is a no-op placeholder for pagedir_activate: in a real kernel
// it loads %cr3 with this directory on a context switch. Kept so callers
// that model a scheduler have a symmetrical call to make.
func (d *Directory) Activate() {}

// Destroy releases every mapping and returns the frames that were still
// mapped, so the caller can return them to the frame pool. After
// Destroy, Install always fails. Mirrors pagedir_destroy, which frees
// the physical pages backing every present PTE; the supplemental page
// table's own destroy only detaches its bookkeeping (frame_remove, not
// frame_free) on the understanding that this call frees the memory.
func (d *Directory) Destroy() []FrameRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	held := make([]FrameRef, 0, len(d.byUpage))
	for _, m := range d.byUpage {
		held = append(held, m.frame)
	}
	d.byUpage = make(map[uintptr]*mapping)
	d.byFrame = make(map[uintptr]*mapping)
	d.destroyed = true
	return held
}
