// Package mmap implements the memory-mapped file manager: mmap/munmap
// over a process's supplemental page table. Grounded on the reference
// kernel's syscall_mmap/syscall_munmap/mmap_unmap_item in
// src/userprog/syscall.c, with one deliberate correction: the original
// mmap_unmap_item's swapped-dirty branch writes the munmap'd page back
// to its file from pte->kpage, which in that branch is NULL/stale —
// the data it should write is the one it just swapped into its local
// kpage. This package's munmap path (via spt.Table.UnmapPage) always
// writes back from the frame that actually holds the page's bytes.
package mmap

import (
	"fmt"

	"github.com/go-vmcore/vmcore/internal/pagedir"
	"github.com/go-vmcore/vmcore/internal/spt"
	"github.com/go-vmcore/vmcore/internal/vfile"
	"github.com/go-vmcore/vmcore/internal/vmerr"
)

// Region is one mmap record: the id returned to the caller, the
// reopened file backing it, and the virtual address range it occupies.
type Region struct {
	ID   int
	File vfile.File
	Addr uintptr
	Size int64
}

// Manager owns a process's mmap records.
type Manager struct {
	table    *spt.Table
	dir      *pagedir.Directory
	pageSize int64
	nextID   int
	regions  map[int]*Region
}

// NewManager builds an mmap manager over table and dir, the owning
// process's supplemental page table and page directory.
func NewManager(table *spt.Table, dir *pagedir.Directory, pageSize int64) *Manager {
	return &Manager{table: table, dir: dir, pageSize: pageSize, regions: make(map[int]*Region)}
}

// Mmap maps f at addr, registering one FILE SPT entry per page. addr
// must be non-zero and page-aligned; f must have positive length.
// Overlapping an existing mapping rejects with vmerr.ErrMmapReject and
// leaves no trace: any entries registered before the overlap was found
// are rolled back and the reopened file is closed.
func (m *Manager) Mmap(f vfile.File, addr uintptr) (int, error) {
	if addr == 0 || uintptr(addr)%uintptr(m.pageSize) != 0 {
		return 0, fmt.Errorf("mmap: address %#x not page-aligned: %w", addr, vmerr.ErrMmapReject)
	}
	length := f.Length()
	if length <= 0 {
		return 0, fmt.Errorf("mmap: empty file: %w", vmerr.ErrMmapReject)
	}

	reopened, err := f.Reopen()
	if err != nil {
		return 0, fmt.Errorf("mmap: reopen: %w", vmerr.ErrMmapReject)
	}

	var registered []uintptr
	rollback := func() {
		for _, up := range registered {
			m.table.ClearPage(up)
		}
		reopened.Close()
	}

	for ofs := int64(0); ofs < length; ofs += m.pageSize {
		upage := addr + uintptr(ofs)
		if _, exists := m.table.Get(upage); exists {
			rollback()
			return 0, fmt.Errorf("mmap: overlaps existing mapping at %#x: %w", upage, vmerr.ErrMmapReject)
		}
		readBytes := m.pageSize
		if remain := length - ofs; remain < readBytes {
			readBytes = remain
		}
		zeroBytes := m.pageSize - readBytes
		if err := m.table.SetFile(upage, m.dir, reopened, ofs, uint32(readBytes), uint32(zeroBytes), true, true); err != nil {
			rollback()
			return 0, fmt.Errorf("mmap: register page at %#x: %w", upage, err)
		}
		registered = append(registered, upage)
	}

	id := m.nextID
	m.nextID++
	m.regions[id] = &Region{ID: id, File: reopened, Addr: addr, Size: length}
	return id, nil
}

// Munmap tears down region id, writing back dirty pages. A missing id
// is a no-op, matching the reference kernel's lookup-or-ignore.
func (m *Manager) Munmap(id int) error {
	region, ok := m.regions[id]
	if !ok {
		return nil
	}
	delete(m.regions, id)

	for ofs := int64(0); ofs < region.Size; ofs += m.pageSize {
		upage := region.Addr + uintptr(ofs)
		writeOfs := ofs
		if err := m.table.UnmapPage(upage, func(data []byte) error {
			_, err := region.File.WriteAt(data, writeOfs)
			return err
		}); err != nil {
			return fmt.Errorf("munmap: write back page at %#x: %w", upage, err)
		}
	}
	return region.File.Close()
}

// MunmapAll tears down every remaining region, for process exit.
func (m *Manager) MunmapAll() {
	for id := range m.regions {
		m.Munmap(id)
	}
}

// Regions returns the ids of currently mapped regions, for the
// diagnostics endpoint.
func (m *Manager) Regions() []int {
	ids := make([]int, 0, len(m.regions))
	for id := range m.regions {
		ids = append(ids, id)
	}
	return ids
}
