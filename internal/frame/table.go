// Package frame implements the frame table and its replacement policy:
// tracking which supplemental page table entry owns each resident
// frame, and choosing a victim to evict when the pool is exhausted.
// Grounded on the reference kernel's src/vm/frame.c for the
// frame_alloc/frame_free/frame_remove signatures and for its clock
// sweep (FIFO being the alternate build option); the writeback/swap/
// discard decision on eviction follows spec.md's design.
package frame

import (
	"fmt"
	"sync"

	"github.com/go-vmcore/vmcore/internal/pagedir"
	"github.com/go-vmcore/vmcore/internal/pagekind"
	"github.com/go-vmcore/vmcore/internal/vfile"
	"github.com/go-vmcore/vmcore/internal/vmerr"
)

// Policy selects the replacement algorithm. Pintos build configs select
// this at compile time with #ifdef; Go has no such mechanism, so it is
// a constructor argument instead.
type Policy int

const (
	Clock Policy = iota
	FIFO
)

// Tenant is the supplemental page table entry that owns a resident
// frame, as seen by the frame table. spt.Entry implements this; frame
// does not import spt to avoid a cycle (spt imports frame to call
// Alloc/Free/Remove).
type Tenant interface {
	Pagedir() *pagedir.Directory
	UserPage() uintptr
	Kind() pagekind.Kind
	Writable() bool
	IsMmap() bool
	File() vfile.File
	FileOffset() int64
	Dirty() bool
	// BecomeSwap rewrites the entry's kind to Swap with the given slot,
	// called only when eviction decides to swap the page out.
	BecomeSwap(slot uint)
	// Uninstall clears the entry's resident-frame reference and
	// records the final dirty bit, called for every eviction outcome.
	Uninstall(dirty bool)
}

// Swapper is the minimal swap allocator surface eviction needs.
// *swap.Allocator satisfies this directly.
type Swapper interface {
	SwapOut(page []byte) (uint, error)
}

type record struct {
	frame  Frame
	tenant Tenant
}

// Table is the frame table: the set of resident frames plus their
// owning tenants, and the replacement policy used to pick a victim when
// the pool is exhausted.
type Table struct {
	mu      sync.Mutex
	pool    Pool
	swapper Swapper
	policy  Policy
	records []*record
	cursor  int
}

// NewTable builds a frame table over pool, using swapper for eviction
// write-outs, with the given replacement policy.
func NewTable(pool Pool, swapper Swapper, policy Policy) *Table {
	return &Table{pool: pool, swapper: swapper, policy: policy}
}

// Alloc returns a frame for tenant, evicting a victim under the
// configured policy if the pool is exhausted. Mirrors frame_alloc,
// including its eviction path.
func (t *Table) Alloc(tenant Tenant) (Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fr, ok := t.pool.Alloc(); ok {
		t.records = append(t.records, &record{frame: fr, tenant: tenant})
		return fr, nil
	}

	victim, err := t.pickVictim()
	if err != nil {
		return Frame{}, err
	}
	if err := t.evict(victim); err != nil {
		return Frame{}, err
	}
	fr := victim.frame
	victim.tenant = tenant
	return fr, nil
}

// Free detaches fr's record, if any, and returns it to the pool.
// Mirrors frame_free.
func (t *Table) Free(fr Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unlink(fr)
	t.pool.Free(fr)
}

// Remove detaches fr's record without returning it to the pool.
// Mirrors frame_remove: the caller (pagedir_destroy's analogue) is
// responsible for actually freeing the underlying memory.
func (t *Table) Remove(fr Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unlink(fr)
}

// AllocScratch returns an untracked frame straight from the pool, with
// no tenant and no eviction attempt. Used by the mmap manager to hold a
// swapped-out page's content transiently while writing it back to a
// file during munmap. Failure here is logged and skipped by the caller
// rather than propagated, since there is no user to signal on teardown.
func (t *Table) AllocScratch() (Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fr, ok := t.pool.Alloc()
	if !ok {
		return Frame{}, fmt.Errorf("frame: scratch alloc: %w", vmerr.ErrOutOfFrames)
	}
	return fr, nil
}

// FreeScratch returns a scratch frame obtained via AllocScratch.
func (t *Table) FreeScratch(fr Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pool.Free(fr)
}

func (t *Table) unlink(fr Frame) {
	for i, r := range t.records {
		if r.frame.Addr() == fr.Addr() {
			t.records = append(t.records[:i], t.records[i+1:]...)
			switch {
			case t.cursor > i:
				t.cursor--
			case len(t.records) == 0:
				t.cursor = 0
			case t.cursor >= len(t.records):
				t.cursor = 0
			}
			return
		}
	}
}

// pickVictim selects a record to evict. It mutates only policy state:
// FIFO rotates the chosen record to the tail; clock clears the accessed
// bit of each record it passes and advances the cursor past it.
func (t *Table) pickVictim() (*record, error) {
	if len(t.records) == 0 {
		return nil, fmt.Errorf("frame: no frames to evict: %w", vmerr.ErrOutOfFrames)
	}
	switch t.policy {
	case FIFO:
		r := t.records[0]
		t.records = append(t.records[1:], r)
		return r, nil
	default: // Clock
		for {
			r := t.records[t.cursor]
			dir := r.tenant.Pagedir()
			up := r.tenant.UserPage()
			if dir.IsAccessed(up) {
				dir.SetAccessed(up, false)
				t.cursor = (t.cursor + 1) % len(t.records)
				continue
			}
			return r, nil
		}
	}
}

// evict implements the writeback/swap/discard decision: a clean
// read-only file page, or a clean writable non-mmap file page, is
// simply discarded (the former can never be dirtied; the latter was
// never swapped and its content is still on disk under the entry's
// segment offset — no fall-through to swap). A dirty mmap-writable file
// page is written back to its file. Everything else that is dirty, or
// was already swap-resident, is written to a swap slot.
func (t *Table) evict(r *record) error {
	tenant := r.tenant
	dir := tenant.Pagedir()
	up := tenant.UserPage()
	kp := r.frame.Addr()
	dirty := tenant.Dirty() || dir.IsDirty(up) || dir.IsDirty(kp)

	switch {
	case tenant.Kind() == pagekind.File && !tenant.Writable():
		// discard: re-readable from file, never dirtiable
	case tenant.Kind() == pagekind.File && tenant.Writable() && tenant.IsMmap() && dirty:
		if _, err := tenant.File().WriteAt(r.frame.Bytes(), tenant.FileOffset()); err != nil {
			return fmt.Errorf("frame: evict writeback: %w", vmerr.ErrIoFailure)
		}
	case dirty || tenant.Kind() == pagekind.Swap:
		slot, err := t.swapper.SwapOut(r.frame.Bytes())
		if err != nil {
			return fmt.Errorf("frame: evict swap-out: %w", err)
		}
		tenant.BecomeSwap(slot)
	default:
		// discard: clean zero-fill or clean writable non-mmap file page
	}

	tenant.Uninstall(dirty)
	dir.Clear(up)
	return nil
}

// Stats returns resident-frame and total-pool occupancy, for the
// diagnostics endpoint.
func (t *Table) Stats() (resident, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records), t.pool.Cap()
}
