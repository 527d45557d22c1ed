// Package swap implements the swap slot allocator: a bitmap of free
// slots over a block device, grounded on the reference kernel's
// swap_table_init/swap_out/swap_in/swap_remove (src/vm/swap.c), which
// scan a struct bitmap bit by bit under a single swap_table_lock.
//
// The free-slot bitmap here is github.com/bits-and-blooms/bitset, a
// direct analogue of that struct bitmap. A bit set to 1 means the slot
// is free, matching swap_table_init's bitmap_set_all(swap_table, true).
package swap

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/go-vmcore/vmcore/internal/vmerr"
)

// SectorSize is the simulated block device's sector size in bytes,
// matching the reference kernel's disk sector size (BLOCK_SECTOR_SIZE).
const SectorSize = 512

// Device is the block device the allocator writes slots to and reads
// them back from. A slot is pageSize bytes at offset slot*pageSize.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Allocator is the swap slot allocator: a free-slot bitmap plus the
// backing device, guarded by a single lock (no finer-grained locking,
// matching the reference kernel's single swap_table_lock).
type Allocator struct {
	mu       sync.Mutex
	free     *bitset.BitSet
	nslots   uint
	dev      Device
	pageSize int
	delay    time.Duration
}

// New creates an allocator over dev with room for nslots pages of
// pageSize bytes each, all initially free. delay simulates disk
// latency: it is slept (and logged) before every device access, so
// tests can exercise eviction-under-load without waiting on real I/O
// timing.
func New(dev Device, nslots uint, pageSize int, delay time.Duration) *Allocator {
	a := &Allocator{
		free:     bitset.New(nslots),
		nslots:   nslots,
		dev:      dev,
		pageSize: pageSize,
		delay:    delay,
	}
	a.free.FlipRange(0, nslots)
	return a
}

func (a *Allocator) simulateLatency(op string) {
	if a.delay <= 0 {
		return
	}
	slog.Debug("swap: applying latency", "op", op, "duration", a.delay)
	time.Sleep(a.delay)
}

// SwapOut writes page to the first free slot and marks it used,
// mirroring swap_out's bitmap_scan_and_flip(swap_table, 0, SECTORS_PER_PAGE, true)
// followed by a sector-by-sector block_write loop. Returns
// vmerr.ErrOutOfFrames if the device has no free slots (the swap disk is
// the allocator's "out of frames" failure mode, per the reference
// kernel's PANIC("swap_out: swap table is full")).
func (a *Allocator) SwapOut(page []byte) (uint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.free.NextSet(0)
	if !ok {
		return 0, fmt.Errorf("swap: no free slots: %w", vmerr.ErrOutOfFrames)
	}
	a.free.Clear(slot)

	a.simulateLatency("swap_out")
	if _, err := a.dev.WriteAt(page, int64(slot)*int64(a.pageSize)); err != nil {
		a.free.Set(slot)
		return 0, fmt.Errorf("swap: write slot %d: %w", slot, vmerr.ErrIoFailure)
	}
	return slot, nil
}

// SwapIn reads slot's content into page, mirroring swap_in. The slot
// remains allocated afterward (the caller owns it until Free); this
// matches the reference kernel's swap_in, which does not free the slot
// on the kernel's behalf — the supplemental page table entry keeps the
// slot index and the caller frees it explicitly once it no longer
// needs it (e.g. after a later eviction reuses it, or suppl_pt_free_pte
// calls swap_remove).
func (a *Allocator) SwapIn(page []byte, slot uint) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if slot >= a.nslots || a.free.Test(slot) {
		return false
	}
	a.simulateLatency("swap_in")
	if _, err := a.dev.ReadAt(page, int64(slot)*int64(a.pageSize)); err != nil {
		return false
	}
	return true
}

// Free releases slot back to the free pool, mirroring swap_remove.
func (a *Allocator) Free(slot uint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slot < a.nslots {
		a.free.Set(slot)
	}
}

// Stats returns the number of free slots and the total slot count, for
// the diagnostics endpoint.
func (a *Allocator) Stats() (free, total uint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.Count(), a.nslots
}
