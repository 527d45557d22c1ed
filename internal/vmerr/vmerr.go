// Package vmerr defines the distinct error kinds raised by the paging core,
// so callers can errors.Is/errors.As instead of matching on text.
package vmerr

import "errors"

var (
	// ErrOutOfFrames means every frame is pinned or in use and eviction
	// could not free one (including a swap-out failure during eviction).
	ErrOutOfFrames = errors.New("vmcore: out of frames")
	// ErrBadAccess means an access or registration the address space
	// cannot honour: a fault address with no supplemental page table
	// entry that does not qualify for stack growth, a write to a
	// read-only page, a stale re-fault, or a page registered twice. A
	// fault that returns it is fatal.
	ErrBadAccess = errors.New("vmcore: bad access")
	// ErrMmapReject means an mmap request failed validation (zero-length
	// file, unaligned or zero address, or an overlap with an existing
	// mapping) before any state was mutated.
	ErrMmapReject = errors.New("vmcore: mmap rejected")
	// ErrIoFailure means swap or file I/O returned an error or short
	// count while loading or evicting a page.
	ErrIoFailure = errors.New("vmcore: io failure")
)
