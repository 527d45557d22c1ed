// Package fault implements the page-fault resolver and its stack-growth
// policy, grounded on the reference kernel's page_fault handler in
// src/userprog/exception.c (not carried into this pack, but its
// five-step shape — present+write check, SPT lookup and load, stack
// growth, else kill — is the one spec.md calls out and the one
// suppl_pt_load_page's callers in page.c assume).
package fault

import (
	"fmt"

	"github.com/go-vmcore/vmcore/internal/pagedir"
	"github.com/go-vmcore/vmcore/internal/spt"
	"github.com/go-vmcore/vmcore/internal/vmerr"
)

// Classification describes the hardware fault the resolver was called
// with: whether the page was present, whether the access was a write,
// and whether it originated in user mode.
type Classification struct {
	Present bool
	Write   bool
	User    bool
}

// Resolver resolves a single process's page faults against its
// supplemental page table and stack-growth bound.
type Resolver struct {
	table      *spt.Table
	pageSize   uintptr
	physBase   uintptr
	stackLimit uintptr
}

// NewResolver builds a resolver over table. physBase is the top of user
// address space (PHYS_BASE); stackLimit bounds how far the stack may
// grow below physBase (STACK_LIMIT).
func NewResolver(table *spt.Table, pageSize, physBase, stackLimit uintptr) *Resolver {
	return &Resolver{table: table, pageSize: pageSize, physBase: physBase, stackLimit: stackLimit}
}

func (r *Resolver) pageRoundDown(addr uintptr) uintptr {
	return addr &^ (r.pageSize - 1)
}

// Resolve runs the five-step algorithm for a fault at addr with esp the
// current stack pointer. Returns nil on success (the page is now
// resident); a non-nil error is fatal to the faulting process — the
// caller should treat it like the reference kernel's exit(-1).
func (r *Resolver) Resolve(dir *pagedir.Directory, addr uintptr, class Classification, esp uintptr) error {
	upage := r.pageRoundDown(addr)

	// Step 2: a write fault on an already-present page is a write to a
	// read-only mapping (the only way a present page still faults) —
	// always fatal, never a load_page candidate.
	if class.Present && class.Write {
		return fmt.Errorf("fault: write to read-only page at %#x: %w", addr, vmerr.ErrBadAccess)
	}

	// Step 3: an SPT entry already describes this page.
	if _, ok := r.table.Get(upage); ok {
		return r.load(upage)
	}

	// Step 4: no entry, but the address qualifies for stack growth.
	if r.qualifiesForStackGrowth(addr, esp) {
		if err := r.table.SetZero(upage, dir); err != nil {
			return err
		}
		return r.load(upage)
	}

	// Step 5: nothing claims this address.
	return fmt.Errorf("fault: no backing entry for %#x: %w", addr, vmerr.ErrBadAccess)
}

func (r *Resolver) load(upage uintptr) error {
	ok, err := r.table.LoadPage(upage)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fault: stale re-fault at %#x: %w", upage, vmerr.ErrBadAccess)
	}
	return nil
}

// qualifiesForStackGrowth implements 4.E: addr must be below physBase,
// within STACK_LIMIT of it, and no more than 32 bytes below esp — the
// PUSHA instruction's worst-case probe, the only legitimate reason a
// fault can land below the current stack pointer.
func (r *Resolver) qualifiesForStackGrowth(addr, esp uintptr) bool {
	const pushaProbe = 32
	if addr >= r.physBase {
		return false
	}
	if addr < esp-pushaProbe {
		return false
	}
	if addr < r.physBase-r.stackLimit {
		return false
	}
	return true
}
