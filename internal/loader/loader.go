// Package loader is a minimal stand-in for the ELF loader and process
// lifecycle: enough to register segments and stack, run a simulated
// fault/access loop against them, and tear a process down on exit.
//
// The process-startup handshake is grounded on the reference kernel's
// known weak point (the parent spins and yields while a child loads —
// spec.md's design notes call this out and recommend a semaphore) and
// on the teacher's own utils.Semaforo, a channel-backed counting
// semaphore used exactly for this kind of startup gate. Here it is
// rebuilt on golang.org/x/sync/semaphore instead of a bare channel, so
// the wait is a real blocking Acquire rather than a buffered send.
package loader

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/go-vmcore/vmcore/internal/fault"
	"github.com/go-vmcore/vmcore/internal/frame"
	"github.com/go-vmcore/vmcore/internal/mmap"
	"github.com/go-vmcore/vmcore/internal/pagedir"
	"github.com/go-vmcore/vmcore/internal/spt"
	"github.com/go-vmcore/vmcore/internal/swap"
	"github.com/go-vmcore/vmcore/internal/vfile"
)

// Process is one simulated user process: its page directory,
// supplemental page table, mmap manager and fault resolver, plus the
// startup gate a parent can wait on.
type Process struct {
	PID      int
	Dir      *pagedir.Directory
	SPT      *spt.Table
	Mmaps    *mmap.Manager
	Resolver *fault.Resolver
	Esp      uintptr

	frames    *frame.Table
	pageSize  uintptr
	ready     *semaphore.Weighted
	execFiles []vfile.File
}

// Config bundles the shared subsystems a new process attaches to.
type Config struct {
	Frames     *frame.Table
	Swap       *swap.Allocator
	PageSize   uintptr
	PhysBase   uintptr
	StackLimit uintptr
}

// New creates a process with an empty address space and an acquired
// startup gate; call FinishLoading once segments and the stack are
// registered to release waiters.
func New(pid int, cfg Config) *Process {
	dir := pagedir.New()
	pt := spt.New(cfg.Frames, cfg.Swap, int(cfg.PageSize))
	p := &Process{
		PID:      pid,
		Dir:      dir,
		SPT:      pt,
		Mmaps:    mmap.NewManager(pt, dir, int64(cfg.PageSize)),
		Resolver: fault.NewResolver(pt, cfg.PageSize, cfg.PhysBase, cfg.StackLimit),
		Esp:      cfg.PhysBase,
		frames:   cfg.Frames,
		pageSize: cfg.PageSize,
		ready:    semaphore.NewWeighted(1),
	}
	p.ready.Acquire(context.Background(), 1)
	return p
}

// RegisterSegment records one page of an executable segment: file
// content at ofs for readBytes bytes, zero-padded to a full page,
// writable as given. The backing file is denied writes for as long as
// the process runs, the first time it's seen — mirroring the reference
// kernel's process_load calling file_deny_write once on the executable.
func (p *Process) RegisterSegment(f vfile.File, upage uintptr, ofs int64, readBytes, zeroBytes uint32, writable bool) error {
	if err := p.SPT.SetFile(upage, p.Dir, f, ofs, readBytes, zeroBytes, writable, false); err != nil {
		return err
	}
	p.denyWriteOnce(f)
	return nil
}

// denyWriteOnce calls f.DenyWrite exactly once per distinct file across
// this process's lifetime, so a file backing several segment pages
// isn't deny/allow-counted once per page.
func (p *Process) denyWriteOnce(f vfile.File) {
	for _, seen := range p.execFiles {
		if seen == f {
			return
		}
	}
	f.DenyWrite()
	p.execFiles = append(p.execFiles, f)
}

// RegisterStack reserves the initial stack page as zero-fill.
func (p *Process) RegisterStack(upage uintptr) error {
	return p.SPT.SetZero(upage, p.Dir)
}

// FinishLoading releases the startup gate, letting any waiter in
// WaitUntilLoaded proceed. Mirrors the teacher's Semaforo.Signal used
// to tell a waiting parent that a child has finished loading.
func (p *Process) FinishLoading() {
	p.ready.Release(1)
}

// WaitUntilLoaded blocks until FinishLoading has been called, or ctx is
// done.
func (p *Process) WaitUntilLoaded(ctx context.Context) error {
	if err := p.ready.Acquire(ctx, 1); err != nil {
		return err
	}
	p.ready.Release(1)
	return nil
}

// Access simulates a CPU memory access through va: it resolves a fault
// if the page is not yet resident (or not writable, for a write), then
// records the access on the page directory exactly as a real MMU
// would, and returns the frame holding the page's bytes.
func (p *Process) Access(va uintptr, write bool) (pagedir.FrameRef, error) {
	upage := va &^ (p.pageSize - 1)
	if fr, present := p.Dir.FrameFor(upage); present {
		if write && !p.Dir.WritableAt(upage) {
			class := fault.Classification{Present: true, Write: true, User: true}
			return nil, p.Resolver.Resolve(p.Dir, va, class, p.Esp)
		}
		p.Dir.Touch(upage, write)
		return fr, nil
	}
	class := fault.Classification{Present: false, Write: write, User: true}
	if err := p.Resolver.Resolve(p.Dir, va, class, p.Esp); err != nil {
		return nil, err
	}
	fr, ok := p.Dir.FrameFor(upage)
	if !ok {
		return nil, fmt.Errorf("loader: resolved fault left %#x unmapped", va)
	}
	p.Dir.Touch(upage, write)
	return fr, nil
}

// ReadByte reads one byte at va, resolving a fault if needed.
func (p *Process) ReadByte(va uintptr) (byte, error) {
	fr, err := p.Access(va, false)
	if err != nil {
		return 0, err
	}
	return fr.Bytes()[va%p.pageSize], nil
}

// WriteByte writes one byte at va, resolving a fault if needed.
func (p *Process) WriteByte(va uintptr, b byte) error {
	fr, err := p.Access(va, true)
	if err != nil {
		return err
	}
	fr.Bytes()[va%p.pageSize] = b
	return nil
}

// Exit tears the process down: every mmap region is unmapped (writing
// back dirty pages), the supplemental page table is destroyed, the
// executable's backing files are allowed writes again, and finally the
// page directory itself is destroyed, with any frames it still held
// returned to the pool — mirroring the reference kernel's process_exit,
// which calls file_allow_write and suppl_pt_destroy before
// pagedir_destroy.
func (p *Process) Exit() {
	p.Mmaps.MunmapAll()
	p.SPT.Destroy()
	for _, f := range p.execFiles {
		f.AllowWrite()
	}
	held := p.Dir.Destroy()
	for _, fr := range held {
		if concrete, ok := fr.(frame.Frame); ok {
			p.frames.Free(concrete)
		}
	}
	slog.Debug("process exited", "pid", p.PID, "frames_released", len(held))
}
