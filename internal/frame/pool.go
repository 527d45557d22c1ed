package frame

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Frame is one fixed-size slot of the physical frame pool. Its Addr is
// the address of its backing memory, used as the "kernel alias" address
// a real kernel would pass to pagedir_is_dirty/pagedir_set_dirty.
type Frame struct {
	index int
	bytes []byte
}

func (f Frame) Addr() uintptr { return uintptr(unsafe.Pointer(&f.bytes[0])) }
func (f Frame) Bytes() []byte { return f.bytes }
func (f Frame) Index() int    { return f.index }

// Pool is the underlying physical-frame allocator the frame table draws
// from. Alloc/Free hand out whole frames with no notion of ownership or
// eviction — that policy lives in Table.
type Pool interface {
	Alloc() (Frame, bool)
	Free(Frame)
	Len() int
	Cap() int
	Close() error
}

// mmapPool is a Pool backed by one real anonymous mmap(2) arena, sliced
// into fixed pageSize chunks, with a free list. Grounded on the
// block-pool pattern in vibhansa-msft-smriti's Smriti/block_linux.go
// (mmap an arena once, hand out fixed blocks from a free list), adapted
// to golang.org/x/sys/unix instead of the raw syscall package so
// "physical memory" is real OS memory with genuine fault-free
// read/write semantics and a real, observable exhaustion condition.
type mmapPool struct {
	mu       sync.Mutex
	arena    []byte
	pageSize int
	free     []Frame
	total    int
}

// NewMMapPool reserves count frames of pageSize bytes via one anonymous
// mmap call.
func NewMMapPool(count, pageSize int) (Pool, error) {
	arena, err := unix.Mmap(-1, 0, count*pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("frame: mmap arena: %w", err)
	}
	p := &mmapPool{arena: arena, pageSize: pageSize, total: count}
	p.free = make([]Frame, 0, count)
	for i := 0; i < count; i++ {
		p.free = append(p.free, Frame{index: i, bytes: arena[i*pageSize : (i+1)*pageSize]})
	}
	return p, nil
}

func (p *mmapPool) Alloc() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return Frame{}, false
	}
	n := len(p.free) - 1
	fr := p.free[n]
	p.free = p.free[:n]
	return fr, true
}

func (p *mmapPool) Free(fr Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range fr.bytes {
		fr.bytes[i] = 0
	}
	p.free = append(p.free, fr)
}

func (p *mmapPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *mmapPool) Cap() int { return p.total }

func (p *mmapPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return unix.Munmap(p.arena)
}
