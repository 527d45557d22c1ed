package loader_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-vmcore/vmcore/internal/frame"
	"github.com/go-vmcore/vmcore/internal/loader"
	"github.com/go-vmcore/vmcore/internal/swap"
	"github.com/go-vmcore/vmcore/internal/vfile"
)

const pageSize = 4096

type memFile struct {
	data      []byte
	denyCount int
}

func (f *memFile) ReadAt(buf []byte, ofs int64) (int, error) {
	n := copy(buf, f.data[ofs:])
	return n, nil
}
func (f *memFile) WriteAt(buf []byte, ofs int64) (int, error) {
	n := copy(f.data[ofs:], buf)
	return n, nil
}
func (f *memFile) Length() int64               { return int64(len(f.data)) }
func (f *memFile) Close() error                { return nil }
func (f *memFile) Reopen() (vfile.File, error) { return f, nil }
func (f *memFile) DenyWrite()                  { f.denyCount++ }
func (f *memFile) AllowWrite()                 { f.denyCount-- }
func (f *memFile) WriteDenied() bool           { return f.denyCount > 0 }

func newProcess(t *testing.T, frameCount int) (*loader.Process, *frame.Table) {
	t.Helper()
	pool, err := frame.NewMMapPool(frameCount, pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	dev := swap.NewMemDevice(int64(frameCount+4) * pageSize)
	swapAlloc := swap.New(dev, uint(frameCount+4), pageSize, 0)
	frames := frame.NewTable(pool, swapAlloc, frame.Clock)

	cfg := loader.Config{
		Frames:     frames,
		Swap:       swapAlloc,
		PageSize:   pageSize,
		PhysBase:   0xC0000000,
		StackLimit: 8 * 1024 * 1024,
	}
	p := loader.New(1, cfg)
	require.NoError(t, p.RegisterStack(p.Esp-pageSize))
	p.FinishLoading()
	return p, frames
}

func TestStackGrowthRegistersOneZeroEntryPerPage(t *testing.T) {
	p, _ := newProcess(t, 8)

	// Each iteration moves esp to the bottom of the page just grown, then
	// faults 16 bytes below it — within the 32-byte PUSHA probe — which
	// qualifies for stack growth and adds exactly one new ZERO entry.
	esp := p.Esp - pageSize // bottom of the already-registered initial page
	for i := 1; i <= 4; i++ {
		p.Esp = esp
		va := esp - 16
		err := p.WriteByte(va, byte(i))
		require.NoError(t, err)
		assert.Equal(t, i+1, p.SPT.EntryCount())
		esp = va &^ (pageSize - 1)
	}
}

func TestWriteToReadOnlyPageIsFatal(t *testing.T) {
	p, _ := newProcess(t, 8)
	ro := &memFile{data: []byte("read-only-text")}
	require.NoError(t, p.RegisterSegment(ro, 0x08048000, 0, uint32(len(ro.data)), pageSize-uint32(len(ro.data)), false))

	// First touch resolves the fault and installs a read-only mapping.
	_, err := p.ReadByte(0x08048000)
	require.NoError(t, err)

	err = p.WriteByte(0x08048000, 'X')
	assert.Error(t, err, "writing a read-only FILE page must be fatal")
}

func TestEvictionUnderPressureRoundTripsThroughSwap(t *testing.T) {
	p, frames := newProcess(t, 1)

	// Only one frame exists; the initial stack page (already registered
	// by newProcess) occupies it on first touch.
	initialStackPage := p.Esp - pageSize
	require.NoError(t, p.WriteByte(initialStackPage, 0xAA))

	// Move esp to the bottom of that page, then fault 16 bytes below it
	// — within the PUSHA probe — which qualifies for stack growth into
	// the next lower page and must evict the first, round-tripping its
	// content through swap.
	p.Esp = initialStackPage
	require.NoError(t, p.WriteByte(p.Esp-16, 0xBB))

	resident, total := frames.Stats()
	assert.Equal(t, 1, resident)
	assert.Equal(t, 1, total)

	b, err := p.ReadByte(initialStackPage)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), b)
}

func TestExitReleasesFramesBackToPool(t *testing.T) {
	p, frames := newProcess(t, 4)
	require.NoError(t, p.WriteByte(p.Esp-pageSize, 1))

	beforeResident, total := frames.Stats()
	require.Greater(t, beforeResident, 0)

	p.Exit()

	afterResident, afterTotal := frames.Stats()
	assert.Equal(t, 0, afterResident)
	assert.Equal(t, total, afterTotal)
}
