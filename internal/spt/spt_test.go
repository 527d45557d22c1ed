package spt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-vmcore/vmcore/internal/frame"
	"github.com/go-vmcore/vmcore/internal/pagedir"
	"github.com/go-vmcore/vmcore/internal/spt"
	"github.com/go-vmcore/vmcore/internal/swap"
	"github.com/go-vmcore/vmcore/internal/vfile"
)

const pageSize = 4096

func newSystem(t *testing.T, frameCount int) (*frame.Table, *swap.Allocator) {
	t.Helper()
	pool, err := frame.NewMMapPool(frameCount, pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	dev := swap.NewMemDevice(int64(frameCount+2) * pageSize)
	swapAlloc := swap.New(dev, uint(frameCount+2), pageSize, 0)
	frames := frame.NewTable(pool, swapAlloc, frame.Clock)
	return frames, swapAlloc
}

func TestLoadPageZeroFillsFrame(t *testing.T) {
	frames, swapAlloc := newSystem(t, 2)
	table := spt.New(frames, swapAlloc, pageSize)
	dir := pagedir.New()

	require.NoError(t, table.SetZero(0x1000, dir))
	ok, err := table.LoadPage(0x1000)
	require.NoError(t, err)
	require.True(t, ok)

	fr, present := dir.FrameFor(0x1000)
	require.True(t, present)
	for _, b := range fr.Bytes() {
		assert.Zero(t, b)
	}
	assert.True(t, dir.WritableAt(0x1000))
}

func TestLoadPageRefusesAlreadyResident(t *testing.T) {
	frames, swapAlloc := newSystem(t, 2)
	table := spt.New(frames, swapAlloc, pageSize)
	dir := pagedir.New()

	require.NoError(t, table.SetZero(0x1000, dir))
	ok, err := table.LoadPage(0x1000)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = table.LoadPage(0x1000)
	require.NoError(t, err)
	assert.False(t, ok, "a stale re-fault on a resident page must be refused")
}

type memFile struct {
	data []byte
}

func (f *memFile) ReadAt(buf []byte, ofs int64) (int, error) {
	n := copy(buf, f.data[ofs:])
	return n, nil
}
func (f *memFile) WriteAt(buf []byte, ofs int64) (int, error) {
	n := copy(f.data[ofs:], buf)
	return n, nil
}
func (f *memFile) Length() int64        { return int64(len(f.data)) }
func (f *memFile) Close() error         { return nil }
func (f *memFile) Reopen() (vfile.File, error) { return f, nil }
func (f *memFile) DenyWrite()           {}
func (f *memFile) AllowWrite()          {}
func (f *memFile) WriteDenied() bool    { return false }

func TestLoadPageFileZeroesTrailingBytes(t *testing.T) {
	frames, swapAlloc := newSystem(t, 2)
	table := spt.New(frames, swapAlloc, pageSize)
	dir := pagedir.New()

	f := &memFile{data: []byte("hello-world")}
	require.NoError(t, table.SetFile(0x2000, dir, f, 0, uint32(len(f.data)), pageSize-uint32(len(f.data)), false, false))

	ok, err := table.LoadPage(0x2000)
	require.NoError(t, err)
	require.True(t, ok)

	fr, _ := dir.FrameFor(0x2000)
	assert.Equal(t, []byte("hello-world"), fr.Bytes()[:len(f.data)])
	for _, b := range fr.Bytes()[len(f.data):] {
		assert.Zero(t, b)
	}
	assert.False(t, dir.WritableAt(0x2000), "writable=false FILE entry installs read-only")
}

func TestEvictionRoundTripsThroughSwap(t *testing.T) {
	frames, swapAlloc := newSystem(t, 1)
	table := spt.New(frames, swapAlloc, pageSize)
	dir := pagedir.New()

	require.NoError(t, table.SetZero(0x1000, dir))
	ok, err := table.LoadPage(0x1000)
	require.NoError(t, err)
	require.True(t, ok)

	fr, _ := dir.FrameFor(0x1000)
	copy(fr.Bytes(), []byte("swap-me"))
	dir.SetDirty(0x1000, true)

	require.NoError(t, table.SetZero(0x2000, dir))
	ok, err = table.LoadPage(0x2000) // forces eviction of 0x1000 (only frame)
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, dir.IsPresent(0x1000))

	ok, err = table.LoadPage(0x1000)
	require.NoError(t, err)
	require.True(t, ok)
	fr, _ = dir.FrameFor(0x1000)
	assert.Equal(t, "swap-me", string(fr.Bytes()[:len("swap-me")]))
}
