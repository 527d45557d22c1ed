package mmap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-vmcore/vmcore/internal/frame"
	"github.com/go-vmcore/vmcore/internal/mmap"
	"github.com/go-vmcore/vmcore/internal/pagedir"
	"github.com/go-vmcore/vmcore/internal/spt"
	"github.com/go-vmcore/vmcore/internal/swap"
	"github.com/go-vmcore/vmcore/internal/vfile"
)

const pageSize = 4096

// memFile is an in-memory vfile.File for mmap tests; Reopen returns a
// distinct handle sharing the backing slice, the way two fds on one
// path would share the underlying inode's bytes.
type memFile struct {
	data      []byte
	closed    bool
	denyCount int
}

func newMemFile(size int) *memFile { return &memFile{data: make([]byte, size)} }

func (f *memFile) ReadAt(buf []byte, ofs int64) (int, error) {
	n := copy(buf, f.data[ofs:])
	return n, nil
}
func (f *memFile) WriteAt(buf []byte, ofs int64) (int, error) {
	n := copy(f.data[ofs:], buf)
	return n, nil
}
func (f *memFile) Length() int64 { return int64(len(f.data)) }
func (f *memFile) Close() error  { f.closed = true; return nil }
func (f *memFile) Reopen() (vfile.File, error) {
	return &memFile{data: f.data}, nil
}
func (f *memFile) DenyWrite()        { f.denyCount++ }
func (f *memFile) AllowWrite()       { f.denyCount-- }
func (f *memFile) WriteDenied() bool { return f.denyCount > 0 }

func newManager(t *testing.T, frameCount int) (*mmap.Manager, *spt.Table, *pagedir.Directory) {
	t.Helper()
	pool, err := frame.NewMMapPool(frameCount, pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	dev := swap.NewMemDevice(int64(frameCount+4) * pageSize)
	swapAlloc := swap.New(dev, uint(frameCount+4), pageSize, 0)
	frames := frame.NewTable(pool, swapAlloc, frame.Clock)
	table := spt.New(frames, swapAlloc, pageSize)
	dir := pagedir.New()
	return mmap.NewManager(table, dir, pageSize), table, dir
}

func TestMmapTailPageIsZeroFilled(t *testing.T) {
	mgr, table, dir := newManager(t, 4)
	f := newMemFile(10 * 1024) // 10KB: the 3rd page holds only 2KB of file content
	for i := range f.data {
		f.data[i] = byte(1 + i%200)
	}

	id, err := mgr.Mmap(f, 0x08000000)
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	const lastPage = 0x08000000 + 2*pageSize
	_, exists := table.Get(lastPage)
	require.True(t, exists)

	ok, err := table.LoadPage(lastPage)
	require.NoError(t, err)
	require.True(t, ok)

	fr, _ := dir.FrameFor(lastPage)
	tailStart := len(f.data) - 2*pageSize
	for _, b := range fr.Bytes()[tailStart:] {
		assert.Zero(t, b)
	}
}

func TestMmapRejectsUnalignedAddress(t *testing.T) {
	mgr, _, _ := newManager(t, 4)
	f := newMemFile(pageSize)
	_, err := mgr.Mmap(f, 0x08000001)
	assert.Error(t, err)
}

func TestMmapRejectsOverlapAndRollsBack(t *testing.T) {
	mgr, table, _ := newManager(t, 4)
	f1 := newMemFile(2 * pageSize)
	_, err := mgr.Mmap(f1, 0x08000000)
	require.NoError(t, err)

	f2 := newMemFile(2 * pageSize)
	_, err = mgr.Mmap(f2, 0x08000000-pageSize)
	assert.Error(t, err)

	// The overlapping mapping's first page was registered before its
	// second page hit the overlap; it must have been rolled back.
	_, exists := table.Get(0x08000000 - pageSize)
	assert.False(t, exists)
}

func TestMunmapWritesBackDirtyPage(t *testing.T) {
	mgr, table, dir := newManager(t, 4)
	f := newMemFile(pageSize)
	id, err := mgr.Mmap(f, 0x08000000)
	require.NoError(t, err)

	ok, err := table.LoadPage(0x08000000)
	require.NoError(t, err)
	require.True(t, ok)

	fr, _ := dir.FrameFor(0x08000000)
	copy(fr.Bytes(), []byte("modified"))
	dir.SetDirty(0x08000000, true)

	require.NoError(t, mgr.Munmap(id))
	assert.Equal(t, "modified", string(f.data[:len("modified")]))
}

func TestIndependentMappingsUnmapInOrderLastWriterWins(t *testing.T) {
	mgr, table, dir := newManager(t, 4)
	f := newMemFile(pageSize)

	idA, err := mgr.Mmap(f, 0x08000000)
	require.NoError(t, err)
	idB, err := mgr.Mmap(f, 0x08010000)
	require.NoError(t, err)

	for _, addr := range []uintptr{0x08000000, 0x08010000} {
		ok, err := table.LoadPage(addr)
		require.NoError(t, err)
		require.True(t, ok)
	}

	frA, _ := dir.FrameFor(0x08000000)
	copy(frA.Bytes(), []byte("A-data"))
	dir.SetDirty(0x08000000, true)

	frB, _ := dir.FrameFor(0x08010000)
	copy(frB.Bytes(), []byte("B-data"))
	dir.SetDirty(0x08010000, true)

	require.NoError(t, mgr.Munmap(idB))
	assert.Equal(t, "B-data", string(f.data[:len("B-data")]))

	require.NoError(t, mgr.Munmap(idA))
	assert.Equal(t, "A-data", string(f.data[:len("A-data")]))
}
