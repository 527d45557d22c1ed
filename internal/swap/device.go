package swap

import "os"

// FileDevice is a Device backed by a single pre-sized file on disk,
// standing in for the reference kernel's swap block device.
type FileDevice struct {
	f *os.File
}

// OpenFileDevice opens (creating if needed) a swap file at path sized
// to hold nslots pages of pageSize bytes.
func OpenFileDevice(path string, nslots uint, pageSize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(nslots) * int64(pageSize)); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *FileDevice) Close() error                             { return d.f.Close() }
