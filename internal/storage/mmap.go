package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile owns one memory-mapped file: descriptor, mapping, and
// length. All syscall plumbing for the page manager lives here so the
// manager itself only deals in byte slices.
type mmapFile struct {
	name string
	file *os.File
	data []byte
	size int64
}

// openMmap opens (creating if needed) the file and maps it shared
// read-write at the given length, growing the file first when it is
// new. Returns isNew=true when the file had zero size.
func openMmap(name string, length int64) (*mmapFile, bool, error) {
	file, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open %s: %w", name, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, false, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	isNew := info.Size() == 0

	if !isNew && info.Size() != length {
		length = info.Size()
	}

	if err := unix.Ftruncate(int(file.Fd()), length); err != nil {
		_ = file.Close()
		return nil, false, fmt.Errorf("failed to resize %s: %w", name, err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		if isNew {
			_ = os.Remove(name)
		}
		return nil, false, fmt.Errorf("failed to mmap %s: %w", name, err)
	}

	m := &mmapFile{name: name, file: file, data: data, size: length}
	return m, isNew, nil
}

// advise applies madvise to the whole mapping; failures are returned
// for the caller to log and suppress.
func (m *mmapFile) advise(advice int) error {
	if m.data == nil {
		return nil
	}
	return unix.Madvise(m.data, advice)
}

// sync msyncs the first n bytes of the mapping.
func (m *mmapFile) sync(n int64, wait bool) error {
	if m.data == nil {
		return nil
	}
	if n > m.size {
		n = m.size
	}
	flags := unix.MS_ASYNC
	if wait {
		flags = unix.MS_SYNC
	}
	return unix.Msync(m.data[:n], flags)
}

// resize truncates the file and remaps in place to the new length.
func (m *mmapFile) resize(length int64) error {
	if length == m.size {
		return nil
	}
	if err := unix.Ftruncate(int(m.file.Fd()), length); err != nil {
		return fmt.Errorf("failed to resize %s: %w", m.name, err)
	}
	data, err := unix.Mremap(m.data, int(length), unix.MREMAP_MAYMOVE)
	if err != nil {
		return fmt.Errorf("failed to mremap %s: %w", m.name, err)
	}
	m.data = data
	m.size = length
	return nil
}

// close unmaps and closes the descriptor.
func (m *mmapFile) close() error {
	var first error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil && first == nil {
			first = err
		}
		m.data = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil && first == nil {
			first = err
		}
		m.file = nil
	}
	return first
}
