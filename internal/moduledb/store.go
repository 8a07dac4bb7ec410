package moduledb

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// BlockStore is the backing store for the block layer: a flat, page-aligned
// address space. Every block, once appended, is immutable — the lone
// exception is page 0, which holds the superblock and is the single
// location ever rewritten in place (mirroring how a real filesystem
// superblock is the root pointer, not a versioned object).
type BlockStore interface {
	// ReadBlock returns the size bytes starting at loc.
	ReadBlock(loc, size uint64) ([]byte, error)
	// AppendBlock writes data (already page-aligned) at the end of the
	// store and returns its location. Never returns 0: location 0 is
	// reserved for the superblock.
	AppendBlock(data []byte) (uint64, error)
	// WriteSuperblock overwrites the fixed superblock page at location 0.
	WriteSuperblock(data []byte) error
	// ReadSuperblock reads the fixed superblock page. ok is false if the
	// store has never had a superblock written (a brand-new store).
	ReadSuperblock() (data []byte, ok bool, err error)
	Close() error
}

// fileStore is a BlockStore backed by a regular file, using positioned
// pread/pwrite so callers never need to serialize around a shared file
// offset.
type fileStore struct {
	mu   sync.Mutex
	fd   int
	size uint64
}

// OpenFileStore opens (creating if necessary) a file-backed block store.
func OpenFileStore(path string) (BlockStore, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("moduledb: open %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("moduledb: stat %s: %w", path, err)
	}
	return &fileStore{fd: fd, size: uint64(st.Size)}, nil
}

func (s *fileStore) ReadBlock(loc, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := unix.Pread(s.fd, buf, int64(loc))
	if err != nil {
		return nil, fmt.Errorf("moduledb: pread at 0x%x: %w", loc, err)
	}
	if uint64(n) != size {
		return nil, fmt.Errorf("moduledb: short read at 0x%x: got %d want %d", loc, n, size)
	}
	return buf, nil
}

func (s *fileStore) AppendBlock(data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc := s.size
	if loc < PageSize {
		loc = PageSize
	}
	if err := s.writeAtLocked(data, int64(loc)); err != nil {
		return 0, err
	}
	s.size = loc + uint64(len(data))
	return loc, nil
}

func (s *fileStore) WriteSuperblock(data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("moduledb: superblock must be exactly %d bytes, got %d", PageSize, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size < PageSize {
		s.size = PageSize
	}
	return s.writeAtLocked(data, 0)
}

func (s *fileStore) ReadSuperblock() ([]byte, bool, error) {
	s.mu.Lock()
	sz := s.size
	s.mu.Unlock()
	if sz < PageSize {
		return nil, false, nil
	}
	buf, err := s.ReadBlock(0, PageSize)
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

func (s *fileStore) writeAtLocked(data []byte, off int64) error {
	n, err := unix.Pwrite(s.fd, data, off)
	if err != nil {
		return fmt.Errorf("moduledb: pwrite at 0x%x: %w", off, err)
	}
	if n != len(data) {
		return fmt.Errorf("moduledb: short write at 0x%x: wrote %d want %d", off, n, len(data))
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := unix.Fdatasync(s.fd); err != nil {
		_ = unix.Close(s.fd)
		return fmt.Errorf("moduledb: fdatasync: %w", err)
	}
	return unix.Close(s.fd)
}

var _ BlockStore = (*fileStore)(nil)

// memStore is an in-memory BlockStore, used by tests and by callers that
// don't need persistence across process restarts.
type memStore struct {
	mu          sync.Mutex
	data        []byte
	hasSuper    bool
}

// OpenMemStore returns a fresh in-memory block store.
func OpenMemStore() BlockStore {
	return &memStore{data: make([]byte, PageSize)}
}

func (s *memStore) ReadBlock(loc, size uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc+size > uint64(len(s.data)) {
		return nil, fmt.Errorf("moduledb: read out of range at 0x%x size %d", loc, size)
	}
	out := make([]byte, size)
	copy(out, s.data[loc:loc+size])
	return out, nil
}

func (s *memStore) AppendBlock(data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc := uint64(len(s.data))
	if loc < PageSize {
		loc = PageSize
		s.data = append(s.data, make([]byte, PageSize-uint64(len(s.data)))...)
	}
	s.data = append(s.data, data...)
	return loc, nil
}

func (s *memStore) WriteSuperblock(data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("moduledb: superblock must be exactly %d bytes, got %d", PageSize, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.data[0:PageSize], data)
	s.hasSuper = true
	return nil
}

func (s *memStore) ReadSuperblock() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSuper {
		return nil, false, nil
	}
	out := make([]byte, PageSize)
	copy(out, s.data[0:PageSize])
	return out, true, nil
}

func (s *memStore) Close() error { return nil }

var _ BlockStore = (*memStore)(nil)
