// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package store owns the memory region backing the ramdisk. The region is an
// anonymous private mapping obtained once at construction and released once
// at teardown. It is never resized.
package store

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// BlockSize is the size of one sector. It is the unit of all sector
	// addressing in the device and it is not configurable.
	BlockSize = 512
)

var (
	ErrAllocation = errors.New("backing memory allocation failed")
	ErrBounds     = errors.New("access out of device bounds")
	ErrReleased   = errors.New("backing memory already released")
)

// Store is the backing medium of the device. It has no lock over the data
// itself. Concurrent accesses to disjoint byte ranges are safe, overlapping
// accesses race exactly like they do on a real disk. The RWMutex only guards
// the mapping against being unmapped while an access is running.
type Store struct {
	mu     sync.RWMutex
	buf    []byte
	blocks int64
}

// New maps blocks*BlockSize bytes of anonymous memory. The memory is
// zero-filled by the kernel.
func New(blocks int64) (*Store, error) {
	if blocks < 1 || blocks > math.MaxInt64/BlockSize {
		return nil, errors.Wrapf(ErrAllocation, "invalid block count %d", blocks)
	}

	size := blocks * BlockSize
	if int64(int(size)) != size {
		return nil, errors.Wrapf(ErrAllocation, "%d bytes do not fit address space", size)
	}

	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrapf(ErrAllocation, "mmap %d bytes: %v", size, err)
	}

	return &Store{buf: buf, blocks: blocks}, nil
}

// Blocks returns number of sectors of the store.
func (s *Store) Blocks() int64 {
	return s.blocks
}

// Size returns size of the store in bytes.
func (s *Store) Size() int64 {
	return s.blocks * BlockSize
}

// Sectors returns how many sectors are touched by length bytes, i.e.
// ceil(length/BlockSize).
func Sectors(length int64) int64 {
	return (length + BlockSize - 1) / BlockSize
}

// InBounds reports whether length bytes starting at sector fit into the
// store. Only whole sectors are addressable, so a partial trailing sector
// counts as a whole one.
func (s *Store) InBounds(sector, length int64) bool {
	if sector < 0 || length < 0 {
		return false
	}

	if length > math.MaxInt64-BlockSize {
		return false
	}

	return sector <= s.blocks && Sectors(length) <= s.blocks-sector
}

// Read returns a copy of length bytes starting at sector.
func (s *Store) Read(sector, length int64) ([]byte, error) {
	if !s.InBounds(sector, length) {
		return nil, errors.Wrapf(ErrBounds, "read sector %d length %d", sector, length)
	}

	p := make([]byte, length)
	if _, err := s.ReadAt(p, sector*BlockSize); err != nil {
		return nil, err
	}

	return p, nil
}

// Write stores p at sector. The buffer is mutated in place.
func (s *Store) Write(sector int64, p []byte) error {
	if !s.InBounds(sector, int64(len(p))) {
		return errors.Wrapf(ErrBounds, "write sector %d length %d", sector, len(p))
	}

	_, err := s.WriteAt(p, sector*BlockSize)

	return err
}

// ReadAt copies len(p) bytes from byte offset off into p. Nothing is copied
// unless the whole range is inside the store.
func (s *Store) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.buf == nil {
		return 0, ErrReleased
	}

	if !s.rangeOK(off, int64(len(p))) {
		return 0, errors.Wrapf(ErrBounds, "read offset %d length %d", off, len(p))
	}

	return copy(p, s.buf[off:]), nil
}

// WriteAt copies p to byte offset off. Nothing is copied unless the whole
// range is inside the store.
func (s *Store) WriteAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.buf == nil {
		return 0, ErrReleased
	}

	if !s.rangeOK(off, int64(len(p))) {
		return 0, errors.Wrapf(ErrBounds, "write offset %d length %d", off, len(p))
	}

	return copy(s.buf[off:], p), nil
}

func (s *Store) rangeOK(off, length int64) bool {
	size := int64(len(s.buf))
	return off >= 0 && length >= 0 && off <= size && length <= size-off
}

// Released reports whether Release was already called.
func (s *Store) Released() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.buf == nil
}

// Release unmaps the backing memory. It waits for running accesses to
// finish. All later accesses fail with ErrReleased.
func (s *Store) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf == nil {
		return ErrReleased
	}

	err := unix.Munmap(s.buf)
	s.buf = nil

	return errors.Wrap(err, "munmap")
}
