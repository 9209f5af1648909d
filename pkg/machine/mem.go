package machine

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/koan-os/koan/pkg/errno"
)

// MemoryReader reads target memory.
type MemoryReader interface {
	// ReadMemory fills buf with target memory starting at addr.
	ReadMemory(buf []byte, addr uint32) (n int, err error)
}

// MemoryReadWriter is target memory open for mutation.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint32, data []byte) (written int, err error)
}

// ReadWord reads one little-endian word from target memory.
func ReadWord(mem MemoryReader, addr uint32) (uint32, error) {
	var buf [4]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// RAM is a sparse target memory image assembled from disjoint segments.
// Access outside every segment faults.
type RAM struct {
	segs []segment
}

type segment struct {
	base uint32
	data []byte
}

func NewRAM() *RAM {
	return &RAM{}
}

// Map installs data as the segment at base. Segments may not overlap.
func (r *RAM) Map(base uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	end := uint64(base) + uint64(len(data))
	if end > 1<<32 {
		return fmt.Errorf("segment at %#x overruns the address space", base)
	}
	for _, s := range r.segs {
		if uint64(base) < uint64(s.base)+uint64(len(s.data)) && uint64(s.base) < end {
			return fmt.Errorf("segment at %#x overlaps segment at %#x", base, s.base)
		}
	}
	r.segs = append(r.segs, segment{base: base, data: data})
	sort.Slice(r.segs, func(i, j int) bool { return r.segs[i].base < r.segs[j].base })
	return nil
}

// MapZero installs a zero-filled segment of the given size at base.
func (r *RAM) MapZero(base uint32, size int) error {
	return r.Map(base, make([]byte, size))
}

func (r *RAM) find(addr uint32) *segment {
	i := sort.Search(len(r.segs), func(i int) bool {
		return uint64(r.segs[i].base)+uint64(len(r.segs[i].data)) > uint64(addr)
	})
	if i < len(r.segs) && r.segs[i].base <= addr {
		return &r.segs[i]
	}
	return nil
}

func (r *RAM) ReadMemory(buf []byte, addr uint32) (int, error) {
	n := 0
	for n < len(buf) {
		s := r.find(addr + uint32(n))
		if s == nil {
			return n, fmt.Errorf("read %d bytes at %#x: %w", len(buf), addr, errno.Fault)
		}
		n += copy(buf[n:], s.data[addr+uint32(n)-s.base:])
	}
	return n, nil
}

func (r *RAM) WriteMemory(addr uint32, data []byte) (int, error) {
	n := 0
	for n < len(data) {
		s := r.find(addr + uint32(n))
		if s == nil {
			return n, fmt.Errorf("write %d bytes at %#x: %w", len(data), addr, errno.Fault)
		}
		n += copy(s.data[addr+uint32(n)-s.base:], data[n:])
	}
	return n, nil
}
