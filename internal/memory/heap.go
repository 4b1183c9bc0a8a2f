package memory

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/tensorbridge/internal/errs"
)

// Alignment of every allocation. Address 0 is never handed out so it can act as null.
const Alignment = 16

// Heap is a fixed-capacity, byte-addressable region shared between the
// tensor adapter and the engine. Addresses are offsets into it.
//
// The allocator is safe for concurrent use. The contents are not: callers
// serialize writes to a tensor with the engine's use of it.
type Heap struct {
	data []byte

	mu    sync.Mutex
	free  []span      // sorted by offset, coalesced
	inUse map[int]int // offset -> size
	used  int
}

type span struct {
	offset int
	size   int
}

// NewHeap creates a heap of size bytes.
func NewHeap(size int) *Heap {
	if size < 2*Alignment {
		size = 2 * Alignment
	}
	size = alignUp(size)
	return &Heap{
		data:  make([]byte, size),
		free:  []span{{offset: Alignment, size: size - Alignment}},
		inUse: make(map[int]int),
	}
}

func alignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Size returns the capacity of the heap in bytes.
func (h *Heap) Size() int {
	return len(h.data)
}

// Used returns the number of bytes currently allocated.
func (h *Heap) Used() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// Malloc reserves n bytes (first fit) and returns their address.
func (h *Heap) Malloc(n int) (int, error) {
	if n < 0 {
		return 0, errors.Wrapf(errs.ErrInvalidArgument, "malloc of %d bytes", n)
	}
	size := alignUp(n)
	if size == 0 {
		size = Alignment
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, s := range h.free {
		if s.size < size {
			continue
		}
		addr := s.offset
		if s.size == size {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{offset: s.offset + size, size: s.size - size}
		}
		h.inUse[addr] = size
		h.used += size
		clear(h.data[addr : addr+size])
		return addr, nil
	}
	return 0, errors.Wrapf(errs.ErrOutOfMemory, "malloc of %d bytes (%d of %d in use)", n, h.used, len(h.data))
}

// Free releases an allocation. Freeing 0 is a no-op.
func (h *Heap) Free(addr int) error {
	if addr == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	size, ok := h.inUse[addr]
	if !ok {
		return errors.Wrapf(errs.ErrInvalidArgument, "free of unallocated address %d", addr)
	}
	delete(h.inUse, addr)
	h.used -= size

	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].offset > addr })
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = span{offset: addr, size: size}

	// merge with the following span, then with the preceding one
	if i+1 < len(h.free) && h.free[i].offset+h.free[i].size == h.free[i+1].offset {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].offset+h.free[i-1].size == h.free[i].offset {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
	return nil
}

func (h *Heap) check(addr, n int) error {
	if addr < 0 || n < 0 || addr > len(h.data) || n > len(h.data)-addr {
		return errors.Wrapf(errs.ErrOutOfRange, "heap access [%d, %d) outside [0, %d)", addr, addr+n, len(h.data))
	}
	return nil
}

// Bytes returns an 8-bit view of n bytes at addr. The view aliases the heap.
func (h *Heap) Bytes(addr, n int) ([]byte, error) {
	if err := h.check(addr, n); err != nil {
		return nil, err
	}
	return h.data[addr : addr+n : addr+n], nil
}

// Write copies b into the heap at addr.
func (h *Heap) Write(addr int, b []byte) error {
	if err := h.check(addr, len(b)); err != nil {
		return err
	}
	copy(h.data[addr:], b)
	return nil
}

// Float32s reads n little-endian 32-bit floats starting at addr.
func (h *Heap) Float32s(addr, n int) ([]float32, error) {
	if n < 0 {
		return nil, errors.Wrapf(errs.ErrOutOfRange, "read of %d floats", n)
	}
	b, err := h.Bytes(addr, 4*n)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// Float32At reads the single float at addr.
func (h *Heap) Float32At(addr int) (float32, error) {
	v, err := h.Float32s(addr, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// PutFloat32s writes values as little-endian 32-bit floats starting at addr.
func (h *Heap) PutFloat32s(addr int, values []float32) error {
	b, err := h.Bytes(addr, 4*len(values))
	if err != nil {
		return err
	}
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return nil
}
