package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/tensorbridge/internal/errs"
)

func TestMallocAlignedAndDisjoint(t *testing.T) {
	h := NewHeap(1024)

	a, err := h.Malloc(3)
	require.NoError(t, err)
	b, err := h.Malloc(40)
	require.NoError(t, err)

	assert.NotZero(t, a)
	assert.Zero(t, a%Alignment)
	assert.Zero(t, b%Alignment)
	assert.GreaterOrEqual(t, b, a+Alignment)
	assert.Equal(t, Alignment+48, h.Used())
}

func TestMallocExhaustion(t *testing.T) {
	h := NewHeap(64)

	_, err := h.Malloc(64)
	assert.True(t, errors.Is(err, errs.ErrOutOfMemory))

	addr, err := h.Malloc(48)
	require.NoError(t, err)
	_, err = h.Malloc(1)
	assert.True(t, errors.Is(err, errs.ErrOutOfMemory))

	require.NoError(t, h.Free(addr))
	_, err = h.Malloc(48)
	assert.NoError(t, err)
}

func TestFreeCoalesces(t *testing.T) {
	h := NewHeap(16 + 3*32)

	a, err := h.Malloc(32)
	require.NoError(t, err)
	b, err := h.Malloc(32)
	require.NoError(t, err)
	c, err := h.Malloc(32)
	require.NoError(t, err)

	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(c))
	require.NoError(t, h.Free(b))
	assert.Zero(t, h.Used())

	whole, err := h.Malloc(96)
	require.NoError(t, err)
	assert.Equal(t, a, whole)
}

func TestFreeUnknownAddress(t *testing.T) {
	h := NewHeap(128)
	assert.NoError(t, h.Free(0))
	assert.True(t, errors.Is(h.Free(32), errs.ErrInvalidArgument))
}

func TestMallocZeroesMemory(t *testing.T) {
	h := NewHeap(128)
	addr, err := h.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, h.Write(addr, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, h.Free(addr))

	again, err := h.Malloc(8)
	require.NoError(t, err)
	b, err := h.Bytes(again, 8)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), b)
}

func TestBoundsChecks(t *testing.T) {
	h := NewHeap(64)

	_, err := h.Bytes(60, 8)
	assert.True(t, errors.Is(err, errs.ErrOutOfRange))
	assert.True(t, errors.Is(h.Write(-1, []byte{1}), errs.ErrOutOfRange))
	_, err = h.Float32s(56, 3)
	assert.True(t, errors.Is(err, errs.ErrOutOfRange))
}

func TestFloat32RoundTrip(t *testing.T) {
	h := NewHeap(128)
	addr, err := h.Malloc(16)
	require.NoError(t, err)

	require.NoError(t, h.PutFloat32s(addr, []float32{0.5, -1.25, 3, 1e-3}))
	values, err := h.Float32s(addr, 4)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1.25, 3, 1e-3}, values)

	first, err := h.Float32At(addr + 4)
	require.NoError(t, err)
	assert.Equal(t, float32(-1.25), first)

	raw, err := h.Bytes(addr, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x3f}, raw)
}
