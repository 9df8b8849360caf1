package fanproxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDSpaceUnique(t *testing.T) {
	s := newIDSpace()
	seen := make(map[uint16]bool)
	for i := 0; i < 1000; i++ {
		id, ok := s.alloc()
		require.True(t, ok)
		require.False(t, seen[id], "id %d handed out twice", id)
		seen[id] = true
	}
	require.Equal(t, 1000, s.len())
}

func TestIDSpaceSkipsUsed(t *testing.T) {
	s := &idSpace{next: 100}
	// Occupy a range the allocator would walk through
	for id := uint16(100); id < 300; id++ {
		s.used[id/64] |= 1 << (id % 64)
		s.count++
	}
	id, ok := s.alloc()
	require.True(t, ok)
	require.Equal(t, uint16(300), id)
}

func TestIDSpaceWrapAround(t *testing.T) {
	s := &idSpace{next: 65535}
	id, ok := s.alloc()
	require.True(t, ok)
	require.Equal(t, uint16(65535), id)
	id, ok = s.alloc()
	require.True(t, ok)
	require.Equal(t, uint16(0), id)
}

func TestIDSpaceExhausted(t *testing.T) {
	s := newIDSpace()
	for i := 0; i < idSpaceSize; i++ {
		_, ok := s.alloc()
		require.True(t, ok)
	}
	_, ok := s.alloc()
	require.False(t, ok)

	// Releasing one ID makes exactly that one available again
	s.release(1234)
	require.False(t, s.inUse(1234))
	id, ok := s.alloc()
	require.True(t, ok)
	require.Equal(t, uint16(1234), id)

	// Releasing twice doesn't corrupt the count
	s.release(7)
	s.release(7)
	require.Equal(t, idSpaceSize-1, s.len())
}
