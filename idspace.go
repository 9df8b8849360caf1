package fanproxy

import (
	"math/bits"
	"math/rand"
)

const idSpaceSize = 1 << 16

// Allocator for 16-bit transaction IDs. IDs stay allocated until released, so an
// ID is never handed out twice while the first query using it is still pending.
// Not safe for concurrent use.
type idSpace struct {
	used  [idSpaceSize / 64]uint64
	next  uint16
	count int
}

// Returns an ID space that starts allocating at a random position.
func newIDSpace() *idSpace {
	return &idSpace{next: uint16(rand.Intn(idSpaceSize))}
}

// Allocates the next free ID, probing forward from the last allocation.
func (s *idSpace) alloc() (uint16, bool) {
	if s.count >= idSpaceSize {
		return 0, false
	}
	id := s.next
	for {
		word, bit := id/64, id%64
		free := ^s.used[word] >> bit
		if free != 0 {
			// Skip straight to the next free bit within this word
			id += uint16(bits.TrailingZeros64(free))
			break
		}
		// Rest of the word is taken, continue at the start of the next one. Wraps
		// around to 0 after the last word.
		id = (word + 1) * 64
	}
	s.used[id/64] |= 1 << (id % 64)
	s.count++
	s.next = id + 1
	return id, true
}

func (s *idSpace) release(id uint16) {
	mask := uint64(1) << (id % 64)
	if s.used[id/64]&mask == 0 {
		return
	}
	s.used[id/64] &^= mask
	s.count--
}

func (s *idSpace) inUse(id uint16) bool {
	return s.used[id/64]&(1<<(id%64)) != 0
}

func (s *idSpace) len() int {
	return s.count
}
