package session

import "github.com/postalsys/oxy/internal/mode"

// allocator issues references for exchanges opened by the local side.
// Alice uses odd values and Bob even values, so the two sides never race
// for the same reference. Zero is never issued.
type allocator struct {
	next uint64
}

func newAllocator(p mode.Perspective) *allocator {
	if p == mode.Alice {
		return &allocator{next: 1}
	}
	return &allocator{next: 2}
}

// Next returns the next reference for which inUse is false. It advances
// monotonically and wraps around the 64-bit space.
func (a *allocator) Next(inUse func(uint64) bool) (uint64, error) {
	// Each perspective owns half of the space, so 1<<63 steps visit every candidate.
	for i := uint64(0); i < 1<<63; i++ {
		ref := a.next
		a.next += 2
		if ref == 0 {
			continue
		}
		if !inUse(ref) {
			return ref, nil
		}
	}
	return 0, ErrReferencesExhausted
}

// ownsReference reports whether ref belongs to the allocator of p.
func ownsReference(p mode.Perspective, ref uint64) bool {
	odd := ref%2 == 1
	return odd == (p == mode.Alice)
}
