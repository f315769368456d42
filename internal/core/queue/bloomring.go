package queue

import (
	"hash/fnv"
	"sync"

	"github.com/riobard/go-bloom"
)

// doubleFNV is the hash pair the bloom filters index with.
func doubleFNV(b []byte) (uint64, uint64) {
	hx := fnv.New64()
	hx.Write(b)
	x := hx.Sum64()
	hy := fnv.New64a()
	hy.Write(b)
	y := hy.Sum64()
	return x, y
}

// BloomRing remembers recently delivered packet keys. It is a ring of bloom
// filters: when the current slot is full the oldest slot is cleared and
// reused, so memory stays bounded and old entries age out.
type BloomRing struct {
	slotCapacity int
	slotPosition int
	slotCount    int
	entryCounter int
	slots        []bloom.Filter
	mutex        sync.RWMutex
}

// NewBloomRing creates a ring of slot filters holding about capacity entries
// in total at the given false positive rate.
func NewBloomRing(slot, capacity int, falsePositiveRate float64) *BloomRing {
	if slot <= 0 {
		slot = 1
	}
	r := &BloomRing{
		slotCapacity: capacity / slot,
		slotCount:    slot,
		slots:        make([]bloom.Filter, slot),
	}
	if r.slotCapacity <= 0 {
		r.slotCapacity = 1
	}
	for i := 0; i < slot; i++ {
		r.slots[i] = bloom.New(r.slotCapacity, falsePositiveRate, doubleFNV)
	}
	return r
}

// Add records b.
func (r *BloomRing) Add(b []byte) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	slot := r.slots[r.slotPosition]
	if r.entryCounter >= r.slotCapacity {
		r.slotPosition = (r.slotPosition + 1) % r.slotCount
		slot = r.slots[r.slotPosition]
		slot.Reset()
		r.entryCounter = 0
	}
	r.entryCounter++
	slot.Add(b)
}

// Test reports whether b was probably added.
func (r *BloomRing) Test(b []byte) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for _, s := range r.slots {
		if s.Test(b) {
			return true
		}
	}
	return false
}
