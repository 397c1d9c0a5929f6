package virt

import (
	"fmt"
	"sync"
)

// MaxTags is the number of usable tags in the 12-bit tag field. Tag 0 means
// untagged and 4095 is reserved.
const MaxTags = 4094

// Slot is the virtual state a tag stands for. Transit slots carry a packet
// between virtual ports across physical hops. Arrival slots mark a packet
// that has just crossed an internal virtual link and must enter VSwitch at
// VInPort.
type Slot struct {
	VSwitch  uint64
	VInPort  uint16
	VOutPort uint16
	Arrival  bool
}

func (s Slot) String() string {
	if s.Arrival {
		return fmt.Sprintf("arrive(%d[%d])", s.VSwitch, s.VInPort)
	}
	return fmt.Sprintf("%d[%d->%d]", s.VSwitch, s.VInPort, s.VOutPort)
}

// TagAllocator hands out tags in allocation order. A slot keeps its tag for
// the lifetime of the allocator.
type TagAllocator struct {
	limit int

	mu    sync.Mutex
	tags  map[Slot]uint16
	slots []Slot
}

// NewTagAllocator returns an allocator handing out at most limit tags.
// limit is clamped to MaxTags.
func NewTagAllocator(limit int) *TagAllocator {
	if limit <= 0 || limit > MaxTags {
		limit = MaxTags
	}
	return &TagAllocator{
		limit: limit,
		tags:  make(map[Slot]uint16),
	}
}

// Tag returns the tag of s, allocating the next free one on first use.
func (a *TagAllocator) Tag(s Slot) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tags[s]; ok {
		return t, nil
	}
	if len(a.slots) >= a.limit {
		return 0, fmt.Errorf("%w: %d tags in use, cannot tag %s", ErrTagSpaceExhausted, len(a.slots), s)
	}
	a.slots = append(a.slots, s)
	t := uint16(len(a.slots))
	a.tags[s] = t
	return t, nil
}

// Slot returns the slot tag t was allocated to.
func (a *TagAllocator) Slot(t uint16) (Slot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t == 0 || int(t) > len(a.slots) {
		return Slot{}, false
	}
	return a.slots[t-1], true
}

// Len returns the number of allocated tags.
func (a *TagAllocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

// Slots returns the allocated slots; the slot of tag t is at index t-1.
func (a *TagAllocator) Slots() []Slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Slot(nil), a.slots...)
}
