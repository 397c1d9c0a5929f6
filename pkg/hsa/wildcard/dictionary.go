package wildcard

import (
	"fmt"
	"sort"

	"github.com/google/btree"
)

// DefaultThreshold bounds the number of index keys a lookup expands before it
// falls back to scanning every entry.
const DefaultThreshold = 64

type entry[V any] struct {
	order int
	wc    Wildcard
	val   V
}

func lessEntry[V any](a, b entry[V]) bool {
	return a.order < b.order
}

// Dictionary indexes wildcards by a fixed set of bit positions. Entries whose
// pattern is fully specified on the index bits are stored under the key those
// bits spell; entries with an x on any index bit live in a shared overflow
// tree.
//
// Every lookup returns a superset of the entries that intersect the query:
// an intersecting entry either has all index bits fixed, in which case they
// agree with every fixed index bit of the query and its key is among the
// expanded keys, or it sits in the overflow tree, which is always returned.
// When the query has too many x bits on the index the lookup returns every
// entry.
type Dictionary[V any] struct {
	width     int
	index     []int
	threshold int

	buckets  map[uint64]*btree.BTreeG[entry[V]]
	overflow *btree.BTreeG[entry[V]]
	all      *btree.BTreeG[entry[V]]
}

// NewDictionary creates a dictionary for wildcards of the given width keyed
// by the listed bit positions. At most 63 index bits are supported.
func NewDictionary[V any](width int, index []int, threshold int) *Dictionary[V] {
	if len(index) > 63 {
		panic(fmt.Sprintf("wildcard: %d index bits exceed 63", len(index)))
	}
	for _, b := range index {
		if b < 0 || b >= width {
			panic(fmt.Sprintf("wildcard: index bit %d out of range [0,%d)", b, width))
		}
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Dictionary[V]{
		width:     width,
		index:     append([]int(nil), index...),
		threshold: threshold,
		buckets:   make(map[uint64]*btree.BTreeG[entry[V]]),
		overflow:  btree.NewG[entry[V]](8, lessEntry[V]),
		all:       btree.NewG[entry[V]](8, lessEntry[V]),
	}
}

// Len returns the number of entries.
func (d *Dictionary[V]) Len() int {
	return d.all.Len()
}

// Add stores v under wc. order determines the position of v in lookup
// results and must be unique per entry.
func (d *Dictionary[V]) Add(wc Wildcard, order int, v V) {
	if wc.Width() != d.width {
		panic(fmt.Sprintf("wildcard: width mismatch %d != %d", wc.Width(), d.width))
	}
	e := entry[V]{order: order, wc: wc.Clone(), val: v}
	d.all.ReplaceOrInsert(e)
	if wc.IsEmpty() {
		return
	}

	var key uint64
	for _, b := range d.index {
		key <<= 1
		switch wc.Get(b) {
		case One:
			key |= 1
		case X:
			d.overflow.ReplaceOrInsert(e)
			return
		}
	}
	tree, ok := d.buckets[key]
	if !ok {
		tree = btree.NewG[entry[V]](8, lessEntry[V])
		d.buckets[key] = tree
	}
	tree.ReplaceOrInsert(e)
}

// Lookup returns, ordered by insertion order value, a superset of the values
// whose wildcard intersects q.
func (d *Dictionary[V]) Lookup(q Wildcard) []V {
	if q.IsEmpty() {
		return nil
	}

	free := 0
	for _, b := range d.index {
		if q.Get(b) == X {
			free++
		}
	}
	if free >= 63 || 1<<uint(free) > d.threshold {
		return collect(d.all)
	}

	var found []entry[V]
	visit := func(e entry[V]) bool {
		found = append(found, e)
		return true
	}
	d.overflow.Ascend(visit)
	for _, key := range d.expand(q) {
		if tree, ok := d.buckets[key]; ok {
			tree.Ascend(visit)
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].order < found[j].order })
	out := make([]V, 0, len(found))
	for _, e := range found {
		out = append(out, e.val)
	}
	return out
}

// expand enumerates the index keys compatible with q.
func (d *Dictionary[V]) expand(q Wildcard) []uint64 {
	keys := []uint64{0}
	for _, b := range d.index {
		next := keys[:0:0]
		for _, k := range keys {
			switch q.Get(b) {
			case Zero:
				next = append(next, k<<1)
			case One:
				next = append(next, k<<1|1)
			default:
				next = append(next, k<<1, k<<1|1)
			}
		}
		keys = next
	}
	return keys
}

func collect[V any](t *btree.BTreeG[entry[V]]) []V {
	out := make([]V, 0, t.Len())
	t.Ascend(func(e entry[V]) bool {
		out = append(out, e.val)
		return true
	})
	return out
}
