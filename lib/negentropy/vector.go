package negentropy

import (
	"fmt"
	"sort"
)

// Storage is a sealed, sorted view of the local event set a session
// reconciles over.
type Storage interface {
	Size() int
	GetItem(i int) (Item, error)
	Iterate(begin, end int, cb func(item Item, i int) bool) error
	FindLowerBound(begin, end int, bound Bound) int
	Fingerprint(begin, end int) (Fingerprint, error)
}

// Vector is the in-memory Storage: insert everything, seal once, then
// query. Sessions are short-lived, so a flat sorted slice beats any
// fancier structure.
type Vector struct {
	items  []Item
	sealed bool
}

func NewVector() *Vector {
	return &Vector{}
}

// Insert adds one item. Only valid before Seal.
func (v *Vector) Insert(timestamp uint64, id []byte) error {
	if v.sealed {
		return fmt.Errorf("negentropy: already sealed")
	}
	item, err := NewItem(timestamp, id)
	if err != nil {
		return err
	}
	v.items = append(v.items, item)
	return nil
}

// Seal sorts the items and freezes the vector. Duplicate items are an
// error: the set semantics require distinct ids.
func (v *Vector) Seal() error {
	if v.sealed {
		return fmt.Errorf("negentropy: already sealed")
	}
	v.sealed = true

	sort.Slice(v.items, func(i, j int) bool {
		return v.items[i].Less(v.items[j])
	})

	for i := 1; i < len(v.items); i++ {
		if v.items[i-1].Equal(v.items[i]) {
			return fmt.Errorf("negentropy: duplicate item")
		}
	}
	return nil
}

func (v *Vector) Size() int {
	return len(v.items)
}

func (v *Vector) GetItem(i int) (Item, error) {
	if i >= len(v.items) {
		return Item{}, fmt.Errorf("negentropy: index out of range")
	}
	return v.items[i], nil
}

func (v *Vector) Iterate(begin, end int, cb func(item Item, i int) bool) error {
	if err := v.checkBounds(begin, end); err != nil {
		return err
	}
	for i := begin; i < end; i++ {
		if !cb(v.items[i], i) {
			break
		}
	}
	return nil
}

// FindLowerBound returns the first index in [begin, end) whose item
// sorts at or after bound.
func (v *Vector) FindLowerBound(begin, end int, bound Bound) int {
	return begin + sort.Search(end-begin, func(i int) bool {
		return !v.items[begin+i].Less(bound.Item)
	})
}

func (v *Vector) Fingerprint(begin, end int) (Fingerprint, error) {
	if err := v.checkBounds(begin, end); err != nil {
		return Fingerprint{}, err
	}

	var acc accumulator
	acc.reset()
	for i := begin; i < end; i++ {
		acc.addItem(v.items[i])
	}
	return acc.fingerprint(end - begin), nil
}

func (v *Vector) checkBounds(begin, end int) error {
	if !v.sealed {
		return fmt.Errorf("negentropy: not sealed")
	}
	if begin > end || end > len(v.items) {
		return fmt.Errorf("negentropy: bad range")
	}
	return nil
}
