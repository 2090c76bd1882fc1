package pvdata

// PVField is the mutable, per-value counterpart to an immutable Field
// tree (spec.md §9): it carries the actual data plus a BitSet of dirty
// leaves so a serializer can send/merge only what changed.
type PVField struct {
	Field   *Field
	Changed *BitSet
	Overrun *BitSet // fields that changed more than once since the last send (spec.md §4.9)
	scalars map[int]any   // leaf index -> scalar value
	arrays  map[int][]any // leaf index -> array elements
}

// NewPVField allocates a value container for the given shape with an
// empty (all-clear) changed set sized to the Field tree's leaf count.
func NewPVField(f *Field) *PVField {
	return &PVField{
		Field:   f,
		Changed: NewBitSet(f.NumFields()),
		Overrun: NewBitSet(f.NumFields()),
		scalars: make(map[int]any),
		arrays:  make(map[int][]any),
	}
}

// Set stores a scalar leaf value by subfield path and marks it (and
// the top-level struct, index 0) dirty.
func (p *PVField) Set(path string, v any) {
	leaf := p.Field.Lookup(path)
	if leaf == nil {
		return
	}
	p.scalars[leaf.index] = v
	p.Changed.Set(leaf.index)
	p.Changed.Set(0)
}

func (p *PVField) Get(path string) (any, bool) {
	leaf := p.Field.Lookup(path)
	if leaf == nil {
		return nil, false
	}
	v, ok := p.scalars[leaf.index]
	return v, ok
}

// GetByIndex/SetByIndex/GetArrayByIndex/SetArrayByIndex address a leaf
// directly by its Field.Index(), bypassing path lookup -- the interface
// the wire codec uses since it already walks the Field tree node by
// node (serialize.EncodeValue/DecodeValue).
func (p *PVField) GetByIndex(idx int) (any, bool) {
	v, ok := p.scalars[idx]
	return v, ok
}

func (p *PVField) SetByIndex(idx int, v any) {
	p.scalars[idx] = v
	p.Changed.Set(idx)
}

func (p *PVField) GetArrayByIndex(idx int) ([]any, bool) {
	v, ok := p.arrays[idx]
	return v, ok
}

func (p *PVField) SetArrayByIndex(idx int, v []any) {
	p.arrays[idx] = v
	p.Changed.Set(idx)
}

func (p *PVField) SetArray(path string, v []any) {
	leaf := p.Field.Lookup(path)
	if leaf == nil {
		return
	}
	p.arrays[leaf.index] = v
	p.Changed.Set(leaf.index)
	p.Changed.Set(0)
}

func (p *PVField) GetArray(path string) ([]any, bool) {
	leaf := p.Field.Lookup(path)
	if leaf == nil {
		return nil, false
	}
	v, ok := p.arrays[leaf.index]
	return v, ok
}

// Merge folds src into p, used to coalesce a Monitor overrun (spec.md
// §4.9: "subsequent arrivals merge into that element's bit sets").
// Changed is a union (whatever changed in either update is dirty on
// the merged element), but Overrun is the intersection of the two
// changed sets: a field only belongs on the overrunBitSet once it has
// changed more than once across the coalesced arrivals, which a plain
// union can't distinguish from an ordinary multi-field change. Any
// overrun already recorded on either side (from an earlier merge in
// the same coalescing run) carries forward unconditionally.
func (p *PVField) Merge(src *PVField) {
	overlap := p.Changed.And(src.Changed)
	for idx, v := range src.scalars {
		p.scalars[idx] = v
	}
	for idx, v := range src.arrays {
		p.arrays[idx] = v
	}
	p.Changed.Or(src.Changed)
	if p.Overrun == nil {
		p.Overrun = NewBitSet(0)
	}
	p.Overrun.Or(overlap)
	if src.Overrun != nil {
		p.Overrun.Or(src.Overrun)
	}
}

// Clone deep-copies the value map, changed set, and overrun set,
// independent of src.
func (p *PVField) Clone() *PVField {
	c := &PVField{
		Field:   p.Field,
		Changed: p.Changed.Clone(),
		scalars: make(map[int]any, len(p.scalars)),
		arrays:  make(map[int][]any, len(p.arrays)),
	}
	if p.Overrun != nil {
		c.Overrun = p.Overrun.Clone()
	} else {
		c.Overrun = NewBitSet(0)
	}
	for k, v := range p.scalars {
		c.scalars[k] = v
	}
	for k, v := range p.arrays {
		c.arrays[k] = v
	}
	return c
}

// Reset clears all values, the changed set, and the overrun set, e.g.
// before reuse from a monitor's free queue.
func (p *PVField) Reset() {
	p.Changed.ClearAll()
	if p.Overrun != nil {
		p.Overrun.ClearAll()
	} else {
		p.Overrun = NewBitSet(0)
	}
	for k := range p.scalars {
		delete(p.scalars, k)
	}
	for k := range p.arrays {
		delete(p.arrays, k)
	}
}
