package libmodule

// orderedMap is an insertion-ordered map, grounded on data_structs/list.c's
// list_insert/list_find/list_remove (a singly-linked list doubling as a
// lookup table, scanned linearly by comparator). We keep list.c's
// insertion-order iteration semantics but back lookups with a real map,
// since Go has no macro-generated per-call comparator and a linear scan
// per lookup would make every module's source registry O(n).
//
// It is used for the per-context module registry (keyed by name) and the
// per-module, per-[SrcType] source registry (keyed by the source's sourceID).
type orderedMap[K comparable, V any] struct {
	index map[K]int
	keys  []K
	vals  []V
}

// newOrderedMap returns an empty orderedMap.
func newOrderedMap[K comparable, V any]() *orderedMap[K, V] {
	return &orderedMap[K, V]{index: make(map[K]int)}
}

// set inserts or replaces the value for key, preserving the original
// insertion position on replace (list_insert only appends new nodes; an
// existing key's slot is simply overwritten here, which is the Go
// equivalent of callers doing list_find then list_itr_set_data).
func (m *orderedMap[K, V]) set(key K, val V) {
	if i, ok := m.index[key]; ok {
		m.vals[i] = val
		return
	}
	m.index[key] = len(m.keys)
	m.keys = append(m.keys, key)
	m.vals = append(m.vals, val)
}

// get returns the value for key and whether it was present.
func (m *orderedMap[K, V]) get(key K) (V, bool) {
	i, ok := m.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return m.vals[i], true
}

// delete removes key, matching list_remove's dtor-then-unlink semantics:
// the caller is expected to release any resources owned by the value
// before calling delete. Reports whether key was present.
func (m *orderedMap[K, V]) delete(key K) bool {
	i, ok := m.index[key]
	if !ok {
		return false
	}
	delete(m.index, key)
	m.keys = append(m.keys[:i], m.keys[i+1:]...)
	m.vals = append(m.vals[:i], m.vals[i+1:]...)
	for j := i; j < len(m.keys); j++ {
		m.index[m.keys[j]] = j
	}
	return true
}

// len reports the number of entries.
func (m *orderedMap[K, V]) len() int {
	return len(m.keys)
}

// each calls fn for every entry in insertion order, stopping early if fn
// returns false, mirroring list_iterate's rc>0 "stop with 0" convention.
func (m *orderedMap[K, V]) each(fn func(K, V) bool) {
	for i, k := range m.keys {
		if !fn(k, m.vals[i]) {
			return
		}
	}
}

// values returns a snapshot slice of values in insertion order.
func (m *orderedMap[K, V]) values() []V {
	out := make([]V, len(m.vals))
	copy(out, m.vals)
	return out
}
