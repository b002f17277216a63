package vm

// Dict is the string-keyed, insertion-ordered namespace used for globals,
// builtins, type dictionaries and combined-layout instances.
//
// Three tags describe its state to the caches:
//   - Version changes on every mutation.
//   - Shape changes only when the entry table is reallocated, so entry
//     offsets observed under one shape stay valid until the shape changes.
//   - Capacity is the size of the current entry table.
type Dict struct {
	entries  []dictEntry
	index    map[string]int
	used     int
	capacity int
	version  uint64
	shape    uint64
}

type dictEntry struct {
	key   string
	value Object
	live  bool
}

const minDictCapacity = 8

// NewDict returns an empty dictionary.
func NewDict() *Dict {
	return &Dict{
		index:    make(map[string]int),
		capacity: minDictCapacity,
		entries:  make([]dictEntry, 0, minDictCapacity),
		version:  nextVersion(),
		shape:    nextVersion(),
	}
}

// Version returns the mutation tag.
func (d *Dict) Version() uint64 { return d.version }

// Shape returns the entry-table tag.
func (d *Dict) Shape() uint64 { return d.shape }

// Capacity returns the size of the entry table.
func (d *Dict) Capacity() int { return d.capacity }

// Len returns the number of live entries.
func (d *Dict) Len() int { return d.used }

// Get returns the value stored under key.
func (d *Dict) Get(key string) (Object, bool) {
	i, ok := d.index[key]
	if !ok {
		return nil, false
	}
	return d.entries[i].value, true
}

// Offset returns the entry offset of key, or -1.
func (d *Dict) Offset(key string) int {
	if i, ok := d.index[key]; ok {
		return i
	}
	return -1
}

// EntryAt returns the entry stored at a given offset. live is false for
// deleted entries and offsets past the end of the table.
func (d *Dict) EntryAt(off int) (key string, value Object, live bool) {
	if off < 0 || off >= len(d.entries) {
		return "", nil, false
	}
	e := &d.entries[off]
	return e.key, e.value, e.live
}

// Set stores value under key.
func (d *Dict) Set(key string, value Object) {
	if i, ok := d.index[key]; ok {
		d.entries[i].value = value
		d.version = nextVersion()
		return
	}
	if len(d.entries) >= d.capacity {
		d.resize()
	}
	d.entries = append(d.entries, dictEntry{key: key, value: value, live: true})
	d.index[key] = len(d.entries) - 1
	d.used++
	d.version = nextVersion()
}

// Delete removes key and reports whether it was present.
func (d *Dict) Delete(key string) bool {
	i, ok := d.index[key]
	if !ok {
		return false
	}
	d.entries[i] = dictEntry{key: key}
	delete(d.index, key)
	d.used--
	d.version = nextVersion()
	return true
}

// resize compacts deleted entries away and grows the table.
func (d *Dict) resize() {
	newCap := minDictCapacity
	for newCap < (d.used+1)*3/2 {
		newCap *= 2
	}
	if newCap <= d.used {
		newCap = d.used * 2
	}
	entries := make([]dictEntry, 0, newCap)
	for _, e := range d.entries {
		if e.live {
			d.index[e.key] = len(entries)
			entries = append(entries, e)
		}
	}
	d.entries = entries
	d.capacity = newCap
	d.shape = nextVersion()
}

// Keys returns the live keys in insertion order.
func (d *Dict) Keys() []string {
	keys := make([]string, 0, d.used)
	for _, e := range d.entries {
		if e.live {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Range calls fn for every live entry in insertion order until fn returns
// false.
func (d *Dict) Range(fn func(key string, value Object) bool) {
	for _, e := range d.entries {
		if e.live && !fn(e.key, e.value) {
			return
		}
	}
}
