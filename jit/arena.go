package jit

import (
	"fmt"
	"unsafe"

	"github.com/google/btree"
	"github.com/sasha-s/go-deadlock"

	"github.com/chazu/tiervm/vm"
)

// ChunkSize is the size of the chunks the arena carves out of its budget.
const ChunkSize = 256 << 10

type chunk struct {
	mem  []byte
	base uint64 // address of mem[0]
	size int64
	used int64
}

func (c *chunk) contains(addr uint64, n int) bool {
	return addr >= c.base && addr+uint64(n) <= c.base+uint64(c.size)
}

// Arena is the process-wide code memory. It only grows: code is never
// freed, so an address stays valid for the life of the process.
type Arena struct {
	mu deadlock.Mutex

	budget int64
	total  int64 // bytes taken by chunks
	code   int64 // bytes handed out
	chunks []*chunk

	index *btree.BTreeG[*Code]
}

// NewArena returns an arena that may reserve up to budget bytes.
func NewArena(budget int64) *Arena {
	return &Arena{
		budget: budget,
		index: btree.NewG[*Code](8, func(a, b *Code) bool {
			return a.Address < b.Address
		}),
	}
}

// Alloc reserves size bytes and returns their address. It fails with
// vm.ErrCodeMemoryExhausted once the budget cannot cover the request.
func (a *Arena) Alloc(size int) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	need := int64(size)
	if n := len(a.chunks); n > 0 {
		c := a.chunks[n-1]
		if c.size-c.used >= need {
			addr := c.base + uint64(c.used)
			c.used += need
			a.code += need
			return addr, nil
		}
	}

	size64 := max(int64(ChunkSize), need)
	if rem := a.budget - a.total; size64 > rem {
		if need > rem {
			return 0, fmt.Errorf("%d bytes requested, %d of %d left: %w", need, rem, a.budget, vm.ErrCodeMemoryExhausted)
		}
		size64 = rem
	}
	mem, err := mapCode(int(size64))
	if err != nil {
		return 0, fmt.Errorf("mapping %d bytes: %v: %w", size64, err, vm.ErrCodeMemoryExhausted)
	}
	c := &chunk{mem: mem, base: uint64(uintptr(unsafe.Pointer(&mem[0]))), size: size64, used: need}
	a.chunks = append(a.chunks, c)
	a.total += size64
	a.code += need
	return c.base, nil
}

// Write copies b to the allocated range starting at addr.
func (a *Arena) Write(addr uint64, b []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.chunks {
		if !c.contains(addr, len(b)) {
			continue
		}
		off := int(addr - c.base)
		return protectCode(c.mem, off, len(b), func() {
			copy(c.mem[off:], b)
		})
	}
	return fmt.Errorf("write of %d bytes at %#x outside the arena: %w", len(b), addr, vm.ErrEncoding)
}

// Install indexes c by its address.
func (a *Arena) Install(c *Code) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.index.ReplaceOrInsert(c)
}

// Lookup returns the compiled code containing addr, or nil.
func (a *Arena) Lookup(addr uint64) *Code {
	a.mu.Lock()
	defer a.mu.Unlock()
	var found *Code
	a.index.DescendLessOrEqual(&Code{Address: addr}, func(c *Code) bool {
		found = c
		return false
	})
	if found == nil || !found.Contains(addr) {
		return nil
	}
	return found
}

// Walk calls fn for every installed unit in address order until fn
// returns false.
func (a *Arena) Walk(fn func(c *Code) bool) {
	a.mu.Lock()
	items := make([]*Code, 0, a.index.Len())
	a.index.Ascend(func(c *Code) bool {
		items = append(items, c)
		return true
	})
	a.mu.Unlock()
	for _, c := range items {
		if !fn(c) {
			return
		}
	}
}

// ArenaStats summarizes arena usage.
type ArenaStats struct {
	Budget   int64
	Reserved int64
	Used     int64
	Chunks   int
	Units    int
}

// Stats returns current usage.
func (a *Arena) Stats() ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ArenaStats{
		Budget:   a.budget,
		Reserved: a.total,
		Used:     a.code,
		Chunks:   len(a.chunks),
		Units:    a.index.Len(),
	}
}
