package jit

import (
	"sync/atomic"

	"github.com/chazu/tiervm/vm"
)

// CacheSite is an inline cache compiled into guards.
type CacheSite struct {
	Instr int // bytecode instruction index
	Kind  vm.CacheKind
}

// CacheCounts are the compiled-code statistics of one cache kind.
type CacheCounts struct {
	Total   uint64 // sites compiled
	Inlined uint64 // sites turned into guards
	Hits    uint64 // guard hits
	Misses  uint64 // guard failures
}

type siteCounters struct {
	total, inlined, hits, misses atomic.Uint64
}

func (s *siteCounters) load() CacheCounts {
	return CacheCounts{
		Total:   s.total.Load(),
		Inlined: s.inlined.Load(),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}
}

// flushCounts folds the counters of a run into the cache slots and the
// compiler statistics, and zeroes them.
func (c *Code) flushCounts(counts []uint64) {
	for k, site := range c.Sites {
		hits, misses := counts[2*k], counts[2*k+1]
		if hits == 0 && misses == 0 {
			continue
		}
		counts[2*k], counts[2*k+1] = 0, 0
		if slot := c.Unit.CacheAt(site.Instr); slot != nil {
			slot.RecordHits(hits)
		}
		if c.compiler != nil {
			s := &c.compiler.sites[site.Kind]
			s.hits.Add(hits)
			s.misses.Add(misses)
		}
	}
}
