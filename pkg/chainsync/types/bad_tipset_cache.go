package types

import "sync"

// BadTipsetCache remembers tipsets known to be bad so a target naming one
// can be dropped without re-walking it. The Syncer adds the head of every
// sync job that ends in BadBlocks. Grounded on the shape of the
// teacher's chainsync/types bad tipset cache: a simple guarded set keyed by
// tipset identity.
type BadTipsetCache struct {
	mu  sync.Mutex
	bad map[TipsetHash]struct{}
}

func NewBadTipsetCache() *BadTipsetCache {
	return &BadTipsetCache{bad: make(map[TipsetHash]struct{})}
}

// Add marks a single tipset as bad.
func (c *BadTipsetCache) Add(h TipsetHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bad[h] = struct{}{}
}

// AddChain marks every tipset in the given chain as bad; used when a
// descendant fails interpretation and the whole subchain above a bad
// ancestor should be discarded.
func (c *BadTipsetCache) AddChain(chain []*Tipset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ts := range chain {
		c.bad[ts.Key.Hash()] = struct{}{}
	}
}

// Has reports whether hash is known bad.
func (c *BadTipsetCache) Has(h TipsetHash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.bad[h]
	return ok
}
