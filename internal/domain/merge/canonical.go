package merge

import "sync"

// Canonical resolves any historical identity id to its current canonical
// id after arbitrary chains of merges. It is a union-find forest with
// path compression, so stale references resolve in O(1) amortized and can
// never observe a half-merged state.
type Canonical struct {
	mu     sync.Mutex
	parent map[string]string
}

// NewCanonical creates an empty pointer table.
func NewCanonical() *Canonical {
	return &Canonical{parent: make(map[string]string)}
}

// Add registers a new root identity. Adding an existing id is a no-op.
func (c *Canonical) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.parent[id]; !ok {
		c.parent[id] = id
	}
}

// Resolve follows merge pointers to the live canonical id, compressing
// the path as it goes. Unknown ids resolve to themselves.
func (c *Canonical) Resolve(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(id)
}

func (c *Canonical) resolveLocked(id string) string {
	p, ok := c.parent[id]
	if !ok {
		return id
	}
	if p == id {
		return id
	}
	root := c.resolveLocked(p)
	c.parent[id] = root
	return root
}

// Union points from's root at into's root after a merge.
func (c *Canonical) Union(from, into string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fromRoot := c.resolveLocked(from)
	intoRoot := c.resolveLocked(into)
	if fromRoot != intoRoot {
		c.parent[fromRoot] = intoRoot
	}
}

// Rebuild replaces the whole pointer table from the surviving merge log.
// Undo uses this rather than detaching a single pointer: path compression
// may have rewired transitive references straight past the undone target,
// so the table is reconstructed from the (from, into) pairs that remain.
func (c *Canonical) Rebuild(pairs [][2]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parent = make(map[string]string, len(c.parent))
	for _, p := range pairs {
		if _, ok := c.parent[p[0]]; !ok {
			c.parent[p[0]] = p[0]
		}
		if _, ok := c.parent[p[1]]; !ok {
			c.parent[p[1]] = p[1]
		}
	}
	for _, p := range pairs {
		fromRoot := c.resolveLocked(p[0])
		intoRoot := c.resolveLocked(p[1])
		if fromRoot != intoRoot {
			c.parent[fromRoot] = intoRoot
		}
	}
}
