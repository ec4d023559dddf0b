package storage

// ClientEntry is the per-connection view used to recover state on
// disconnect: which files this connection has opened, and which of those
// it currently holds the lock on. Paths, not FileEntry pointers, are
// stored — per §9's anti-cyclic-reference design note, a FileEntry is
// always looked up back through the files table under its own shard lock
// rather than dereferenced directly.
//
// Invariants (§3):
//
//	C1: path in Locked  <=>  that file's OwnerOfLock == this client's ID.
//	C2: path in Opened  <=>  this client's ID is in that file's OpenBy.
//	Locked is always a subset of Opened.
type ClientEntry struct {
	ID ConnID

	Opened map[string]struct{}
	Locked map[string]struct{}
}

func newClientEntry(id ConnID) *ClientEntry {
	return &ClientEntry{
		ID:     id,
		Opened: make(map[string]struct{}),
		Locked: make(map[string]struct{}),
	}
}

func (c *ClientEntry) hasOpened(path string) bool {
	_, ok := c.Opened[path]
	return ok
}

func (c *ClientEntry) addOpened(path string) {
	c.Opened[path] = struct{}{}
}

func (c *ClientEntry) removeOpened(path string) {
	delete(c.Opened, path)
	delete(c.Locked, path)
}

func (c *ClientEntry) addLocked(path string) {
	c.Locked[path] = struct{}{}
}

func (c *ClientEntry) removeLocked(path string) {
	delete(c.Locked, path)
}

// openedPaths returns a snapshot slice of opened paths. Used only by
// disconnect, which must iterate while mutating other structures.
func (c *ClientEntry) openedPaths() []string {
	out := make([]string, 0, len(c.Opened))
	for p := range c.Opened {
		out = append(out, p)
	}
	return out
}

func (c *ClientEntry) lockedPaths() []string {
	out := make([]string, 0, len(c.Locked))
	for p := range c.Locked {
		out = append(out, p)
	}
	return out
}
