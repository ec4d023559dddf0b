package storage

import "time"

// FileEntry is the in-memory representation of one stored file. All fields
// except Path are mutated only while the caller holds the file's shard
// lock (and, for fields that affect capacity accounting or eviction order,
// the storage-global mutex as well — see Storage).
//
// Invariants (§3):
//
//	F1: OwnerOfLock == c  =>  c is present in OpenBy.
//	F2: c in PendingLock  =>  c != OwnerOfLock, and c appears at most once.
//	F3: WritePermit == c != NoOwner  =>  OwnerOfLock == c.
//	F4: while the file is live and non-empty, the selector must never pick
//	    the path the current request depends on.
type FileEntry struct {
	Path string

	Content []byte

	OwnerOfLock ConnID
	WritePermit ConnID

	OpenBy      []ConnID
	PendingLock []ConnID

	CreationTime  time.Time
	LastUsageTime time.Time
	UsageCounter  uint32

	// seq orders files_in_order without a separate traversal structure.
	seq uint64
}

func newFileEntry(path string, seq uint64) *FileEntry {
	now := nowMonotonic()
	return &FileEntry{
		Path:          path,
		CreationTime:  now,
		LastUsageTime: now,
		seq:           seq,
	}
}

func containsConn(list []ConnID, c ConnID) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func appendConnOnce(list []ConnID, c ConnID) []ConnID {
	if containsConn(list, c) {
		return list
	}
	return append(list, c)
}

// removeConn removes the first occurrence of c from list, preserving the
// order of the remaining elements.
func removeConn(list []ConnID, c ConnID) []ConnID {
	for i, x := range list {
		if x == c {
			out := make([]ConnID, 0, len(list)-1)
			out = append(out, list[:i]...)
			out = append(out, list[i+1:]...)
			return out
		}
	}
	return list
}

func (f *FileEntry) isOpenBy(c ConnID) bool {
	return containsConn(f.OpenBy, c)
}

// popWaiter removes and returns the head of PendingLock, if any.
func (f *FileEntry) popWaiter() (ConnID, bool) {
	if len(f.PendingLock) == 0 {
		return NoOwner, false
	}
	head := f.PendingLock[0]
	f.PendingLock = f.PendingLock[1:]
	return head, true
}

// drainWaiters removes and returns every waiter, in FIFO order.
func (f *FileEntry) drainWaiters() []ConnID {
	out := f.PendingLock
	f.PendingLock = nil
	return out
}

func (f *FileEntry) touchUsage(now time.Time) {
	f.LastUsageTime = now
}
