package storage

import (
	"math"
	"time"

	"github.com/iretes/filestorageserver/internal/locktable"
)

// usageOp identifies which row of the bookkeeping table (§4.5) applies to
// the operation that just completed successfully on a file.
type usageOp int

const (
	usageOpenCreate usageOp = iota // open-create / open-create+lock
	usageOpenPlain                  // open-plain
	usageOpenLock                   // open-lock (no create)
	usageTouch                      // write / append / read / read_many (per file)
	usageLockUnlock                 // lock / unlock
	usageClose
	usageRemove
)

// UsageCounterMax is the "integer maximum" of §4.5: once any live file's
// counter reaches it, every live file's counter is halved (rounded down)
// before the selector runs again.
const UsageCounterMax uint32 = math.MaxUint32

// applyUsage updates f's LastUsageTime and UsageCounter per the
// policy-specific table in §4.5. Caller must hold f's shard lock.
func applyUsage(f *FileEntry, policy Policy, op usageOp, now time.Time) {
	switch policy {
	case FIFO:
		// unused by FIFO for every operation
		return
	case LRU:
		switch op {
		case usageClose, usageRemove:
			// unused
		default:
			f.touchUsage(now)
		}
		return
	case LFU:
		switch op {
		case usageOpenCreate:
			f.UsageCounter = 1
		case usageOpenPlain, usageOpenLock, usageTouch, usageLockUnlock:
			f.UsageCounter++
		case usageClose, usageRemove:
			// unused
		}
	case LW:
		switch op {
		case usageOpenCreate:
			f.UsageCounter = 2
		case usageOpenPlain:
			if f.UsageCounter > UsageCounterMax-2 {
				f.UsageCounter = UsageCounterMax
			} else {
				f.UsageCounter += 2
			}
		case usageOpenLock, usageTouch:
			f.UsageCounter++
		case usageLockUnlock:
			// no change
		case usageClose:
			if f.UsageCounter >= 2 {
				f.UsageCounter -= 2
			} else {
				f.UsageCounter = 0
			}
		case usageRemove:
			// unused
		}
	}
}

// maybeHalveCounters implements the halving sweep: whenever any live
// file's counter has reached UsageCounterMax, every live file's counter is
// halved (rounded down) before the next selector call. Caller must hold
// the storage-global mutex. heldPath is the path whose shard lock the
// caller already holds (or "" if none). Shard's mutex is not reentrant, so
// any file — not only heldPath itself, but any other path that happens to
// hash into the same shard — must have its counter touched directly
// instead of through Lock/Unlock; every file on a different shard is
// still locked briefly, one shard at a time (§9).
func (s *Storage) maybeHalveCounters(heldPath string) {
	var heldShard *locktable.Shard[*FileEntry]
	if heldPath != "" {
		heldShard = s.files.ShardFor(heldPath)
	}

	needsHalving := false
	for _, f := range s.filesInOrder {
		sh := s.files.ShardFor(f.Path)
		if sh == heldShard {
			if f.UsageCounter >= UsageCounterMax {
				needsHalving = true
			}
		} else {
			sh.Lock()
			if f.UsageCounter >= UsageCounterMax {
				needsHalving = true
			}
			sh.Unlock()
		}
		if needsHalving {
			break
		}
	}
	if !needsHalving {
		return
	}
	for _, f := range s.filesInOrder {
		sh := s.files.ShardFor(f.Path)
		if sh == heldShard {
			f.UsageCounter /= 2
			continue
		}
		sh.Lock()
		f.UsageCounter /= 2
		sh.Unlock()
	}
}

// selectVictim picks at most one file to evict, excluding forbiddenPath
// and (when requireNonEmpty is true) zero-size files. Caller must hold the
// storage-global mutex. Each candidate's own shard lock is taken briefly
// to read a stable snapshot of its size/usage fields — never more than one
// shard lock at a time, so this cannot deadlock against the global>shard
// ordering rule.
func (s *Storage) selectVictim(forbiddenPath string, requireNonEmpty bool) *FileEntry {
	type snap struct {
		f         *FileEntry
		size      int
		usage     uint32
		lastUsage time.Time
	}
	var candidates []snap
	for _, f := range s.filesInOrder {
		if f.Path == forbiddenPath {
			continue
		}
		sh := s.files.ShardFor(f.Path)
		sh.Lock()
		size := len(f.Content)
		usage := f.UsageCounter
		last := f.LastUsageTime
		sh.Unlock()

		if requireNonEmpty && size == 0 {
			continue
		}
		candidates = append(candidates, snap{f, size, usage, last})
	}
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	switch s.policy {
	case FIFO:
		// candidates preserves files_in_order; the first entry is the
		// earliest-created eligible file.
		return best.f
	case LRU:
		for _, c := range candidates[1:] {
			if c.lastUsage.Before(best.lastUsage) {
				best = c
			}
		}
		return best.f
	case LFU, LW:
		for _, c := range candidates[1:] {
			if c.usage < best.usage ||
				(c.usage == best.usage && c.lastUsage.Before(best.lastUsage)) {
				best = c
			}
		}
		return best.f
	default:
		return best.f
	}
}
