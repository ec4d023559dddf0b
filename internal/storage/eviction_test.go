package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iretes/filestorageserver/internal/wire"
)

func TestApplyUsageFIFOIsNoop(t *testing.T) {
	f := newFileEntry("/a", 1)
	before := f.LastUsageTime
	applyUsage(f, FIFO, usageOpenCreate, before.Add(time.Hour))
	assert.Equal(t, before, f.LastUsageTime)
	assert.Zero(t, f.UsageCounter)
}

func TestApplyUsageLRUTouchesOnEveryOpButCloseAndRemove(t *testing.T) {
	f := newFileEntry("/a", 1)
	later := f.LastUsageTime.Add(time.Hour)
	applyUsage(f, LRU, usageTouch, later)
	assert.Equal(t, later, f.LastUsageTime)

	evenLater := later.Add(time.Hour)
	applyUsage(f, LRU, usageRemove, evenLater)
	assert.Equal(t, later, f.LastUsageTime, "usageRemove must not touch LastUsageTime")
}

func TestApplyUsageLFUCounters(t *testing.T) {
	f := newFileEntry("/a", 1)
	applyUsage(f, LFU, usageOpenCreate, time.Now())
	assert.EqualValues(t, 1, f.UsageCounter)

	applyUsage(f, LFU, usageOpenPlain, time.Now())
	assert.EqualValues(t, 2, f.UsageCounter)

	applyUsage(f, LFU, usageTouch, time.Now())
	assert.EqualValues(t, 3, f.UsageCounter)

	applyUsage(f, LFU, usageClose, time.Now())
	assert.EqualValues(t, 3, f.UsageCounter, "close is unused by LFU")
}

func TestApplyUsageLWTable(t *testing.T) {
	f := newFileEntry("/a", 1)
	applyUsage(f, LW, usageOpenCreate, time.Now())
	assert.EqualValues(t, 2, f.UsageCounter)

	applyUsage(f, LW, usageOpenPlain, time.Now())
	assert.EqualValues(t, 4, f.UsageCounter)

	applyUsage(f, LW, usageOpenLock, time.Now())
	assert.EqualValues(t, 5, f.UsageCounter)

	applyUsage(f, LW, usageLockUnlock, time.Now())
	assert.EqualValues(t, 5, f.UsageCounter, "lock/unlock leaves LW counter unchanged")

	applyUsage(f, LW, usageClose, time.Now())
	assert.EqualValues(t, 3, f.UsageCounter)

	f.UsageCounter = 1
	applyUsage(f, LW, usageClose, time.Now())
	assert.EqualValues(t, 0, f.UsageCounter, "close never underflows below zero")
}

func TestApplyUsageLWOpenPlainClampsAtMax(t *testing.T) {
	f := newFileEntry("/a", 1)
	f.UsageCounter = UsageCounterMax - 1
	applyUsage(f, LW, usageOpenPlain, time.Now())
	assert.Equal(t, UsageCounterMax, f.UsageCounter)
}

func newStorageForEviction(t *testing.T, policy Policy) *Storage {
	t.Helper()
	return New(Config{MaxFiles: 100, MaxBytes: 1 << 20, MaxLocks: 4, ExpectedClients: 4, Policy: policy}, &noopNotifier{})
}

type noopNotifier struct{}

func (noopNotifier) NotifyGranted(ConnID, string) error                   { return nil }
func (noopNotifier) NotifyDenied(ConnID, string, wire.ResponseCode) error { return nil }

func TestSelectVictimFIFOPicksOldest(t *testing.T) {
	s := newStorageForEviction(t, FIFO)
	a := newFileEntry("/a", 1)
	b := newFileEntry("/b", 2)
	s.files.InsertAtomic("/a", a)
	s.files.InsertAtomic("/b", b)
	s.filesInOrder = []*FileEntry{a, b}

	victim := s.selectVictim("", false)
	assert.Same(t, a, victim)
}

func TestSelectVictimExcludesForbiddenPath(t *testing.T) {
	s := newStorageForEviction(t, FIFO)
	a := newFileEntry("/a", 1)
	b := newFileEntry("/b", 2)
	s.files.InsertAtomic("/a", a)
	s.files.InsertAtomic("/b", b)
	s.filesInOrder = []*FileEntry{a, b}

	victim := s.selectVictim("/a", false)
	assert.Same(t, b, victim)
}

func TestSelectVictimRequireNonEmptySkipsZeroSize(t *testing.T) {
	s := newStorageForEviction(t, FIFO)
	a := newFileEntry("/a", 1) // empty content
	b := newFileEntry("/b", 2)
	b.Content = []byte("x")
	s.files.InsertAtomic("/a", a)
	s.files.InsertAtomic("/b", b)
	s.filesInOrder = []*FileEntry{a, b}

	victim := s.selectVictim("", true)
	assert.Same(t, b, victim)
}

func TestSelectVictimReturnsNilWhenNoCandidates(t *testing.T) {
	s := newStorageForEviction(t, FIFO)
	a := newFileEntry("/a", 1)
	s.files.InsertAtomic("/a", a)
	s.filesInOrder = []*FileEntry{a}

	assert.Nil(t, s.selectVictim("/a", false))
}

func TestSelectVictimLRUPicksLeastRecentlyUsed(t *testing.T) {
	s := newStorageForEviction(t, LRU)
	a := newFileEntry("/a", 1)
	b := newFileEntry("/b", 2)
	a.LastUsageTime = time.Now().Add(-time.Hour)
	b.LastUsageTime = time.Now()
	s.files.InsertAtomic("/a", a)
	s.files.InsertAtomic("/b", b)
	s.filesInOrder = []*FileEntry{a, b}

	assert.Same(t, a, s.selectVictim("", false))
}

func TestSelectVictimLFUPicksLeastFrequentlyUsedTieBrokenByLRU(t *testing.T) {
	s := newStorageForEviction(t, LFU)
	a := newFileEntry("/a", 1)
	b := newFileEntry("/b", 2)
	a.UsageCounter = 3
	b.UsageCounter = 3
	a.LastUsageTime = time.Now().Add(-time.Hour)
	b.LastUsageTime = time.Now()
	s.files.InsertAtomic("/a", a)
	s.files.InsertAtomic("/b", b)
	s.filesInOrder = []*FileEntry{a, b}

	// Tied usage counters: break ties toward the less-recently-used file.
	assert.Same(t, a, s.selectVictim("", false))

	b.UsageCounter = 1
	assert.Same(t, b, s.selectVictim("", false))
}

func TestMaybeHalveCountersOnlyWhenAnyReachesMax(t *testing.T) {
	s := newStorageForEviction(t, LFU)
	a := newFileEntry("/a", 1)
	b := newFileEntry("/b", 2)
	a.UsageCounter = 10
	b.UsageCounter = 20
	s.files.InsertAtomic("/a", a)
	s.files.InsertAtomic("/b", b)
	s.filesInOrder = []*FileEntry{a, b}

	s.maybeHalveCounters("")
	assert.EqualValues(t, 10, a.UsageCounter, "no counter at max, nothing halved")
	assert.EqualValues(t, 20, b.UsageCounter)

	b.UsageCounter = UsageCounterMax
	s.maybeHalveCounters("")
	assert.EqualValues(t, 5, a.UsageCounter)
	assert.EqualValues(t, UsageCounterMax/2, b.UsageCounter)
}

// A caller that already holds the current file's own shard lock must still
// see its counter (and the halving trigger) handled correctly, without
// maybeHalveCounters trying to re-acquire that same lock.
func TestMaybeHalveCountersSkipsRelockingHeldPath(t *testing.T) {
	s := newStorageForEviction(t, LFU)
	a := newFileEntry("/a", 1)
	b := newFileEntry("/b", 2)
	a.UsageCounter = UsageCounterMax
	b.UsageCounter = 10
	s.files.InsertAtomic("/a", a)
	s.files.InsertAtomic("/b", b)
	s.filesInOrder = []*FileEntry{a, b}

	sh := s.files.ShardFor("/a")
	sh.Lock()
	s.maybeHalveCounters("/a")
	sh.Unlock()

	assert.EqualValues(t, UsageCounterMax/2, a.UsageCounter)
	assert.EqualValues(t, 5, b.UsageCounter)
}
