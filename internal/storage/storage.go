package storage

import (
	"sync"

	"github.com/iretes/filestorageserver/internal/locktable"
	"github.com/iretes/filestorageserver/internal/wire"
)

// Stats is a snapshot of the monotonic and current counters tracked by
// Storage, used for the CSV audit log and for reporting at shutdown.
type Stats struct {
	CurFiles       int
	CurBytes       int64
	PeakFiles      int
	PeakBytes      int64
	EvictionsCount uint64
	ConnectedCount int
}

// Storage is the capacity-bounded, eviction-aware file cache. It owns the
// path-keyed and connection-keyed sharded tables and the storage-global
// mutex that serializes every operation touching cur_files, cur_bytes or
// files_in_order, per the lock-ordering rule in §5:
// storage-global > path-shard > client-shard.
type Storage struct {
	mu sync.Mutex // storage-global mutex

	files   *locktable.ShardedMap[*FileEntry]
	clients *locktable.ShardedMap[*ClientEntry]

	filesInOrder []*FileEntry

	maxFiles int
	maxBytes int64

	curFiles  int
	curBytes  int64
	peakFiles int
	peakBytes int64

	evictionsCount uint64
	connectedCount int

	policy  Policy
	nextSeq uint64

	notifier WaiterNotifier
}

// New creates a Storage instance. notifier delivers deferred lock grants/
// denials and eviction notifications to waiting connections; it is
// implemented by the dispatch layer, which owns the actual sockets.
func New(cfg Config, notifier WaiterNotifier) *Storage {
	locks := cfg.MaxLocks
	if locks < 1 {
		locks = 1
	}
	clientShards := cfg.ExpectedClients / 4
	if clientShards < 1 {
		clientShards = locks
	}
	return &Storage{
		files:    locktable.New[*FileEntry](locks),
		clients:  locktable.New[*ClientEntry](clientShards),
		maxFiles: cfg.MaxFiles,
		maxBytes: cfg.MaxBytes,
		policy:   cfg.Policy,
		notifier: notifier,
	}
}

// RegisterClient creates the ClientEntry for a newly accepted connection.
func (s *Storage) RegisterClient(conn ConnID) {
	s.mu.Lock()
	s.connectedCount++
	s.mu.Unlock()
	s.clients.InsertAtomic(string(conn), newClientEntry(conn))
}

// Stats returns a snapshot of the current counters.
func (s *Storage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		CurFiles:       s.curFiles,
		CurBytes:       s.curBytes,
		PeakFiles:      s.peakFiles,
		PeakBytes:      s.peakBytes,
		EvictionsCount: s.evictionsCount,
		ConnectedCount: s.connectedCount,
	}
}

func (s *Storage) clientShard(conn ConnID) (*locktable.Shard[*ClientEntry], *ClientEntry) {
	sh := s.clients.ShardFor(string(conn))
	sh.Lock()
	ce, ok := sh.Get(string(conn))
	if !ok {
		ce = newClientEntry(conn)
		sh.Set(string(conn), ce)
	}
	return sh, ce
}

// removeFileLocked deletes a live file's bookkeeping: files_in_order,
// cur_files/cur_bytes, and every opener/owner's client-side view. Caller
// must hold the storage-global mutex; this acquires each affected client's
// shard lock one at a time (never more than one at once), which is safe
// under the storage-global > path-shard > client-shard ordering.
// removeFileLocked must be called with f's own shard lock NOT held (it
// deletes the map entry, which re-acquires that shard internally); callers
// must snapshot whatever FileEntry fields they still need (content,
// openers, waiters) while the shard lock was held, before releasing it.
func (s *Storage) removeFileLocked(f *FileEntry, openers []ConnID, contentSize int) {
	for i, x := range s.filesInOrder {
		if x == f {
			s.filesInOrder = append(s.filesInOrder[:i], s.filesInOrder[i+1:]...)
			break
		}
	}
	s.curFiles--
	s.curBytes -= int64(contentSize)
	s.files.DeleteAtomic(f.Path)

	for _, c := range openers {
		sh, ce := s.clientShard(c)
		ce.removeOpened(f.Path)
		sh.Unlock()
	}
}

// runEviction invokes the selector once, forbidding forbiddenPath, and if
// a victim is chosen, removes it from storage and returns its payload for
// the caller to propagate (response + waiter notification). Caller must
// hold the storage-global mutex.
func (s *Storage) runEviction(forbiddenPath string, requireNonEmpty bool) (Evicted, bool) {
	s.maybeHalveCounters("")
	victim := s.selectVictim(forbiddenPath, requireNonEmpty)
	if victim == nil {
		return Evicted{}, false
	}

	sh := s.files.ShardFor(victim.Path)
	sh.Lock()
	content := victim.Content
	waiters := victim.drainWaiters()
	openers := append([]ConnID(nil), victim.OpenBy...)
	sh.Unlock()

	s.removeFileLocked(victim, openers, len(content))
	s.evictionsCount++

	return Evicted{Path: victim.Path, Content: content, PendingLock: waiters}, true
}

// notifyEvictedWaiters sends FILE_NOT_EXISTS to every waiter of an evicted
// file, recursively disconnecting any that fail to receive it. Must be
// called with no storage locks held.
func (s *Storage) notifyEvictedWaiters(ev Evicted) {
	for _, w := range ev.PendingLock {
		if err := s.notifier.NotifyDenied(w, ev.Path, wire.FileNotExists); err != nil {
			s.Disconnect(w)
		}
	}
}

// Open implements open_noflags/open_create/open_lock/open_create_lock.
func (s *Storage) Open(conn ConnID, path string, op wire.Opcode) Result {
	create := op.IncludesCreate()
	wantLock := op.IncludesLock()

	if create {
		s.mu.Lock()
		sh := s.files.ShardFor(path)
		sh.Lock()
		if _, exists := sh.Get(path); exists {
			sh.Unlock()
			s.mu.Unlock()
			return Result{Code: wire.FileAlreadyExists}
		}

		var evictedList []Evicted
		if s.curFiles >= s.maxFiles {
			sh.Unlock()
			ev, ok := s.runEviction(path, false)
			sh.Lock()
			if !ok {
				sh.Unlock()
				s.mu.Unlock()
				return Result{Code: wire.CouldNotEvict}
			}
			evictedList = append(evictedList, ev)
		}

		s.nextSeq++
		f := newFileEntry(path, s.nextSeq)
		if wantLock {
			f.OwnerOfLock = conn
			f.WritePermit = conn
		}
		f.OpenBy = appendConnOnce(f.OpenBy, conn)
		sh.Set(path, f)
		s.filesInOrder = append(s.filesInOrder, f)
		s.curFiles++
		if s.curFiles > s.peakFiles {
			s.peakFiles = s.curFiles
		}

		op2 := usageOpenPlain
		if wantLock {
			op2 = usageOpenCreate
		}
		applyUsage(f, s.policy, op2, nowMonotonic())
		s.maybeHalveCounters(path)
		sh.Unlock()
		s.mu.Unlock()

		csh, ce := s.clientShard(conn)
		ce.addOpened(path)
		if wantLock {
			ce.addLocked(path)
		}
		csh.Unlock()

		for _, ev := range evictedList {
			s.notifyEvictedWaiters(ev)
		}
		return Result{Code: wire.OK, Evicted: evictedList}
	}

	// No create.
	sh := s.files.ShardFor(path)
	sh.Lock()
	f, exists := sh.Get(path)
	if !exists {
		sh.Unlock()
		return Result{Code: wire.FileNotExists}
	}
	if f.isOpenBy(conn) {
		sh.Unlock()
		return Result{Code: wire.FileAlreadyOpen}
	}

	f.OpenBy = appendConnOnce(f.OpenBy, conn)
	csh, ce := s.clientShard(conn)
	ce.addOpened(path)

	deferred := false
	if wantLock {
		if f.OwnerOfLock == NoOwner {
			f.OwnerOfLock = conn
			ce.addLocked(path)
			applyUsage(f, s.policy, usageOpenLock, nowMonotonic())
		} else {
			f.PendingLock = appendConnOnce(f.PendingLock, conn)
			deferred = true
		}
	} else {
		applyUsage(f, s.policy, usageOpenPlain, nowMonotonic())
	}
	csh.Unlock()
	sh.Unlock()

	if deferred {
		return Result{Deferred: true}
	}
	return Result{Code: wire.OK}
}

// Write implements the whole-file write operation.
func (s *Storage) Write(conn ConnID, path string, data []byte) Result {
	s.mu.Lock()
	sh := s.files.ShardFor(path)
	sh.Lock()
	f, exists := sh.Get(path)
	if !exists {
		sh.Unlock()
		s.mu.Unlock()
		return Result{Code: wire.FileNotExists}
	}
	if f.WritePermit != conn {
		sh.Unlock()
		s.mu.Unlock()
		return Result{Code: wire.OperationNotPermitted}
	}
	if int64(len(data)) > s.maxBytes {
		sh.Unlock()
		s.mu.Unlock()
		return Result{Code: wire.TooLongContent}
	}

	oldSize := int64(len(f.Content))
	projected := s.curBytes - oldSize + int64(len(data))

	var evictedList []Evicted
	for projected > s.maxBytes {
		sh.Unlock()
		ev, ok := s.runEviction(path, true)
		sh.Lock()
		if !ok {
			sh.Unlock()
			s.mu.Unlock()
			return Result{Code: wire.CouldNotEvict}
		}
		evictedList = append(evictedList, ev)
		projected = s.curBytes - oldSize + int64(len(data))
	}

	f.Content = append([]byte(nil), data...)
	s.curBytes += int64(len(data)) - oldSize
	if s.curBytes > s.peakBytes {
		s.peakBytes = s.curBytes
	}
	f.WritePermit = NoOwner
	applyUsage(f, s.policy, usageTouch, nowMonotonic())
	s.maybeHalveCounters(path)
	sh.Unlock()
	s.mu.Unlock()

	for _, ev := range evictedList {
		s.notifyEvictedWaiters(ev)
	}
	return Result{Code: wire.OK, Evicted: evictedList}
}

// Append implements the append-only growth operation.
func (s *Storage) Append(conn ConnID, path string, data []byte) Result {
	s.mu.Lock()
	sh := s.files.ShardFor(path)
	sh.Lock()
	f, exists := sh.Get(path)
	if !exists {
		sh.Unlock()
		s.mu.Unlock()
		return Result{Code: wire.FileNotExists}
	}
	if !f.isOpenBy(conn) || (f.OwnerOfLock != NoOwner && f.OwnerOfLock != conn) {
		sh.Unlock()
		s.mu.Unlock()
		return Result{Code: wire.OperationNotPermitted}
	}

	oldSize := int64(len(f.Content))
	newTotal := oldSize + int64(len(data))
	if newTotal > s.maxBytes {
		sh.Unlock()
		s.mu.Unlock()
		return Result{Code: wire.TooLongContent}
	}

	projected := s.curBytes - oldSize + newTotal
	var evictedList []Evicted
	for projected > s.maxBytes {
		sh.Unlock()
		ev, ok := s.runEviction(path, true)
		sh.Lock()
		if !ok {
			sh.Unlock()
			s.mu.Unlock()
			return Result{Code: wire.CouldNotEvict}
		}
		evictedList = append(evictedList, ev)
		projected = s.curBytes - oldSize + newTotal
	}

	if len(data) > 0 {
		f.Content = append(f.Content, data...)
		s.curBytes += int64(len(data))
		if s.curBytes > s.peakBytes {
			s.peakBytes = s.curBytes
		}
	}
	applyUsage(f, s.policy, usageTouch, nowMonotonic())
	s.maybeHalveCounters(path)
	sh.Unlock()
	s.mu.Unlock()

	for _, ev := range evictedList {
		s.notifyEvictedWaiters(ev)
	}
	return Result{Code: wire.OK, Evicted: evictedList}
}

// Read implements the whole-file read operation.
func (s *Storage) Read(conn ConnID, path string) Result {
	sh := s.files.ShardFor(path)
	sh.Lock()
	defer sh.Unlock()

	f, exists := sh.Get(path)
	if !exists {
		return Result{Code: wire.FileNotExists}
	}
	if !f.isOpenBy(conn) || (f.OwnerOfLock != NoOwner && f.OwnerOfLock != conn) {
		return Result{Code: wire.OperationNotPermitted}
	}
	applyUsage(f, s.policy, usageTouch, nowMonotonic())
	content := append([]byte(nil), f.Content...)
	return Result{Code: wire.OK, Content: content}
}

// ReadMany implements the snapshot-based read_many operation. The
// storage-global mutex is held only while copying files_in_order; each
// file's membership is then decided, and its content copied, under that
// file's own shard lock, one shard at a time. Files removed or replaced
// after the list was copied are skipped. No lock is held while the handler
// writes the copied contents to the wire.
func (s *Storage) ReadMany(conn ConnID, n int32) Result {
	s.mu.Lock()
	snapshot := append([]*FileEntry(nil), s.filesInOrder...)
	s.mu.Unlock()

	limit := len(snapshot)
	if n > 0 && int(n) < limit {
		limit = int(n)
	}

	var files []ReadManyFile
	for _, f := range snapshot {
		if len(files) >= limit {
			break
		}
		sh := s.files.ShardFor(f.Path)
		sh.Lock()
		cur, exists := sh.Get(f.Path)
		if !exists || cur != f {
			sh.Unlock()
			continue
		}
		if f.OwnerOfLock != NoOwner && f.OwnerOfLock != conn {
			sh.Unlock()
			continue
		}
		content := append([]byte(nil), f.Content...)
		applyUsage(f, s.policy, usageTouch, nowMonotonic())
		sh.Unlock()
		files = append(files, ReadManyFile{Path: f.Path, Content: content})
	}
	return Result{Code: wire.OK, Files: files}
}

// Lock implements the lock operation for a file already opened by conn.
func (s *Storage) Lock(conn ConnID, path string) Result {
	sh := s.files.ShardFor(path)
	sh.Lock()
	f, exists := sh.Get(path)
	if !exists {
		sh.Unlock()
		return Result{Code: wire.FileNotExists}
	}
	if !f.isOpenBy(conn) {
		sh.Unlock()
		return Result{Code: wire.OperationNotPermitted}
	}
	if f.OwnerOfLock == conn {
		sh.Unlock()
		return Result{Code: wire.FileAlreadyLocked}
	}
	if f.OwnerOfLock == NoOwner {
		f.OwnerOfLock = conn
		applyUsage(f, s.policy, usageLockUnlock, nowMonotonic())
		sh.Unlock()

		csh, ce := s.clientShard(conn)
		ce.addLocked(path)
		csh.Unlock()
		return Result{Code: wire.OK}
	}
	f.PendingLock = appendConnOnce(f.PendingLock, conn)
	sh.Unlock()
	return Result{Deferred: true}
}

// handOff transfers ownership of f to the head of its waiter queue, if
// any, updating both the file and the new owner's ClientEntry. Caller
// must hold f's shard lock. It returns the connection newly granted the
// lock, or NoOwner if the waiter queue was empty. The caller must release
// the shard lock and then call deliverGrant for the returned connection;
// the notification itself is I/O and must never run while any storage
// lock is held (§4.7(4), §5).
func (s *Storage) handOff(f *FileEntry) ConnID {
	waiter, ok := f.popWaiter()
	if !ok {
		f.OwnerOfLock = NoOwner
		return NoOwner
	}
	f.OwnerOfLock = waiter
	path := f.Path

	csh, ce := s.clientShard(waiter)
	ce.addLocked(path)
	csh.Unlock()

	return waiter
}

// deliverGrant notifies granted that it now owns path's lock. Must be
// called with no storage lock held. If granted is already gone, it is
// disconnected so that its disconnect pass observes f.OwnerOfLock still
// set to granted and cascades the hand-off to the next waiter in turn.
func (s *Storage) deliverGrant(granted ConnID, path string) {
	if granted == NoOwner {
		return
	}
	if err := s.notifier.NotifyGranted(granted, path); err != nil {
		s.Disconnect(granted)
	}
}

// Unlock implements the unlock operation.
func (s *Storage) Unlock(conn ConnID, path string) Result {
	sh := s.files.ShardFor(path)
	sh.Lock()
	f, exists := sh.Get(path)
	if !exists {
		sh.Unlock()
		return Result{Code: wire.FileNotExists}
	}
	if f.OwnerOfLock != conn {
		sh.Unlock()
		return Result{Code: wire.OperationNotPermitted}
	}

	csh, ce := s.clientShard(conn)
	ce.removeLocked(path)
	csh.Unlock()

	granted := s.handOff(f)
	if f.WritePermit == conn {
		f.WritePermit = NoOwner
	}
	applyUsage(f, s.policy, usageLockUnlock, nowMonotonic())
	sh.Unlock()

	s.deliverGrant(granted, path)
	return Result{Code: wire.OK}
}

// Remove implements the remove operation.
func (s *Storage) Remove(conn ConnID, path string) Result {
	s.mu.Lock()
	sh := s.files.ShardFor(path)
	sh.Lock()
	f, exists := sh.Get(path)
	if !exists {
		sh.Unlock()
		s.mu.Unlock()
		return Result{Code: wire.FileNotExists}
	}
	if f.OwnerOfLock != conn {
		sh.Unlock()
		s.mu.Unlock()
		return Result{Code: wire.OperationNotPermitted}
	}
	waiters := f.drainWaiters()
	openers := append([]ConnID(nil), f.OpenBy...)
	contentSize := len(f.Content)
	sh.Unlock()

	s.removeFileLocked(f, openers, contentSize)
	s.mu.Unlock()

	for _, w := range waiters {
		if err := s.notifier.NotifyDenied(w, path, wire.FileNotExists); err != nil {
			s.Disconnect(w)
		}
	}
	return Result{Code: wire.OK}
}

// Close implements the close operation.
func (s *Storage) Close(conn ConnID, path string) Result {
	sh := s.files.ShardFor(path)
	sh.Lock()
	f, exists := sh.Get(path)
	if !exists {
		sh.Unlock()
		return Result{Code: wire.FileNotExists}
	}
	if !f.isOpenBy(conn) {
		sh.Unlock()
		return Result{Code: wire.OperationNotPermitted}
	}

	f.OpenBy = removeConn(f.OpenBy, conn)
	wasOwner := f.OwnerOfLock == conn

	csh, ce := s.clientShard(conn)
	ce.removeOpened(path)
	csh.Unlock()

	var granted ConnID = NoOwner
	if wasOwner {
		granted = s.handOff(f)
	}
	if f.WritePermit == conn {
		f.WritePermit = NoOwner
	}
	applyUsage(f, s.policy, usageClose, nowMonotonic())
	sh.Unlock()

	s.deliverGrant(granted, path)
	return Result{Code: wire.OK}
}

// Disconnect recovers all state held by conn: every file it owned is
// handed off (or released), every file it had open is closed out. Hand-off
// to a downstream waiter may itself fail (that waiter has disconnected
// too); such waiters are queued for recursive disconnect via a local
// work-list rather than call-stack recursion (§9).
func (s *Storage) Disconnect(conn ConnID) {
	queue := []ConnID{conn}
	seen := make(map[ConnID]bool)

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if seen[c] {
			continue
		}
		seen[c] = true

		csh := s.clients.ShardFor(string(c))
		csh.Lock()
		ce, ok := csh.Get(string(c))
		if !ok {
			csh.Unlock()
			continue
		}
		opened := ce.openedPaths()
		csh.Unlock()

		for _, path := range opened {
			sh := s.files.ShardFor(path)
			sh.Lock()
			f, exists := sh.Get(path)
			if !exists {
				sh.Unlock()
				continue
			}
			f.OpenBy = removeConn(f.OpenBy, c)
			f.PendingLock = removeConn(f.PendingLock, c)
			wasOwner := f.OwnerOfLock == c
			if f.WritePermit == c {
				f.WritePermit = NoOwner
			}
			granted := NoOwner
			if wasOwner {
				waiter, hasWaiter := f.popWaiter()
				if hasWaiter {
					f.OwnerOfLock = waiter
					wsh, wce := s.clientShard(waiter)
					wce.addLocked(path)
					wsh.Unlock()
					granted = waiter
				} else {
					f.OwnerOfLock = NoOwner
				}
			}
			sh.Unlock()

			// Notify outside sh: a slow or gone waiter must never stall every
			// other operation on this shard. On failure, queue the waiter for
			// its own disconnect pass rather than recursing here — f still
			// shows it as owner, so that pass hands off to the next waiter in
			// turn (§9).
			if granted != NoOwner {
				if err := s.notifier.NotifyGranted(granted, path); err != nil {
					queue = append(queue, granted)
				}
			}
		}

		s.clients.DeleteAtomic(string(c))
		s.mu.Lock()
		if s.connectedCount > 0 {
			s.connectedCount--
		}
		s.mu.Unlock()
	}
}
