package data

import "sync"

// Unlocker releases a lock acquired from GameData. Unlock is idempotent, so it
// is safe to defer it and also release early.
type Unlocker interface {
	Unlock()
}

type unlocker struct {
	once sync.Once
	fn   func()
}

func (u *unlocker) Unlock() { u.once.Do(u.fn) }

// rwLock is a reader-preference read/write lock. Readers never queue behind a
// waiting writer, which keeps nested read acquisitions deadlock free.
type rwLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	writer  bool
}

func newRWLock() *rwLock {
	l := &rwLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *rwLock) rlock() {
	l.mu.Lock()
	for l.writer {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

func (l *rwLock) runlock() {
	l.mu.Lock()
	l.readers--
	if l.readers < 0 {
		l.mu.Unlock()
		panic("data: read lock released more often than acquired")
	}
	if l.readers == 0 {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

func (l *rwLock) lock() {
	l.mu.Lock()
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.writer = true
	l.mu.Unlock()
}

func (l *rwLock) unlock() {
	l.mu.Lock()
	l.writer = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *rwLock) writeHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer
}
