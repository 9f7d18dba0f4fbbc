package collab

import (
	"context"
	"sync"
)

// DocumentLocker serializes mutations per document within this process.
// Entries are reference counted and removed once no goroutine holds or
// waits on them.
type DocumentLocker struct {
	mu    sync.Mutex
	locks map[string]*documentLock
}

type documentLock struct {
	sem  chan struct{}
	refs int
}

// NewDocumentLocker creates an empty locker.
func NewDocumentLocker() *DocumentLocker {
	return &DocumentLocker{locks: map[string]*documentLock{}}
}

// Lock blocks until documentID is free or ctx is done. The returned
// function releases the lock and must be called exactly once.
func (l *DocumentLocker) Lock(ctx context.Context, documentID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[documentID]
	if !ok {
		lock = &documentLock{sem: make(chan struct{}, 1)}
		l.locks[documentID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(documentID, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.sem
			l.unref(documentID, lock)
		})
	}, nil
}

func (l *DocumentLocker) unref(documentID string, lock *documentLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, documentID)
	}
}

// Len returns the number of documents currently locked or awaited.
func (l *DocumentLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
