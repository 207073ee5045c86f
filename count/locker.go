package count

import (
	"context"
	"fmt"
	"sync"
)

// BatchLocker serializes lifecycle transitions per batch. Transitions on
// different batches never wait on each other.
type BatchLocker interface {
	// Lock blocks until the batch lock is held or ctx is done. The returned
	// func releases it.
	Lock(ctx context.Context, id BatchID) (unlock func(), err error)
}

// LocalLocker is an in-process BatchLocker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[BatchID]*localLock
}

type localLock struct {
	held chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[BatchID]*localLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, id BatchID) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &localLock{held: make(chan struct{}, 1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.held <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lk.held
				l.release(id, lk)
			})
		}, nil
	case <-ctx.Done():
		l.release(id, lk)
		return nil, fmt.Errorf("%w: batch %d: %v", ErrLockNotObtained, id, ctx.Err())
	}
}

func (l *LocalLocker) release(id BatchID, lk *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}
