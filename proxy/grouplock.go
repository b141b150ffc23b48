package proxy

import "sync"

// groupLock is the lock shared by a UAS and every UAC it forks, the same
// way the original ties a UAS and its UACs to a single reference-counted
// group lock created by the transport library. Here it is a plain struct
// shared by pointer among every participant; Go's garbage collector keeps
// it alive as long as any UAS/UAC still references it, so there is no
// explicit refcount to release on destruction.
//
// Only top-level UAS/UAC entry points call enter/exit; helpers they call
// assume the lock is already held. Nothing in this package locks a
// groupLock it already holds, so the lock itself stays a plain sync.Mutex
// rather than hand-rolled recursive-mutex machinery.
type groupLock struct {
	mu sync.Mutex
}

func newGroupLock() *groupLock {
	return &groupLock{}
}

func (l *groupLock) Lock() {
	l.mu.Lock()
}

func (l *groupLock) Unlock() {
	l.mu.Unlock()
}
