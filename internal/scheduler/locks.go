package scheduler

import "sync"

// ResourceLockManager serializes tasks that deploy the same resource ID.
// Each ID gets its own mutex; entries are dropped once no task holds or
// waits on them, so the map does not grow with the number of resources seen.
type ResourceLockManager struct {
	mu    sync.Mutex
	locks map[string]*resourceLock
}

type resourceLock struct {
	mu   sync.Mutex
	refs int // holders plus waiters, guarded by ResourceLockManager.mu
}

// NewResourceLockManager creates an empty lock manager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{locks: make(map[string]*resourceLock)}
}

// Lock blocks until the caller holds the lock for resourceID.
func (r *ResourceLockManager) Lock(resourceID string) {
	r.mu.Lock()
	l, ok := r.locks[resourceID]
	if !ok {
		l = &resourceLock{}
		r.locks[resourceID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the lock for resourceID. Unlocking an ID that is not held
// is a no-op.
func (r *ResourceLockManager) Unlock(resourceID string) {
	r.mu.Lock()
	l, ok := r.locks[resourceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(r.locks, resourceID)
	}
	r.mu.Unlock()

	l.mu.Unlock()
}

// Held returns the number of resource IDs currently locked or awaited.
func (r *ResourceLockManager) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
