package runtime

import "sync"

// KeyLock serializes work per string key. Runtimes use it to honor the
// per-session serialization contract.
type KeyLock struct {
	locks sync.Map // key -> *sync.Mutex
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyLock) Lock(key string) {
	mu, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
}

// Unlock releases the mutex for key.
func (k *KeyLock) Unlock(key string) {
	mu, ok := k.locks.Load(key)
	if !ok {
		return
	}
	mu.(*sync.Mutex).Unlock()
}
