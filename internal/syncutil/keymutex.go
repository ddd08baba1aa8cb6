// Package syncutil provides keyed mutual exclusion for record-level locking.
package syncutil

import "sync"

// KeyMutex hands out one mutex per key. Escrow and dispute services use it
// to serialize state transitions on a single record while allowing
// unrelated records to proceed concurrently.
type KeyMutex struct {
	locks sync.Map // key -> *sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyMutex) Lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
