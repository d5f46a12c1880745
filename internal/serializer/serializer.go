// Package serializer provides a keyed mutual-exclusion facility: at most one
// action runs at a time for a given logical repo name, while actions against
// different names run concurrently. It is the sole synchronizer for mirror
// mutation in this proxy — the git backend, the CGI gateway, and the
// pre-receive callout all run inside the critical section a caller acquires
// here, and none of them take any other lock against the mirror.
//
// Grounded in the keyed sync.Map-of-mutexes idiom the teacher uses for its
// repo locks (internal/mirror's repoLocks), generalized into its own package
// because here the critical section spans sync, the CGI child, and the
// recursive pre-receive invocation, not just upload-pack.
package serializer

import "sync"

// Serializer hands out one *sync.Mutex per key, created lazily and kept for
// the lifetime of the process.
type Serializer struct {
	locks sync.Map // map[string]*sync.Mutex
}

// New returns an empty Serializer.
func New() *Serializer {
	return &Serializer{}
}

// WithExclusive runs fn while holding the exclusive slot for key. The lock is
// released on every exit path of fn, including panics and errors.
func (s *Serializer) WithExclusive(key string, fn func() error) error {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (s *Serializer) lockFor(key string) *sync.Mutex {
	if v, ok := s.locks.Load(key); ok {
		return v.(*sync.Mutex)
	}
	mu := &sync.Mutex{}
	actual, _ := s.locks.LoadOrStore(key, mu)
	return actual.(*sync.Mutex)
}
