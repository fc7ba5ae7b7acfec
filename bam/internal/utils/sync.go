package utils

import (
	"sync"
)

// OptionalMutex is a mutex that only locks when UseMutex is set, so that single-threaded
// allocators pay nothing for it.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
