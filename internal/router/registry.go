package router

import "sync"

// registry maps each destination to an ordered set of listeners.
type registry struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

func newRegistry() *registry {
	return &registry{listeners: make(map[string][]Listener)}
}

func (r *registry) add(destinations []string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dest := range destinations {
		if containsListener(r.listeners[dest], l) {
			continue
		}
		r.listeners[dest] = append(r.listeners[dest], l)
	}
}

func (r *registry) remove(destinations []string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dest := range destinations {
		cur := r.listeners[dest]
		for i, existing := range cur {
			if existing != l {
				continue
			}
			next := make([]Listener, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			if len(next) == 0 {
				delete(r.listeners, dest)
			} else {
				r.listeners[dest] = next
			}
			break
		}
	}
}

// get returns a snapshot safe to iterate without the lock.
func (r *registry) get(destination string) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listeners[destination]
}

func (r *registry) count(destination string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[destination])
}

func containsListener(ls []Listener, l Listener) bool {
	for _, existing := range ls {
		if existing == l {
			return true
		}
	}
	return false
}
