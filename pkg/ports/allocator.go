package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	// DefaultMin and DefaultMax bound the loopback port range handed to
	// child processes.
	DefaultMin = 4100
	DefaultMax = 4999
)

// ErrNoPortAvailable is returned when the entire range is exhausted
var ErrNoPortAvailable = errors.New("no port available in range")

// Allocator hands out unique loopback ports to instance keys. A port is
// only returned after the OS confirms it is bindable on 127.0.0.1 —
// another process on the host may have taken it since the last probe.
//
// Released ports keep their key association so a restarted instance gets
// the same port back when the OS still allows it.
type Allocator struct {
	mu       sync.Mutex
	min, max int
	inUse    map[int]string // port -> owning key
	lastPort map[string]int // key -> most recent port, survives Release
}

// NewAllocator creates an allocator over [min, max]. Zero values select
// the default range.
func NewAllocator(min, max int) *Allocator {
	if min == 0 {
		min = DefaultMin
	}
	if max == 0 {
		max = DefaultMax
	}
	return &Allocator{
		min:      min,
		max:      max,
		inUse:    make(map[int]string),
		lastPort: make(map[string]int),
	}
}

// Allocate reserves a free port for key. The previous port for the key
// is probed first so restarts keep their port; otherwise the lowest
// bindable free port wins. Concurrent calls never receive the same port.
func (a *Allocator) Allocate(key string) (int, error) {
	a.mu.Lock()

	// Already holding a reservation: hand the same port back. This makes
	// a racing double-start converge on one port.
	for port, owner := range a.inUse {
		if owner == key {
			a.mu.Unlock()
			return port, nil
		}
	}

	tried := make(map[int]bool)
	for {
		candidate := a.nextCandidateLocked(key, tried)
		if candidate == 0 {
			a.mu.Unlock()
			return 0, ErrNoPortAvailable
		}

		// Reserve before probing so no concurrent caller picks the same
		// candidate, then drop the lock for the OS bind.
		a.inUse[candidate] = key
		a.mu.Unlock()

		free := probe(candidate)

		a.mu.Lock()
		if !free {
			tried[candidate] = true
			// Only clear our own tentative reservation.
			if a.inUse[candidate] == key {
				delete(a.inUse, candidate)
			}
			continue
		}
		a.lastPort[key] = candidate
		a.mu.Unlock()
		return candidate, nil
	}
}

// nextCandidateLocked picks the next port to probe: the key's previous
// port first, then the lowest free port in range. Returns 0 when no
// candidate remains.
func (a *Allocator) nextCandidateLocked(key string, tried map[int]bool) int {
	if prev, ok := a.lastPort[key]; ok && !tried[prev] {
		if _, taken := a.inUse[prev]; !taken {
			return prev
		}
	}
	for port := a.min; port <= a.max; port++ {
		if tried[port] {
			continue
		}
		if _, taken := a.inUse[port]; taken {
			continue
		}
		return port
	}
	return 0
}

// Release frees the key's port. The key→port mapping is retained so a
// later Allocate for the same key can reuse it.
func (a *Allocator) Release(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, owner := range a.inUse {
		if owner == key {
			delete(a.inUse, port)
			return
		}
	}
}

// PortOf returns the port currently reserved for key, if any
func (a *Allocator) PortOf(key string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, owner := range a.inUse {
		if owner == key {
			return port, true
		}
	}
	return 0, false
}

// InUse returns the number of reserved ports
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// probe reports whether the port can actually be bound on loopback
func probe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// WaitUntilFree polls until the port is bindable on 127.0.0.1 or the
// timeout elapses. Restart uses this to ride out delayed socket teardown
// before respawning on the same port.
func WaitUntilFree(port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if probe(port) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d still in use after %s", port, timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
