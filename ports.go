package poolz

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// DebugPortAllocator hands out unique inspector-style ports for process
// workers. Ports grow monotonically from the base; released ports are reused
// before new ones are minted. Share one allocator across pools spawning
// debuggable workers:
//
//	ports := poolz.NewDebugPortAllocator(9229)
//	pool, err := poolz.New(&poolz.Options{
//	    Script: workerBinary,
//	    OnCreateWorker: func(args poolz.WorkerArgs) *poolz.WorkerArgs {
//	        args.DebugPort = ports.Acquire()
//	        return &args
//	    },
//	    OnTerminateWorker: func(args poolz.WorkerArgs) {
//	        ports.Release(args.DebugPort)
//	    },
//	})
type DebugPortAllocator struct {
	mu       sync.Mutex
	next     int
	released mapset.Set[int]
}

// NewDebugPortAllocator creates an allocator starting at base.
func NewDebugPortAllocator(base int) *DebugPortAllocator {
	return &DebugPortAllocator{next: base, released: mapset.NewSet[int]()}
}

// Acquire returns a port not currently held by any worker.
func (a *DebugPortAllocator) Acquire() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released.Cardinality() > 0 {
		var port int
		a.released.Each(func(p int) bool {
			port = p
			return true // first one is fine
		})
		a.released.Remove(port)
		return port
	}
	port := a.next
	a.next++
	return port
}

// Release returns a port to the allocator. Ports never handed out are
// ignored.
func (a *DebugPortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if port < a.next {
		a.released.Add(port)
	}
}
