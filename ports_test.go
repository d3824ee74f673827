package poolz

import "testing"

func TestDebugPortAllocator(t *testing.T) {
	t.Run("Ports Are Sequential From Base", func(t *testing.T) {
		a := NewDebugPortAllocator(9229)
		for i := 0; i < 3; i++ {
			if got := a.Acquire(); got != 9229+i {
				t.Errorf("expected port %d, got %d", 9229+i, got)
			}
		}
	})

	t.Run("Released Ports Are Reused", func(t *testing.T) {
		a := NewDebugPortAllocator(9229)
		first := a.Acquire()
		second := a.Acquire()
		a.Release(first)

		if got := a.Acquire(); got != first {
			t.Errorf("expected released port %d to be reused, got %d", first, got)
		}
		if got := a.Acquire(); got != second+1 {
			t.Errorf("expected fresh port %d, got %d", second+1, got)
		}
	})

	t.Run("Never Issued Ports Are Ignored On Release", func(t *testing.T) {
		a := NewDebugPortAllocator(9229)
		a.Release(9500)
		if got := a.Acquire(); got != 9229 {
			t.Errorf("expected base port 9229, got %d", got)
		}
	})

	t.Run("Concurrent Acquires Stay Unique", func(t *testing.T) {
		a := NewDebugPortAllocator(9229)
		const n = 50
		ports := make(chan int, n)
		for i := 0; i < n; i++ {
			go func() {
				ports <- a.Acquire()
			}()
		}
		seen := make(map[int]bool, n)
		for i := 0; i < n; i++ {
			p := <-ports
			if seen[p] {
				t.Fatalf("port %d issued twice", p)
			}
			seen[p] = true
		}
	})
}
