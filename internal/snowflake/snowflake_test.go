package snowflake

import (
	"sync"
	"testing"
)

func TestGenerate_Unique(t *testing.T) {
	node := NewNode(3)

	const goroutines = 8
	const perGoroutine = 2000

	var mu sync.Mutex
	seen := make(map[ID]struct{}, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]ID, 0, perGoroutine)
			for j := 0; j < perGoroutine; j++ {
				local = append(local, node.Generate())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Errorf("Expected %d ids, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestGenerate_Increasing(t *testing.T) {
	node := NewNode(1)
	prev := node.Generate()
	for i := 0; i < 1000; i++ {
		next := node.Generate()
		if next <= prev {
			t.Fatalf("id went backwards: %d after %d", next, prev)
		}
		prev = next
	}
}

func TestNewNode_OutOfRange(t *testing.T) {
	node := NewNode(maxNodeID + 1)
	if node.nodeID != 1 {
		t.Errorf("Expected node id to fall back to 1, got %d", node.nodeID)
	}
}

func TestID_String(t *testing.T) {
	if got := ID(1234567890123).String(); got != "1234567890123" {
		t.Errorf("Unexpected string %q", got)
	}
}
