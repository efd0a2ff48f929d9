package api

import (
	"strconv"
	"sync"
	"testing"

	"github.com/coder/websocket"
)

func TestStreamRegistry_RegisterUnregister(t *testing.T) {
	sm := NewStreamRegistry(nil)
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	sm.Register("alice_0", conn1)
	sm.Register("alice_0", conn2)
	if got := sm.Count("alice_0"); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}

	sm.Unregister("alice_0", conn1)
	if got := sm.Count("alice_0"); got != 1 {
		t.Errorf("Count() after unregister = %d, want 1", got)
	}

	// Unregistering a stale connection leaves others alone.
	sm.Unregister("alice_1", conn2)
	if got := sm.Count("alice_0"); got != 1 {
		t.Errorf("Count() after stale unregister = %d, want 1", got)
	}

	sm.Unregister("alice_0", conn2)
	if got := sm.Count("alice_0"); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestStreamRegistry_ConcurrentAccess(t *testing.T) {
	sm := NewStreamRegistry(nil)
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				sid := "visitor" + strconv.Itoa(i) + "_0"
				conn := &websocket.Conn{}
				sm.Register(sid, conn)
				sm.Count(sid)
				sm.Unregister(sid, conn)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 250; i++ {
		if got := sm.Count("visitor" + strconv.Itoa(i) + "_0"); got != 0 {
			t.Fatalf("Count() = %d, want 0", got)
		}
	}
}
