package connection

import (
	"context"
	"sync"
)

// opCanceler tracks the cancel funcs of long running operations so
// CancelInstall can reach them without waiting for the operation slot.
type opCanceler struct {
	mu      sync.Mutex
	cancels map[string]*cancelEntry
}

type cancelEntry struct {
	op     string
	cancel context.CancelFunc
}

func newOpCanceler() *opCanceler {
	return &opCanceler{
		cancels: make(map[string]*cancelEntry),
	}
}

func (rc *opCanceler) register(id, op string, cancel context.CancelFunc) func() {
	entry := &cancelEntry{op: op, cancel: cancel}
	rc.mu.Lock()
	rc.cancels[id] = entry
	rc.mu.Unlock()
	return func() {
		rc.mu.Lock()
		if c, ok := rc.cancels[id]; ok && c == entry {
			delete(rc.cancels, id)
		}
		rc.mu.Unlock()
	}
}

// cancelAll cancels every registered operation and reports how many there were.
func (rc *opCanceler) cancelAll() int {
	rc.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(rc.cancels))
	for id, entry := range rc.cancels {
		cancels = append(cancels, entry.cancel)
		delete(rc.cancels, id)
	}
	rc.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// running returns the name of a registered operation, if any.
func (rc *opCanceler) running() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, entry := range rc.cancels {
		return entry.op
	}
	return ""
}
