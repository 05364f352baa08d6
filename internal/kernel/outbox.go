package kernel

import (
	"sync"

	"github.com/roach88/fmsync/internal/ir"
)

// pending is one committed operation waiting to be handed to the transport.
type pending struct {
	key ir.OpKey
	msg []byte
}

// outbox is the FIFO of committed but undelivered local operations.
//
// Entries are pushed under the artifact state lock at commit time and
// removed by the delivery path, which runs outside that lock; the outbox
// therefore carries its own mutex.
type outbox struct {
	mu      sync.Mutex
	entries []pending
}

func newOutbox() *outbox {
	return &outbox{entries: make([]pending, 0, 16)}
}

// push appends entries in commit order.
func (o *outbox) push(entries ...pending) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, entries...)
}

// snapshot returns the current entries, oldest first.
func (o *outbox) snapshot() []pending {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]pending, len(o.entries))
	copy(out, o.entries)
	return out
}

// remove drops the entry for key once it has been delivered.
func (o *outbox) remove(key ir.OpKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, e := range o.entries {
		if e.key == key {
			// Nil out the slot so the message bytes can be collected.
			o.entries[i] = pending{}
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return
		}
	}
}

// dropCovered removes every entry a peer has acknowledged.
func (o *outbox) dropCovered(acked ir.Context) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.entries[:0]
	dropped := 0
	for _, e := range o.entries {
		if acked.Includes(e.key) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	clear(o.entries[len(kept):])
	o.entries = kept
	return dropped
}

// Len returns the number of undelivered entries.
func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
