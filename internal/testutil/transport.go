// Package testutil holds test doubles shared across packages.
package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/syncwire"
)

// RecordingTransport records every message sent through it. It can be made
// to fail to simulate an unavailable channel.
//
// Thread-safety: safe for concurrent use via internal mutex.
type RecordingTransport struct {
	mu   sync.Mutex
	msgs [][]byte
	fail error
}

// NewRecordingTransport creates a transport that accepts everything.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{}
}

// Send implements syncwire.Transport.
func (r *RecordingTransport) Send(_ context.Context, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return &syncwire.TransportError{Op: "send", Err: r.fail}
	}
	r.msgs = append(r.msgs, slices.Clone(msg))
	return nil
}

// FailWith makes every following Send fail with err. Pass nil to recover.
func (r *RecordingTransport) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

// Messages returns the recorded messages in send order.
func (r *RecordingTransport) Messages() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.msgs)
}

// Operations decodes the recorded operation envelopes, skipping anything
// else.
func (r *RecordingTransport) Operations() []ir.Operation {
	var ops []ir.Operation
	for _, msg := range r.Messages() {
		if op, err := syncwire.DecodeOperation(msg); err == nil {
			ops = append(ops, op)
		}
	}
	return ops
}

// Reset forgets recorded messages.
func (r *RecordingTransport) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}
