package syncwire

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/fmsync/internal/ir"
)

// Loopback is an in-memory broadcast bus. Messages are queued per
// (sender, receiver) pair and only delivered when the test asks for them, so
// delivery order is fully under the caller's control.
type Loopback struct {
	mu    sync.Mutex
	peers map[ir.SiteID]*LoopbackPeer
	order []ir.SiteID
}

// NewLoopback creates an empty bus.
func NewLoopback() *Loopback {
	return &Loopback{peers: make(map[ir.SiteID]*LoopbackPeer)}
}

// Join attaches site to the bus. Joining twice returns the same peer.
func (l *Loopback) Join(site ir.SiteID) *LoopbackPeer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.peers[site]; ok {
		return p
	}
	p := &LoopbackPeer{bus: l, site: site, inbox: make(map[ir.SiteID][][]byte)}
	l.peers[site] = p
	l.order = append(l.order, site)
	return p
}

// LoopbackPeer is one site's attachment to a Loopback. It implements
// Transport.
type LoopbackPeer struct {
	bus  *Loopback
	site ir.SiteID

	// Guarded by bus.mu.
	inbox map[ir.SiteID][][]byte
	down  bool
}

// Site returns the site this peer belongs to.
func (p *LoopbackPeer) Site() ir.SiteID {
	return p.site
}

// Send queues msg for every other peer.
func (p *LoopbackPeer) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	if p.down {
		return &TransportError{Op: "send", Err: ErrNotConnected}
	}
	for _, site := range p.bus.order {
		if site == p.site {
			continue
		}
		to := p.bus.peers[site]
		to.inbox[p.site] = append(to.inbox[p.site], slices.Clone(msg))
	}
	return nil
}

// SetDown simulates an outage: while down, Send fails.
func (p *LoopbackPeer) SetDown(down bool) {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	p.down = down
}

// Take removes and returns the messages queued from sender, oldest first.
func (p *LoopbackPeer) Take(from ir.SiteID) [][]byte {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	msgs := p.inbox[from]
	delete(p.inbox, from)
	return msgs
}

// Pending returns how many messages are queued from sender.
func (p *LoopbackPeer) Pending(from ir.SiteID) int {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	return len(p.inbox[from])
}

// Deliver takes everything queued from sender and hands it to h in order.
// Delivery stops at the first handler error.
func (p *LoopbackPeer) Deliver(ctx context.Context, from ir.SiteID, h Handler) error {
	for _, msg := range p.Take(from) {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
