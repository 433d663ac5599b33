// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
)

// NodePool is an ordered collection of [Node] plus liveness tracking.
//
// The pool is internally synchronized: reseed swaps the backing array
// under an exclusive latch, so concurrent [NodePool.Nodes] traversals
// observe either the old set or the entire new set, never a partial one.
type NodePool struct {
	mu sync.RWMutex

	nodes     []*Node
	cursor    int
	seedNodes []*Node

	supportsReseeding bool
	usingSsl          bool
	single            bool

	generation uint64
	lastSniff  time.Time

	// sniffSlot is a one-token semaphore enforcing "at most one sniff in
	// flight per pool". A buffered channel rather than a plain mutex so
	// acquisition can honor a bounded wait/cancellation.
	sniffSlot chan struct{}
}

func newPool(nodes []*Node, usingSsl, supportsReseeding, single bool) *NodePool {
	// A pool must never be empty after construction.
	runtimex.Assert(len(nodes) > 0)
	deduped := dedupeNodes(nodes)
	seed := make([]*Node, len(deduped))
	copy(seed, deduped)
	sniffSlot := make(chan struct{}, 1)
	sniffSlot <- struct{}{}
	return &NodePool{
		nodes:             deduped,
		seedNodes:         seed,
		usingSsl:          usingSsl,
		sniffSlot:         sniffSlot,
		supportsReseeding: supportsReseeding,
		single:            single,
	}
}

func dedupeNodes(nodes []*Node) []*Node {
	seen := make(map[string]bool, len(nodes))
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		key := n.URI.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}

// NewSinglePool returns a [*NodePool] that always yields the one node it
// was constructed with, regardless of liveness state. It never reseeds.
func NewSinglePool(node *Node) *NodePool {
	return newPool([]*Node{node}, false, false, true)
}

// NewCloudPool returns a [*NodePool] for a cloud-endpoint deployment: a
// single node resolved from a cloud ID, never reseeded. See
// [ParseCloudID] for how the node's URI is derived.
func NewCloudPool(node *Node) *NodePool {
	return newPool([]*Node{node}, true, false, true)
}

// NewStaticPool returns a [*NodePool] that round-robins over a fixed node
// set and never reseeds.
func NewStaticPool(nodes []*Node, usingSsl bool) *NodePool {
	return newPool(nodes, usingSsl, false, false)
}

// NewSniffingPool returns a [*NodePool] that round-robins like
// [NewStaticPool] but additionally supports [NodePool.Reseed] from a sniff
// response.
func NewSniffingPool(nodes []*Node, usingSsl bool) *NodePool {
	return newPool(nodes, usingSsl, true, false)
}

// Size returns the number of nodes currently in the pool.
func (p *NodePool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.nodes)
}

// Single reports whether this pool is a single/cloud-endpoint pool: it
// always yields its one node and never reseeds, so [RequestPipeline]'s
// default retry budget is 0 rather than poolSize-1.
func (p *NodePool) Single() bool {
	return p.single
}

// Snapshot returns a copy of the pool's current node set, regardless of
// liveness state. Unlike [NodePool.Nodes] this is not filtered or
// ordered for traversal; it exists for sniff candidate selection, which
// must be able to reach a currently-dead node to revive the pool's view
// of the cluster.
func (p *NodePool) Snapshot() []*Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Node, len(p.nodes))
	copy(out, p.nodes)
	return out
}

// acquireSniffSlot blocks until the caller holds the pool's exclusive
// sniff slot, ctx is done, or timeout elapses, whichever comes first. A
// caller that acquires the slot must call [NodePool.releaseSniffSlot]
// exactly once. Returns false if the slot could not be acquired, in which
// case the caller holds nothing and must not release.
func (p *NodePool) acquireSniffSlot(ctx context.Context, timeout time.Duration) bool {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-p.sniffSlot:
		return true
	case <-ctx.Done():
		return false
	case <-timeoutCh:
		return false
	}
}

// releaseSniffSlot returns the sniff slot acquired by
// [NodePool.acquireSniffSlot].
func (p *NodePool) releaseSniffSlot() {
	p.sniffSlot <- struct{}{}
}

// SupportsReseeding reports whether the pool may be replaced by sniffing.
func (p *NodePool) SupportsReseeding() bool {
	return p.supportsReseeding
}

// UsingSsl reports whether the pool's nodes were seeded over TLS.
func (p *NodePool) UsingSsl() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.usingSsl
}

// SeedNodes returns the original node set the pool was constructed with.
func (p *NodePool) SeedNodes() []*Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Node, len(p.seedNodes))
	copy(out, p.seedNodes)
	return out
}

// Generation returns the pool's reseed counter: 0 until the first reseed,
// incremented by one on every successful [NodePool.Reseed].
func (p *NodePool) Generation() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.generation
}

// LastSniff returns the timestamp of the most recent sniff attempt,
// successful or not, or the zero time if the pool has never been sniffed.
// A failed sniff resets the staleness clock just as a successful one does.
func (p *NodePool) LastSniff() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSniff
}

// SetLastSniff records the timestamp of a sniff attempt (successful or
// not), resetting the pool's staleness clock.
func (p *NodePool) SetLastSniff(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSniff = t
}

// Reseed atomically replaces the pool's node set, bumping [NodePool.Generation].
// It is a no-op if [NodePool.SupportsReseeding] is false.
func (p *NodePool) Reseed(newNodes []*Node, usingSsl bool) {
	if !p.supportsReseeding || len(newNodes) == 0 {
		return
	}
	deduped := dedupeNodes(newNodes)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = deduped
	p.usingSsl = usingSsl
	p.cursor = 0
	p.generation++
}

// MarkDead marks node dead with an exponential back-off dead-until
// deadline derived from deadTimeout/maxDeadTimeout.
func (p *NodePool) MarkDead(node *Node, now time.Time, deadTimeout, maxDeadTimeout time.Duration) {
	node.markDead(now, deadTimeout, maxDeadTimeout)
}

// MarkAlive marks node alive and resets its failure counter.
func (p *NodePool) MarkAlive(node *Node) {
	node.markAlive()
}

// SoonestReviving returns the node among the pool's current set with the
// earliest dead-until, for the "all nodes dead" forced-attempt case.
// Returns nil only if the pool is empty, which cannot happen after
// construction.
func (p *NodePool) SoonestReviving() *Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var best *Node
	for _, n := range p.nodes {
		if best == nil || n.DeadUntil().Before(best.DeadUntil()) {
			best = n
		}
	}
	return best
}

// NodeIterator is a lazy, restartable, finite sequence of candidate nodes
// produced by [NodePool.Nodes]. It yields at most one [NodeResurrecting]
// node so that revival is probed without starving healthy alternatives.
type NodeIterator struct {
	pool        *NodePool
	now         time.Time
	start       int
	pos         int
	snapshot    []*Node
	resurrected bool
	produced    bool
	advanced    bool
}

// Nodes returns a traversal of candidate nodes as of now, in the order
// determined by the pool's shape: the single/cloud pool always yields its
// one node; the static/sniffing pool round-robins from a per-pool cursor
// that advances when a traversal that yielded at least one node is run to
// exhaustion. A traversal abandoned before [NodeIterator.Next] reports
// exhaustion leaves the cursor unchanged.
func (p *NodePool) Nodes(now time.Time) *NodeIterator {
	p.mu.RLock()
	snapshot := make([]*Node, len(p.nodes))
	copy(snapshot, p.nodes)
	start := p.cursor
	p.mu.RUnlock()

	return &NodeIterator{pool: p, now: now, start: start, snapshot: snapshot}
}

// Next returns the next candidate node, or (nil, false) when the
// traversal is exhausted.
func (it *NodeIterator) Next() (*Node, bool) {
	if it.pool.single {
		if it.pos > 0 || len(it.snapshot) == 0 {
			return nil, false
		}
		it.pos++
		it.produced = true
		return it.snapshot[0], true
	}

	for it.pos < len(it.snapshot) {
		idx := (it.start + it.pos) % len(it.snapshot)
		it.pos++
		n := it.snapshot[idx]
		switch n.State(it.now) {
		case NodeDead:
			continue
		case NodeResurrecting:
			if it.resurrected {
				continue
			}
			it.resurrected = true
		}
		it.produced = true
		return n, true
	}
	it.maybeAdvanceCursor()
	return nil, false
}

func (it *NodeIterator) maybeAdvanceCursor() {
	if it.advanced || it.pool.single || !it.produced {
		return
	}
	it.advanced = true
	it.pool.mu.Lock()
	it.pool.cursor = (it.pool.cursor + 1) % len(it.pool.nodes)
	it.pool.mu.Unlock()
}
