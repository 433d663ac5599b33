// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"net/url"
	"sync"
	"time"
)

// NodeState is the liveness state of a [Node].
type NodeState int

const (
	// NodeAlive means the node is presumed reachable.
	NodeAlive NodeState = iota

	// NodeResurrecting means the node was dead but its dead-until
	// deadline has elapsed; the next call may ping it before use.
	NodeResurrecting

	// NodeDead means the node failed recently and is excluded from
	// traversal until DeadUntil elapses.
	NodeDead
)

func (s NodeState) String() string {
	switch s {
	case NodeAlive:
		return "alive"
	case NodeResurrecting:
		return "resurrecting"
	case NodeDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Capability is an opaque attribute a [Node] may advertise, such as
// "data", "master_eligible" or "http".
type Capability string

// Common capability strings a [ProductRegistration] may test for when
// ordering sniff candidates or filtering nodes eligible for API calls.
const (
	CapabilityData           Capability = "data"
	CapabilityMasterEligible Capability = "master_eligible"
	CapabilityIngest         Capability = "ingest"
	CapabilityHTTP           Capability = "http"
)

// Node is an addressable service endpoint plus its liveness tracking.
//
// A [NodePool] owns its nodes; callers holding a *Node during a pipeline
// attempt must go through the pool's MarkAlive/MarkDead to mutate state so
// that liveness transitions stay serialized with traversal.
type Node struct {
	mu sync.Mutex

	// URI is the node's base address (scheme, host, port, optional root path).
	URI *url.URL

	// Capabilities is the set of opaque attributes this node advertises.
	Capabilities map[Capability]bool

	// ID, Name and Version are optionally populated by a sniff response;
	// empty until then.
	ID      string
	Name    string
	Version string

	state          NodeState
	deadUntil      time.Time
	failedAttempts uint32
}

// NewNode returns a [*Node] in the [NodeAlive] state for the given URI.
func NewNode(uri *url.URL) *Node {
	return &Node{
		URI:          uri,
		Capabilities: map[Capability]bool{},
		state:        NodeAlive,
	}
}

// HasCapability reports whether the node advertises the given capability.
// A node with no capabilities recorded is treated as supporting everything,
// matching the common case of a statically-configured pool that never ran
// a sniff and therefore never learned capabilities.
func (n *Node) HasCapability(c Capability) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.Capabilities) == 0 {
		return true
	}
	return n.Capabilities[c]
}

// State returns the node's current liveness state, resolving a stale
// [NodeDead] state to [NodeResurrecting] once its dead-until has elapsed.
func (n *Node) State(now time.Time) NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stateLocked(now)
}

func (n *Node) stateLocked(now time.Time) NodeState {
	if n.state == NodeDead && !n.deadUntil.After(now) {
		return NodeResurrecting
	}
	return n.state
}

// DeadUntil returns the timestamp after which a dead node may be retried.
func (n *Node) DeadUntil() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deadUntil
}

// FailedAttempts returns the number of consecutive failures recorded
// against this node since its last successful markAlive.
func (n *Node) FailedAttempts() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failedAttempts
}

// markDead transitions the node to [NodeDead] with an exponential
// back-off dead-until deadline: deadUntil = now +
// min(maxDeadTimeout, deadTimeout * 2^min(priorFailures, cap)), where
// priorFailures is the failure count before this one, so the first
// failure backs off for exactly deadTimeout.
//
// cap bounds the exponent so the shift never overflows for pathologically
// long-lived pools.
func (n *Node) markDead(now time.Time, deadTimeout, maxDeadTimeout time.Duration) {
	const shiftCap = 31

	n.mu.Lock()
	defer n.mu.Unlock()

	exp := n.failedAttempts
	if exp > shiftCap {
		exp = shiftCap
	}
	n.failedAttempts++
	backoff := deadTimeout * time.Duration(uint64(1)<<exp)
	if backoff <= 0 || backoff > maxDeadTimeout {
		backoff = maxDeadTimeout
	}
	n.state = NodeDead
	n.deadUntil = now.Add(backoff)
}

// markAlive transitions the node to [NodeAlive] and resets its failure
// counter.
func (n *Node) markAlive() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = NodeAlive
	n.failedAttempts = 0
	n.deadUntil = time.Time{}
}

// setMeta records product-supplied identity learned from a sniff response.
func (n *Node) setMeta(id, name, version string, caps map[Capability]bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ID = id
	n.Name = name
	n.Version = version
	if caps != nil {
		n.Capabilities = caps
	}
}
