// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the staged dial-and-exchange composition in connect.go and
// compose.go, generalized from a single dial-and-exchange attempt to a
// node-iterating retry/failover/sniff state machine.
//

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// RequestPipeline is the core state machine: given a logical call, it
// consults Pool for a candidate [Node], may ping a resurrecting node or
// trigger a sniff, executes the attempt through Invoker, classifies the
// outcome through Product, and records every transition onto an
// [AuditTrail].
//
// A RequestPipeline is constructed fresh per logical call by [Transport];
// Pool and Invoker are the only state shared across calls.
type RequestPipeline struct {
	Pool    *NodePool
	Product ProductRegistration
	Invoker RequestInvoker
	Factory *ResponseFactory
	Cfg     *Config

	// Logger receives the lifecycle log lines of each call (start and
	// finish) and of each sniff/ping, each carrying the call's [AuditTrail.CallID] so the
	// audit trail and the logs of one logical call can be correlated.
	// Left nil, a call behaves as if set to [DefaultSLogger].
	Logger SLogger
}

func (p *RequestPipeline) logger() SLogger {
	if p.Logger == nil {
		return DefaultSLogger()
	}
	return p.Logger
}

// sniffTrigger identifies why a sniff was attempted, determining which
// "before" [AuditEvent] (if any) is recorded ahead of the attempt.
type sniffTrigger int

const (
	sniffTriggerStartup sniffTrigger = iota
	sniffTriggerStale
	sniffTriggerConnectionFailure
)

// Execute runs pipeline against one logical call and returns a
// [*TransportResponse] parameterized over the deserialized body type T.
// It never returns a nil response and a nil error together: either the
// call produced a response (successful or a synthetic failure) or an
// error escaped (cancellation, or a pool-exhausted or non-success
// terminal promoted by [Config.ThrowExceptions]).
func Execute[T any](ctx context.Context, p *RequestPipeline, method HttpMethod, path string, body PostData, headers http.Header, streamLike bool) (*TransportResponse[T], error) {
	cfg := p.Cfg
	now := cfg.TimeNow
	if now == nil {
		now = time.Now
	}
	start := now()
	audit := NewAuditTrail()
	log := p.logger()
	log.Info("callStart", slog.String("callID", audit.CallID), slog.String("method", string(method)), slog.String("path", path))

	hasDeadline := cfg.MaxRetryTimeout > 0
	deadline := start.Add(cfg.MaxRetryTimeout)

	p.firstPoolUsage(ctx, audit, now, cfg)

	maxAttempts := p.resolveMaxRetries(cfg) + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var attemptErrors []AttemptError
	attemptsMade := 0
	var lastNode *Node
	forcedAllDead := false

	it := p.Pool.Nodes(now())

nodeLoop:
	for {
		if err := ctx.Err(); err != nil {
			audit.Append(AuditEvent{Kind: AuditCancellationRequested, Timestamp: now(), Exception: err})
			cfg.MetricsHook.CallFinished(method, attemptsMade, false, now().Sub(start))
			log.Info("callFinished", slog.String("callID", audit.CallID), slog.Bool("success", false), slog.Any("err", err))
			return nil, err
		}

		t := now()
		if hasDeadline && t.After(deadline) {
			audit.Append(AuditEvent{Kind: AuditMaxTimeoutReached, Timestamp: t})
			break
		}

		node, ok := it.Next()
		if !ok && !forcedAllDead && attemptsMade == 0 {
			if forced := p.Pool.SoonestReviving(); forced != nil {
				audit.Append(AuditEvent{Kind: AuditAllNodesDead, Node: forced, Timestamp: now()})
				node, ok, forcedAllDead = forced, true, true
			}
		}
		if !ok {
			break
		}
		lastNode = node

		if p.Product.SupportsSniff() && cfg.SniffOnStaleCluster {
			p.trySniff(ctx, audit, now, cfg, sniffTriggerStale)
		}

		if node.State(now()) == NodeResurrecting && p.Product.SupportsPing() && !cfg.DisablePings {
			if err := p.ping(ctx, node, audit, now, cfg); err != nil {
				p.Pool.MarkDead(node, now(), cfg.DeadTimeout, cfg.MaxDeadTimeout)
				cfg.MetricsHook.NodeMarkedDead(node, node.FailedAttempts())
				attemptErrors = append(attemptErrors, AttemptError{Node: node, Err: err})
				continue
			}
		}

		attemptsMade++
		endpoint := Endpoint{Method: method, PathAndQuery: path, Node: node}
		cfg.MetricsHook.AttemptStarted(node, method)
		t0 := now()

		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.RequestTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		}
		outcome, invokeErr := p.Invoker.Invoke(attemptCtx, endpoint, body, headers, cfg)
		if cancel != nil {
			cancel()
		}
		elapsed := now().Sub(t0)

		if invokeErr != nil {
			category := ClassifyAttemptError(ctx, invokeErr)
			cfg.MetricsHook.AttemptFinished(node, method, 0, category, elapsed)

			if category == ErrorCategoryCancellation {
				audit.Append(AuditEvent{Kind: AuditCancellationRequested, Node: node, Timestamp: now(), Duration: elapsed, Exception: invokeErr})
				cfg.MetricsHook.CallFinished(method, attemptsMade, false, now().Sub(start))
				log.Info("callFinished", slog.String("callID", audit.CallID), slog.Bool("success", false), slog.Any("err", invokeErr))
				return nil, invokeErr
			}

			audit.Append(AuditEvent{Kind: AuditBadResponse, Node: node, Timestamp: now(), Duration: elapsed, Exception: invokeErr})
			p.Pool.MarkDead(node, now(), cfg.DeadTimeout, cfg.MaxDeadTimeout)
			cfg.MetricsHook.NodeMarkedDead(node, node.FailedAttempts())
			attemptErrors = append(attemptErrors, AttemptError{Node: node, Err: invokeErr})

			if p.Product.SupportsSniff() && !cfg.DisableSniffOnConnectionFailure {
				p.trySniff(ctx, audit, now, cfg, sniffTriggerConnectionFailure)
			}
			if attemptsMade >= maxAttempts {
				audit.Append(AuditEvent{Kind: AuditMaxRetriesReached, Timestamp: now()})
				break nodeLoop
			}
			continue
		}

		success := p.Product.HTTPStatusCodeClassifier(method, outcome.StatusCode)
		retryable := !success && method.IsIdempotent() && containsInt(cfg.RetryableStatusCodes, outcome.StatusCode)
		cfg.MetricsHook.AttemptFinished(node, method, outcome.StatusCode, ErrorCategoryNone, elapsed)

		if retryable {
			audit.Append(AuditEvent{Kind: AuditBadResponse, Node: node, Timestamp: now(), Duration: elapsed})
			if outcome.Body != nil {
				outcome.Body.Close()
			}
			p.Pool.MarkDead(node, now(), cfg.DeadTimeout, cfg.MaxDeadTimeout)
			cfg.MetricsHook.NodeMarkedDead(node, node.FailedAttempts())
			attemptErrors = append(attemptErrors, AttemptError{
				Node: node,
				Err:  fmt.Errorf("transport: retryable status %d from %s", outcome.StatusCode, endpoint.Node.URI),
			})

			if p.Product.SupportsSniff() && !cfg.DisableSniffOnConnectionFailure {
				p.trySniff(ctx, audit, now, cfg, sniffTriggerConnectionFailure)
			}
			if attemptsMade >= maxAttempts {
				audit.Append(AuditEvent{Kind: AuditMaxRetriesReached, Timestamp: now()})
				break nodeLoop
			}
			continue
		}

		kind := AuditHealthyResponse
		if !success {
			kind = AuditBadResponse
		}
		audit.Append(AuditEvent{Kind: kind, Node: node, Timestamp: now(), Duration: elapsed})
		p.Pool.MarkAlive(node)
		cfg.MetricsHook.CallFinished(method, attemptsMade, success, now().Sub(start))
		log.Info("callFinished", slog.String("callID", audit.CallID), slog.Bool("success", success), slog.Int("attempts", attemptsMade))

		resp := BuildResponse[T](p.Factory, outcome, nil, BuildParams{
			Method: method, URI: endpoint.URL(), Node: node, Product: p.Product,
			StreamLike: streamLike, Started: start, Now: now, Audit: audit,
		})
		if !success && cfg.ThrowExceptions {
			reason, _ := p.Product.TryGetServerErrorReason(resp.ApiCallDetails)
			resp.Close()
			return nil, &RequestFailedError{Details: resp.ApiCallDetails, Reason: reason}
		}
		return resp, nil
	}

	if attemptsMade == 0 {
		audit.Append(AuditEvent{Kind: AuditNoNodesAttempted, Timestamp: now()})
	} else {
		audit.Append(AuditEvent{Kind: AuditFailedOverAllNodes, Timestamp: now()})
	}
	cfg.MetricsHook.CallFinished(method, attemptsMade, false, now().Sub(start))

	aggErr := &PoolExhaustedError{Attempts: attemptErrors}
	log.Info("callFinished", slog.String("callID", audit.CallID), slog.Bool("success", false), slog.Int("attempts", attemptsMade), slog.Any("err", aggErr))
	if cfg.ThrowExceptions {
		return nil, aggErr
	}
	return BuildResponse[T](p.Factory, nil, aggErr, BuildParams{
		Method: method, URI: path, Node: lastNode, Product: p.Product,
		StreamLike: streamLike, Started: start, Now: now, Audit: audit,
	}), nil
}

// resolveMaxRetries applies the default retry budget: poolSize-1 for
// static/sniffing pools, 0 for a single/cloud pool, unless the caller
// configured an explicit [Config.MaxRetries].
func (p *RequestPipeline) resolveMaxRetries(cfg *Config) int {
	if cfg.MaxRetries >= 0 {
		return cfg.MaxRetries
	}
	if p.Pool.Single() {
		return 0
	}
	if n := p.Pool.Size() - 1; n > 0 {
		return n
	}
	return 0
}

// firstPoolUsage issues the startup sniff exactly once per pool, the
// first time any logical call reaches it.
func (p *RequestPipeline) firstPoolUsage(ctx context.Context, audit *AuditTrail, now func() time.Time, cfg *Config) {
	if !p.Product.SupportsSniff() || cfg.DisableSniffOnStartup {
		return
	}
	if !p.Pool.LastSniff().IsZero() {
		return
	}
	p.trySniff(ctx, audit, now, cfg, sniffTriggerStartup)
}

// poolStale reports whether the pool's topology is old enough to warrant
// a stale-cluster sniff. A pool that has never been sniffed is always
// stale.
func (p *RequestPipeline) poolStale(now time.Time, cfg *Config) bool {
	last := p.Pool.LastSniff()
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > cfg.SniffLifespan
}

// ping probes a resurrecting node before it is used for the real request.
// A successful ping marks the node alive; on failure the caller marks it
// dead again with fresh back-off.
func (p *RequestPipeline) ping(ctx context.Context, node *Node, audit *AuditTrail, now func() time.Time, cfg *Config) error {
	audit.Append(AuditEvent{Kind: AuditResurrection, Node: node, Timestamp: now()})

	endpoint := p.Product.CreatePingEndpoint(node)
	t0 := now()

	pingCtx := ctx
	var cancel context.CancelFunc
	if cfg.PingTimeout > 0 {
		pingCtx, cancel = context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
	}

	err := p.Product.Ping(pingCtx, p.Invoker, endpoint, cfg)
	elapsed := now().Sub(t0)
	if err != nil {
		audit.Append(AuditEvent{Kind: AuditPingFailure, Node: node, Timestamp: now(), Duration: elapsed, Exception: err})
		p.logger().Info("pingDone", slog.String("callID", audit.CallID), slog.String("node", node.URI.String()), slog.Any("err", err))
		return err
	}
	p.Pool.MarkAlive(node)
	audit.Append(AuditEvent{Kind: AuditPingSuccess, Node: node, Timestamp: now(), Duration: elapsed})
	p.logger().Info("pingDone", slog.String("callID", audit.CallID), slog.String("node", node.URI.String()))
	return nil
}

// trySniff attempts to acquire the pool's exclusive sniff slot and, if
// the trigger condition still holds once acquired, runs a sniff and
// reseeds the pool on success. Late arrivals that cannot acquire the
// slot within the bounded wait simply skip their own sniff, reusing
// whatever topology the winner left behind.
func (p *RequestPipeline) trySniff(ctx context.Context, audit *AuditTrail, now func() time.Time, cfg *Config, trigger sniffTrigger) {
	waitTimeout := cfg.PingTimeout
	if waitTimeout <= 0 {
		waitTimeout = cfg.RequestTimeout
	}
	if !p.Pool.acquireSniffSlot(ctx, waitTimeout) {
		return
	}
	defer p.Pool.releaseSniffSlot()

	t := now()
	switch trigger {
	case sniffTriggerStartup:
		if !p.Pool.LastSniff().IsZero() {
			return
		}
		audit.Append(AuditEvent{Kind: AuditSniffOnStartup, Timestamp: t})
	case sniffTriggerStale:
		if !p.poolStale(t, cfg) {
			return
		}
		audit.Append(AuditEvent{Kind: AuditSniffedOnStaleCluster, Timestamp: t})
	case sniffTriggerConnectionFailure:
		// No distinct "before" event is defined for this trigger; the
		// pair of Success/Failure events below still records it.
	}

	p.Pool.SetLastSniff(t)
	nodes, err := p.sniffOnce(ctx, cfg)
	elapsed := now().Sub(t)

	if err != nil {
		audit.Append(AuditEvent{Kind: AuditSniffFailure, Timestamp: now(), Duration: elapsed, Exception: err})
		cfg.MetricsHook.SniffCompleted(false, 0)
		p.logger().Info("sniffDone", slog.String("callID", audit.CallID), slog.Any("err", err))
		return
	}
	p.Pool.Reseed(nodes, p.Pool.UsingSsl())
	audit.Append(AuditEvent{Kind: AuditSniffSuccess, Timestamp: now(), Duration: elapsed})
	cfg.MetricsHook.SniffCompleted(true, len(nodes))
	p.logger().Info("sniffDone", slog.String("callID", audit.CallID), slog.Int("discovered", len(nodes)))
}

// sniffOnce tries each current pool node in [ProductRegistration.SniffOrder]
// order, skipping any node [ProductRegistration.NodePredicate] rejects, and
// returns the first successfully discovered node set.
func (p *RequestPipeline) sniffOnce(ctx context.Context, cfg *Config) ([]*Node, error) {
	candidates := p.Pool.Snapshot()
	sort.SliceStable(candidates, func(i, j int) bool {
		return p.Product.SniffOrder(candidates[i]) < p.Product.SniffOrder(candidates[j])
	})

	var lastErr error
	tried := 0
	for _, node := range candidates {
		if !p.Product.NodePredicate(node) {
			continue
		}
		tried++

		endpoint := p.Product.CreateSniffEndpoint(node)
		sniffCtx := ctx
		var cancel context.CancelFunc
		timeout := cfg.PingTimeout
		if timeout <= 0 {
			timeout = cfg.RequestTimeout
		}
		if timeout > 0 {
			sniffCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		nodes, err := p.Product.Sniff(sniffCtx, p.Invoker, endpoint, cfg, p.Pool.UsingSsl())
		if cancel != nil {
			cancel()
		}
		if err == nil && len(nodes) > 0 {
			return nodes, nil
		}
		if err == nil {
			err = errors.New("transport: sniff returned no usable nodes")
		}
		lastErr = err
	}
	if tried == 0 {
		return nil, errors.New("transport: no sniff candidates passed the node predicate")
	}
	return nil, lastErr
}
