// Package xstatenet is a statechart runtime in the SCXML/XState tradition:
// hierarchical and parallel states, guarded transitions, entry/exit actions,
// delayed (after) transitions, invoked services, and shallow/deep history.
//
// The package is split in two tiers. This root package holds the single-machine
// tier: the relaxed-JSON chart parser, the immutable state-tree model, the
// registry of named actions/guards/services, and the Machine interpreter.
// A Machine is deliberately not goroutine-safe; it expects a single caller at
// a time. Serialization of callers is the job of the orchestrator tier
// (package orchestrator), which runs a pool of single-consumer event channels
// and mediates all inter-machine traffic through deferred sends collected on
// an OrchestratedContext.
//
// Sibling packages: orchestrator (event bus, channel groups), resilience
// (circuit breaker, bounded channels, timeout protection), pipebus
// (line-framed JSON message bus for cross-process machines).
package xstatenet
