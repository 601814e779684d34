// Package escalation holds the pure decision logic of the escalator:
// priority scoring and the per-stage escalation policy.
//
// Nothing in this package reads the clock or touches storage; callers pass
// "now" and the speed multiplier explicitly so every decision can be
// recomputed from persisted timestamps.
package escalation
