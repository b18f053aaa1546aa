// Package inbound turns platform job deliveries into results.
//
// Deliveries run under claim/complete/fail idempotency semantics so
// retryable failures stay redeliverable while finished jobs replay their
// recorded result instead of executing twice.
package inbound
