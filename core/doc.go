// Package core contains the avatar worker's domain contracts, entities, and
// job orchestration logic. Lower-level adapters must depend on this package;
// core must not depend on transport, queue, or storage adapters.
package core
