// Package scheduler admits render requests onto a small, host-wide set of
// render slots.
//
// Requests wait in a min-heap ordered by (priority, enqueue sequence): lower
// priority values go first and equal priorities are FIFO. A single control
// goroutine owns the heap and the set of active tickets; every public method
// hands it a closure over a channel, so there is no shared mutable state
// outside that goroutine.
//
// Before granting a slot the control loop samples host CPU load. While load
// is above the threshold it holds the queue and re-checks on a ticker. Eco
// tickets (eco mode, or more copies than the eco threshold) run alone, and a
// user never holds two slots at once.
//
// A Grant must be released exactly once. Release is idempotent, and a grant
// obtained through Wait is also released when the waiting context ends, so a
// caller that gives up or fails cannot wedge the queue.
package scheduler
