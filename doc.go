// Command uniclon runs the render engine: an HTTP API that queues video
// uniquification batches, renders each copy through the external transcode
// script with automatic recovery, and scores every batch for uniqueness.
//
// # Application Lifecycle
//
//  1. Memory configuration: GOMEMLIMIT from MEMORY_LIMIT and MEMORY_RATIO
//  2. Configuration loading: environment variables, directory checks
//  3. Run ledger: SQLite database under DATABASE_DIR
//  4. Components:
//     - Adaptive controller: history of recent scores, picks the next mode
//     - Scheduler: priority queue with render slots, eco mode and a CPU gate
//     - Runner: the transcode script, one process per copy attempt
//     - Batch service: variants, recovery, quality audit and reports
//     - Metrics collector: ledger totals every minute
//  5. HTTP server: API routes, access log, compression, metrics port
//  6. Graceful shutdown on SIGINT/SIGTERM
package main
